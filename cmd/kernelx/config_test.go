package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", "--path", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("expected written path in output, got %q", out.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	root = newRootCmd()
	root.SetArgs([]string{"config", "init", "--path", path})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected init without --force to refuse an existing file")
	}

	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", "--path", path, "--force"})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init --force: %v", err)
	}

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"config_version: 1", "transport: process", "stop_on_error:"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in config show output:\n%s", want, out.String())
		}
	}
}
