package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Executor.CellMarker != "# %%" || cfg.Kernel.Transport != TransportProcess {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 9
kernel:
  transport: process
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
executor:
  stop_on_error: true
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected missing version error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedTransport(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
kernel:
  transport: carrier-pigeon
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported kernel.transport") {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestLoadRejectsInvalidWebsocketBaseURL(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
kernel:
  transport: websocket
  websocket:
    base_url: localhost:8888
    kernel_id: abc
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "kernel.websocket.base_url") {
		t.Fatalf("expected base_url error, got %v", err)
	}
}

func TestLoadReadsExecutorAndExpandsEnv(t *testing.T) {
	t.Setenv("KERNELX_TEST_TOKEN", "s3cret")
	path := writeConfig(t, `
config_version: 1
executor:
  output_limit: 500
  stop_on_error: true
  startup_commands: "import os\\nimport sys"
kernel:
  transport: websocket
  websocket:
    base_url: http://localhost:8888
    kernel_id: abc
    token: $KERNELX_TEST_TOKEN
logging:
  log_executions: true
state_dir: $KERNELX_TEST_STATE
`)
	t.Setenv("KERNELX_TEST_STATE", "/var/lib/kernelx")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Executor.OutputLimit != 500 || !cfg.Executor.StopOnError || !cfg.Logging.LogExecutions {
		t.Fatalf("unexpected executor config %+v", cfg.Executor)
	}
	if cfg.Kernel.Websocket.Token != "s3cret" {
		t.Fatalf("expected token expansion, got %q", cfg.Kernel.Websocket.Token)
	}
	if cfg.Executor.CellMarker != "# %%" {
		t.Fatalf("expected default cell marker, got %q", cfg.Executor.CellMarker)
	}
	if cfg.StateDir != "/var/lib/kernelx" {
		t.Fatalf("expected state dir expansion, got %q", cfg.StateDir)
	}
}

func TestLoadRejectsNegativeOutputLimit(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
executor:
  output_limit: -1
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "output_limit") {
		t.Fatalf("expected output_limit error, got %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("written default should load: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
