package appconfig

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/kernelx/schema"
)

func TestDefaultConfigUsesMockKernel(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Kernel.Transport != TransportProcess {
		t.Fatalf("expected process transport, got %q", cfg.Kernel.Transport)
	}
	if len(cfg.Kernel.Process.Args) != 1 || cfg.Kernel.Process.Args[0] != "kernel-mock" {
		t.Fatalf("expected kernel-mock args, got %v", cfg.Kernel.Process.Args)
	}
	if !strings.HasSuffix(cfg.StateDir, filepath.Join(".kernelx", "state")) {
		t.Fatalf("unexpected state dir %q", cfg.StateDir)
	}
}

func TestExecutorSettings(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Executor.NotebookID = "nb"
	cfg.Executor.InterruptTimeoutSeconds = 3
	settings := cfg.ExecutorSettings()
	if settings.NotebookID != schema.NotebookID("nb") || settings.InterruptTimeout != 3*time.Second {
		t.Fatalf("unexpected settings %+v", settings)
	}
	if !settings.LocalLaunch {
		t.Fatalf("process transport should be a local launch")
	}
	cfg.Kernel.Transport = TransportWebsocket
	if cfg.ExecutorSettings().LocalLaunch {
		t.Fatalf("websocket transport is not a local launch")
	}
}
