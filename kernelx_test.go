package kernelx

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"testing"
	"time"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/internal/appconfig"
	"pkt.systems/kernelx/internal/eventbus"
	"pkt.systems/kernelx/internal/kernelmock"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

const helperEnv = "KERNELX_WANT_HELPER_KERNEL"

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	interrupts := make(chan struct{}, 1)
	go func() {
		for range sigs {
			select {
			case interrupts <- struct{}{}:
			default:
			}
		}
	}()
	logger := pslog.NewWithOptions(os.Stderr, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
	err := kernelmock.New(kernelmock.Config{}, os.Stdout, interrupts, logger).Serve(context.Background(), os.Stdin)
	var exitErr *kernelmock.ExitError
	switch {
	case errors.As(err, &exitErr):
		os.Exit(exitErr.Code)
	case err != nil:
		os.Exit(1)
	}
	os.Exit(0)
}

func helperConfig(t *testing.T) Config {
	t.Helper()
	app, err := appconfig.DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	app.Executor.NotebookID = "nb"
	app.Kernel.Process.Binary = os.Args[0]
	app.Kernel.Process.Args = []string{"-test.run=^TestHelperProcess$"}
	app.Kernel.Process.Env = map[string]string{helperEnv: "1"}
	app.Logging.LogExecutions = true
	return ConfigFromApp(app)
}

func TestOpenExecutesAgainstProcessKernel(t *testing.T) {
	ctx := context.Background()
	nb, err := Open(ctx, helperConfig(t), Deps{}, WithEventBus())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = nb.Close(ctx) }()
	events, cancel := nb.Bus.Subscribe("nb")
	defer cancel()

	cells, err := nb.Executor.Execute(ctx, core.ExecuteParams{Code: "# %%\nprint(hello)", File: "demo.py", Line: 1, ID: "c1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(cells) != 1 || cells[0].State != schema.CellFinished {
		t.Fatalf("unexpected cells %+v", cells)
	}
	if len(cells[0].Outputs) != 1 || cells[0].Outputs[0].Text != "hello\n" {
		t.Fatalf("unexpected output %+v", cells[0].Outputs)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == eventbus.EventCell && event.Cell.Cell.ID == "c1" {
				return
			}
		case <-deadline:
			t.Fatalf("expected cell event on the bus")
		}
	}
}

func TestOpenReportsCrash(t *testing.T) {
	ctx := context.Background()
	nb, err := Open(ctx, helperConfig(t), Deps{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = nb.Close(ctx) }()
	_, err = nb.Executor.Execute(ctx, core.ExecuteParams{Code: "exit 137", ID: "c1"})
	if !errors.Is(err, schema.ErrKernelCrashed) || !strings.Contains(err.Error(), "137") {
		t.Fatalf("expected crash with 137, got %v", err)
	}
}

func TestOpenRejectsUnknownTransport(t *testing.T) {
	cfg := helperConfig(t)
	cfg.Transport = "pigeon"
	if _, err := Open(context.Background(), cfg, Deps{}); err == nil || !strings.Contains(err.Error(), "pigeon") {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestConfigFromAppSortsEnv(t *testing.T) {
	app, _ := appconfig.DefaultConfig()
	app.Kernel.Process.Env = map[string]string{"B": "2", "A": "1"}
	cfg := ConfigFromApp(app)
	if strings.Join(cfg.Process.Env, ",") != "A=1,B=2" {
		t.Fatalf("unexpected env %v", cfg.Process.Env)
	}
	if !cfg.Executor.LocalLaunch {
		t.Fatalf("process transport should launch locally")
	}
}

type countingSink struct {
	cells, kernels int
}

func (c *countingSink) OnCell(schema.CellEvent)     { c.cells++ }
func (c *countingSink) OnKernel(schema.KernelEvent) { c.kernels++ }

func TestEventFanoutSkipsNil(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	fan := eventFanout{sinks: []core.EventSink{a, nil, b}}
	fan.OnCell(schema.CellEvent{})
	fan.OnKernel(schema.KernelEvent{})
	if a.cells != 1 || b.cells != 1 || a.kernels != 1 || b.kernels != 1 {
		t.Fatalf("unexpected counts %+v %+v", a, b)
	}
}
