package kernelx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/internal/appconfig"
	"pkt.systems/kernelx/internal/eventbus"
	"pkt.systems/kernelx/internal/kernelproc"
	"pkt.systems/kernelx/internal/kernelws"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

// Config configures the compositor.
type Config struct {
	Executor      schema.ExecutorConfig
	Transport     string
	Process       kernelproc.Config
	Websocket     kernelws.Config
	LogExecutions bool
}

// ConfigFromApp maps the on-disk configuration onto a compositor config.
func ConfigFromApp(cfg appconfig.Config) Config {
	env := make([]string, 0, len(cfg.Kernel.Process.Env))
	for key, value := range cfg.Kernel.Process.Env {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	ws := cfg.Kernel.Websocket
	return Config{
		Executor:  cfg.ExecutorSettings(),
		Transport: cfg.Kernel.Transport,
		Process: kernelproc.Config{
			BinaryPath: cfg.Kernel.Process.Binary,
			Args:       append([]string(nil), cfg.Kernel.Process.Args...),
			Env:        env,
			WorkingDir: cfg.Kernel.Process.WorkingDir,
			StopGrace:  time.Duration(cfg.Kernel.Process.StopGraceSeconds) * time.Second,
		},
		Websocket: kernelws.Config{
			BaseURL:   ws.BaseURL,
			Token:     ws.Token,
			KernelID:  ws.KernelID,
			SessionID: ws.SessionID,
			Username:  ws.Username,
		},
		LogExecutions: cfg.Logging.LogExecutions,
	}
}

// Deps captures dependencies required to build a notebook.
type Deps struct {
	// Session replaces the configured transport when set.
	Session   core.KernelSession
	EventSink core.EventSink
	Loggers   []core.ExecutionLogger
	Logger    pslog.Logger
}

// Option toggles compositor components.
type Option func(*options)

type options struct {
	enableBus bool
}

// WithEventBus publishes cell and kernel events on an event bus.
func WithEventBus() Option {
	return func(o *options) { o.enableBus = true }
}

// Notebook is a kernel session with its executor.
type Notebook struct {
	Executor *core.Executor
	// Bus is nil unless WithEventBus was given.
	Bus *eventbus.Bus

	session core.KernelSession
	log     pslog.Logger
}

// Open connects to the configured kernel and builds the executor.
func Open(ctx context.Context, cfg Config, deps Deps, opts ...Option) (*Notebook, error) {
	options := options{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)

	session := deps.Session
	if session == nil {
		opened, err := openSession(ctx, cfg)
		if err != nil {
			return nil, err
		}
		session = opened
	}

	var bus *eventbus.Bus
	if options.enableBus {
		bus = eventbus.New(logger)
	}
	sinks := make([]core.EventSink, 0, 2)
	if deps.EventSink != nil {
		sinks = append(sinks, deps.EventSink)
	}
	if bus != nil {
		sinks = append(sinks, bus)
	}
	executorDeps := core.ExecutorDeps{
		Loggers: append([]core.ExecutionLogger(nil), deps.Loggers...),
		Logger:  logger,
	}
	switch len(sinks) {
	case 0:
	case 1:
		executorDeps.EventSink = sinks[0]
	default:
		executorDeps.EventSink = eventFanout{sinks: sinks}
	}
	if cfg.LogExecutions {
		notebookID := cfg.Executor.NotebookID
		if notebookID == "" {
			notebookID = "default"
		}
		executorDeps.Loggers = append(executorDeps.Loggers, executionLog{notebookID: notebookID})
	}

	executor, err := core.NewExecutor(session, cfg.Executor, executorDeps)
	if err != nil {
		if deps.Session == nil {
			_ = session.Close()
		}
		return nil, err
	}
	logger.Info("notebook open", "transport", cfg.Transport, "notebook", executor.Config().NotebookID, "bus", bus != nil)
	return &Notebook{Executor: executor, Bus: bus, session: session, log: logger}, nil
}

func openSession(ctx context.Context, cfg Config) (core.KernelSession, error) {
	switch cfg.Transport {
	case appconfig.TransportProcess, "":
		return kernelproc.Start(ctx, cfg.Process)
	case appconfig.TransportWebsocket:
		return kernelws.Connect(ctx, cfg.Websocket)
	default:
		return nil, fmt.Errorf("unsupported kernel transport %q", cfg.Transport)
	}
}

// Close disposes the executor, which closes the kernel session.
func (n *Notebook) Close(ctx context.Context) error {
	if n == nil || n.Executor == nil {
		return errors.New("notebook not open")
	}
	err := n.Executor.Dispose(ctx)
	n.log.Info("notebook closed", "err", err)
	return err
}
