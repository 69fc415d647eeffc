package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/kernelx/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	Executor      ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Kernel        KernelConfig   `mapstructure:"kernel" yaml:"kernel"`
	Logging       LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	// StateDir holds per-notebook state such as REPL history.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Kernel transports.
const (
	TransportProcess   = "process"
	TransportWebsocket = "websocket"
)

// ExecutorConfig holds the knobs the notebook executor reads.
type ExecutorConfig struct {
	NotebookID              string `mapstructure:"notebook_id" yaml:"notebook_id"`
	OutputLimit             int    `mapstructure:"output_limit" yaml:"output_limit"`
	StopOnError             bool   `mapstructure:"stop_on_error" yaml:"stop_on_error"`
	CellMarker              string `mapstructure:"cell_marker" yaml:"cell_marker"`
	MarkdownMarker          string `mapstructure:"markdown_marker" yaml:"markdown_marker"`
	StartupCommands         string `mapstructure:"startup_commands" yaml:"startup_commands"`
	WorkingDir              string `mapstructure:"working_dir" yaml:"working_dir"`
	EnablePlotViewer        bool   `mapstructure:"enable_plot_viewer" yaml:"enable_plot_viewer"`
	InterruptTimeoutSeconds int    `mapstructure:"interrupt_timeout_seconds" yaml:"interrupt_timeout_seconds"`
	RestartTimeoutSeconds   int    `mapstructure:"restart_timeout_seconds" yaml:"restart_timeout_seconds"`
	IdleTimeoutSeconds      int    `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

// KernelConfig selects and configures the kernel transport.
type KernelConfig struct {
	Transport string          `mapstructure:"transport" yaml:"transport"`
	Process   ProcessConfig   `mapstructure:"process" yaml:"process"`
	Websocket WebsocketConfig `mapstructure:"websocket" yaml:"websocket"`
}

// ProcessConfig starts a local kernel bridge process.
type ProcessConfig struct {
	Binary           string            `mapstructure:"binary" yaml:"binary"`
	Args             []string          `mapstructure:"args" yaml:"args"`
	Env              map[string]string `mapstructure:"env" yaml:"env"`
	WorkingDir       string            `mapstructure:"working_dir" yaml:"working_dir"`
	StopGraceSeconds int               `mapstructure:"stop_grace_seconds" yaml:"stop_grace_seconds"`
}

// WebsocketConfig connects to a kernel on a Jupyter server.
type WebsocketConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	Token     string `mapstructure:"token" yaml:"token"`
	KernelID  string `mapstructure:"kernel_id" yaml:"kernel_id"`
	SessionID string `mapstructure:"session_id" yaml:"session_id"`
	Username  string `mapstructure:"username" yaml:"username"`
}

// LoggingConfig controls execution logging.
type LoggingConfig struct {
	LogExecutions bool `mapstructure:"log_executions" yaml:"log_executions"`
}

// DefaultConfig returns a config with sensible defaults. The default kernel is
// the built-in mock bridge.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Executor: ExecutorConfig{
			NotebookID:              "default",
			OutputLimit:             0,
			StopOnError:             false,
			CellMarker:              schema.DefaultCellMarker,
			MarkdownMarker:          schema.DefaultMarkdownMarker,
			StartupCommands:         "",
			WorkingDir:              "",
			EnablePlotViewer:        false,
			InterruptTimeoutSeconds: int(schema.DefaultInterruptTimeout / time.Second),
			RestartTimeoutSeconds:   int(schema.DefaultRestartTimeout / time.Second),
			IdleTimeoutSeconds:      int(schema.DefaultIdleTimeout / time.Second),
		},
		Kernel: KernelConfig{
			Transport: TransportProcess,
			Process: ProcessConfig{
				Binary:           "kernelx",
				Args:             []string{"kernel-mock"},
				Env:              map[string]string{},
				WorkingDir:       "",
				StopGraceSeconds: 2,
			},
			Websocket: WebsocketConfig{
				BaseURL:  "",
				Token:    "",
				KernelID: "",
				Username: "kernelx",
			},
		},
		Logging: LoggingConfig{
			LogExecutions: false,
		},
		StateDir: filepath.Join(home, ".kernelx", "state"),
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kernelx", "config.yaml"), nil
}

// ExecutorSettings converts the executor section for core.NewExecutor.
func (c Config) ExecutorSettings() schema.ExecutorConfig {
	e := c.Executor
	return schema.ExecutorConfig{
		NotebookID:       schema.NotebookID(e.NotebookID),
		OutputLimit:      e.OutputLimit,
		StopOnError:      e.StopOnError,
		CellMarker:       e.CellMarker,
		MarkdownMarker:   e.MarkdownMarker,
		StartupCommands:  e.StartupCommands,
		WorkingDir:       e.WorkingDir,
		EnablePlotViewer: e.EnablePlotViewer,
		LocalLaunch:      c.Kernel.Transport == TransportProcess,
		InterruptTimeout: time.Duration(e.InterruptTimeoutSeconds) * time.Second,
		RestartTimeout:   time.Duration(e.RestartTimeoutSeconds) * time.Second,
		IdleTimeout:      time.Duration(e.IdleTimeoutSeconds) * time.Second,
	}
}
