package schema

import (
	"fmt"
	"time"
)

// ExecutorConfig holds the scalar knobs the executor reads.
type ExecutorConfig struct {
	NotebookID NotebookID
	// OutputLimit trims stream and text/plain output to the last N characters.
	// Zero disables trimming.
	OutputLimit int
	// StopOnError cancels every other pending cell when one reports an error.
	StopOnError bool
	// CellMarker is the comment that starts a code cell.
	CellMarker string
	// MarkdownMarker is the comment that starts a markdown cell.
	MarkdownMarker string
	// StartupCommands run silently once per kernel session.
	StartupCommands string
	// WorkingDir is entered during initialization when it exists locally.
	WorkingDir string
	// EnablePlotViewer selects svg+png inline figures instead of png only.
	EnablePlotViewer bool
	// LocalLaunch reports that the kernel runs on this machine.
	LocalLaunch      bool
	InterruptTimeout time.Duration
	RestartTimeout   time.Duration
	IdleTimeout      time.Duration
}

const (
	// DefaultCellMarker starts a code cell.
	DefaultCellMarker = "# %%"
	// DefaultMarkdownMarker starts a markdown cell.
	DefaultMarkdownMarker = "# %% [markdown]"
	// DefaultInterruptTimeout bounds interrupt waits.
	DefaultInterruptTimeout = 10 * time.Second
	// DefaultRestartTimeout bounds restart waits.
	DefaultRestartTimeout = 30 * time.Second
	// DefaultIdleTimeout bounds wait-for-idle.
	DefaultIdleTimeout = 60 * time.Second
)

// NormalizeExecutorConfig applies defaults and validates the config.
func NormalizeExecutorConfig(cfg ExecutorConfig) (ExecutorConfig, error) {
	if cfg.OutputLimit < 0 {
		return ExecutorConfig{}, fmt.Errorf("%w: output limit must not be negative", ErrInvalidConfig)
	}
	if cfg.InterruptTimeout < 0 || cfg.RestartTimeout < 0 || cfg.IdleTimeout < 0 {
		return ExecutorConfig{}, fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if cfg.NotebookID == "" {
		cfg.NotebookID = "default"
	}
	if cfg.CellMarker == "" {
		cfg.CellMarker = DefaultCellMarker
	}
	if cfg.MarkdownMarker == "" {
		cfg.MarkdownMarker = DefaultMarkdownMarker
	}
	if cfg.InterruptTimeout == 0 {
		cfg.InterruptTimeout = DefaultInterruptTimeout
	}
	if cfg.RestartTimeout == 0 {
		cfg.RestartTimeout = DefaultRestartTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	cfg.StartupCommands = NormalizeStartupCommands(cfg.StartupCommands)
	return cfg, nil
}
