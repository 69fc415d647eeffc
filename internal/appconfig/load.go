package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("executor.notebook_id", cfg.Executor.NotebookID)
	v.SetDefault("executor.output_limit", cfg.Executor.OutputLimit)
	v.SetDefault("executor.stop_on_error", cfg.Executor.StopOnError)
	v.SetDefault("executor.cell_marker", cfg.Executor.CellMarker)
	v.SetDefault("executor.markdown_marker", cfg.Executor.MarkdownMarker)
	v.SetDefault("executor.startup_commands", cfg.Executor.StartupCommands)
	v.SetDefault("executor.working_dir", cfg.Executor.WorkingDir)
	v.SetDefault("executor.enable_plot_viewer", cfg.Executor.EnablePlotViewer)
	v.SetDefault("executor.interrupt_timeout_seconds", cfg.Executor.InterruptTimeoutSeconds)
	v.SetDefault("executor.restart_timeout_seconds", cfg.Executor.RestartTimeoutSeconds)
	v.SetDefault("executor.idle_timeout_seconds", cfg.Executor.IdleTimeoutSeconds)
	v.SetDefault("kernel.transport", cfg.Kernel.Transport)
	v.SetDefault("kernel.process.binary", cfg.Kernel.Process.Binary)
	v.SetDefault("kernel.process.args", cfg.Kernel.Process.Args)
	v.SetDefault("kernel.process.env", cfg.Kernel.Process.Env)
	v.SetDefault("kernel.process.working_dir", cfg.Kernel.Process.WorkingDir)
	v.SetDefault("kernel.process.stop_grace_seconds", cfg.Kernel.Process.StopGraceSeconds)
	v.SetDefault("kernel.websocket.base_url", cfg.Kernel.Websocket.BaseURL)
	v.SetDefault("kernel.websocket.token", cfg.Kernel.Websocket.Token)
	v.SetDefault("kernel.websocket.kernel_id", cfg.Kernel.Websocket.KernelID)
	v.SetDefault("kernel.websocket.session_id", cfg.Kernel.Websocket.SessionID)
	v.SetDefault("kernel.websocket.username", cfg.Kernel.Websocket.Username)
	v.SetDefault("logging.log_executions", cfg.Logging.LogExecutions)
	v.SetDefault("state_dir", cfg.StateDir)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateKernelConfig(cfg.Kernel); err != nil {
		return Config{}, err
	}
	if err := validateExecutorConfig(cfg.Executor); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateKernelConfig(cfg KernelConfig) error {
	switch cfg.Transport {
	case TransportProcess:
		if strings.TrimSpace(cfg.Process.Binary) == "" {
			return fmt.Errorf("kernel.process.binary is required for the process transport")
		}
	case TransportWebsocket:
		baseURL := strings.TrimSpace(cfg.Websocket.BaseURL)
		parsed, err := url.Parse(baseURL)
		if baseURL == "" || err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("kernel.websocket.base_url must include scheme and host (e.g. http://localhost:8888)")
		}
		if strings.TrimSpace(cfg.Websocket.KernelID) == "" {
			return fmt.Errorf("kernel.websocket.kernel_id is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unsupported kernel.transport %q", cfg.Transport)
	}
	return nil
}

func validateExecutorConfig(cfg ExecutorConfig) error {
	if cfg.OutputLimit < 0 {
		return fmt.Errorf("executor.output_limit must not be negative")
	}
	if cfg.InterruptTimeoutSeconds < 0 || cfg.RestartTimeoutSeconds < 0 || cfg.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("executor timeouts must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Executor.WorkingDir = expandEnv(cfg.Executor.WorkingDir)
	cfg.Kernel.Process.Binary = expandEnv(cfg.Kernel.Process.Binary)
	cfg.Kernel.Process.WorkingDir = expandEnv(cfg.Kernel.Process.WorkingDir)
	for key, value := range cfg.Kernel.Process.Env {
		cfg.Kernel.Process.Env[key] = expandEnv(value)
	}
	cfg.Kernel.Websocket.BaseURL = expandEnv(cfg.Kernel.Websocket.BaseURL)
	cfg.Kernel.Websocket.Token = expandEnv(cfg.Kernel.Websocket.Token)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
