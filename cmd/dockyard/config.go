package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Database DatabaseConfig `mapstructure:"database"`
	Project  ProjectConfig  `mapstructure:"project"`
	Restart  RestartConfig  `mapstructure:"restart"`
	Teardown TeardownConfig `mapstructure:"teardown"`
	Up       UpConfig       `mapstructure:"up"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Status   StatusConfig   `mapstructure:"status"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ProjectConfig selects the compose file and the project it deploys.
type ProjectConfig struct {
	// Name overrides the project name. Empty uses the document's name or
	// the compose file's directory.
	Name string `mapstructure:"name"`
	File string `mapstructure:"file"`
}

// RestartConfig holds restart backoff configuration.
type RestartConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// TeardownConfig holds teardown configuration.
type TeardownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// UpConfig holds defaults for the up command.
type UpConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Detach  bool          `mapstructure:"detach"`
}

// ProbeConfig fills healthcheck fields a compose file leaves unset.
type ProbeConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	DefaultRetries  int           `mapstructure:"default_retries"`

	// HealthyFailureThreshold is how many consecutive failures take a
	// healthy service to unhealthy.
	HealthyFailureThreshold int `mapstructure:"healthy_failure_threshold"`
}

// StatusConfig holds status API configuration.
type StatusConfig struct {
	// Addr is the listen address. Empty disables the status API.
	Addr string `mapstructure:"addr"`
}

// RestartPolicy converts the restart section for the lifecycle controller.
func (c RestartConfig) RestartPolicy() corelifecycle.RestartConfig {
	return corelifecycle.RestartConfig{
		BaseDelay:          c.BaseDelay,
		MaxDelay:           c.MaxDelay,
		DefaultMaxAttempts: c.MaxAttempts,
	}
}

// ProbeDefaults converts the probe section for the compose parser.
func (c ProbeConfig) ProbeDefaults() compose.ProbeDefaults {
	return compose.ProbeDefaults{
		Interval: c.DefaultInterval,
		Timeout:  c.DefaultTimeout,
		Retries:  c.DefaultRetries,
	}
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Restart.BaseDelay <= 0 {
		errs = append(errs, errors.New("restart.base_delay must be positive"))
	}
	if c.Restart.MaxDelay < c.Restart.BaseDelay {
		errs = append(errs, errors.New("restart.max_delay must not be below restart.base_delay"))
	}
	if c.Restart.MaxAttempts < 0 {
		errs = append(errs, errors.New("restart.max_attempts must not be negative"))
	}
	if c.Teardown.Timeout <= 0 {
		errs = append(errs, errors.New("teardown.timeout must be positive"))
	}
	if c.Up.Timeout < 0 {
		errs = append(errs, errors.New("up.timeout must not be negative"))
	}
	if c.Probe.DefaultInterval <= 0 || c.Probe.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("probe.default_interval and probe.default_timeout must be positive"))
	}
	if c.Probe.HealthyFailureThreshold < 1 {
		errs = append(errs, errors.New("probe.healthy_failure_threshold must be at least 1"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("docker.host", "")
	v.SetDefault("database.dsn", "./data/dockyard.db")
	v.SetDefault("project.name", "")
	v.SetDefault("project.file", "compose.yaml")
	v.SetDefault("restart.base_delay", "1s")
	v.SetDefault("restart.max_delay", "30s")
	v.SetDefault("restart.max_attempts", 3)
	v.SetDefault("teardown.timeout", "10s")
	v.SetDefault("up.timeout", "5m")
	v.SetDefault("up.detach", false)
	v.SetDefault("probe.default_interval", "30s")
	v.SetDefault("probe.default_timeout", "30s")
	v.SetDefault("probe.default_retries", 3)
	v.SetDefault("probe.healthy_failure_threshold", 1)
	v.SetDefault("status.addr", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("DOCKYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// Logs go to w so that command output on stdout stays machine-readable.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
