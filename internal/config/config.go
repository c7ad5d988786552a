package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/executor"
	"github.com/livinlefevreloca/storesync/internal/platform"
	"github.com/livinlefevreloca/storesync/internal/runlock"
	"github.com/livinlefevreloca/storesync/internal/scheduler"
	"github.com/livinlefevreloca/storesync/internal/syncer"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config                 `toml:"database"`
	Scheduler scheduler.SchedulerConfig `toml:"scheduler"`
	Executor  executor.Config           `toml:"executor"`
	Tracker   syncer.Config             `toml:"tracker"`
	HTTP      HTTPConfig                `toml:"http"`
	Metrics   MetricsConfig             `toml:"metrics"`
	Logging   LoggingConfig             `toml:"logging"`
	Redis     runlock.RedisConfig       `toml:"redis"`
	Stores    []platform.Store          `toml:"stores"`
}

// HTTPConfig holds HTTP API server settings
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Addr returns the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// MetricsConfig holds metrics/monitoring settings.
// When Port equals the HTTP port, /metrics is served by the API server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Addr returns the listen address
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Address, m.Port)
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database:  db.DefaultConfig(),
		Scheduler: scheduler.DefaultSchedulerConfig(),
		Executor:  executor.DefaultConfig(),
		Tracker:   syncer.DefaultConfig(),
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: runlock.DefaultRedisConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	// If no config file specified, return defaults
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	if err := c.Tracker.Validate(); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}

	// HTTP validation
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr must be specified when redis is enabled")
	}

	// Store validation
	seen := make(map[string]bool, len(c.Stores))
	for i, s := range c.Stores {
		if s.ID == "" {
			return fmt.Errorf("stores[%d]: id must be specified", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("stores[%d]: duplicate store id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.Platform == "" {
			return fmt.Errorf("store %s: platform must be specified", s.ID)
		}
		if s.RequestsPerSecond < 0 {
			return fmt.Errorf("store %s: requests_per_second must not be negative", s.ID)
		}
	}

	return nil
}

// NewLogger builds the process logger described by the logging section
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
