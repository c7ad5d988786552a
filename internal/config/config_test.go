package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/livinlefevreloca/storesync/internal/platform"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

func platformStore(id, name string) platform.Store {
	return platform.Store{ID: id, Platform: name}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Database defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "storesync.db" {
		t.Errorf("expected DSN storesync.db, got %s", cfg.Database.DSN)
	}

	// Scheduler defaults
	if cfg.Scheduler.TickInterval != 30*time.Second {
		t.Errorf("expected tick_interval 30s, got %v", cfg.Scheduler.TickInterval)
	}

	// Executor defaults
	if cfg.Executor.MaxAttempts != 3 {
		t.Errorf("expected max_attempts 3, got %d", cfg.Executor.MaxAttempts)
	}

	// HTTP defaults
	if !cfg.HTTP.Enabled {
		t.Error("expected HTTP enabled by default")
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Errorf("expected HTTP addr 0.0.0.0:8080, got %s", cfg.HTTP.Addr())
	}

	if cfg.Redis.Enabled {
		t.Error("expected redis locking disabled by default")
	}
	if len(cfg.Stores) != 0 {
		t.Errorf("expected no stores by default, got %d", len(cfg.Stores))
	}
}

func TestLoadFromFile(t *testing.T) {
	configPath := writeConfig(t, `
[database]
dsn = "/var/lib/storesync/sync.db"
max_open_conns = 16

[scheduler]
tick_interval = "10s"
workers = 8

[executor]
max_attempts = 5
initial_backoff = "500ms"
max_backoff = "10s"

[http]
port = 9000

[logging]
level = "debug"
format = "text"

[redis]
enabled = true
addr = "redis:6379"

[[stores]]
id = "shop-eu"
name = "EU storefront"
platform = "shopify"
base_url = "https://eu.example.com"
currency = "EUR"
requests_per_second = 2.0

[[stores]]
id = "woo-us"
platform = "woocommerce"
base_url = "https://us.example.com"
call_timeout = "15s"
`)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Check overridden values
	if cfg.Database.DSN != "/var/lib/storesync/sync.db" {
		t.Errorf("unexpected dsn %s", cfg.Database.DSN)
	}
	if cfg.Database.MaxOpenConns != 16 {
		t.Errorf("expected max_open_conns 16, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("expected tick_interval 10s, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Executor.InitialBackoff != 500*time.Millisecond {
		t.Errorf("expected initial_backoff 500ms, got %v", cfg.Executor.InitialBackoff)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("expected HTTP port 9000, got %d", cfg.HTTP.Port)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}

	if len(cfg.Stores) != 2 {
		t.Fatalf("expected 2 stores, got %d", len(cfg.Stores))
	}
	if cfg.Stores[0].Currency != "EUR" || cfg.Stores[0].Platform != "shopify" {
		t.Errorf("unexpected first store %+v", cfg.Stores[0])
	}
	if cfg.Stores[1].CallTimeout != 15*time.Second {
		t.Errorf("expected call_timeout 15s, got %v", cfg.Stores[1].CallTimeout)
	}

	// Check default values still present
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver, got %s", cfg.Database.Driver)
	}
	if cfg.Scheduler.InboxBufferSize != 256 {
		t.Errorf("expected inbox_buffer_size default 256, got %d", cfg.Scheduler.InboxBufferSize)
	}
	if cfg.Redis.KeyPrefix != "storesync:lock:" {
		t.Errorf("expected default key prefix, got %s", cfg.Redis.KeyPrefix)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected loaded config to be valid, got %v", err)
	}
}

func TestLoadFromFile_UnknownKey(t *testing.T) {
	configPath := writeConfig(t, `
[scheduler]
loop_interval = "1s"
`)

	_, err := LoadFromFile(configPath)
	if err == nil || !strings.Contains(err.Error(), "scheduler.loop_interval") {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected no error for empty config path, got %v", err)
	}

	// Should return defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected default driver, got %s", cfg.Database.Driver)
	}
}

func TestValidate_Success(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"invalid driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"empty driver", func(c *Config) { c.Database.Driver = "" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"zero tick", func(c *Config) { c.Scheduler.TickInterval = 0 }},
		{"zero attempts", func(c *Config) { c.Executor.MaxAttempts = 0 }},
		{"tracker buffer", func(c *Config) { c.Tracker.MaxBufferedResults = 0 }},
		{"http port", func(c *Config) { c.HTTP.Port = 99999 }},
		{"metrics port", func(c *Config) { c.Metrics.Port = 0 }},
		{"log level", func(c *Config) { c.Logging.Level = "invalid" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"redis addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"store id", func(c *Config) {
			c.Stores = append(c.Stores, platformStore("", "shopify"))
		}},
		{"store platform", func(c *Config) {
			c.Stores = append(c.Stores, platformStore("a", ""))
		}},
		{"duplicate store", func(c *Config) {
			c.Stores = append(c.Stores, platformStore("a", "shopify"), platformStore("a", "woocommerce"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_HTTPDisabledIgnoresPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.Enabled = false
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected disabled HTTP port to be ignored, got %v", err)
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "rule_id", "r1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("expected info records to be filtered at warn level")
	}
	if !strings.Contains(out, `"rule_id":"r1"`) {
		t.Errorf("expected a JSON record, got %q", out)
	}

	buf.Reset()
	LoggingConfig{Level: "debug", Format: "text"}.NewLogger(&buf).Debug("text record")
	if !strings.Contains(buf.String(), "msg=\"text record\"") {
		t.Errorf("expected a text record, got %q", buf.String())
	}
}
