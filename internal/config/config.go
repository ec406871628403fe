package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/catalogsync/internal/bridge"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/images"
	"github.com/livinlefevreloca/catalogsync/internal/queue"
	"github.com/livinlefevreloca/catalogsync/internal/trigger"
)

// Config represents the application configuration
type Config struct {
	Database db.Config          `toml:"database"`
	Worker   queue.WorkerConfig `toml:"worker"`
	Queue    queue.Config       `toml:"queue"`
	Bridge   bridge.Config      `toml:"bridge"`
	Images   images.Config      `toml:"images"`
	Trigger  trigger.Config     `toml:"trigger"`
	HTTP     HTTPConfig         `toml:"http"`
	Metrics  MetricsConfig      `toml:"metrics"`
	Logging  LoggingConfig      `toml:"logging"`
	Sources  SourcesConfig      `toml:"sources"`
	Adapters []AdapterConfig    `toml:"adapters"`
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

// MetricsConfig controls the /metrics endpoint on the API server
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SourcesConfig points at the YAML source definitions
type SourcesConfig struct {
	Dir         string `toml:"dir"`
	SyncOnStart bool   `toml:"sync_on_start"`
}

// AdapterConfig binds a source slug to its engine script
type AdapterConfig struct {
	Slug   string `toml:"slug"`
	Script string `toml:"script"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "catalogsync.db?_foreign_keys=on&_busy_timeout=5000",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 0,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Worker:  queue.DefaultWorkerConfig(),
		Queue:   queue.DefaultConfig(),
		Bridge:  bridge.DefaultConfig(),
		Images:  images.DefaultConfig(),
		Trigger: trigger.DefaultConfig(),
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Sources: SourcesConfig{
			Dir:         "sources",
			SyncOnStart: true,
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
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

	// Worker and queue validation
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be positive")
	}
	switch c.Queue.Driver {
	case "memory":
		if c.Queue.BufferSize <= 0 {
			return fmt.Errorf("queue buffer_size must be positive")
		}
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue redis addr must be specified")
		}
	default:
		return fmt.Errorf("unsupported queue driver: %s (must be memory or redis)", c.Queue.Driver)
	}

	// Bridge validation
	if c.Bridge.Runtime == "" {
		return fmt.Errorf("bridge runtime must be specified")
	}
	if c.Bridge.FullTimeout <= 0 || c.Bridge.CategoryTimeout <= 0 || c.Bridge.DefaultTimeout <= 0 {
		return fmt.Errorf("bridge timeouts must be positive")
	}

	// Images validation
	if c.Images.StorageDir == "" {
		return fmt.Errorf("images storage_dir must be specified")
	}
	if c.Images.RequestsPerSecond < 0 {
		return fmt.Errorf("images requests_per_second must not be negative")
	}

	if c.Trigger.Enabled && c.Trigger.Interval <= 0 {
		return fmt.Errorf("trigger interval must be positive")
	}

	// HTTP validation
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
	}

	// Logging validation
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	// Adapter validation
	seen := make(map[string]bool)
	for i, a := range c.Adapters {
		if a.Slug == "" || a.Script == "" {
			return fmt.Errorf("adapters[%d]: slug and script are required", i)
		}
		if seen[a.Slug] {
			return fmt.Errorf("adapters[%d]: duplicate slug %s", i, a.Slug)
		}
		seen[a.Slug] = true
	}

	return nil
}

// NewLogger builds the process logger from the logging settings
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
}
