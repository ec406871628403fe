package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Database defaults
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected driver sqlite3, got %s", cfg.Database.Driver)
	}
	if !strings.Contains(cfg.Database.DSN, "_foreign_keys=on") {
		t.Errorf("expected DSN to enable foreign keys, got %s", cfg.Database.DSN)
	}

	// Worker defaults
	if cfg.Worker.JobTimeout != 7200*time.Second {
		t.Errorf("expected job_timeout 7200s, got %v", cfg.Worker.JobTimeout)
	}
	if cfg.Queue.Driver != "memory" {
		t.Errorf("expected memory queue, got %s", cfg.Queue.Driver)
	}

	// Bridge defaults
	if cfg.Bridge.FullTimeout != 3600*time.Second {
		t.Errorf("expected full_timeout 3600s, got %v", cfg.Bridge.FullTimeout)
	}
	if cfg.Bridge.CategoryTimeout != 1800*time.Second {
		t.Errorf("expected category_timeout 1800s, got %v", cfg.Bridge.CategoryTimeout)
	}
	if cfg.Bridge.DefaultTimeout != 300*time.Second {
		t.Errorf("expected default_timeout 300s, got %v", cfg.Bridge.DefaultTimeout)
	}

	// HTTP defaults
	if !cfg.HTTP.Enabled {
		t.Error("expected HTTP enabled by default")
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Errorf("expected HTTP addr 0.0.0.0:8080, got %s", cfg.HTTP.Addr())
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[database]
dsn = "/var/lib/catalogsync/catalog.db?_foreign_keys=on"

[worker]
concurrency = 4

[queue]
driver = "redis"

[queue.redis]
addr = "redis:6379"
key = "jobs"

[bridge]
runtime = "/usr/bin/node"
full_timeout = "90m"

[images]
storage_dir = "/srv/media"
requests_per_second = 2.5

[trigger]
enabled = true
interval = "30s"

[http]
port = 9000

[logging]
format = "json"

[[adapters]]
slug = "takealot"
script = "engines/takealot.js"

[[adapters]]
slug = "jumia"
script = "engines/jumia.js"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Check overridden values
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Redis.Addr != "redis:6379" || cfg.Queue.Redis.Key != "jobs" {
		t.Errorf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Bridge.FullTimeout != 90*time.Minute {
		t.Errorf("expected full_timeout 90m, got %v", cfg.Bridge.FullTimeout)
	}
	if cfg.Images.RequestsPerSecond != 2.5 {
		t.Errorf("expected requests_per_second 2.5, got %v", cfg.Images.RequestsPerSecond)
	}
	if !cfg.Trigger.Enabled || cfg.Trigger.Interval != 30*time.Second {
		t.Errorf("unexpected trigger config: %+v", cfg.Trigger)
	}
	if len(cfg.Adapters) != 2 || cfg.Adapters[1].Slug != "jumia" {
		t.Errorf("unexpected adapters: %+v", cfg.Adapters)
	}

	// Check default values still present
	if cfg.Bridge.CategoryTimeout != 1800*time.Second {
		t.Errorf("expected default category_timeout, got %v", cfg.Bridge.CategoryTimeout)
	}
	if cfg.Images.UserAgent == "" {
		t.Error("expected default user agent")
	}
	if cfg.Queue.Redis.PollTimeout != 5*time.Second {
		t.Errorf("expected default poll_timeout, got %v", cfg.Queue.Redis.PollTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoadFromFile_UnknownKey(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[bridge]\nruntim = \"node\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil || !strings.Contains(err.Error(), "bridge.runtim") {
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

func TestValidate_Invalid(t *testing.T) {
	tests := map[string]func(*Config){
		"empty driver":    func(c *Config) { c.Database.Driver = "" },
		"postgres driver": func(c *Config) { c.Database.Driver = "postgres" },
		"empty dsn":       func(c *Config) { c.Database.DSN = "" },
		"zero workers":    func(c *Config) { c.Worker.Concurrency = 0 },
		"unknown queue":   func(c *Config) { c.Queue.Driver = "kafka" },
		"trigger without interval": func(c *Config) {
			c.Trigger.Enabled = true
			c.Trigger.Interval = 0
		},
		"redis without addr": func(c *Config) {
			c.Queue.Driver = "redis"
			c.Queue.Redis.Addr = ""
		},
		"no runtime":       func(c *Config) { c.Bridge.Runtime = "" },
		"zero timeout":     func(c *Config) { c.Bridge.DefaultTimeout = 0 },
		"no storage":       func(c *Config) { c.Images.StorageDir = "" },
		"invalid port":     func(c *Config) { c.HTTP.Port = 99999 },
		"invalid level":    func(c *Config) { c.Logging.Level = "invalid" },
		"invalid format":   func(c *Config) { c.Logging.Format = "xml" },
		"adapter missing":  func(c *Config) { c.Adapters = []AdapterConfig{{Slug: "x"}} },
		"adapter repeated": func(c *Config) { c.Adapters = []AdapterConfig{{"x", "a.js"}, {"x", "b.js"}} },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "jobID", 7)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("expected info to be filtered at warn level")
	}
	if !strings.Contains(out, `"jobID":7`) {
		t.Errorf("expected JSON output with jobID, got %s", out)
	}
}
