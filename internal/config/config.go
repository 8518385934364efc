package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// DispatchMode names how committed events reach the read model.
type DispatchMode string

const (
	DispatchImmediate DispatchMode = "immediate"
	DispatchDeferred  DispatchMode = "deferred"
	DispatchNotify    DispatchMode = "notify"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Server   ServerConfig   `toml:"server"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig controls runtime log verbosity and the optional dev-file sink.
type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

// DevFileConfig configures the local log file written in dev mode.
type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// OutboxConfig configures dispatch and the drainer.
type OutboxConfig struct {
	Dispatch    DispatchMode `toml:"dispatch"`
	BatchSize   int          `toml:"batch_size"`
	MaxAttempts int          `toml:"max_attempts"`
	Interval    string       `toml:"interval"`
	LeaseTTL    string       `toml:"lease_ttl"`
}

type ServerConfig struct {
	Bind        string `toml:"bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".scopes/log",
			},
		},
		Outbox: OutboxConfig{
			Dispatch:    DispatchImmediate,
			BatchSize:   100,
			MaxAttempts: 5,
			Interval:    "2s",
			LeaseTTL:    "30s",
		},
		Server: ServerConfig{
			Bind:        "127.0.0.1:5437",
			APIEndpoint: "/api/v1",
			MCPEndpoint: "/mcp",
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Outbox.Dispatch = DispatchMode(strings.ToLower(strings.TrimSpace(string(cfg.Outbox.Dispatch))))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Logging.DevFile.Enabled && strings.TrimSpace(c.Logging.DevFile.Dir) == "" {
		return errors.New("logging.dev_file.dir is required when the dev file sink is enabled")
	}

	switch c.Outbox.Dispatch {
	case DispatchImmediate, DispatchDeferred, DispatchNotify:
	default:
		return fmt.Errorf("invalid outbox.dispatch: %q", c.Outbox.Dispatch)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be > 0, got %d", c.Outbox.BatchSize)
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be > 0, got %d", c.Outbox.MaxAttempts)
	}
	if _, err := parsePositiveDuration("outbox.interval", c.Outbox.Interval); err != nil {
		return err
	}
	if _, err := parsePositiveDuration("outbox.lease_ttl", c.Outbox.LeaseTTL); err != nil {
		return err
	}

	if strings.TrimSpace(c.Server.Bind) == "" {
		return errors.New("server.bind is required")
	}
	return nil
}

// DrainInterval returns the parsed background drain interval.
func (c OutboxConfig) DrainInterval() time.Duration {
	d, _ := parsePositiveDuration("outbox.interval", c.Interval)
	return d
}

// Lease returns the parsed drain lease TTL.
func (c OutboxConfig) Lease() time.Duration {
	d, _ := parsePositiveDuration("outbox.lease_ttl", c.LeaseTTL)
	return d
}

func parsePositiveDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0, got %s", field, d)
	}
	return d, nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
