package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMinWorkers  = 2
	DefaultMaxWorkers  = 8
	DefaultIdleTimeout = 30 * time.Second
	DefaultSlots       = 2
	DefaultMetricsAddr = "127.0.0.1:9464"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "30s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Pool      PoolConfig      `json:"pool"`
	Resources ResourcesConfig `json:"resources"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PoolConfig sizes the elastic worker pool. max_workers only takes effect at startup.
type PoolConfig struct {
	MinWorkers  int    `json:"min_workers"`
	MaxWorkers  int    `json:"max_workers"`
	IdleTimeout string `json:"idle_timeout"`
}

// ResourcesConfig holds admission slots per resource class.
type ResourcesConfig struct {
	CPU     int `json:"cpu"`
	Network int `json:"network"`
}

// StorageConfig enables the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobrunner.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the HTTP endpoint serving /metrics, /healthz and /snapshot.
// A non-loopback addr requires a token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{Logging: LoggingConfig{Level: "info", Console: true}}
	cfg.Normalize()
	return cfg
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Pool.MaxWorkers <= 0 {
		c.Pool.MaxWorkers = DefaultMaxWorkers
	}
	if c.Pool.MinWorkers <= 0 {
		c.Pool.MinWorkers = min(DefaultMinWorkers, c.Pool.MaxWorkers)
	}
	if strings.TrimSpace(c.Pool.IdleTimeout) == "" {
		c.Pool.IdleTimeout = DefaultIdleTimeout.String()
	}
	if c.Resources.CPU <= 0 {
		c.Resources.CPU = DefaultSlots
	}
	if c.Resources.Network <= 0 {
		c.Resources.Network = DefaultSlots
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Storage != nil {
		c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		errs = append(errs, fmt.Errorf("pool.min_workers (%d) > pool.max_workers (%d)", c.Pool.MinWorkers, c.Pool.MaxWorkers))
	}
	if _, err := ParseDurationField("pool.idle_timeout", c.Pool.IdleTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Storage != nil {
		switch c.Storage.Driver {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IdleTimeout returns the parsed pool idle timeout.
func (c *Config) IdleTimeout() time.Duration {
	d, err := ParseDurationField("pool.idle_timeout", c.Pool.IdleTimeout)
	if err != nil || d <= 0 {
		return DefaultIdleTimeout
	}
	return d
}

// ParseDurationField parses raw, reporting errors against the config path. Empty is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
