package config

import (
	"fmt"
	"strings"

	env "github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "JOBRUNNER_"

// envOverrides are applied on top of the file config when set.
type envOverrides struct {
	LogLevel     string `env:"LOG_LEVEL"`
	MinWorkers   int    `env:"MIN_WORKERS"`
	MaxWorkers   int    `env:"MAX_WORKERS"`
	IdleTimeout  string `env:"IDLE_TIMEOUT"`
	CPUSlots     int    `env:"CPU_SLOTS"`
	NetworkSlots int    `env:"NETWORK_SLOTS"`
	MetricsAddr  string `env:"METRICS_ADDR"`
	StorePath    string `env:"STORE_PATH"`
}

// ApplyEnv overlays JOBRUNNER_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	if s := strings.TrimSpace(o.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if o.MinWorkers > 0 {
		cfg.Pool.MinWorkers = o.MinWorkers
	}
	if o.MaxWorkers > 0 {
		cfg.Pool.MaxWorkers = o.MaxWorkers
	}
	if s := strings.TrimSpace(o.IdleTimeout); s != "" {
		cfg.Pool.IdleTimeout = s
	}
	if o.CPUSlots > 0 {
		cfg.Resources.CPU = o.CPUSlots
	}
	if o.NetworkSlots > 0 {
		cfg.Resources.Network = o.NetworkSlots
	}
	if s := strings.TrimSpace(o.MetricsAddr); s != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = s
	}
	if s := strings.TrimSpace(o.StorePath); s != "" && cfg.Storage != nil {
		cfg.Storage.Path = s
	}
	return nil
}
