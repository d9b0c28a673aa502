package config

import (
	"reflect"

	logx "jobrunner/pkg/logx"
)

// SummarizeChange lists the sections that differ and log fields describing the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var fields []logx.Field

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		fields = append(fields,
			logx.Int("pool.min_workers", newCfg.Pool.MinWorkers),
			logx.Int("pool.max_workers", newCfg.Pool.MaxWorkers),
			logx.String("pool.idle_timeout", newCfg.Pool.IdleTimeout),
		)
	}
	if oldCfg.Resources != newCfg.Resources {
		changed = append(changed, "resources")
		fields = append(fields,
			logx.Int("resources.cpu", newCfg.Resources.CPU),
			logx.Int("resources.network", newCfg.Resources.Network),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		fields = append(fields, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	return changed, fields
}
