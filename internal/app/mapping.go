package app

import (
	"fmt"
	"strings"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/observability"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/pool"
	logx "jobrunner/pkg/logx"
)

const poolName = "jobrunner"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapPoolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		Name:        poolName,
		MinWorkers:  cfg.Pool.MinWorkers,
		MaxWorkers:  cfg.Pool.MaxWorkers,
		IdleTimeout: cfg.IdleTimeout(),
	}
}

func mapHTTPConfig(cfg *config.Config) observability.Config {
	return observability.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Token:   cfg.Metrics.Token,
		Pprof:   cfg.Metrics.Pprof,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			path = "./jobrunner.runs.jsonl"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}
