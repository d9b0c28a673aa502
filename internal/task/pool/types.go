package pool

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMinWorkers  = 2
	DefaultMaxWorkers  = 8
	DefaultIdleTimeout = 30 * time.Second
)

var (
	ErrPoolClosed    = errors.New("pool: closed")
	ErrWorkerStopped = errors.New("pool: worker stopped")
	ErrNilTask       = errors.New("pool: nil task")
)

// Task runs on a worker. ctx carries the worker marker (see Owns).
type Task = func(ctx context.Context)

type Config struct {
	Name        string
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Launcher starts a named long-running goroutine. *supervisor.Supervisor satisfies it.
type Launcher interface {
	Go0(name string, fn func(ctx context.Context))
}

type goLauncher struct{}

func (goLauncher) Go0(_ string, fn func(ctx context.Context)) { go fn(context.Background()) }

type Snapshot struct {
	Name        string        `json:"name"`
	MinWorkers  int           `json:"min_workers"`
	MaxWorkers  int           `json:"max_workers"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	Live        int           `json:"live"`
	Idle        int           `json:"idle"`
	Busy        int           `json:"busy"`
	Waiting     int64         `json:"waiting"`
	Created     uint64        `json:"created"`
	Retired     uint64        `json:"retired"`
	Executed    uint64        `json:"executed"`
	Panics      uint64        `json:"panics"`
	Closed      bool          `json:"closed"`
}

// WorkerEvent is the payload of pool.worker.* events.
type WorkerEvent struct {
	Pool   string `json:"pool"`
	Worker int    `json:"worker"`
	Live   int    `json:"live"`
}

type ctxKey struct{}

// FromContext returns the worker running the current task, if any.
func FromContext(ctx context.Context) (*Worker, bool) {
	if ctx == nil {
		return nil, false
	}
	w, ok := ctx.Value(ctxKey{}).(*Worker)
	return w, ok && w != nil
}
