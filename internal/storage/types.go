package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run status values.
const (
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunRecord is one finished job, work or workflow. Keep it schema-stable.
type RunRecord struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	RunID    int64         `json:"run_id"`
	Name     string        `json:"name,omitempty"`
	Workflow string        `json:"workflow,omitempty"`
	Status   string        `json:"status"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Store is the run-history API used by the recorder and the CLI.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to n records, newest first.
	RecentRuns(ctx context.Context, n int) ([]RunRecord, error)
	Close() error
}
