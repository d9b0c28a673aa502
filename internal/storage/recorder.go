package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

// Recorder persists finished-run events from the bus into a Store.
type Recorder struct {
	store Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder subscribes immediately so no event published after it returns is missed.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(256)
	return &Recorder{store: store, log: log.With(logx.Component("recorder")), events: ch, unsub: unsub}
}

// Run persists events until ctx ends, then drains what is already buffered.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case ev, ok := <-r.events:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	rec, ok := RecordFromEvent(ev)
	if !ok {
		return
	}
	if err := r.store.AppendRun(ctx, rec); err != nil {
		r.failed.Add(1)
		r.log.Warn("run.persist.failed", logx.String("name", rec.Name), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// Written counts persisted records.
func (r *Recorder) Written() uint64 { return r.written.Load() }

func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// RecordFromEvent maps a finished-run event to a record. Other events report false.
func RecordFromEvent(ev eventbus.Event) (RunRecord, bool) {
	info, ok := ev.Data.(eventbus.RunInfo)
	if !ok {
		return RunRecord{}, false
	}
	var status string
	switch ev.Type {
	case eventbus.JobDone, eventbus.WorkflowFinished:
		status = StatusDone
	case eventbus.JobFailed:
		status = StatusFailed
	case eventbus.JobCancelled:
		status = StatusCancelled
	case eventbus.WorkFinished:
		status = StatusDone
		if info.Error != "" {
			status = StatusFailed
		}
	default:
		return RunRecord{}, false
	}
	return RunRecord{
		ID:       uuid.NewString(),
		Kind:     info.Kind,
		RunID:    info.ID,
		Name:     info.Name,
		Workflow: info.Workflow,
		Status:   status,
		Started:  info.Started,
		Duration: info.Duration,
		Error:    info.Error,
	}, true
}
