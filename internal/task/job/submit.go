package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

var (
	ErrNilJob      = errors.New("job: nil job")
	ErrNoExecutor  = errors.New("job: no executor")
	ErrNilCallback = errors.New("job: nil callback")
)

// Executor runs a task asynchronously on some goroutine. The elastic pool is the
// production implementation; Execute may block while no worker is available.
type Executor interface {
	Execute(ctx context.Context, task func(ctx context.Context)) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task func(ctx context.Context)) error

func (fn ExecutorFunc) Execute(ctx context.Context, task func(ctx context.Context)) error {
	return fn(ctx, task)
}

type Option func(*Submitter)

func WithLogger(log logx.Logger) Option { return func(s *Submitter) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Submitter) { s.bus = bus } }

// Submitter turns jobs into futures and hands them to an Executor.
type Submitter struct {
	exec Executor
	res  *Resources
	log  logx.Logger
	bus  eventbus.Bus

	seq       atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
	failed    atomic.Uint64
}

type Stats struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
	Failed    uint64 `json:"failed"`
}

// NewSubmitter builds a submitter. A nil res gets DefaultResources.
func NewSubmitter(exec Executor, res *Resources, opts ...Option) *Submitter {
	if res == nil {
		res = DefaultResources()
	}
	s := &Submitter{exec: exec, res: res, bus: eventbus.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	s.log = s.log.With(logx.Component("job"))
	return s
}

func (s *Submitter) Resources() *Resources { return s.res }

func (s *Submitter) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Cancelled: s.cancelled.Load(),
		Failed:    s.failed.Load(),
	}
}

// Submit schedules j and returns its future. listener may be nil.
func Submit[T any](ctx context.Context, s *Submitter, j Job[T], listener FutureListener[T]) (*Future[T], error) {
	return SubmitNamed(ctx, s, "", j, listener)
}

// SubmitNamed is Submit with a name carried into logs and events.
// It blocks while the executor has no free worker.
func SubmitNamed[T any](ctx context.Context, s *Submitter, name string, j Job[T], listener FutureListener[T]) (*Future[T], error) {
	if j == nil {
		return nil, ErrNilJob
	}
	if s == nil || s.exec == nil {
		return nil, ErrNoExecutor
	}

	f := newFuture(s.seq.Add(1), name, j, s.res, listener)
	s.submitted.Add(1)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("job.submit", logx.Int64("id", f.id), logx.String("name", name))
	}

	if err := s.exec.Execute(ctx, func(wctx context.Context) { f.run(wctx, s) }); err != nil {
		f.abandon()
		s.cancelled.Add(1)
		return nil, fmt.Errorf("job: dispatch %d: %w", f.id, err)
	}
	return f, nil
}

// Execute runs fn on the executor without a future or admission control.
func (s *Submitter) Execute(ctx context.Context, fn func(ctx context.Context)) error {
	if fn == nil {
		return ErrNilCallback
	}
	if s.exec == nil {
		return ErrNoExecutor
	}
	return s.exec.Execute(ctx, fn)
}

// NewContext returns a JobContext for running a Job inline on the caller's
// goroutine. It is cancelled with ctx and SetMode never blocks.
func (s *Submitter) NewContext(ctx context.Context) JobContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &inlineContext{Context: ctx}
}

func (s *Submitter) finished(info eventbus.RunInfo, cancelled bool, failure error) {
	typ := eventbus.JobDone
	switch {
	case failure != nil:
		typ = eventbus.JobFailed
		info.Error = failure.Error()
		s.failed.Add(1)
		var pe *PanicError
		if errors.As(failure, &pe) {
			s.log.Error("job.panic", logx.Int64("id", info.ID), logx.String("name", info.Name),
				logx.Any("panic", pe.Value), logx.Stack(string(pe.Stack)))
		} else {
			s.log.Error("job.failed", logx.Int64("id", info.ID), logx.Err(failure))
		}
	case cancelled:
		typ = eventbus.JobCancelled
		s.cancelled.Add(1)
	default:
		s.completed.Add(1)
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: info.Started.Add(info.Duration), Data: info})
}
