// Package cmdqueue is a single-consumer FIFO of commands drained by one goroutine.
// Use it where ordering matters and concurrency does not.
package cmdqueue

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "jobrunner/pkg/logx"
)

var (
	ErrStopped    = errors.New("cmdqueue: stopped")
	ErrNilCommand = errors.New("cmdqueue: nil command")
	ErrRunning    = errors.New("cmdqueue: already running")
)

// Command runs on the queue goroutine.
type Command func(ctx context.Context)

type Queue struct {
	name string
	log  logx.Logger

	mu       sync.Mutex
	pending  []Command
	stopping bool
	running  bool
	wake     chan struct{} // cap 1
	done     chan struct{}

	executed atomic.Uint64
	panics   atomic.Uint64
}

func New(name string, log logx.Logger) *Queue {
	if name == "" {
		name = "cmdqueue"
	}
	return &Queue{
		name: name,
		log:  log.With(logx.Component("cmdqueue"), logx.String("queue", name)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *Queue) Name() string { return q.name }

// Post appends cmd. Commands run one at a time in post order.
func (q *Queue) Post(cmd Command) error {
	if cmd == nil {
		return ErrNilCommand
	}
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrStopped
	}
	q.pending = append(q.pending, cmd)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Executed() uint64 { return q.executed.Load() }

// Run drains the queue until Stop is called or ctx ends, then runs whatever
// was already posted and returns. Only one Run may be active.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrRunning
	}
	q.running = true
	q.mu.Unlock()
	defer close(q.done)

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			cmd := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			q.exec(ctx, cmd)
			continue
		}
		if q.stopping {
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			q.mu.Lock()
			q.stopping = true
			q.mu.Unlock()
		}
	}
}

// Stop rejects new commands, waits for pending ones to run and for Run to return.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopping = true
	running := q.running
	q.mu.Unlock()
	if !running {
		return nil
	}
	q.signal()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) exec(ctx context.Context, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.log.Error("cmdqueue.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	q.executed.Add(1)
	cmd(ctx)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
