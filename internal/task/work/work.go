package work

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Runnable is the body of a Work.
type Runnable interface {
	OnRun(ctx context.Context) error
}

// RunFunc adapts a function to Runnable.
type RunFunc func(ctx context.Context) error

func (f RunFunc) OnRun(ctx context.Context) error { return f(ctx) }

type workState int

const (
	statePending workState = iota
	statePosted
	stateRunning
	stateDone
)

var (
	workSeq     atomic.Int64
	workflowSeq atomic.Int64
)

// Work is one schedulable item. A Work runs at most once.
type Work struct {
	id       int64
	name     string
	body     Runnable
	parallel bool

	mu         sync.Mutex
	workflow   *Workflow
	after      *Work
	state      workState
	startTime  time.Time
	endTime    time.Time
	err        error
	dependents []*Work
	done       chan struct{}
}

type WorkOption func(*Work)

// Exclusive keeps the work from overlapping a running Work of the same name;
// it waits for that one to finish first.
func Exclusive() WorkOption { return func(w *Work) { w.parallel = false } }

func New(name string, body Runnable, opts ...WorkOption) *Work {
	w := &Work{
		id:       workSeq.Add(1),
		name:     name,
		body:     body,
		parallel: true,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func NewFunc(name string, fn func(ctx context.Context) error, opts ...WorkOption) *Work {
	if fn == nil {
		return New(name, nil, opts...)
	}
	return New(name, RunFunc(fn), opts...)
}

func (w *Work) ID() int64             { return w.id }
func (w *Work) Name() string          { return w.name }
func (w *Work) ParallelAllowed() bool { return w.parallel }

func (w *Work) Workflow() *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workflow
}

func (w *Work) After() *Work {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.after
}

func (w *Work) StartTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startTime
}

// Err is the body's error once done.
func (w *Work) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Work) Done() <-chan struct{} { return w.done }

func (w *Work) IsDone() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the work is done and returns its error.
func (w *Work) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Work) String() string { return fmt.Sprintf("%s#%d", w.name, w.id) }

func (w *Work) markPosted() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != statePending {
		return fmt.Errorf("%w: %s", ErrAlreadyPosted, w)
	}
	w.state = statePosted
	return nil
}

// addDependent queues dep behind w. It reports false when w has already
// completed and dep may go right away.
func (w *Work) addDependent(dep *Work) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateDone {
		return false
	}
	w.dependents = append(w.dependents, dep)
	return true
}

func (w *Work) begin() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = stateRunning
	w.startTime = time.Now()
	return w.startTime
}

// finish records the outcome and hands back the dependents to release.
func (w *Work) finish(err error) []*Work {
	w.mu.Lock()
	w.state = stateDone
	w.endTime = time.Now()
	w.err = err
	deps := w.dependents
	w.dependents = nil
	w.mu.Unlock()
	close(w.done)
	return deps
}

func (w *Work) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if w.body == nil {
		return nil
	}
	return w.body.OnRun(ctx)
}

type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("work panicked: %v", e.Value) }
