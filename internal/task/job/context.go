package job

import (
	"context"
	"sync"
	"time"
)

// JobContext is handed to a running Job. It is a context.Context whose Done
// channel closes when the job is cancelled; Value lookups reach the worker context.
type JobContext interface {
	context.Context
	IsCancelled() bool
	// SetCancelListener replaces the listener. If the job is already cancelled
	// the listener runs immediately on the calling goroutine.
	SetCancelListener(l CancelListener)
	// SetMode releases the held resource and acquires the one for m. It returns
	// false when the job is cancelled while waiting; the job then holds nothing.
	SetMode(m Mode) bool
}

// Job is a unit of work producing a T.
type Job[T any] func(jc JobContext) T

type CancelListener func()

// State of a future. Cancellation is a flag, not a state.
type State int32

const (
	StateCreated State = iota
	StateWaiting
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// control is the cancellation and resource state shared by a Future and the
// JobContext its job sees. Counter locks are never taken while mu is held.
type control struct {
	res *Resources

	mu        sync.Mutex
	parent    context.Context
	state     State
	cancelled bool
	cancelCh  chan struct{}
	listener  CancelListener
	waitOn    *ResourceCounter
	mode      Mode
}

func newControl(res *Resources) *control {
	return &control{res: res, cancelCh: make(chan struct{})}
}

func (c *control) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c *control) Done() <-chan struct{}       { return c.cancelCh }

func (c *control) Err() error {
	if c.IsCancelled() {
		return context.Canceled
	}
	return nil
}

func (c *control) Value(key any) any {
	c.mu.Lock()
	parent := c.parent
	c.mu.Unlock()
	if parent == nil {
		return nil
	}
	return parent.Value(key)
}

func (c *control) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *control) SetCancelListener(l CancelListener) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		if l != nil {
			l()
		}
		return
	}
	c.listener = l
	c.mu.Unlock()
}

// cancel flags cancellation once. Closing cancelCh wakes a resource wait.
func (c *control) cancel() bool {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return false
	}
	c.cancelled = true
	close(c.cancelCh)
	l := c.listener
	c.listener = nil
	c.mu.Unlock()

	if l != nil {
		l()
	}
	return true
}

func (c *control) SetMode(m Mode) bool {
	c.mu.Lock()
	if c.mode == m {
		c.mu.Unlock()
		return true
	}
	held := c.res.counter(c.mode)
	c.mode = ModeNone
	c.mu.Unlock()

	if held != nil {
		held.Release()
	}

	want := c.res.counter(m)
	if want == nil {
		return true
	}

	c.mu.Lock()
	c.waitOn = want
	prev := c.state
	c.state = StateWaiting
	c.mu.Unlock()

	ok := want.Acquire(c.cancelCh)

	c.mu.Lock()
	c.waitOn = nil
	c.state = prev
	if ok {
		c.mode = m
	}
	c.mu.Unlock()
	return ok
}

func (c *control) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *control) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *control) currentMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *control) waitingOn() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitOn == nil {
		return ""
	}
	return c.waitOn.Name()
}

func (c *control) bind(ctx context.Context) {
	c.mu.Lock()
	c.parent = ctx
	c.mu.Unlock()
}

// inlineContext runs a Job on the caller's goroutine without admission control.
type inlineContext struct {
	context.Context

	mu   sync.Mutex
	stop func() bool
}

func (c *inlineContext) IsCancelled() bool { return c.Err() != nil }

func (c *inlineContext) SetCancelListener(l CancelListener) {
	c.mu.Lock()
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	if l == nil {
		c.mu.Unlock()
		return
	}
	if c.Err() != nil {
		c.mu.Unlock()
		l()
		return
	}
	c.stop = context.AfterFunc(c.Context, l)
	c.mu.Unlock()
}

func (c *inlineContext) SetMode(Mode) bool { return c.Err() == nil }
