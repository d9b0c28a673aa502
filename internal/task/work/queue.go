package work

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

// Executor is the pool surface the queue needs.
type Executor interface {
	Execute(ctx context.Context, task func(ctx context.Context)) error
}

// Launcher starts a named background goroutine. *supervisor.Supervisor satisfies it.
type Launcher interface {
	Go0(name string, fn func(ctx context.Context))
}

type goLauncher struct{ ctx context.Context }

func (l goLauncher) Go0(_ string, fn func(ctx context.Context)) { go fn(l.ctx) }

type Option func(*Queue)

// WithLauncher runs dependent and exclusive releases through l.
func WithLauncher(l Launcher) Option { return func(q *Queue) { q.launch = l } }

// Queue dispatches Work to an Executor, holding back items whose predecessor
// has not completed and serializing exclusive items by name.
type Queue struct {
	ctx  context.Context
	exec Executor
	log  logx.Logger
	bus    eventbus.Bus
	launch Launcher

	mu        sync.Mutex
	stopped   bool
	timers    map[*time.Timer]*Work
	exclusive map[string][]*Work // running exclusive name -> waiting items

	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	releasing  atomic.Int64
}

type QueueStats struct {
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Timers     int    `json:"timers"`
	Releasing  int64  `json:"releasing"`
}

// NewQueue builds a queue. ctx bounds dispatches made off the caller's goroutine
// (timers and released dependents).
func NewQueue(ctx context.Context, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Queue {
	if bus == nil {
		bus = eventbus.Nop()
	}
	q := &Queue{
		ctx:       ctx,
		exec:      exec,
		log:       log.With(logx.Component("work")),
		bus:       bus,
		timers:    map[*time.Timer]*Work{},
		exclusive: map[string][]*Work{},
	}
	for _, o := range opts {
		o(q)
	}
	if q.launch == nil {
		q.launch = goLauncher{ctx: ctx}
	}
	return q
}

func (q *Queue) Post(ctx context.Context, w *Work) error {
	return q.PostAfter(ctx, w, nil)
}

// PostAfter dispatches w once after has completed. A nil after, or one already
// done, dispatches now. A workflow item's own predecessor is used when after is nil.
func (q *Queue) PostAfter(ctx context.Context, w *Work, after *Work) error {
	if w == nil {
		return ErrNilWork
	}
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := w.markPosted(); err != nil {
		return err
	}
	if after == nil {
		after = w.After()
	} else {
		w.mu.Lock()
		w.after = after
		w.mu.Unlock()
	}
	if after != nil && after.addDependent(w) {
		return nil
	}
	return q.dispatch(ctx, w)
}

func (q *Queue) PostAtTime(w *Work, at time.Time) error {
	return q.PostDelayed(w, time.Until(at))
}

// PostDelayed dispatches w after d. Stop cancels pending timers.
func (q *Queue) PostDelayed(w *Work, d time.Duration) error {
	if w == nil {
		return ErrNilWork
	}
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := w.markPosted(); err != nil {
		return err
	}
	if d < 0 {
		d = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		q.mu.Lock()
		_, live := q.timers[t]
		delete(q.timers, t)
		q.mu.Unlock()
		if !live {
			return
		}
		if err := q.dispatch(q.ctx, w); err != nil {
			q.abandon(w, err)
		}
	})
	q.timers[t] = w
	return nil
}

// Stop rejects further posts and fails pending timed works with ErrStopped.
// Running work is unaffected; dependents released afterwards fail the same way.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	pending := make([]*Work, 0, len(q.timers))
	for t, w := range q.timers {
		t.Stop()
		pending = append(pending, w)
	}
	clear(q.timers)
	q.mu.Unlock()

	for _, w := range pending {
		q.abandon(w, ErrStopped)
	}
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	timers := len(q.timers)
	q.mu.Unlock()
	return QueueStats{
		Dispatched: q.dispatched.Load(),
		Completed:  q.completed.Load(),
		Failed:     q.failed.Load(),
		Timers:     timers,
		Releasing:  q.releasing.Load(),
	}
}

func (q *Queue) checkOpen() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	return nil
}

func (q *Queue) dispatch(ctx context.Context, w *Work) error {
	if !w.parallel {
		q.mu.Lock()
		if waiting, busy := q.exclusive[w.name]; busy {
			q.exclusive[w.name] = append(waiting, w)
			q.mu.Unlock()
			return nil
		}
		q.exclusive[w.name] = nil
		q.mu.Unlock()
	}

	q.dispatched.Add(1)
	err := q.exec.Execute(ctx, func(wctx context.Context) { q.run(wctx, w) })
	if err != nil && !w.parallel {
		q.releaseExclusive(w)
	}
	return err
}

func (q *Queue) run(ctx context.Context, w *Work) {
	started := w.begin()
	err := w.invoke(ctx)
	q.complete(w, started, err)
	if !w.parallel {
		q.releaseExclusive(w)
	}
}

// abandon completes a work that could not be dispatched so that waiters and
// dependents are not left hanging.
func (q *Queue) abandon(w *Work, err error) {
	q.log.Warn("work.abandon", logx.String("work", w.String()), logx.Err(err))
	q.complete(w, time.Now(), err)
}

func (q *Queue) complete(w *Work, started time.Time, err error) {
	deps := w.finish(err)

	info := eventbus.RunInfo{Kind: "work", ID: w.id, Name: w.name, Started: started, Duration: time.Since(started)}
	wf := w.Workflow()
	if wf != nil {
		info.Workflow = wf.name
	}
	if err != nil {
		q.failed.Add(1)
		info.Error = err.Error()
		var pe *PanicError
		if errors.As(err, &pe) {
			q.log.Error("work.panic", logx.String("work", w.String()), logx.Any("panic", pe.Value), logx.Stack(string(pe.Stack)))
		} else {
			q.log.Warn("work.failed", logx.String("work", w.String()), logx.Err(err))
		}
	} else {
		q.completed.Add(1)
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.WorkFinished, Data: info})

	if wf != nil && wf.workDone() {
		q.workflowFinished(wf)
	}

	// Released off this goroutine: the caller may be a pool worker and the
	// dependents need a worker of their own.
	for _, dep := range deps {
		q.spawn("work.release", func(ctx context.Context) { q.release(ctx, dep) })
	}
}

func (q *Queue) spawn(name string, fn func(ctx context.Context)) {
	q.releasing.Add(1)
	q.launch.Go0(name, func(ctx context.Context) {
		defer q.releasing.Add(-1)
		fn(ctx)
	})
}

func (q *Queue) workflowFinished(wf *Workflow) {
	elapsed := wf.Elapsed()
	q.log.Debug("workflow.finished", logx.String("workflow", wf.name), logx.Duration("elapsed", elapsed))
	q.bus.Publish(eventbus.Event{Type: eventbus.WorkflowFinished, Data: eventbus.RunInfo{
		Kind:     "workflow",
		ID:       wf.id,
		Name:     wf.name,
		Workflow: wf.name,
		Started:  time.Now().Add(-elapsed),
		Duration: elapsed,
	}})
}

func (q *Queue) release(ctx context.Context, w *Work) {
	if err := q.checkOpen(); err != nil {
		q.abandon(w, err)
		return
	}
	if err := q.dispatch(ctx, w); err != nil {
		q.abandon(w, err)
	}
}

func (q *Queue) releaseExclusive(w *Work) {
	q.mu.Lock()
	waiting := q.exclusive[w.name]
	if len(waiting) == 0 {
		delete(q.exclusive, w.name)
		q.mu.Unlock()
		return
	}
	next := waiting[0]
	q.exclusive[w.name] = waiting[1:]
	q.mu.Unlock()

	q.spawn("work.exclusive", func(ctx context.Context) {
		err := q.checkOpen()
		if err == nil {
			q.dispatched.Add(1)
			err = q.exec.Execute(ctx, func(wctx context.Context) { q.run(wctx, next) })
		}
		if err != nil {
			q.releaseExclusive(next)
			q.abandon(next, err)
		}
	})
}
