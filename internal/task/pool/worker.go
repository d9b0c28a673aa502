package pool

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	logx "jobrunner/pkg/logx"
)

// Worker is one pool slot with its own goroutine.
type Worker struct {
	id   int
	pool *Pool

	mu        sync.Mutex
	task      Task // non-nil while busy
	idleSince time.Time
	stopping  bool
	idleCh    chan struct{} // closed and replaced each time the worker turns idle

	wake chan struct{} // cap 1: task assigned or stop requested
	done chan struct{} // closed when the loop exits
}

func newWorker(p *Pool, id int) *Worker {
	return &Worker{
		id:        id,
		pool:      p,
		idleSince: time.Now(),
		idleCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (w *Worker) ID() int { return w.id }

// Execute hands task to this worker, waiting while it is busy.
func (w *Worker) Execute(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}
	for {
		w.mu.Lock()
		if w.stopping {
			w.mu.Unlock()
			return ErrWorkerStopped
		}
		if w.task == nil {
			w.task = task
			w.mu.Unlock()
			w.signal()
			return nil
		}
		ch := w.idleCh
		w.mu.Unlock()

		select {
		case <-ch:
		case <-w.done:
			return ErrWorkerStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StopWork asks the worker to stop once idle and waits for its goroutine to exit.
// A running task is never interrupted.
func (w *Worker) StopWork(ctx context.Context) error {
	w.requestStop()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) tryAssign(task Task) bool {
	w.mu.Lock()
	if w.stopping || w.task != nil {
		w.mu.Unlock()
		return false
	}
	w.task = task
	w.mu.Unlock()
	w.signal()
	return true
}

func (w *Worker) idleFor(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.task != nil || w.stopping {
		return 0, false
	}
	return now.Sub(w.idleSince), true
}

func (w *Worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Worker) requestStop() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	wctx := context.WithValue(ctx, ctxKey{}, w)

	for {
		w.mu.Lock()
		task, stop := w.task, w.stopping
		w.mu.Unlock()

		if task == nil {
			if stop {
				return
			}
			select {
			case <-w.wake:
			case <-ctx.Done():
				w.requestStop()
			}
			continue
		}

		w.run(wctx, task)

		w.mu.Lock()
		w.task = nil
		w.idleSince = time.Now()
		close(w.idleCh)
		w.idleCh = make(chan struct{})
		w.mu.Unlock()

		w.pool.workerIdle()
	}
}

func (w *Worker) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.panics.Add(1)
			w.pool.log.Error("pool.task.panic", logx.Int("worker", w.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	w.pool.executed.Add(1)
	task(ctx)
}
