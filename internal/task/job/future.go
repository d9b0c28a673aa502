package job

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"jobrunner/internal/eventbus"
)

// FutureListener is called once the future is done, after all locks are released.
type FutureListener[T any] func(f *Future[T])

// Future is the handle of one submitted job. It is never reused.
type Future[T any] struct {
	id     int64
	name   string
	job    Job[T]
	onDone FutureListener[T]
	ctl    *control

	doneCh chan struct{}
	result T // written before doneCh closes
}

func newFuture[T any](id int64, name string, j Job[T], res *Resources, onDone FutureListener[T]) *Future[T] {
	return &Future[T]{
		id:     id,
		name:   name,
		job:    j,
		onDone: onDone,
		ctl:    newControl(res),
		doneCh: make(chan struct{}),
	}
}

func (f *Future[T]) ID() int64    { return f.id }
func (f *Future[T]) Name() string { return f.name }

// Get blocks until the job is done. A cancelled or failed job yields the zero value.
func (f *Future[T]) Get() T {
	<-f.doneCh
	return f.result
}

// GetContext is Get bounded by ctx.
func (f *Future[T]) GetContext(ctx context.Context) (T, error) {
	select {
	case <-f.doneCh:
		return f.result, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel flags the job as cancelled. A job that has not started never runs; a
// job waiting for a resource slot stops waiting; a running job must observe
// IsCancelled itself. Reports whether this call did the cancelling.
func (f *Future[T]) Cancel() bool { return f.ctl.cancel() }

func (f *Future[T]) IsCancelled() bool { return f.ctl.IsCancelled() }

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.doneCh:
		return true
	default:
		return false
	}
}

// WaitDone blocks until done without reading the result.
func (f *Future[T]) WaitDone() { <-f.doneCh }

func (f *Future[T]) Done() <-chan struct{} { return f.doneCh }

func (f *Future[T]) State() State { return f.ctl.currentState() }

// Mode reports the resource class currently held by the job.
func (f *Future[T]) Mode() Mode { return f.ctl.currentMode() }

// WaitingOn names the counter the job is blocked on, or "".
func (f *Future[T]) WaitingOn() string { return f.ctl.waitingOn() }

// PanicError describes a job body that panicked. It only reaches logs and events;
// the future itself completes with the zero value.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }

func (f *Future[T]) run(ctx context.Context, s *Submitter) {
	f.ctl.bind(ctx)
	started := time.Now()

	var (
		result  T
		failure error
	)
	if f.ctl.SetMode(ModeCPU) && !f.ctl.IsCancelled() {
		f.ctl.setState(StateRunning)
		result, failure = f.invoke()
	}
	f.ctl.SetMode(ModeNone)

	f.result = result
	f.ctl.setState(StateDone)
	close(f.doneCh)

	s.finished(eventbus.RunInfo{
		Kind:     "job",
		ID:       f.id,
		Name:     f.name,
		Started:  started,
		Duration: time.Since(started),
	}, f.ctl.IsCancelled(), failure)

	if f.onDone != nil {
		f.onDone(f)
	}
}

func (f *Future[T]) invoke() (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return f.job(f.ctl), nil
}

// abandon completes a future that never reached a worker.
func (f *Future[T]) abandon() {
	f.ctl.cancel()
	f.ctl.setState(StateDone)
	close(f.doneCh)
}
