package work

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Status int

const (
	StatusBuilding Status = iota
	StatusScheduled
	StatusRunning
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "building"
	case StatusScheduled:
		return "scheduled"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Workflow is a named group of Work posted together. Items can only be added
// while the workflow is building.
type Workflow struct {
	id   int64
	name string

	mu        sync.Mutex
	status    Status
	works     []*Work
	remaining int
	started   time.Time
	finished  time.Time
	done      chan struct{}
}

func newWorkflow(name string) *Workflow {
	return &Workflow{
		id:   workflowSeq.Add(1),
		name: name,
		done: make(chan struct{}),
	}
}

func (wf *Workflow) ID() int64    { return wf.id }
func (wf *Workflow) Name() string { return wf.name }

func (wf *Workflow) Status() Status {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.status
}

// Works returns the items in insertion order.
func (wf *Workflow) Works() []*Work {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return append([]*Work(nil), wf.works...)
}

// AddWork takes ownership of w. after, when set, must already belong to wf.
func (wf *Workflow) AddWork(w *Work, after *Work) error {
	if w == nil {
		return ErrNilWork
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if wf.status != StatusBuilding {
		return fmt.Errorf("%w: %s is %s", ErrWorkflowNotBuilding, wf.name, wf.status)
	}
	if after != nil && after.Workflow() != wf {
		return fmt.Errorf("%w: %s", ErrForeignPredecessor, after)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.workflow != nil {
		return fmt.Errorf("%w: %s", ErrWorkOwnedByWorkflow, w)
	}
	if w.state != statePending {
		return fmt.Errorf("%w: %s", ErrAlreadyPosted, w)
	}
	w.workflow = wf
	w.after = after
	wf.works = append(wf.works, w)
	return nil
}

func (wf *Workflow) Done() <-chan struct{} { return wf.done }

// Wait blocks until every item has completed.
func (wf *Workflow) Wait(ctx context.Context) error {
	select {
	case <-wf.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Elapsed is the running time so far, or the total once finished.
func (wf *Workflow) Elapsed() time.Duration {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	switch {
	case wf.started.IsZero():
		return 0
	case wf.finished.IsZero():
		return time.Since(wf.started)
	default:
		return wf.finished.Sub(wf.started)
	}
}

func (wf *Workflow) schedule() error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if wf.status != StatusBuilding {
		return fmt.Errorf("%w: %s is %s", ErrWorkflowNotBuilding, wf.name, wf.status)
	}
	wf.status = StatusScheduled
	return nil
}

func (wf *Workflow) unschedule() {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if wf.status == StatusScheduled {
		wf.status = StatusBuilding
	}
}

// start moves the workflow to running and returns its items. An empty workflow
// finishes on the spot.
func (wf *Workflow) start() ([]*Work, bool) {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.status = StatusRunning
	wf.started = time.Now()
	wf.remaining = len(wf.works)
	if wf.remaining == 0 {
		wf.finishLocked()
		return nil, true
	}
	return append([]*Work(nil), wf.works...), false
}

// workDone reports whether the last item just completed.
func (wf *Workflow) workDone() bool {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	wf.remaining--
	if wf.remaining > 0 || wf.status == StatusFinished {
		return false
	}
	wf.finishLocked()
	return true
}

func (wf *Workflow) finishLocked() {
	wf.status = StatusFinished
	wf.finished = time.Now()
	close(wf.done)
}
