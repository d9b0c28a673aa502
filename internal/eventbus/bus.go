package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types published by the scheduler packages.
const (
	JobDone          = "job.done"
	JobCancelled     = "job.cancelled"
	JobFailed        = "job.failed"
	WorkFinished     = "work.finished"
	WorkflowFinished = "workflow.finished"
	WorkerStarted    = "pool.worker.started"
	WorkerRetired    = "pool.worker.retired"
)

// Event is an in-memory lifecycle signal.
//
// Publish never blocks: each subscriber owns a buffered channel and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// RunInfo is the payload of job and work events.
type RunInfo struct {
	Kind     string        `json:"kind"` // "job" or "work"
	ID       int64         `json:"id"`
	Name     string        `json:"name,omitempty"`
	Workflow string        `json:"workflow,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		deliver(ch, e)
	}
}

// deliver drops on a full buffer. A concurrent unsubscribe may close ch, so the
// send on a closed channel is recovered.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
