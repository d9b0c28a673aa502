package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

type Option func(*Pool)

// WithLauncher runs worker goroutines through l instead of bare goroutines.
func WithLauncher(l Launcher) Option { return func(p *Pool) { p.launch = l } }

type Pool struct {
	name   string
	log    logx.Logger
	bus    eventbus.Bus
	launch Launcher
	warn   rate.Sometimes

	mu          sync.Mutex
	slots       []*Worker
	live        int
	min         int
	idleTimeout time.Duration
	closed      bool
	nextID      int
	idleCh      chan struct{} // closed and replaced when a worker turns idle or the pool closes

	waiting  atomic.Int64
	created  atomic.Uint64
	retired  atomic.Uint64
	executed atomic.Uint64
	panics   atomic.Uint64
}

// New builds a pool. MaxWorkers is fixed for the pool's lifetime.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = eventbus.Nop()
	}
	p := &Pool{
		name:        cfg.Name,
		log:         log.With(logx.Component("pool"), logx.String("pool", cfg.Name)),
		bus:         bus,
		launch:      goLauncher{},
		warn:        rate.Sometimes{First: 1, Interval: 10 * time.Second},
		slots:       make([]*Worker, cfg.MaxWorkers),
		min:         cfg.MinWorkers,
		idleTimeout: cfg.IdleTimeout,
		idleCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.launch == nil {
		p.launch = goLauncher{}
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Apply updates the retirement knobs. MaxWorkers changes are ignored.
func (p *Pool) Apply(cfg Config) {
	cfg.MaxWorkers = len(p.slots)
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.min = cfg.MinWorkers
	p.idleTimeout = cfg.IdleTimeout
	p.mu.Unlock()
}

// Owns reports whether ctx belongs to a task running on one of this pool's workers.
func (p *Pool) Owns(ctx context.Context) bool {
	w, ok := FromContext(ctx)
	return ok && w.pool == p
}

// Execute hands task to an idle worker, starting a new one when none is idle
// and the pool is below max. A saturated pool blocks until a worker frees up
// or ctx is done.
func (p *Pool) Execute(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}
	counted := false
	defer func() {
		if counted {
			p.waiting.Add(-1)
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		w, started, retired := p.findOrCreateIdleWorkerLocked(task)
		live := p.live
		ch := p.idleCh
		p.mu.Unlock()

		p.announceRetired(retired, live)
		if started {
			p.start(w, live)
		}
		if w != nil {
			return nil
		}

		if !counted {
			counted = true
			p.waiting.Add(1)
		}
		p.warn.Do(func() {
			p.log.Warn("pool.saturated", logx.Int("max", len(p.slots)), logx.Int64("waiting", p.waiting.Load()))
		})
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// findOrCreateIdleWorkerLocked is the scale decision. It keeps the first idle
// worker, retires further idle workers past the idle timeout while live > min,
// then assigns to a kept idle worker or starts a new one below max.
func (p *Pool) findOrCreateIdleWorkerLocked(task Task) (w *Worker, started bool, retired []*Worker) {
	idle, retired := p.scanLocked(time.Now())
	if kept := assignIdle(idle, task); kept != nil {
		return kept, false, retired
	}
	if p.live >= len(p.slots) {
		return nil, false, retired
	}
	for i, slot := range p.slots {
		if slot != nil {
			continue
		}
		p.nextID++
		w = newWorker(p, p.nextID)
		w.task = task
		p.slots[i] = w
		p.live++
		return w, true, retired
	}
	return nil, false, retired
}

// assignIdle hands task to the first candidate that is still idle. A direct
// Worker.Execute can claim a candidate between the scan and the assignment.
func assignIdle(idle []*Worker, task Task) *Worker {
	for _, w := range idle {
		if w.tryAssign(task) {
			return w
		}
	}
	return nil
}

// scanLocked drops exited workers and retires surplus idle ones. The idle
// workers it keeps are returned in slot order.
func (p *Pool) scanLocked(now time.Time) (idle []*Worker, retired []*Worker) {
	for i, w := range p.slots {
		if w == nil {
			continue
		}
		if w.exited() {
			p.slots[i] = nil
			p.live--
			continue
		}
		d, ok := w.idleFor(now)
		if !ok {
			continue
		}
		if len(idle) > 0 && p.live > p.min && d > p.idleTimeout {
			w.requestStop()
			p.slots[i] = nil
			p.live--
			retired = append(retired, w)
			continue
		}
		idle = append(idle, w)
	}
	return idle, retired
}

// Trim applies the retirement rule without dispatching anything.
func (p *Pool) Trim() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	_, retired := p.scanLocked(time.Now())
	live := p.live
	p.mu.Unlock()
	p.announceRetired(retired, live)
	return len(retired)
}

func (p *Pool) start(w *Worker, live int) {
	p.created.Add(1)
	p.log.Debug("pool.worker.start", logx.Int("worker", w.id), logx.Int("live", live))
	p.bus.Publish(eventbus.Event{Type: eventbus.WorkerStarted, Data: WorkerEvent{Pool: p.name, Worker: w.id, Live: live}})
	p.launch.Go0(fmt.Sprintf("%s.worker", p.name), w.loop)
}

func (p *Pool) announceRetired(retired []*Worker, live int) {
	for _, w := range retired {
		p.retired.Add(1)
		p.log.Debug("pool.worker.retire", logx.Int("worker", w.id), logx.Int("live", live))
		p.bus.Publish(eventbus.Event{Type: eventbus.WorkerRetired, Data: WorkerEvent{Pool: p.name, Worker: w.id, Live: live}})
	}
}

func (p *Pool) workerIdle() {
	p.mu.Lock()
	close(p.idleCh)
	p.idleCh = make(chan struct{})
	p.mu.Unlock()
}

// Shutdown stops accepting tasks, lets running tasks finish and waits for every
// worker to exit or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*Worker, 0, p.live)
	for i, w := range p.slots {
		if w != nil {
			workers = append(workers, w)
			p.slots[i] = nil
		}
	}
	p.live = 0
	close(p.idleCh)
	p.idleCh = make(chan struct{})
	p.mu.Unlock()

	for _, w := range workers {
		w.requestStop()
	}
	for _, w := range workers {
		if err := w.StopWork(ctx); err != nil {
			p.log.Warn("pool.shutdown.timeout", logx.Int("worker", w.id), logx.Err(err))
			return err
		}
	}
	p.log.Debug("pool.shutdown", logx.Int("workers", len(workers)))
	return nil
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	snap := Snapshot{
		Name:        p.name,
		MinWorkers:  p.min,
		MaxWorkers:  len(p.slots),
		IdleTimeout: p.idleTimeout,
		Live:        p.live,
		Closed:      p.closed,
	}
	now := time.Now()
	for _, w := range p.slots {
		if w == nil {
			continue
		}
		if _, idle := w.idleFor(now); idle {
			snap.Idle++
		} else {
			snap.Busy++
		}
	}
	p.mu.Unlock()

	snap.Waiting = p.waiting.Load()
	snap.Created = p.created.Load()
	snap.Retired = p.retired.Load()
	snap.Executed = p.executed.Load()
	snap.Panics = p.panics.Load()
	return snap
}
