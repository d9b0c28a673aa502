package work

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/task/cmdqueue"
	logx "jobrunner/pkg/logx"
)

const postWarnThrottle = 5 * time.Second

// Pool is what the scheduler needs from the worker pool.
type Pool interface {
	Executor
	// Owns reports whether ctx is running on one of the pool's workers.
	Owns(ctx context.Context) bool
}

// Scheduler is the entry point for posting Work and Workflows.
//
// Scheduling calls must not come from the pool's own workers: a worker that
// blocks waiting for another worker slot can deadlock a saturated pool.
type Scheduler struct {
	ctx   context.Context
	pool  Pool
	queue *Queue
	cmd   *cmdqueue.Queue
	log   logx.Logger
	bus   eventbus.Bus

	mu        sync.Mutex
	cron      *cron.Cron
	recurring map[string]*recurring
	started   bool
	stopped   bool
	lastWarn  map[string]time.Time
}

type recurring struct {
	name     string
	schedule Schedule
	entry    cron.EntryID
	factory  func() *Work
}

type RecurringInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

type Snapshot struct {
	Queue           QueueStats      `json:"queue"`
	PendingCommands int             `json:"pending_commands"`
	Recurring       []RecurringInfo `json:"recurring"`
}

// NewScheduler wires a scheduler over pool and cmd. ctx bounds background dispatches.
func NewScheduler(ctx context.Context, pool Pool, cmd *cmdqueue.Queue, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Scheduler{
		ctx:       ctx,
		pool:      pool,
		queue:     NewQueue(ctx, pool, log, bus, opts...),
		cmd:       cmd,
		log:       log.With(logx.Component("scheduler")),
		bus:       bus,
		cron:      cron.New(cron.WithParser(cronParser)),
		recurring: map[string]*recurring{},
		lastWarn:  map[string]time.Time{},
	}
}

func (s *Scheduler) Queue() *Queue { return s.queue }

func (s *Scheduler) NewWorkflow(name string) *Workflow {
	return newWorkflow(strings.TrimSpace(name))
}

func (s *Scheduler) checkThread(ctx context.Context) error {
	if ctx != nil && s.pool.Owns(ctx) {
		s.log.Error("scheduler.called_from_worker", logx.Stack(string(debug.Stack())))
		return ErrCalledFromWorker
	}
	return nil
}

func (s *Scheduler) checkPost(ctx context.Context, w *Work) error {
	if err := s.checkThread(ctx); err != nil {
		return err
	}
	if w == nil {
		return ErrNilWork
	}
	if wf := w.Workflow(); wf != nil {
		return fmt.Errorf("%w: %s is owned by %s", ErrWorkOwnedByWorkflow, w, wf.name)
	}
	return nil
}

// Post dispatches w now, blocking while the pool is saturated.
func (s *Scheduler) Post(ctx context.Context, w *Work) error {
	if err := s.checkPost(ctx, w); err != nil {
		return err
	}
	return s.queue.Post(ctx, w)
}

func (s *Scheduler) PostAtTime(ctx context.Context, w *Work, at time.Time) error {
	if err := s.checkPost(ctx, w); err != nil {
		return err
	}
	return s.queue.PostAtTime(w, at)
}

func (s *Scheduler) PostDelayed(ctx context.Context, w *Work, d time.Duration) error {
	if err := s.checkPost(ctx, w); err != nil {
		return err
	}
	return s.queue.PostDelayed(w, d)
}

// PostWorkflow schedules every item of wf. The items are released from the
// command queue in insertion order, each behind its predecessor.
func (s *Scheduler) PostWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.checkThread(ctx); err != nil {
		return err
	}
	if wf == nil {
		return ErrNilWork
	}
	if err := wf.schedule(); err != nil {
		return err
	}
	err := s.cmd.Post(func(cctx context.Context) {
		items, empty := wf.start()
		if empty {
			s.queue.workflowFinished(wf)
			return
		}
		s.log.Debug("workflow.start", logx.String("workflow", wf.name), logx.Int("works", len(items)))
		for _, w := range items {
			err := s.queue.PostAfter(cctx, w, nil)
			switch {
			case err == nil:
			case errors.Is(err, ErrAlreadyPosted):
				s.log.Error("workflow.post", logx.String("workflow", wf.name), logx.Err(err))
			default:
				s.queue.abandon(w, err)
			}
		}
	})
	if err != nil {
		// Nothing was queued; the workflow can be posted again.
		wf.unschedule()
		return err
	}
	return nil
}

// PostRecurring posts a fresh Work from factory on every tick of schedule.
func (s *Scheduler) PostRecurring(ctx context.Context, name, schedule string, factory func() *Work) error {
	if err := s.checkThread(ctx); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return fmt.Errorf("work: recurring schedule needs a name and a factory")
	}
	parsed, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	sched, err := parsed.cronSchedule()
	if err != nil {
		return fmt.Errorf("work: schedule %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.recurring[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSchedule, name)
	}
	r := &recurring{name: name, schedule: parsed, factory: factory}
	r.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(r) }))
	s.recurring[name] = r
	s.log.Info("recurring.add", logx.String("name", name), logx.String("schedule", parsed.Raw))
	return nil
}

func (s *Scheduler) RemoveRecurring(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recurring[name]
	if !ok {
		return false
	}
	s.cron.Remove(r.entry)
	delete(s.recurring, name)
	return true
}

func (s *Scheduler) fire(r *recurring) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("recurring.panic", logx.String("name", r.name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
	}()
	w := r.factory()
	if w == nil {
		return
	}
	if err := s.queue.Post(s.ctx, w); err != nil {
		s.reportPostError(r.name, err)
	}
}

func (s *Scheduler) reportPostError(name string, err error) {
	now := time.Now()
	s.mu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < postWarnThrottle {
		s.mu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.mu.Unlock()
	s.log.Warn("recurring.post_failed", logx.String("name", name), logx.Err(err))
}

// Start runs the recurring schedules. It is idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts recurring schedules, waits for in-flight ticks and rejects further posts.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stopCtx := s.cron.Stop()
	s.mu.Unlock()

	s.queue.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{Queue: s.queue.Stats(), PendingCommands: s.cmd.Len()}

	s.mu.Lock()
	for _, r := range s.recurring {
		e := s.cron.Entry(r.entry)
		snap.Recurring = append(snap.Recurring, RecurringInfo{
			Name:     r.name,
			Schedule: r.schedule.Raw,
			Next:     e.Next,
			Prev:     e.Prev,
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Recurring, func(i, j int) bool { return snap.Recurring[i].Name < snap.Recurring[j].Name })
	return snap
}
