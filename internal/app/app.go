package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/metrics"
	"jobrunner/internal/observability"
	rtsup "jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/cmdqueue"
	"jobrunner/internal/task/job"
	"jobrunner/internal/task/pool"
	"jobrunner/internal/task/work"
	logx "jobrunner/pkg/logx"
)

// App owns every scheduler component and their shared supervisor.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *rtsup.Supervisor

	res   *job.Resources
	pool  *pool.Pool
	jobs  *job.Submitter
	cmd   *cmdqueue.Queue
	sched *work.Scheduler

	store    storage.Store
	recorder *storage.Recorder
	metrics  *metrics.Metrics
	http     *observability.Service
}

// Snapshot is the diagnostic view served on /snapshot and printed by the CLI.
type Snapshot struct {
	Pool       pool.Snapshot         `json:"pool"`
	Resources  []job.CounterSnapshot `json:"resources"`
	Jobs       job.Stats             `json:"jobs"`
	Scheduler  work.Snapshot         `json:"scheduler"`
	Supervisor rtsup.Snapshot        `json:"supervisor"`
	Recorded   uint64                `json:"recorded"`
}

// NewApp loads cfgPath and builds an app that hot-reloads it once started.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfg, cfgm)
}

// New builds an app from an in-memory config. Nothing is watched.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, nil)
}

func build(cfg *config.Config, cfgm *config.Manager) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.Component("app"))
	if cfgm != nil {
		cfgm.SetLogger(log)
	}

	bus := eventbus.New()
	sup := rtsup.New(context.Background(), rtsup.WithLogger(log.With(logx.Component("supervisor"))), rtsup.WithCancelOnError(true))

	res := job.NewResources(cfg.Resources.CPU, cfg.Resources.Network)
	p := pool.New(mapPoolConfig(cfg), log, bus, pool.WithLauncher(sup))
	jobs := job.NewSubmitter(p, res, job.WithLogger(log), job.WithBus(bus))
	cmd := cmdqueue.New("scheduler", log)
	sched := work.NewScheduler(sup.Context(), p, cmd, log, bus, work.WithLauncher(sup))

	a := &App{
		cfgm:  cfgm,
		cfg:   cfg,
		log:   appLog,
		logs:  logSvc,
		bus:   bus,
		sup:   sup,
		res:   res,
		pool:  p,
		jobs:  jobs,
		cmd:   cmd,
		sched: sched,
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.recorder = storage.NewRecorder(st, bus, log)
		appLog.Info("storage.enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.metrics = metrics.New(metrics.Sources{Pool: p, Resources: res, Jobs: jobs, Works: sched.Queue()})
	a.http = observability.New(mapHTTPConfig(cfg), a.metrics.Handler(), func() any { return a.Snapshot() }, log)
	return a, nil
}

func (a *App) Logger() logx.Logger        { return a.log }
func (a *App) Bus() eventbus.Bus          { return a.bus }
func (a *App) Resources() *job.Resources  { return a.res }
func (a *App) Pool() *pool.Pool           { return a.pool }
func (a *App) Jobs() *job.Submitter       { return a.jobs }
func (a *App) Scheduler() *work.Scheduler { return a.sched }
func (a *App) Store() storage.Store       { return a.store }
func (a *App) Metrics() *metrics.Metrics  { return a.metrics }

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error { return a.sup.Err() }

func (a *App) Snapshot() Snapshot {
	s := Snapshot{
		Pool:       a.pool.Snapshot(),
		Resources:  a.res.Snapshot(),
		Jobs:       a.jobs.Stats(),
		Scheduler:  a.sched.Snapshot(),
		Supervisor: a.sup.Snapshot(),
	}
	if a.recorder != nil {
		s.Recorded = a.recorder.Written()
	}
	return s
}

func (a *App) Start(ctx context.Context) error {
	context.AfterFunc(ctx, a.sup.Cancel)
	run := a.sup.Context()

	a.sup.Go("cmdqueue", a.cmd.Run)
	a.sched.Start()

	if a.recorder != nil {
		a.sup.Go("storage.recorder", a.recorder.Run)
	}
	a.sup.Go0("metrics.events", func(c context.Context) { a.metrics.CountEvents(c, a.bus) })
	a.sup.Go0("pool.janitor", a.trimLoop)

	if a.http.Enabled() {
		a.http.Start(run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("app.started",
		logx.Int("min_workers", a.cfg.Pool.MinWorkers),
		logx.Int("max_workers", a.cfg.Pool.MaxWorkers),
		logx.Int("cpu_slots", a.cfg.Resources.CPU),
		logx.Int("network_slots", a.cfg.Resources.Network),
	)

	if a.cfgm != nil {
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			return nil
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					a.applyConfig(c, newCfg)
				}
			}
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	return nil
}

// applyConfig pushes the hot-reloadable parts of cfg into the live components.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(a.cfg, cfg)
	if len(sections) == 0 {
		a.log.Info("config.reloaded", logx.String("changed", "none"))
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("config.restart_required", logx.String("section", "storage"))
		}
	}
	if cfg.Pool.MaxWorkers != a.cfg.Pool.MaxWorkers {
		a.log.Warn("config.restart_required", logx.String("section", "pool.max_workers"))
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.res.CPU.SetCapacity(cfg.Resources.CPU)
	a.res.Network.SetCapacity(cfg.Resources.Network)
	a.pool.Apply(mapPoolConfig(cfg))
	a.http.Reconfigure(ctx, mapHTTPConfig(cfg))
	a.cfg = cfg

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config.reloaded", fields...)
}

// trimLoop retires idle workers even when nothing is being dispatched.
func (a *App) trimLoop(ctx context.Context) {
	for {
		every := a.pool.Snapshot().IdleTimeout / 2
		if every < time.Second {
			every = time.Second
		}
		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if n := a.pool.Trim(); n > 0 {
			a.log.Debug("pool.trimmed", logx.Int("retired", n))
		}
	}
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("app.stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop.step.error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop.step.end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop.step.deadline", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("cmdqueue", 2*time.Second, a.cmd.Stop)
	step("pool", 3*time.Second, a.pool.Shutdown)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("app.stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
