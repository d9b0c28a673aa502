// Package metrics exposes scheduler state in the Prometheus text format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/task/job"
	"jobrunner/internal/task/pool"
	"jobrunner/internal/task/work"
)

const namespace = "jobrunner"

type PoolSource interface{ Snapshot() pool.Snapshot }

type ResourceSource interface{ Snapshot() []job.CounterSnapshot }

type JobSource interface{ Stats() job.Stats }

type WorkSource interface{ Stats() work.QueueStats }

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Pool      PoolSource
	Resources ResourceSource
	Jobs      JobSource
	Works     WorkSource
}

// Metrics owns a private registry so tests and multiple instances do not collide.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
}

func New(src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events published on the bus, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.events, collectors.NewGoCollector())
	if src.Pool != nil {
		registerPool(reg, src.Pool)
	}
	if src.Resources != nil {
		reg.MustRegister(&resourceCollector{src: src.Resources})
	}
	if src.Jobs != nil {
		registerJobs(reg, src.Jobs)
	}
	if src.Works != nil {
		registerWorks(reg, src.Works)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// CountEvents increments events_total for every bus event until ctx ends.
func (m *Metrics) CountEvents(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.events.WithLabelValues(ev.Type).Inc()
		}
	}
}

func registerPool(reg *prometheus.Registry, src PoolSource) {
	gauge := func(name, help string, fn func(pool.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: name, Help: help,
		}, func() float64 { return fn(src.Snapshot()) })
	}
	counter := func(name, help string, fn func(pool.Snapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: name, Help: help,
		}, func() float64 { return fn(src.Snapshot()) })
	}
	reg.MustRegister(
		gauge("workers_live", "Live workers.", func(s pool.Snapshot) float64 { return float64(s.Live) }),
		gauge("workers_idle", "Idle workers.", func(s pool.Snapshot) float64 { return float64(s.Idle) }),
		gauge("workers_busy", "Workers running a task.", func(s pool.Snapshot) float64 { return float64(s.Busy) }),
		gauge("submitters_waiting", "Callers blocked waiting for a worker.", func(s pool.Snapshot) float64 { return float64(s.Waiting) }),
		counter("tasks_executed_total", "Tasks run by workers.", func(s pool.Snapshot) float64 { return float64(s.Executed) }),
		counter("task_panics_total", "Tasks that panicked.", func(s pool.Snapshot) float64 { return float64(s.Panics) }),
		counter("workers_created_total", "Workers started.", func(s pool.Snapshot) float64 { return float64(s.Created) }),
		counter("workers_retired_total", "Workers retired after idling.", func(s pool.Snapshot) float64 { return float64(s.Retired) }),
	)
}

func registerJobs(reg *prometheus.Registry, src JobSource) {
	desc := func(name, help string, fn func(job.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: name, Help: help,
		}, func() float64 { return float64(fn(src.Stats())) })
	}
	reg.MustRegister(
		desc("submitted_total", "Jobs submitted.", func(s job.Stats) uint64 { return s.Submitted }),
		desc("completed_total", "Jobs that produced a result.", func(s job.Stats) uint64 { return s.Completed }),
		desc("cancelled_total", "Jobs cancelled before finishing.", func(s job.Stats) uint64 { return s.Cancelled }),
		desc("failed_total", "Jobs that panicked.", func(s job.Stats) uint64 { return s.Failed }),
	)
}

func registerWorks(reg *prometheus.Registry, src WorkSource) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "works", Name: "dispatched_total", Help: "Works handed to the pool.",
		}, func() float64 { return float64(src.Stats().Dispatched) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "works", Name: "failed_total", Help: "Works that returned an error or panicked.",
		}, func() float64 { return float64(src.Stats().Failed) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "works", Name: "timers_pending", Help: "Delayed posts not yet fired.",
		}, func() float64 { return float64(src.Stats().Timers) }),
	)
}

var (
	resCapacity = prometheus.NewDesc(namespace+"_resource_capacity", "Admission slots per resource class.", []string{"resource"}, nil)
	resInUse    = prometheus.NewDesc(namespace+"_resource_in_use", "Slots currently held.", []string{"resource"}, nil)
	resWaiting  = prometheus.NewDesc(namespace+"_resource_waiting", "Jobs blocked waiting for a slot.", []string{"resource"}, nil)
)

// resourceCollector reports one series per resource class from a single snapshot.
type resourceCollector struct{ src ResourceSource }

func (c *resourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- resCapacity
	ch <- resInUse
	ch <- resWaiting
}

func (c *resourceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.Snapshot() {
		ch <- prometheus.MustNewConstMetric(resCapacity, prometheus.GaugeValue, float64(s.Capacity), s.Name)
		ch <- prometheus.MustNewConstMetric(resInUse, prometheus.GaugeValue, float64(s.InUse), s.Name)
		ch <- prometheus.MustNewConstMetric(resWaiting, prometheus.GaugeValue, float64(s.Waiting), s.Name)
	}
}
