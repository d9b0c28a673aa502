package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/task/job"
	"jobrunner/internal/task/pool"
)

type fakePool struct{ snap pool.Snapshot }

func (f fakePool) Snapshot() pool.Snapshot { return f.snap }

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestPoolAndResourceGauges(t *testing.T) {
	res := job.NewResources(3, 1)
	require.True(t, res.CPU.Acquire(nil))
	defer res.CPU.Release()

	m := New(Sources{
		Pool:      fakePool{snap: pool.Snapshot{Live: 4, Idle: 1, Busy: 3, Executed: 12}},
		Resources: res,
	})
	mfs := gather(t, m)

	require.Contains(t, mfs, "jobrunner_pool_workers_live")
	assert.Equal(t, 4.0, mfs["jobrunner_pool_workers_live"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 12.0, mfs["jobrunner_pool_tasks_executed_total"].GetMetric()[0].GetCounter().GetValue())

	inUse := map[string]float64{}
	for _, mt := range mfs["jobrunner_resource_in_use"].GetMetric() {
		inUse[mt.GetLabel()[0].GetValue()] = mt.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{"cpu": 1, "network": 0}, inUse)
}

func TestCountEvents(t *testing.T) {
	bus := eventbus.New()
	m := New(Sources{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.CountEvents(ctx, bus)

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.JobDone})
		mfs, err := m.Registry().Gather()
		if err != nil {
			return false
		}
		for _, mf := range mfs {
			if mf.GetName() == "jobrunner_events_total" {
				return mf.GetMetric()[0].GetCounter().GetValue() >= 2
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerServesText(t *testing.T) {
	m := New(Sources{Jobs: job.NewSubmitter(nil, nil)})
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "jobrunner_jobs_submitted_total 0")
}
