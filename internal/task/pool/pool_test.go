package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func waitIdle(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Snapshot().Idle == n }, 2*time.Second, time.Millisecond)
}

func TestExecuteCreatesExactlyMaxWorkers(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 4, IdleTimeout: time.Minute})
	release := make(chan struct{})
	var ran atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Execute(context.Background(), func(context.Context) {
				<-release
				ran.Add(1)
			}))
		}()
	}

	require.Eventually(t, func() bool { return p.Snapshot().Waiting == 3 }, 2*time.Second, time.Millisecond)
	snap := p.Snapshot()
	assert.Equal(t, 4, snap.Live)
	assert.Equal(t, 4, snap.Busy)
	assert.EqualValues(t, 4, snap.Created)

	close(release)
	wg.Wait()
	require.Eventually(t, func() bool { return ran.Load() == 7 }, 2*time.Second, time.Millisecond)
	assert.EqualValues(t, 4, p.Snapshot().Created)
	assert.LessOrEqual(t, p.Snapshot().Live, 4)
}

func TestIdleWorkersConvergeToMin(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: 8, IdleTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Execute(context.Background(), func(context.Context) { <-release }))
	}
	assert.Equal(t, 8, p.Snapshot().Live)

	close(release)
	waitIdle(t, p, 8)
	time.Sleep(60 * time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, p.Execute(context.Background(), func(context.Context) { close(done) }))
	<-done

	snap := p.Snapshot()
	assert.Equal(t, 2, snap.Live)
	assert.EqualValues(t, 6, snap.Retired)
	assert.EqualValues(t, 8, snap.Created)

	waitIdle(t, p, 2)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, p.Trim())
	assert.Equal(t, 2, p.Snapshot().Live)
}

func TestLoneIdleWorkerIsKept(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MinWorkers: 0, MaxWorkers: 4, IdleTimeout: time.Millisecond})
	require.NoError(t, p.Execute(context.Background(), func(context.Context) {}))
	waitIdle(t, p, 1)
	time.Sleep(10 * time.Millisecond)

	assert.Zero(t, p.Trim())
	assert.Equal(t, 1, p.Snapshot().Live)
}

func TestClaimedIdleWorkerFallsBackToNextIdle(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MinWorkers: 2, MaxWorkers: 3, IdleTimeout: time.Minute})
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Execute(context.Background(), func(context.Context) { <-release }))
	}
	close(release)
	waitIdle(t, p, 2)

	p.mu.Lock()
	idle, retired := p.scanLocked(time.Now())
	p.mu.Unlock()
	require.Len(t, idle, 2)
	require.Empty(t, retired)

	// A direct Execute claims the first candidate after the scan.
	gate := make(chan struct{})
	defer close(gate)
	require.NoError(t, idle[0].Execute(context.Background(), func(context.Context) { <-gate }))

	done := make(chan struct{})
	got := assignIdle(idle, func(context.Context) { close(done) })
	require.Same(t, idle[1], got)
	<-done

	snap := p.Snapshot()
	assert.Equal(t, 2, snap.Live)
	assert.EqualValues(t, 2, snap.Created)
}

func TestTaskPanicKeepsWorker(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1})
	require.NoError(t, p.Execute(context.Background(), func(context.Context) { panic("boom") }))
	waitIdle(t, p, 1)

	done := make(chan struct{})
	require.NoError(t, p.Execute(context.Background(), func(context.Context) { close(done) }))
	<-done

	snap := p.Snapshot()
	assert.EqualValues(t, 1, snap.Created)
	assert.EqualValues(t, 1, snap.Panics)
	assert.EqualValues(t, 2, snap.Executed)
}

func TestOwnsDetectsWorkerContext(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxWorkers: 2})
	other := newTestPool(t, Config{MaxWorkers: 1})
	assert.False(t, p.Owns(context.Background()))

	got := make(chan [2]bool, 1)
	require.NoError(t, p.Execute(context.Background(), func(ctx context.Context) {
		got <- [2]bool{p.Owns(ctx), other.Owns(ctx)}
	}))
	res := <-got
	assert.True(t, res[0])
	assert.False(t, res[1])
}

func TestExecuteHonoursContextWhenSaturated(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MinWorkers: 1, MaxWorkers: 1})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Execute(context.Background(), func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Execute(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerExecuteWaitsWhileBusy(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{MaxWorkers: 1})
	workerCh := make(chan *Worker, 1)
	release := make(chan struct{})
	require.NoError(t, p.Execute(context.Background(), func(ctx context.Context) {
		w, _ := FromContext(ctx)
		workerCh <- w
		<-release
	}))
	w := <-workerCh
	require.NotNil(t, w)

	second := make(chan struct{})
	queued := make(chan error, 1)
	go func() { queued <- w.Execute(context.Background(), func(context.Context) { close(second) }) }()

	select {
	case <-second:
		t.Fatal("second task ran while worker was busy")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-queued)
	<-second
}

func TestShutdownWaitsAndRejects(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxWorkers: 2}, logx.Nop(), nil)
	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, p.Execute(context.Background(), func(context.Context) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.True(t, finished.Load())
	assert.ErrorIs(t, p.Execute(context.Background(), func(context.Context) {}), ErrPoolClosed)
	assert.NoError(t, p.Shutdown(ctx))
}

func TestWorkerEventsPublished(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	p := New(Config{MaxWorkers: 1}, logx.Nop(), bus)
	defer func() { _ = p.Shutdown(context.Background()) }()
	require.NoError(t, p.Execute(context.Background(), func(context.Context) {}))

	e := <-events
	assert.Equal(t, eventbus.WorkerStarted, e.Type)
	assert.Equal(t, WorkerEvent{Pool: "pool", Worker: 1, Live: 1}, e.Data)
}
