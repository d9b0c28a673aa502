package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/eventbus"
)

func goExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, task func(ctx context.Context)) error {
		go task(ctx)
		return nil
	})
}

// heldExecutor queues tasks until the test releases them.
type heldExecutor struct {
	mu    sync.Mutex
	tasks []func(ctx context.Context)
}

func (h *heldExecutor) Execute(_ context.Context, task func(ctx context.Context)) error {
	h.mu.Lock()
	h.tasks = append(h.tasks, task)
	h.mu.Unlock()
	return nil
}

func (h *heldExecutor) runAll() {
	h.mu.Lock()
	tasks := h.tasks
	h.tasks = nil
	h.mu.Unlock()
	for _, task := range tasks {
		task(context.Background())
	}
}

type peak struct {
	cur, max atomic.Int32
}

func (p *peak) enter() {
	n := p.cur.Add(1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (p *peak) leave() { p.cur.Add(-1) }

func TestResourceCapacityNeverExceeded(t *testing.T) {
	t.Parallel()

	s := NewSubmitter(goExecutor(), NewResources(2, 2))
	var cpu, net peak

	futures := make([]*Future[int], 0, 50)
	for i := 0; i < 50; i++ {
		f, err := Submit(context.Background(), s, func(jc JobContext) int {
			cpu.enter()
			time.Sleep(time.Millisecond)
			cpu.leave()
			if !jc.SetMode(ModeNetwork) {
				return -1
			}
			net.enter()
			time.Sleep(time.Millisecond)
			net.leave()
			return i
		}, nil)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for i, f := range futures {
		assert.Equal(t, i, f.Get())
	}

	assert.LessOrEqual(t, cpu.max.Load(), int32(2))
	assert.LessOrEqual(t, net.max.Load(), int32(2))
	for _, snap := range s.Resources().Snapshot() {
		assert.Zero(t, snap.InUse, snap.Name)
		assert.Equal(t, 2, snap.Available, snap.Name)
	}
	assert.EqualValues(t, 50, s.Stats().Completed)
}

func TestCancelBeforeStartNeverRunsBody(t *testing.T) {
	t.Parallel()

	exec := &heldExecutor{}
	s := NewSubmitter(exec, nil)

	var ran atomic.Bool
	var listened atomic.Int32
	f, err := Submit(context.Background(), s, func(JobContext) string {
		ran.Store(true)
		return "ran"
	}, func(*Future[string]) { listened.Add(1) })
	require.NoError(t, err)

	assert.True(t, f.Cancel())
	assert.False(t, f.Cancel())
	exec.runAll()

	assert.False(t, ran.Load())
	assert.True(t, f.IsDone())
	assert.True(t, f.IsCancelled())
	assert.Empty(t, f.Get())
	assert.EqualValues(t, 1, listened.Load())
	assert.Zero(t, s.Resources().CPU.Snapshot().InUse)
}

func TestCancelWhileWaitingOnResource(t *testing.T) {
	t.Parallel()

	s := NewSubmitter(goExecutor(), NewResources(1, 1))
	release := make(chan struct{})
	started := make(chan struct{})

	blocker, err := Submit(context.Background(), s, func(JobContext) int {
		close(started)
		<-release
		return 1
	}, nil)
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	waiter, err := Submit(context.Background(), s, func(JobContext) int {
		ran.Store(true)
		return 2
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return waiter.State() == StateWaiting }, time.Second, time.Millisecond)
	assert.Equal(t, "cpu", waiter.WaitingOn())

	waiter.Cancel()
	select {
	case <-waiter.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not finish")
	}
	assert.False(t, ran.Load())
	assert.Zero(t, waiter.Get())

	close(release)
	assert.Equal(t, 1, blocker.Get())
	assert.Equal(t, 1, s.Resources().CPU.Available())
}

func TestLateCancelListenerFiresOnce(t *testing.T) {
	t.Parallel()

	c := newControl(nil)
	var early atomic.Int32
	c.SetCancelListener(func() { early.Add(1) })
	c.cancel()
	c.cancel()
	assert.EqualValues(t, 1, early.Load())

	late := 0
	c.SetCancelListener(func() { late++ })
	assert.Equal(t, 1, late)
}

func TestRoundTripUnderContention(t *testing.T) {
	t.Parallel()

	s := NewSubmitter(goExecutor(), NewResources(1, 1))
	const n = 200
	futures := make([]*Future[int], n)
	for i := range futures {
		f, err := Submit(context.Background(), s, func(JobContext) int { return i * 7 }, nil)
		require.NoError(t, err)
		futures[i] = f
	}
	for i, f := range futures {
		v, err := f.GetContext(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i*7, v)
	}
}

func TestPanicCompletesWithZeroValue(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := NewSubmitter(goExecutor(), nil, WithBus(bus))
	f, err := SubmitNamed(context.Background(), s, "explode", func(JobContext) int { panic("boom") }, nil)
	require.NoError(t, err)

	assert.Zero(t, f.Get())
	assert.False(t, f.IsCancelled())

	e := <-events
	assert.Equal(t, eventbus.JobFailed, e.Type)
	info := e.Data.(eventbus.RunInfo)
	assert.Equal(t, "explode", info.Name)
	assert.Contains(t, info.Error, "boom")
	assert.EqualValues(t, 1, s.Stats().Failed)
	assert.Zero(t, s.Resources().CPU.Snapshot().InUse)
}

func TestSetModeSwitchesResourceClass(t *testing.T) {
	t.Parallel()

	res := NewResources(2, 2)
	s := NewSubmitter(goExecutor(), res)
	inNetwork := make(chan struct{})
	release := make(chan struct{})

	f, err := Submit(context.Background(), s, func(jc JobContext) Mode {
		jc.SetMode(ModeNetwork)
		close(inNetwork)
		<-release
		return ModeNetwork
	}, nil)
	require.NoError(t, err)

	<-inNetwork
	assert.Zero(t, res.CPU.Snapshot().InUse)
	assert.Equal(t, 1, res.Network.Snapshot().InUse)
	assert.Equal(t, ModeNetwork, f.Mode())

	close(release)
	assert.Equal(t, ModeNetwork, f.Get())
	assert.Zero(t, res.Network.Snapshot().InUse)
}

func TestDispatchFailureAbandonsFuture(t *testing.T) {
	t.Parallel()

	boom := errors.New("closed")
	s := NewSubmitter(ExecutorFunc(func(context.Context, func(context.Context)) error { return boom }), nil)

	f, err := Submit(context.Background(), s, func(JobContext) int { return 1 }, nil)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, f)

	_, err = Submit[int](context.Background(), s, nil, nil)
	assert.ErrorIs(t, err, ErrNilJob)
}

func TestJobContextCarriesWorkerValues(t *testing.T) {
	t.Parallel()

	type key struct{}
	exec := ExecutorFunc(func(ctx context.Context, task func(ctx context.Context)) error {
		go task(context.WithValue(ctx, key{}, "worker-1"))
		return nil
	})
	s := NewSubmitter(exec, nil)
	f, err := Submit(context.Background(), s, func(jc JobContext) any { return jc.Value(key{}) }, nil)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", f.Get())
}

func TestInlineContext(t *testing.T) {
	t.Parallel()

	s := NewSubmitter(goExecutor(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	jc := s.NewContext(ctx)
	assert.True(t, jc.SetMode(ModeCPU))
	assert.False(t, jc.IsCancelled())

	fired := make(chan struct{})
	jc.SetCancelListener(func() { close(fired) })
	cancel()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("listener not fired")
	}
	assert.False(t, jc.SetMode(ModeNetwork))

	n := 0
	jc.SetCancelListener(func() { n++ })
	assert.Equal(t, 1, n)
}

func TestCounterGrowWakesWaiter(t *testing.T) {
	t.Parallel()

	c := NewResourceCounter("cpu", 1)
	require.True(t, c.Acquire(nil))

	got := make(chan bool, 1)
	go func() { got <- c.Acquire(nil) }()
	require.Eventually(t, func() bool { return c.Snapshot().Waiting == 1 }, time.Second, time.Millisecond)

	c.SetCapacity(2)
	assert.True(t, <-got)
	assert.Zero(t, c.Available())

	c.Release()
	c.Release()
	assert.Panics(t, c.Release)
}

func TestCounterAcquireCancelled(t *testing.T) {
	t.Parallel()

	c := NewResourceCounter("network", 1)
	cancel := make(chan struct{})
	close(cancel)
	assert.False(t, c.Acquire(cancel))
	assert.Equal(t, 1, c.Available())
}
