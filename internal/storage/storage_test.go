package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

func openTemp(t *testing.T, driver string) Store {
	t.Helper()
	name := "runs.jsonl"
	if driver == "sqlite" {
		name = "runs.db"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), name)}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestStoresRecentRuns(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openTemp(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 1; i <= 5; i++ {
				require.NoError(t, st.AppendRun(ctx, RunRecord{
					ID:       filepath.Base(t.Name()) + string(rune('a'+i)),
					Kind:     "work",
					RunID:    int64(i),
					Name:     "w",
					Status:   StatusDone,
					Started:  base.Add(time.Duration(i) * time.Second),
					Duration: time.Duration(i) * time.Millisecond,
				}))
			}

			got, err := st.RecentRuns(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []int64{5, 4, 3}, []int64{got[0].RunID, got[1].RunID, got[2].RunID})
			assert.Equal(t, 5*time.Millisecond, got[0].Duration)
			assert.True(t, got[0].Started.Equal(base.Add(5*time.Second)))

			all, err := st.RecentRuns(ctx, 50)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestFileStoreClosed(t *testing.T) {
	st := openTemp(t, "file")
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendRun(context.Background(), RunRecord{}), ErrClosed)
}

func TestRecordFromEvent(t *testing.T) {
	info := eventbus.RunInfo{Kind: "work", ID: 7, Name: "fetch", Error: "boom"}
	rec, ok := RecordFromEvent(eventbus.Event{Type: eventbus.WorkFinished, Data: info})
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, int64(7), rec.RunID)
	assert.NotEmpty(t, rec.ID)

	rec, ok = RecordFromEvent(eventbus.Event{Type: eventbus.JobCancelled, Data: eventbus.RunInfo{Kind: "job"}})
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, rec.Status)

	_, ok = RecordFromEvent(eventbus.Event{Type: eventbus.WorkerStarted, Data: info})
	assert.False(t, ok)
}

func TestRecorderPersistsEvents(t *testing.T) {
	st := openTemp(t, "file")
	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.JobDone, Data: eventbus.RunInfo{Kind: "job", ID: 1, Name: "a"}})
	bus.Publish(eventbus.Event{Type: eventbus.WorkerRetired, Data: "ignored"})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.RunInfo{Kind: "job", ID: 2, Name: "b", Error: "x"}})

	require.Eventually(t, func() bool { return rec.Written() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	got, err := st.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.Equal(t, StatusFailed, got[0].Status)
	assert.Zero(t, rec.Failed())
}
