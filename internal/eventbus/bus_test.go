package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: JobDone, Data: RunInfo{Kind: "job", ID: 7}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, JobDone, e.Type)
		assert.False(t, e.Time.IsZero())
		info, ok := e.Data.(RunInfo)
		require.True(t, ok)
		assert.EqualValues(t, 7, info.ID)
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: WorkerStarted})
	b.Publish(Event{Type: WorkerRetired})

	e := <-ch
	assert.Equal(t, WorkerStarted, e.Type)
	assert.Empty(t, ch)

	unsub()
	unsub()
	b.Publish(Event{Type: WorkFinished})
	_, open := <-ch
	assert.False(t, open)
}
