package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub(8).WithClock(func() time.Time { return at })

	h.Publish("queue.created", map[string]string{"workspace": "a"})
	h.Publish("queue.claimed", nil)

	evs := h.SnapshotSince(0)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(1), evs[0].ID)
	assert.Equal(t, int64(2), evs[1].ID)
	assert.Equal(t, at, evs[0].At)
	assert.JSONEq(t, `{"workspace":"a"}`, string(evs[0].Data))
	assert.JSONEq(t, `{}`, string(evs[1].Data))

	var payload struct{ Workspace string }
	require.NoError(t, evs[0].Decode(&payload))
	assert.Equal(t, "a", payload.Workspace)
}

func TestUnmarshallablePayloadBecomesEmpty(t *testing.T) {
	h := NewHub(4)
	h.Publish("x", make(chan int))
	assert.JSONEq(t, `{}`, string(h.Latest(1)[0].Data))
}

func TestRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("tick", i)
	}
	evs := h.SnapshotSince(0)
	require.Len(t, evs, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{evs[0].ID, evs[1].ID, evs[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)

	latest := h.Latest(2)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(4), latest[0].ID)
}

func TestSubscribeFiltersByPrefix(t *testing.T) {
	h := NewHub(8)
	queue := h.Subscribe("queue.")
	all := h.Subscribe()
	defer queue.Close()
	defer all.Close()

	h.Publish("lock.acquired", nil)
	h.Publish("queue.merged", nil)

	ev := <-queue.C
	assert.Equal(t, "queue.merged", ev.Type)
	select {
	case extra := <-queue.C:
		t.Fatalf("unexpected event %s", extra.Type)
	default:
	}

	assert.Equal(t, "lock.acquired", (<-all.C).Type)
	assert.Equal(t, "queue.merged", (<-all.C).Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriberBuf+10; i++ {
		h.Publish("tick", i)
	}
	assert.Equal(t, int64(10), sub.Dropped())
}

func TestCloseIsIdempotent(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe()
	require.Equal(t, 1, h.Subscribers())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Subscribers())
	_, ok := <-sub.C
	assert.False(t, ok)

	h.Publish("after-close", nil)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	h := NewHub(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish("queue.heartbeat", j)
			}
		}()
		go func() {
			defer wg.Done()
			sub := h.Subscribe("queue.")
			sub.Close()
		}()
	}
	wg.Wait()

	evs := h.SnapshotSince(0)
	require.Len(t, evs, 64)
	assert.Equal(t, int64(400), evs[len(evs)-1].ID)
}
