package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *RedisBus {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisBus(client)
}

func TestRedisBus_RoundTrip(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 4)
	require.NoError(t, bus.Listen(ctx, func(e Event) {
		received <- e
	}))

	sent := TaskEvent(EventTaskCompleted, "tid-1", "api", "system.ping")
	sent.WorkerID = "worker_test_1"
	require.NoError(t, bus.Publish(ctx, sent))

	select {
	case got := <-received:
		assert.Equal(t, EventTaskCompleted, got.Type)
		assert.Equal(t, "tid-1", got.TID)
		assert.Equal(t, "api", got.Queue)
		assert.Equal(t, "system.ping", got.Task)
		assert.Equal(t, "worker_test_1", got.WorkerID)
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestRedisBus_ListenOrder(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, bus.Listen(ctx, func(e Event) {
		mu.Lock()
		got = append(got, e.TID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	}))

	for _, tid := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, TaskEvent(EventTaskEnqueued, tid, "api", "t")))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestEvent_EncodeDecode(t *testing.T) {
	event := TaskEvent(EventTaskFailed, "tid-1", "api", "fail")
	event.Status = "failed"
	event.Error = "boom"

	data, err := event.Encode()
	require.NoError(t, err)

	parsed, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, event.Type, parsed.Type)
	assert.Equal(t, event.TID, parsed.TID)
	assert.Equal(t, event.Error, parsed.Error)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("{nope"))
	assert.Error(t, err)
}

func TestWorkerEvent(t *testing.T) {
	event := WorkerEvent(EventWorkerJoined, "worker_test_1", "api")
	assert.Equal(t, EventWorkerJoined, event.Type)
	assert.Equal(t, "worker_test_1", event.WorkerID)
	assert.Equal(t, "api", event.Queue)
	assert.False(t, event.At.IsZero())
}
