package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangofish163/procurator/internal/events"
)

// fakeBus delivers published events straight to the listener, so tests
// control exactly when fanout happens.
type fakeBus struct {
	fn func(events.Event)
}

func (b *fakeBus) Publish(ctx context.Context, event events.Event) error {
	if b.fn != nil {
		b.fn(event)
	}
	return nil
}

func (b *fakeBus) Listen(ctx context.Context, fn func(events.Event)) error {
	b.fn = fn
	return nil
}

func TestFeedFilter_Matches(t *testing.T) {
	event := events.TaskEvent(events.EventTaskFailed, "tid-1", "api", "t")

	tests := []struct {
		name    string
		filter  feedFilter
		matches bool
	}{
		{"empty matches all", feedFilter{}, true},
		{"type match", buildFilter([]string{"task.failed"}, nil, nil), true},
		{"type miss", buildFilter([]string{"task.completed"}, nil, nil), false},
		{"queue match", buildFilter(nil, []string{"api"}, nil), true},
		{"queue miss", buildFilter(nil, []string{"script"}, nil), false},
		{"tid match", buildFilter(nil, nil, []string{"tid-1"}), true},
		{"tid miss", buildFilter(nil, nil, []string{"tid-2"}), false},
		{"all axes must match", buildFilter([]string{"task.failed"}, []string{"script"}, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, tt.filter.matches(event))
		})
	}
}

func TestFeed_EnqueueShedsOldest(t *testing.T) {
	f := newFeed(nil, nil, feedFilter{})

	for i := 0; i < maxQueued+10; i++ {
		f.enqueue([]byte{byte(i)})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.queue, maxQueued)
	assert.Equal(t, 10, f.dropped)
	// Oldest entries went first
	assert.Equal(t, []byte{10}, f.queue[0])
}

func TestHub_AttachDetach(t *testing.T) {
	hub := NewHub(&fakeBus{})

	f := newFeed(hub, nil, feedFilter{})
	assert.True(t, hub.attach(f))
	assert.Equal(t, 1, hub.FeedCount())

	hub.detach(f)
	assert.Equal(t, 0, hub.FeedCount())
}

func TestHub_RefusesAttachAfterStop(t *testing.T) {
	hub := NewHub(&fakeBus{})
	hub.Stop()

	assert.False(t, hub.attach(newFeed(hub, nil, feedFilter{})))
}

func TestFeed_EndToEnd(t *testing.T) {
	bus := &fakeBus{}
	hub := NewHub(bus)
	handler := NewHandler(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.Run(ctx))
	defer hub.Stop()

	ts := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer ts.Close()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "?queue=api"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Wait for the feed to attach before publishing
	deadline := time.Now().Add(time.Second)
	for hub.FeedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, hub.FeedCount())

	// The script-queue event is filtered out, the api one arrives
	require.NoError(t, bus.Publish(ctx, events.TaskEvent(events.EventTaskCompleted, "tid-other", "script", "t")))
	require.NoError(t, bus.Publish(ctx, events.TaskEvent(events.EventTaskCompleted, "tid-1", "api", "t")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	for _, line := range strings.Split(string(message), "\n") {
		event, err := events.Decode([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, "api", event.Queue)
		assert.NotEqual(t, "tid-other", event.TID)
	}
}
