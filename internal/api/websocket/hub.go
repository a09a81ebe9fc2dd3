package websocket

import (
	"context"
	"sync"

	"github.com/mangofish163/procurator/internal/events"
	"github.com/mangofish163/procurator/internal/logger"
)

// Hub fans bus events out to connected feeds. There is no hub goroutine:
// the bus's reader calls fanout directly, each feed owns a small bounded
// queue, and a slow reader loses its oldest events rather than its
// connection or anyone else's throughput.
type Hub struct {
	bus events.Bus

	mu      sync.RWMutex
	feeds   map[*Feed]struct{}
	stopped bool
}

func NewHub(bus events.Bus) *Hub {
	return &Hub{
		bus:   bus,
		feeds: make(map[*Feed]struct{}),
	}
}

// Run attaches the hub to the bus. Events flow until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.bus.Listen(ctx, h.fanout); err != nil {
		return err
	}
	logger.Info().Msg("event feed attached to bus")
	return nil
}

// Stop disconnects every feed. New attachments are refused afterwards.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	feeds := make([]*Feed, 0, len(h.feeds))
	for f := range h.feeds {
		feeds = append(feeds, f)
	}
	h.feeds = make(map[*Feed]struct{})
	h.mu.Unlock()

	for _, f := range feeds {
		f.close()
	}
	logger.Info().Msg("event feed stopped")
}

// FeedCount returns the number of connected feeds.
func (h *Hub) FeedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds)
}

// fanout runs on the bus reader goroutine; it must not block. Encoding
// happens once per event, enqueueing is a mutex-guarded append per feed.
func (h *Hub) fanout(event events.Event) {
	data, err := event.Encode()
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode event for feed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for f := range h.feeds {
		if f.wants(event) {
			f.enqueue(data)
		}
	}
}

// attach registers a feed. Returns false once the hub is stopped.
func (h *Hub) attach(f *Feed) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return false
	}
	h.feeds[f] = struct{}{}
	logger.Debug().Str("feed_id", f.id).Int("feeds", len(h.feeds)).Msg("feed attached")
	return true
}

func (h *Hub) detach(f *Feed) {
	h.mu.Lock()
	_, ok := h.feeds[f]
	delete(h.feeds, f)
	remaining := len(h.feeds)
	h.mu.Unlock()

	if ok {
		logger.Debug().Str("feed_id", f.id).Int("feeds", remaining).Msg("feed detached")
	}
}
