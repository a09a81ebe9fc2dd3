package websocket

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mangofish163/procurator/internal/events"
	"github.com/mangofish163/procurator/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024

	// Per-feed queue bound. Broker events are small and frequent enough
	// that a reader stalled longer than this window only cares about the
	// recent tail anyway; older entries are shed first.
	maxQueued = 128
)

// feedFilter selects which events a feed receives. Empty sets match
// everything on that axis.
type feedFilter struct {
	types  map[events.EventType]struct{}
	queues map[string]struct{}
	tids   map[string]struct{}
}

func (f feedFilter) matches(e events.Event) bool {
	if len(f.types) > 0 {
		if _, ok := f.types[e.Type]; !ok {
			return false
		}
	}
	if len(f.queues) > 0 {
		if _, ok := f.queues[e.Queue]; !ok {
			return false
		}
	}
	if len(f.tids) > 0 {
		if _, ok := f.tids[e.TID]; !ok {
			return false
		}
	}
	return true
}

// Feed is one WebSocket consumer of the event stream. Writes go through a
// bounded drop-oldest queue: the bus-side enqueue never blocks, and the
// writer drains whatever has accumulated into a single frame.
type Feed struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu      sync.Mutex
	queue   [][]byte
	dropped int
	filter  feedFilter
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newFeed(hub *Hub, conn *websocket.Conn, filter feedFilter) *Feed {
	return &Feed{
		id:     uuid.New().String()[:8],
		hub:    hub,
		conn:   conn,
		filter: filter,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// wants reports whether the feed's current filter matches the event.
func (f *Feed) wants(e events.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.matches(e)
}

// enqueue appends an encoded event, shedding the oldest entry when the
// queue is full. Runs on the bus reader goroutine; never blocks.
func (f *Feed) enqueue(data []byte) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if len(f.queue) >= maxQueued {
		f.queue = f.queue[1:]
		f.dropped++
	}
	f.queue = append(f.queue, data)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// close tears the connection down once; safe from any goroutine.
func (f *Feed) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	close(f.done)
	_ = f.conn.Close()
}

// writeLoop drains the queue into one frame per wakeup and keeps the
// connection alive with pings.
func (f *Feed) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.hub.detach(f)
		f.close()
	}()

	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
			if err := f.flush(); err != nil {
				return
			}
		case <-ticker.C:
			_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes everything queued as a single newline-separated frame. If
// events were shed since the last flush, the frame leads with a notice so
// the consumer knows its view has a gap.
func (f *Feed) flush() error {
	f.mu.Lock()
	batch := f.queue
	f.queue = nil
	dropped := f.dropped
	f.dropped = 0
	f.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := f.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}

	if dropped > 0 {
		_, _ = w.Write([]byte(`{"type":"feed.dropped","count":` + strconv.Itoa(dropped) + `}`))
		_, _ = w.Write([]byte{'\n'})
	}
	for i, data := range batch {
		if i > 0 {
			_, _ = w.Write([]byte{'\n'})
		}
		_, _ = w.Write(data)
	}
	return w.Close()
}

// FilterMessage narrows the feed after connect. Sending one replaces the
// filter wholesale; empty lists widen that axis back to everything.
type FilterMessage struct {
	Action string   `json:"action"` // "filter"
	Types  []string `json:"types,omitempty"`
	Queues []string `json:"queues,omitempty"`
	TIDs   []string `json:"tids,omitempty"`
}

// readLoop consumes filter commands and notices the peer going away.
func (f *Feed) readLoop() {
	defer func() {
		f.hub.detach(f)
		f.close()
	}()

	f.conn.SetReadLimit(maxMessageSize)
	_ = f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug().Err(err).Str("feed_id", f.id).Msg("feed read error")
			}
			return
		}

		var msg FilterMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Action != "filter" {
			logger.Debug().Str("feed_id", f.id).Msg("ignoring malformed feed command")
			continue
		}

		f.mu.Lock()
		f.filter = buildFilter(msg.Types, msg.Queues, msg.TIDs)
		f.mu.Unlock()
	}
}

func buildFilter(types, queues, tids []string) feedFilter {
	filter := feedFilter{}
	if len(types) > 0 {
		filter.types = make(map[events.EventType]struct{}, len(types))
		for _, t := range types {
			filter.types[events.EventType(t)] = struct{}{}
		}
	}
	if len(queues) > 0 {
		filter.queues = make(map[string]struct{}, len(queues))
		for _, q := range queues {
			filter.queues[q] = struct{}{}
		}
	}
	if len(tids) > 0 {
		filter.tids = make(map[string]struct{}, len(tids))
		for _, tid := range tids {
			filter.tids[tid] = struct{}{}
		}
	}
	return filter
}
