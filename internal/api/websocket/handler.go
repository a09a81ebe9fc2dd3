package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mangofish163/procurator/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is read-only broker telemetry; origin checks happen at
		// the reverse proxy.
		return true
	},
}

// Handler upgrades /ws requests into event feeds.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeWS upgrades the connection and attaches a feed. Query parameters
// pre-filter the stream: ?queue=api&type=task.failed&tid=... (each may
// repeat); a later "filter" message replaces the filter.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	query := r.URL.Query()
	feed := newFeed(h.hub, conn, buildFilter(query["type"], query["queue"], query["tid"]))

	if !h.hub.attach(feed) {
		_ = conn.Close()
		return
	}

	go feed.writeLoop()
	go feed.readLoop()

	logger.Info().
		Str("feed_id", feed.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("event feed connected")
}
