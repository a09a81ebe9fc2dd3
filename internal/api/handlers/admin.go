package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/queue"
	"github.com/mangofish163/procurator/internal/worker"
)

// AdminHandler serves DLQ inspection/replay and worker listing. Both need
// the Redis backend; with the memory backend they answer 503.
type AdminHandler struct {
	dlq    *queue.DLQAdmin
	client *redis.Client
}

func NewAdminHandler(dlq *queue.DLQAdmin, client *redis.Client) *AdminHandler {
	return &AdminHandler{dlq: dlq, client: client}
}

// ListDLQ handles GET /admin/dlq/{queue}
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		respondError(w, http.StatusServiceUnavailable, "DLQ requires the redis backend")
		return
	}

	queueName := chi.URLParam(r, "queue")
	count := int64(20)
	if c := r.URL.Query().Get("count"); c != "" {
		if parsed, err := strconv.ParseInt(c, 10, 64); err == nil && parsed > 0 {
			count = parsed
		}
	}

	entries, err := h.dlq.List(r.Context(), queueName, count)
	if err != nil {
		logger.WithQueue(queueName).Error().Err(err).Msg("failed to list DLQ")
		respondError(w, http.StatusInternalServerError, "failed to list DLQ")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue":   queueName,
		"entries": entries,
		"count":   len(entries),
	})
}

// InspectDLQ handles GET /admin/dlq/{queue}/{msgID}
func (h *AdminHandler) InspectDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		respondError(w, http.StatusServiceUnavailable, "DLQ requires the redis backend")
		return
	}

	queueName := chi.URLParam(r, "queue")
	msgID := chi.URLParam(r, "msgID")

	detail, err := h.dlq.Inspect(r.Context(), queueName, msgID)
	if err == queue.ErrDeadLetterNotFound {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		logger.WithQueue(queueName).Error().Err(err).Msg("failed to inspect dead letter")
		respondError(w, http.StatusInternalServerError, "failed to inspect dead letter")
		return
	}

	respondJSON(w, http.StatusOK, detail)
}

// ReplayDLQ handles POST /admin/dlq/{queue}/{msgID}/replay
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		respondError(w, http.StatusServiceUnavailable, "DLQ requires the redis backend")
		return
	}

	queueName := chi.URLParam(r, "queue")
	msgID := chi.URLParam(r, "msgID")

	newTID, err := h.dlq.Replay(r.Context(), queueName, msgID)
	switch err {
	case nil:
	case queue.ErrDeadLetterNotFound:
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	case queue.ErrNoOriginalPayload:
		respondError(w, http.StatusBadRequest, err.Error())
		return
	default:
		logger.WithQueue(queueName).Error().Err(err).Msg("failed to replay dead letter")
		respondError(w, http.StatusInternalServerError, "failed to replay dead letter")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "replayed",
		"new_tid": newTID,
	})
}

// PurgeDLQ handles DELETE /admin/dlq/{queue}
func (h *AdminHandler) PurgeDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		respondError(w, http.StatusServiceUnavailable, "DLQ requires the redis backend")
		return
	}

	queueName := chi.URLParam(r, "queue")
	if err := h.dlq.Purge(r.Context(), queueName); err != nil {
		logger.WithQueue(queueName).Error().Err(err).Msg("failed to purge DLQ")
		respondError(w, http.StatusInternalServerError, "failed to purge DLQ")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "purged",
		"queue":  queueName,
	})
}

// ListWorkers handles GET /admin/workers
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		respondError(w, http.StatusServiceUnavailable, "worker listing requires the redis backend")
		return
	}

	workers, err := worker.GetActiveWorkers(r.Context(), h.client)
	if err != nil {
		logger.Error().Err(err).Msg("failed to get active workers")
		respondError(w, http.StatusInternalServerError, "failed to get workers")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}
