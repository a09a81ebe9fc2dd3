package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mangofish163/procurator/internal/hooks"
	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/queue"
	"github.com/mangofish163/procurator/internal/task"
	"github.com/mangofish163/procurator/internal/worker"
)

// TaskHandler handles task submission and status lookup.
type TaskHandler struct {
	manager    *queue.Manager
	dispatcher *worker.Dispatcher
	hooks      hooks.Hooks
}

func NewTaskHandler(manager *queue.Manager, dispatcher *worker.Dispatcher, hk hooks.Hooks) *TaskHandler {
	if hk == nil {
		hk = hooks.Nop{}
	}
	return &TaskHandler{
		manager:    manager,
		dispatcher: dispatcher,
		hooks:      hk,
	}
}

// Submit handles POST /api/v1/tasks. The body is the task payload plus two
// envelope fields, "queue" and "sync", which are stripped before enqueue.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskName := task.Name(body)
	if taskName == "unknown" {
		respondError(w, http.StatusBadRequest, "'task' is required")
		return
	}
	if !h.dispatcher.Has(taskName) {
		respondError(w, http.StatusBadRequest, "unknown task: "+taskName)
		return
	}

	queueName, _ := body["queue"].(string)
	if queueName == "" {
		queueName = "api"
	}
	sync, _ := body["sync"].(bool)
	delete(body, "queue")
	delete(body, "sync")

	// Sync-mode contract: Must forces inline execution, Prohibited forbids it.
	switch h.dispatcher.SyncModeFor(taskName) {
	case worker.SyncMust:
		sync = true
	case worker.SyncProhibited:
		if sync {
			respondError(w, http.StatusBadRequest, "task cannot be executed synchronously")
			return
		}
	}

	if sync {
		h.submitSync(w, r, taskName, body)
		return
	}

	tid, err := h.manager.Enqueue(r.Context(), queueName, body)
	if err != nil {
		logger.Error().Err(err).Str("task", taskName).Msg("failed to enqueue task")
		respondError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	h.hooks.OnInit(r.Context(), tid, queueName, taskName, body)

	logger.WithTask(tid).Info().
		Str("task", taskName).
		Str("queue", queueName).
		Msg("task accepted")

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"task_id":  tid,
	})
}

func (h *TaskHandler) submitSync(w http.ResponseWriter, r *http.Request, taskName string, payload map[string]interface{}) {
	result, err := h.dispatcher.Dispatch(r.Context(), taskName, task.Data(payload))
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"accepted": true,
			"status":   "failed",
			"error":    err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": true,
		"status":   "completed",
		"result":   result,
	})
}

// Get handles GET /api/v1/tasks/{tid}. Expired records report "unknown".
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	tid := chi.URLParam(r, "tid")
	if tid == "" {
		respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	rec, err := h.manager.GetTask(r.Context(), tid)
	if err == task.ErrTaskNotFound {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"task_id": tid,
			"status":  string(task.StatusUnknown),
		})
		return
	}
	if err != nil {
		logger.WithTask(tid).Error().Err(err).Msg("failed to get task")
		respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
