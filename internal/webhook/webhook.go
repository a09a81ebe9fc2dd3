package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/task"
)

// Notification is the body POSTed to a client-supplied webhook.
type Notification struct {
	TaskID string      `json:"task_id"`
	Task   string      `json:"task"`
	Status string      `json:"status"` // "done" or "failed"
	Result interface{} `json:"result"`
	Error  *string     `json:"error"`
	Meta   interface{} `json:"meta"`
}

// Notifier delivers best-effort completion callbacks. A failed POST is
// logged and forgotten; it never feeds back into the delivery outcome.
type Notifier struct {
	client *http.Client
}

func NewNotifier(timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
	}
}

// Notify POSTs the task outcome to payload.webhook, if one was supplied.
func (n *Notifier) Notify(ctx context.Context, tid, taskName string, payload map[string]interface{}, status string, result interface{}, taskErr string) {
	url := task.Webhook(payload)
	if url == "" {
		return
	}

	notification := Notification{
		TaskID: tid,
		Task:   taskName,
		Status: status,
		Result: result,
	}
	if taskErr != "" {
		notification.Error = &taskErr
	}
	if payload != nil {
		notification.Meta = payload[task.KeyMeta]
	}

	body, err := json.Marshal(notification)
	if err != nil {
		logger.WithTask(tid).Error().Err(err).Msg("failed to marshal webhook body")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.WithTask(tid).Error().Err(err).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		logger.WithTask(tid).Error().Err(err).Str("webhook", url).Msg("webhook notify failed")
		return
	}
	defer resp.Body.Close()

	logger.WithTask(tid).Debug().
		Str("webhook", url).
		Int("status_code", resp.StatusCode).
		Msg("webhook delivered")
}
