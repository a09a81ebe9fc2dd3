package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/task"
)

var (
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrNoOriginalPayload  = errors.New("cannot replay: missing original_payload")
)

// DLQAdmin provides inspection and replay over a queue's dead-letter stream.
type DLQAdmin struct {
	client  *redis.Client
	backend *StreamBackend
}

// NewDLQAdmin creates a DLQ admin sharing the stream backend's connection.
func NewDLQAdmin(backend *StreamBackend) *DLQAdmin {
	return &DLQAdmin{client: backend.Client(), backend: backend}
}

// DLQEntry is one row of a DLQ listing.
type DLQEntry struct {
	MsgID     string  `json:"msg_id"`
	Time      string  `json:"time"`
	Timestamp float64 `json:"timestamp"`
	Task      string  `json:"task"`
	Error     string  `json:"error"`
}

// DLQDetail is the full view of a single dead letter.
type DLQDetail struct {
	Meta    map[string]string `json:"meta"`
	Payload interface{}       `json:"payload"`
}

// List returns the most recent dead letters, newest first.
func (d *DLQAdmin) List(ctx context.Context, queue string, count int64) ([]DLQEntry, error) {
	if count <= 0 {
		count = 20
	}

	messages, err := d.client.XRevRangeN(ctx, dlqKey(queue), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		diedAt := task.ParseEpoch(stringValue(msg.Values, "died_at"))
		entry := DLQEntry{
			MsgID: msg.ID,
			Task:  "unknown",
			Error: "unknown",
		}
		if !diedAt.IsZero() {
			entry.Time = diedAt.Format("2006-01-02 15:04:05")
			entry.Timestamp = float64(diedAt.UnixNano()) / 1e9
		}
		if t := stringValue(msg.Values, "task"); t != "" {
			entry.Task = t
		}
		if e := stringValue(msg.Values, "error"); e != "" {
			entry.Error = e
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Inspect returns the full fields of one dead letter, with the original
// payload parsed back to structured form when possible.
func (d *DLQAdmin) Inspect(ctx context.Context, queue, msgID string) (*DLQDetail, error) {
	msg, err := d.fetch(ctx, queue, msgID)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		meta[k], _ = v.(string)
	}

	detail := &DLQDetail{Meta: meta}
	if raw, ok := msg.Values["original_payload"].(string); ok && raw != "" {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			detail.Payload = parsed
		} else {
			detail.Payload = raw
		}
	}
	return detail, nil
}

// Replay re-enqueues the original payload as a fresh task. The dead letter
// stays in place; purging is a separate, explicit operation.
func (d *DLQAdmin) Replay(ctx context.Context, queue, msgID string) (string, error) {
	msg, err := d.fetch(ctx, queue, msgID)
	if err != nil {
		return "", err
	}

	raw, ok := msg.Values["original_payload"].(string)
	if !ok || raw == "" {
		return "", ErrNoOriginalPayload
	}

	payload, err := task.ParsePayload(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse original_payload: %w", err)
	}

	newTID, err := d.backend.Enqueue(ctx, queue, payload)
	if err != nil {
		return "", fmt.Errorf("failed to re-enqueue: %w", err)
	}

	logger.WithQueue(queue).Info().
		Str("msg_id", msgID).
		Str("new_tid", newTID).
		Msg("dead letter replayed")
	return newTID, nil
}

// Purge irreversibly empties the queue's dead-letter stream.
func (d *DLQAdmin) Purge(ctx context.Context, queue string) error {
	if err := d.client.XTrimMaxLen(ctx, dlqKey(queue), 0).Err(); err != nil {
		return fmt.Errorf("failed to purge DLQ: %w", err)
	}
	logger.WithQueue(queue).Warn().Str("dlq", dlqKey(queue)).Msg("DLQ purged")
	return nil
}

// Size returns the number of entries in the queue's DLQ stream.
func (d *DLQAdmin) Size(ctx context.Context, queue string) (int64, error) {
	return d.client.XLen(ctx, dlqKey(queue)).Result()
}

func (d *DLQAdmin) fetch(ctx context.Context, queue, msgID string) (redis.XMessage, error) {
	messages, err := d.client.XRange(ctx, dlqKey(queue), msgID, msgID).Result()
	if err != nil {
		return redis.XMessage{}, fmt.Errorf("failed to read DLQ: %w", err)
	}
	if len(messages) == 0 {
		return redis.XMessage{}, ErrDeadLetterNotFound
	}
	return messages[0], nil
}

func stringValue(values map[string]interface{}, key string) string {
	s, _ := values[key].(string)
	return s
}
