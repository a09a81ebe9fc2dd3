package task

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Reserved payload keys. The broker never looks at anything else inside a
// payload; everything beyond these is opaque to the core.
const (
	KeyTask       = "task"
	KeyTaskData   = "taskData"
	KeyWebhook    = "webhook"
	KeyMaxRetries = "_max_retries"
	KeyMeta       = "meta"
)

// Error definitions
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidPayload = errors.New("invalid task payload")
)

// Status is the lifecycle state of a task record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
	StatusUnknown    Status = "unknown"
)

// IsTerminal returns true once no further transitions or retries occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDead
}

func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDead:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// Record is the broker's view of a single task.
type Record struct {
	ID          string                 `json:"id"`
	Queue       string                 `json:"queue"`
	Task        string                 `json:"task"`
	Status      Status                 `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	Retries     int                    `json:"retries"`
	MaxRetries  int                    `json:"max_retries"`
	Error       string                 `json:"error,omitempty"`
	WorkerID    string                 `json:"worker_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	StreamMsgID string                 `json:"-"` // stream entry bound to the current delivery
}

// New builds a pending record for a payload about to be enqueued.
func New(queue string, payload map[string]interface{}, defaultMaxRetries int) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:         uuid.New().String(),
		Queue:      queue,
		Task:       Name(payload),
		Status:     StatusPending,
		Payload:    payload,
		MaxRetries: MaxRetries(payload, defaultMaxRetries),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CanRetry reports whether another attempt is allowed.
func (r *Record) CanRetry() bool {
	return r.Retries < r.MaxRetries
}

// MarshalPayload serializes the payload to a JSON string for storage.
func (r *Record) MarshalPayload() (string, error) {
	if r.Payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Name extracts the task-type name from a payload.
func Name(payload map[string]interface{}) string {
	if payload == nil {
		return "unknown"
	}
	if name, ok := payload[KeyTask].(string); ok && name != "" {
		return name
	}
	return "unknown"
}

// Data extracts the taskData object from a payload.
func Data(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}
	if data, ok := payload[KeyTaskData].(map[string]interface{}); ok {
		return data
	}
	return map[string]interface{}{}
}

// Webhook extracts the webhook URL from a payload, empty if absent.
func Webhook(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	url, _ := payload[KeyWebhook].(string)
	return url
}

// MaxRetries extracts _max_retries from a payload, falling back to def.
// JSON numbers decode as float64; strings, negative values and other types
// fall back to def.
func MaxRetries(payload map[string]interface{}, def int) int {
	if payload == nil {
		return def
	}
	switch v := payload[KeyMaxRetries].(type) {
	case float64:
		if v >= 0 {
			return int(v)
		}
	case int:
		if v >= 0 {
			return v
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n >= 0 {
			return int(n)
		}
	}
	return def
}

// ParsePayload decodes a stored payload JSON string back to structured form.
func ParsePayload(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
