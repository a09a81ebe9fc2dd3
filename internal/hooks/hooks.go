package hooks

import (
	"context"

	"github.com/mangofish163/procurator/internal/events"
	"github.com/mangofish163/procurator/internal/logger"
)

// Hooks is the task lifecycle contract. The broker calls these at enqueue,
// dispatch start, and dispatch end; implementations own their side effects
// (history persistence, event fan-out). Every call is best-effort — the
// broker logs and swallows failures, it never lets a hook affect delivery.
type Hooks interface {
	OnInit(ctx context.Context, tid, queue, taskName string, payload map[string]interface{})
	OnStart(ctx context.Context, tid, workerID string)
	OnFinish(ctx context.Context, tid, status string, result interface{}, taskErr, workerID string)
}

// Nop discards every hook call.
type Nop struct{}

func (Nop) OnInit(context.Context, string, string, string, map[string]interface{}) {}
func (Nop) OnStart(context.Context, string, string)                                {}
func (Nop) OnFinish(context.Context, string, string, interface{}, string, string)  {}

// EventHooks publishes lifecycle transitions to the event bus.
type EventHooks struct {
	publisher events.Publisher
}

func NewEventHooks(publisher events.Publisher) *EventHooks {
	return &EventHooks{publisher: publisher}
}

func (h *EventHooks) OnInit(ctx context.Context, tid, queue, taskName string, payload map[string]interface{}) {
	h.publish(ctx, events.TaskEvent(events.EventTaskEnqueued, tid, queue, taskName))
}

func (h *EventHooks) OnStart(ctx context.Context, tid, workerID string) {
	event := events.TaskEvent(events.EventTaskStarted, tid, "", "")
	event.WorkerID = workerID
	h.publish(ctx, event)
}

func (h *EventHooks) OnFinish(ctx context.Context, tid, status string, result interface{}, taskErr, workerID string) {
	eventType := events.EventTaskCompleted
	if status != "completed" {
		eventType = events.EventTaskFailed
	}
	event := events.TaskEvent(eventType, tid, "", "")
	event.Status = status
	event.WorkerID = workerID
	event.Error = taskErr
	h.publish(ctx, event)
}

func (h *EventHooks) publish(ctx context.Context, event events.Event) {
	if err := h.publisher.Publish(ctx, event); err != nil {
		logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("hook event publish failed")
	}
}

// Multi fans a hook call out to several implementations in order.
type Multi []Hooks

func (m Multi) OnInit(ctx context.Context, tid, queue, taskName string, payload map[string]interface{}) {
	for _, h := range m {
		h.OnInit(ctx, tid, queue, taskName, payload)
	}
}

func (m Multi) OnStart(ctx context.Context, tid, workerID string) {
	for _, h := range m {
		h.OnStart(ctx, tid, workerID)
	}
}

func (m Multi) OnFinish(ctx context.Context, tid, status string, result interface{}, taskErr, workerID string) {
	for _, h := range m {
		h.OnFinish(ctx, tid, status, result, taskErr, workerID)
	}
}
