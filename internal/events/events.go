package events

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventTaskEnqueued  EventType = "task.enqueued"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskDead      EventType = "task.dead"

	EventWorkerJoined EventType = "worker.joined"
	EventWorkerLeft   EventType = "worker.left"
)

// Event is one lifecycle transition on the bus. The fields are flat —
// feed consumers filter on tid, queue, and type without digging into a
// nested payload, and the broker never puts task payloads on the bus.
type Event struct {
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`
	TID      string    `json:"tid,omitempty"`
	Queue    string    `json:"queue,omitempty"`
	Task     string    `json:"task,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// TaskEvent builds an event for a task transition.
func TaskEvent(t EventType, tid, queue, taskName string) Event {
	return Event{
		Type:  t,
		At:    time.Now().UTC(),
		TID:   tid,
		Queue: queue,
		Task:  taskName,
	}
}

// WorkerEvent builds an event for a worker joining or leaving a queue.
func WorkerEvent(t EventType, workerID, queue string) Event {
	return Event{
		Type:     t,
		At:       time.Now().UTC(),
		WorkerID: workerID,
		Queue:    queue,
	}
}

// Encode serializes the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire event.
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Publisher emits events. Publishing is fire-and-forget: the broker never
// blocks a delivery on the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is a publisher whose events can also be consumed. Listen delivers
// every event to fn from a single reader goroutine; fn must not block, any
// buffering or fan-out is the consumer's job.
type Bus interface {
	Publisher
	Listen(ctx context.Context, fn func(Event)) error
}
