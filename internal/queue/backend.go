package queue

import (
	"context"

	"github.com/mangofish163/procurator/internal/task"
)

// Delivery is a single dequeued task handed to a worker. The worker must
// settle it with MarkDone or MarkFailed.
type Delivery struct {
	TID     string
	Payload map[string]interface{}
}

// Backend is the queue contract shared by the memory and Redis-Streams
// implementations. Dequeue blocks for at most the configured block timeout
// and returns (nil, nil) when no task is available.
type Backend interface {
	Enqueue(ctx context.Context, queue string, payload map[string]interface{}) (string, error)
	Dequeue(ctx context.Context, queue string) (*Delivery, error)
	MarkStarted(ctx context.Context, tid, workerID string) error
	MarkDone(ctx context.Context, tid string) error
	MarkFailed(ctx context.Context, tid string, taskErr string) error
	GetTask(ctx context.Context, tid string) (*task.Record, error)
	Close() error
}
