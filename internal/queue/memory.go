package queue

import (
	"context"
	"sync"
	"time"

	"github.com/mangofish163/procurator/internal/metrics"
	"github.com/mangofish163/procurator/internal/task"
)

// MemoryBackend is a single-process, mutex-protected store. Deliveries are
// implicitly acknowledged by eviction from the FIFO list; there is no
// redelivery, so it is only suitable for development and tests.
type MemoryBackend struct {
	mu                sync.Mutex
	tasks             map[string]*task.Record
	queues            map[string][]string
	dead              map[string][]DeadLetter
	defaultMaxRetries int
}

// DeadLetter mirrors a DLQ stream entry for the in-memory backend.
type DeadLetter struct {
	TID             string
	Task            string
	Error           string
	DiedAt          time.Time
	OriginalPayload string
}

func NewMemoryBackend(defaultMaxRetries int) *MemoryBackend {
	return &MemoryBackend{
		tasks:             make(map[string]*task.Record),
		queues:            make(map[string][]string),
		dead:              make(map[string][]DeadLetter),
		defaultMaxRetries: defaultMaxRetries,
	}
}

func (m *MemoryBackend) Enqueue(ctx context.Context, queue string, payload map[string]interface{}) (string, error) {
	rec := task.New(queue, payload, m.defaultMaxRetries)

	m.mu.Lock()
	m.tasks[rec.ID] = rec
	m.queues[queue] = append(m.queues[queue], rec.ID)
	m.mu.Unlock()

	metrics.RecordEnqueued(queue, rec.Task)
	metrics.IncQueueSize(queue)

	return rec.ID, nil
}

func (m *MemoryBackend) Dequeue(ctx context.Context, queue string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.queues[queue]
	if len(ids) == 0 {
		return nil, nil
	}

	tid := ids[0]
	m.queues[queue] = ids[1:]
	metrics.DecQueueSize(queue)

	rec, ok := m.tasks[tid]
	if !ok {
		return &Delivery{TID: tid, Payload: map[string]interface{}{}}, nil
	}
	return &Delivery{TID: tid, Payload: rec.Payload}, nil
}

func (m *MemoryBackend) MarkStarted(ctx context.Context, tid, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[tid]
	if !ok {
		return task.ErrTaskNotFound
	}
	now := time.Now().UTC()
	rec.Status = task.StatusProcessing
	rec.WorkerID = workerID
	rec.StartedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryBackend) MarkDone(ctx context.Context, tid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[tid]
	if !ok {
		return task.ErrTaskNotFound
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = task.StatusCompleted
	rec.FinishedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryBackend) MarkFailed(ctx context.Context, tid string, taskErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[tid]
	if !ok {
		return task.ErrTaskNotFound
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	rec.Error = taskErr
	rec.UpdatedAt = now

	if rec.CanRetry() {
		rec.Retries++
		rec.Status = task.StatusPending
		m.queues[rec.Queue] = append(m.queues[rec.Queue], tid)
		metrics.IncQueueSize(rec.Queue)
		return nil
	}

	rec.Status = task.StatusDead
	rec.FinishedAt = &now

	raw, err := rec.MarshalPayload()
	if err != nil {
		raw = "{}"
	}
	m.dead[rec.Queue] = append(m.dead[rec.Queue], DeadLetter{
		TID:             tid,
		Task:            rec.Task,
		Error:           taskErr,
		DiedAt:          now,
		OriginalPayload: raw,
	})
	return nil
}

func (m *MemoryBackend) GetTask(ctx context.Context, tid string) (*task.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[tid]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	cp := *rec
	return &cp, nil
}

// DeadLetters returns the dead letters recorded for a queue.
func (m *MemoryBackend) DeadLetters(queue string) []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.dead[queue]...)
}

func (m *MemoryBackend) Close() error {
	return nil
}
