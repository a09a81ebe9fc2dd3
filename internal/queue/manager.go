package queue

import (
	"context"

	"github.com/mangofish163/procurator/internal/config"
	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/task"
)

// Manager selects a backend from config and exposes the queue contract to
// the HTTP layer and the worker pool.
type Manager struct {
	backend Backend
}

// NewManager constructs the configured backend. If Redis cannot be reached
// the manager falls back to the in-memory backend so the process still
// comes up; the degradation is logged loudly.
func NewManager(cfg *config.Config) *Manager {
	log := logger.WithComponent("queue_manager")

	if cfg.Queue.Backend == "redis" {
		backend, err := NewStreamBackend(&cfg.Redis, &cfg.Queue)
		if err == nil {
			log.Info().Msg("using redis stream backend")
			return &Manager{backend: backend}
		}
		log.Error().Err(err).Msg("failed to init redis backend, falling back to memory")
	} else {
		log.Info().Msg("using memory backend")
	}

	return &Manager{backend: NewMemoryBackend(cfg.Queue.DefaultMaxRetries)}
}

// NewManagerWithBackend wraps an already-constructed backend.
func NewManagerWithBackend(backend Backend) *Manager {
	return &Manager{backend: backend}
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// StreamBackend returns the Redis backend when that is what is configured,
// nil otherwise. Collaborators that need raw Redis (DLQ admin, heartbeat,
// event bus) use this to detect availability.
func (m *Manager) StreamBackend() *StreamBackend {
	sb, _ := m.backend.(*StreamBackend)
	return sb
}

func (m *Manager) Enqueue(ctx context.Context, queue string, payload map[string]interface{}) (string, error) {
	return m.backend.Enqueue(ctx, queue, payload)
}

func (m *Manager) Dequeue(ctx context.Context, queue string) (*Delivery, error) {
	return m.backend.Dequeue(ctx, queue)
}

func (m *Manager) MarkStarted(ctx context.Context, tid, workerID string) error {
	return m.backend.MarkStarted(ctx, tid, workerID)
}

func (m *Manager) MarkDone(ctx context.Context, tid string) error {
	return m.backend.MarkDone(ctx, tid)
}

func (m *Manager) MarkFailed(ctx context.Context, tid string, taskErr string) error {
	return m.backend.MarkFailed(ctx, tid, taskErr)
}

func (m *Manager) GetTask(ctx context.Context, tid string) (*task.Record, error) {
	return m.backend.GetTask(ctx, tid)
}

// Status returns the task's status string, "unknown" once the record has
// expired or never existed.
func (m *Manager) Status(ctx context.Context, tid string) string {
	rec, err := m.backend.GetTask(ctx, tid)
	if err != nil {
		return string(task.StatusUnknown)
	}
	return string(rec.Status)
}

func (m *Manager) Close() error {
	return m.backend.Close()
}
