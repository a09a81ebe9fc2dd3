package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mangofish163/procurator/internal/logger"
)

const (
	workerKeyPrefix     = "procurator:worker:"
	workerSetKey        = "procurator:workers:active"
	heartbeatKeySuffix  = ":heartbeat"
	workerInfoKeySuffix = ":info"
)

// WorkerInfo describes a live consumer process for the admin surface.
type WorkerInfo struct {
	ID            string    `json:"id"`
	Queues        []string  `json:"queues"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Heartbeat keeps this worker visible in Redis while it is alive. The keys
// carry a TTL, so a crashed worker disappears from the listing on its own.
type Heartbeat struct {
	client   *redis.Client
	workerID string
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	info     WorkerInfo
	infoMu   sync.Mutex
}

func NewHeartbeat(client *redis.Client, workerID string, queues []string, interval, timeout time.Duration) *Heartbeat {
	return &Heartbeat{
		client:   client,
		workerID: workerID,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		info: WorkerInfo{
			ID:     workerID,
			Queues: queues,
		},
	}
}

// Start registers the worker and begins sending heartbeats.
func (h *Heartbeat) Start(ctx context.Context) {
	h.infoMu.Lock()
	h.info.StartedAt = time.Now().UTC()
	h.infoMu.Unlock()

	h.client.SAdd(ctx, workerSetKey, h.workerID)
	h.send(ctx)

	h.wg.Add(1)
	go h.loop(ctx)

	logger.WithWorker(h.workerID).Info().
		Dur("interval", h.interval).
		Msg("heartbeat started")
}

// Stop deregisters the worker.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.client.SRem(ctx, workerSetKey, h.workerID)
	h.client.Del(ctx, h.heartbeatKey(), h.infoKey())

	logger.WithWorker(h.workerID).Info().Msg("heartbeat stopped")
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.send(ctx)
		}
	}
}

func (h *Heartbeat) send(ctx context.Context) {
	now := time.Now().UTC()

	if err := h.client.Set(ctx, h.heartbeatKey(), now.Unix(), h.timeout).Err(); err != nil {
		logger.WithWorker(h.workerID).Error().Err(err).Msg("failed to send heartbeat")
		return
	}

	h.infoMu.Lock()
	h.info.LastHeartbeat = now
	infoData, _ := json.Marshal(h.info)
	h.infoMu.Unlock()

	if err := h.client.Set(ctx, h.infoKey(), infoData, h.timeout*2).Err(); err != nil {
		logger.WithWorker(h.workerID).Error().Err(err).Msg("failed to update worker info")
	}

	h.client.SAdd(ctx, workerSetKey, h.workerID)
}

func (h *Heartbeat) heartbeatKey() string {
	return workerKeyPrefix + h.workerID + heartbeatKeySuffix
}

func (h *Heartbeat) infoKey() string {
	return workerKeyPrefix + h.workerID + workerInfoKeySuffix
}

// GetActiveWorkers returns every worker with a live heartbeat. Stale set
// members whose info key has expired are pruned on the way.
func GetActiveWorkers(ctx context.Context, client *redis.Client) ([]WorkerInfo, error) {
	workerIDs, err := client.SMembers(ctx, workerSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active workers: %w", err)
	}

	workers := make([]WorkerInfo, 0, len(workerIDs))
	for _, id := range workerIDs {
		infoKey := workerKeyPrefix + id + workerInfoKeySuffix
		data, err := client.Get(ctx, infoKey).Bytes()
		if err == redis.Nil {
			client.SRem(ctx, workerSetKey, id)
			continue
		}
		if err != nil {
			continue
		}

		var info WorkerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		workers = append(workers, info)
	}

	return workers, nil
}
