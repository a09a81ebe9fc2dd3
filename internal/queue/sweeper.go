package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mangofish163/procurator/internal/logger"
)

const (
	sweeperLockKey = "procurator:sweeper:lock"
	sweeperLockTTL = 25 * time.Second
)

// Sweeper periodically runs the pending-entry sweep over every configured
// queue. It complements the probabilistic in-dequeue trigger: if dequeue
// traffic drops to zero while deliveries are outstanding, the ticker still
// reclaims them. A SetNX lock keeps one process sweeping at a time.
type Sweeper struct {
	client   *redis.Client
	backend  *StreamBackend
	queues   []string
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(backend *StreamBackend, queues []string, interval time.Duration) *Sweeper {
	return &Sweeper{
		client:   backend.Client(),
		backend:  backend,
		queues:   queues,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)

	logger.WithComponent("sweeper").Info().
		Dur("interval", s.interval).
		Msg("pending sweeper started")
}

// Stop stops the sweeper.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logger.WithComponent("sweeper").Info().Msg("pending sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	locked, err := s.client.SetNX(ctx, sweeperLockKey, "1", sweeperLockTTL).Result()
	if err != nil || !locked {
		return // another process holds the lock
	}
	defer s.client.Del(ctx, sweeperLockKey)

	for _, queue := range s.queues {
		s.backend.ProcessPending(ctx, queue)
	}
}
