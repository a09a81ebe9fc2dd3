package worker

import (
	"context"
	"time"

	"github.com/mangofish163/procurator/internal/config"
	"github.com/mangofish163/procurator/internal/events"
	"github.com/mangofish163/procurator/internal/hooks"
	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/metrics"
	"github.com/mangofish163/procurator/internal/queue"
	"github.com/mangofish163/procurator/internal/task"
	"github.com/mangofish163/procurator/internal/webhook"
)

// Pool runs one long-lived consumer per configured queue. Each loop pulls a
// delivery, dispatches it, settles the outcome with the backend, and fires
// hooks and webhooks. The loop survives anything short of cancellation: an
// unexpected error yields a log line and a one-second pause, never an exit.
type Pool struct {
	id         string
	manager    *queue.Manager
	dispatcher *Dispatcher
	hooks      hooks.Hooks
	notifier   *webhook.Notifier
	publisher  events.Publisher
	heartbeat  *Heartbeat
	queues     []string
	idleSleep  time.Duration
	shutdown   time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

// NewPool creates a worker pool. publisher may be nil when no event bus is
// available (memory backend deployments).
func NewPool(cfg *config.WorkerConfig, queues []string, mgr *queue.Manager, dispatcher *Dispatcher, hk hooks.Hooks, notifier *webhook.Notifier, publisher events.Publisher) *Pool {
	if hk == nil {
		hk = hooks.Nop{}
	}

	p := &Pool{
		id:         queue.ConsumerName(),
		manager:    mgr,
		dispatcher: dispatcher,
		hooks:      hk,
		notifier:   notifier,
		publisher:  publisher,
		queues:     queues,
		idleSleep:  cfg.IdleSleep,
		shutdown:   cfg.ShutdownTimeout,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	if sb := mgr.StreamBackend(); sb != nil {
		p.heartbeat = NewHeartbeat(sb.Client(), p.id, queues, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}

	return p
}

// ID returns the pool's worker identity.
func (p *Pool) ID() string {
	return p.id
}

// Start spawns one consumer goroutine per queue.
func (p *Pool) Start(ctx context.Context) {
	if p.heartbeat != nil {
		p.heartbeat.Start(ctx)
	}

	running := make(chan struct{}, len(p.queues))
	for _, q := range p.queues {
		go func(q string) {
			defer func() { running <- struct{}{} }()
			p.consume(ctx, q)
		}(q)
	}

	go func() {
		for range p.queues {
			<-running
		}
		close(p.done)
	}()

	p.publishWorkerEvent(ctx, events.EventWorkerJoined)

	logger.WithWorker(p.id).Info().
		Strs("queues", p.queues).
		Msg("worker pool started")
}

// Stop signals every consumer and waits up to the shutdown grace. An
// in-flight dispatch is not forcibly cancelled; if it outlives the grace,
// its PEL entry will be reclaimed by another consumer after the idle
// threshold.
func (p *Pool) Stop(ctx context.Context) {
	close(p.stopCh)

	select {
	case <-p.done:
		logger.WithWorker(p.id).Info().Msg("worker pool stopped gracefully")
	case <-time.After(p.shutdown):
		logger.WithWorker(p.id).Warn().Msg("worker pool shutdown timed out")
	case <-ctx.Done():
		logger.WithWorker(p.id).Warn().Msg("worker pool shutdown canceled")
	}

	p.publishWorkerEvent(context.Background(), events.EventWorkerLeft)

	if p.heartbeat != nil {
		p.heartbeat.Stop()
	}
}

// consume is the per-queue loop. Cancellation is checked between
// iterations; a blocking dequeue bounds how long one more round takes.
func (p *Pool) consume(ctx context.Context, queueName string) {
	log := logger.WithWorker(p.id)
	log.Info().Str("queue", queueName).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		p.runIteration(ctx, queueName)
	}
}

// runIteration processes at most one delivery. Panics in bookkeeping are
// contained here so the loop keeps going.
func (p *Pool) runIteration(ctx context.Context, queueName string) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithWorker(p.id).Error().
				Str("queue", queueName).
				Interface("panic", r).
				Msg("worker iteration panicked")
			p.sleep(1 * time.Second)
		}
	}()

	delivery, err := p.manager.Dequeue(ctx, queueName)
	if err != nil {
		logger.WithWorker(p.id).Error().Err(err).Str("queue", queueName).Msg("dequeue error")
		p.sleep(1 * time.Second)
		return
	}
	if delivery == nil {
		p.sleep(p.idleSleep)
		return
	}

	p.processDelivery(ctx, queueName, delivery)
}

func (p *Pool) processDelivery(ctx context.Context, queueName string, d *queue.Delivery) {
	taskName := task.Name(d.Payload)
	log := logger.WithTask(d.TID)

	metrics.RecordStarted(queueName, taskName)

	p.hooks.OnStart(ctx, d.TID, p.id)
	if err := p.manager.MarkStarted(ctx, d.TID, p.id); err != nil {
		log.Warn().Err(err).Msg("failed to mark task started")
	}

	start := time.Now()
	result, dispatchErr := p.dispatcher.Dispatch(ctx, taskName, task.Data(d.Payload))
	elapsed := time.Since(start).Seconds()

	if dispatchErr == nil {
		p.handleSuccess(ctx, queueName, taskName, d, result, elapsed)
		return
	}
	p.handleFailure(ctx, queueName, taskName, d, dispatchErr, elapsed)
}

func (p *Pool) handleSuccess(ctx context.Context, queueName, taskName string, d *queue.Delivery, result interface{}, elapsed float64) {
	log := logger.WithTask(d.TID)

	if err := p.manager.MarkDone(ctx, d.TID); err != nil {
		log.Error().Err(err).Msg("failed to mark task done")
	}
	metrics.RecordFinished(queueName, taskName, elapsed)

	p.hooks.OnFinish(ctx, d.TID, string(task.StatusCompleted), result, "", p.id)

	go p.notifier.Notify(context.Background(), d.TID, taskName, d.Payload, "done", result, "")

	log.Info().Str("task", taskName).Msg("task done")
}

func (p *Pool) handleFailure(ctx context.Context, queueName, taskName string, d *queue.Delivery, dispatchErr error, elapsed float64) {
	log := logger.WithTask(d.TID)
	errStr := dispatchErr.Error()

	if err := p.manager.MarkFailed(ctx, d.TID, errStr); err != nil {
		log.Error().Err(err).Msg("failed to mark task failed")
	}
	metrics.RecordFailed(queueName, taskName, ErrorType(dispatchErr), elapsed)

	final := p.isFinal(ctx, d.TID)

	p.hooks.OnFinish(ctx, d.TID, string(task.StatusFailed), nil, errStr, p.id)

	if final {
		go p.notifier.Notify(context.Background(), d.TID, taskName, d.Payload, "failed", nil, errStr)
	}

	log.Error().Str("task", taskName).Str("error", errStr).Bool("final", final).Msg("task failed")
}

// isFinal reports whether a failure was terminal: the record is gone, or it
// sits in a failure state with no retries left.
func (p *Pool) isFinal(ctx context.Context, tid string) bool {
	rec, err := p.manager.GetTask(ctx, tid)
	if err != nil {
		return true
	}
	failed := rec.Status == task.StatusDead || rec.Status == task.StatusFailed
	return failed && rec.Retries >= rec.MaxRetries
}

func (p *Pool) publishWorkerEvent(ctx context.Context, eventType events.EventType) {
	if p.publisher == nil {
		return
	}
	for _, q := range p.queues {
		if err := p.publisher.Publish(ctx, events.WorkerEvent(eventType, p.id, q)); err != nil {
			logger.WithWorker(p.id).Debug().Err(err).Msg("worker event publish failed")
		}
	}
}

// sleep pauses without delaying shutdown.
func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}
