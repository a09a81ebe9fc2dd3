package queue

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mangofish163/procurator/internal/config"
	"github.com/mangofish163/procurator/internal/logger"
	"github.com/mangofish163/procurator/internal/metrics"
	"github.com/mangofish163/procurator/internal/task"
)

// Key schema. Existing deployments depend on these names; do not change them.
const (
	keyPrefix  = "procurator:queue:"
	taskPrefix = "procurator:task:"
	groupName  = "procurator_group"
)

func streamKey(queue string) string {
	return keyPrefix + queue
}

func dlqKey(queue string) string {
	return streamKey(queue) + ":dlq"
}

func taskKey(tid string) string {
	return taskPrefix + tid
}

// StreamBackend implements Backend on Redis Streams with a consumer group.
// Each delivery sits in the group's PEL between dequeue and ACK, which is
// what gives at-least-once semantics across worker crashes.
type StreamBackend struct {
	client            *redis.Client
	consumer          string
	blockTimeout      time.Duration
	claimMinIdle      time.Duration
	poisonDeliveries  int64
	sweepProbability  float64
	retention         time.Duration
	defaultMaxRetries int

	mu          sync.Mutex
	initialized map[string]struct{}
}

// NewStreamBackend connects to Redis and verifies the connection.
func NewStreamBackend(cfg *config.RedisConfig, qcfg *config.QueueConfig) (*StreamBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &StreamBackend{
		client:            client,
		consumer:          ConsumerName(),
		blockTimeout:      qcfg.BlockTimeout,
		claimMinIdle:      qcfg.ClaimMinIdle,
		poisonDeliveries:  qcfg.PoisonDeliveries,
		sweepProbability:  qcfg.SweepProbability,
		retention:         qcfg.TaskRetentionTTL,
		defaultMaxRetries: qcfg.DefaultMaxRetries,
		initialized:       make(map[string]struct{}),
	}, nil
}

// ConsumerName returns the stable consumer identity for this process.
func ConsumerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("worker_%s_%d", hostname, os.Getpid())
}

// Client exposes the underlying Redis client for collaborators that share
// the connection (DLQ admin, heartbeat, event bus, sweeper lock).
func (b *StreamBackend) Client() *redis.Client {
	return b.client
}

// ensureGroup lazily creates the consumer group for a queue. Every process
// does this independently; BUSYGROUP means someone else got there first.
func (b *StreamBackend) ensureGroup(ctx context.Context, queue string) {
	b.mu.Lock()
	if _, ok := b.initialized[queue]; ok {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	key := streamKey(queue)
	err := b.client.XGroupCreateMkStream(ctx, key, groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		logger.WithQueue(queue).Error().Err(err).Msg("failed to create consumer group")
	} else if err == nil {
		logger.WithQueue(queue).Info().Str("group", groupName).Msg("created consumer group")
	}

	b.mu.Lock()
	b.initialized[queue] = struct{}{}
	b.mu.Unlock()
}

// Enqueue writes the task hash first, then the stream entry, so any consumer
// that sees the delivery can always resolve the tid.
func (b *StreamBackend) Enqueue(ctx context.Context, queue string, payload map[string]interface{}) (string, error) {
	b.ensureGroup(ctx, queue)

	rec := task.New(queue, payload, b.defaultMaxRetries)
	raw, err := rec.MarshalPayload()
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	key := taskKey(rec.ID)
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          rec.ID,
		"task":        rec.Task,
		"status":      string(rec.Status),
		"created_at":  task.EpochString(rec.CreatedAt),
		"payload":     raw,
		"queue":       queue,
		"retries":     "0",
		"max_retries": strconv.Itoa(rec.MaxRetries),
	})
	pipe.Expire(ctx, key, b.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store task: %w", err)
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: map[string]interface{}{"tid": rec.ID},
	}).Err(); err != nil {
		return "", fmt.Errorf("failed to add task to stream: %w", err)
	}

	metrics.RecordEnqueued(queue, rec.Task)
	if size, err := b.client.XLen(ctx, streamKey(queue)).Result(); err == nil {
		metrics.SetQueueSize(queue, float64(size))
	}

	return rec.ID, nil
}

// Dequeue drains this consumer's own pending entries first (crash recovery),
// then blocks for new messages. Transport errors never propagate: they are
// logged, the caller gets nil after a 1s pause.
func (b *StreamBackend) Dequeue(ctx context.Context, queue string) (*Delivery, error) {
	b.ensureGroup(ctx, queue)
	key := streamKey(queue)

	if rand.Float64() < b.sweepProbability {
		b.ProcessPending(ctx, queue)
	}

	// Own pending entries: redeliveries after a restart or a claim.
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: b.consumer,
		Streams:  []string{key, "0"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil && err != redis.Nil {
		return b.dequeueError(queue, err)
	}
	if msg, ok := firstMessage(streams); ok {
		logger.WithQueue(queue).Info().Str("msg_id", msg.ID).Msg("processing pending delivery")
		return b.resolveDelivery(ctx, queue, msg)
	}

	// New messages.
	streams, err = b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: b.consumer,
		Streams:  []string{key, ">"},
		Count:    1,
		Block:    b.blockTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return b.dequeueError(queue, err)
	}
	if msg, ok := firstMessage(streams); ok {
		return b.resolveDelivery(ctx, queue, msg)
	}

	return nil, nil
}

func (b *StreamBackend) dequeueError(queue string, err error) (*Delivery, error) {
	logger.WithQueue(queue).Error().Err(err).Msg("redis dequeue error")
	time.Sleep(1 * time.Second)
	return nil, nil
}

func firstMessage(streams []redis.XStream) (redis.XMessage, bool) {
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, false
	}
	return streams[0].Messages[0], true
}

// resolveDelivery binds the stream entry to the task hash and loads the
// payload. A missing hash (TTL expiry, lost write) gets ACKed immediately;
// the worker pipeline reports it as missing.
func (b *StreamBackend) resolveDelivery(ctx context.Context, queue string, msg redis.XMessage) (*Delivery, error) {
	key := streamKey(queue)

	tid, ok := msg.Values["tid"].(string)
	if !ok || tid == "" {
		logger.WithQueue(queue).Warn().Str("msg_id", msg.ID).Msg("stream entry without tid, dropping")
		b.client.XAck(ctx, key, groupName, msg.ID)
		return nil, nil
	}

	rec, err := b.GetTask(ctx, tid)
	if err == task.ErrTaskNotFound {
		logger.WithTask(tid).Warn().Msg("task found in stream but missing in hash")
		b.client.XAck(ctx, key, groupName, msg.ID)
		return &Delivery{TID: tid, Payload: map[string]interface{}{}}, nil
	}
	if err != nil {
		return b.dequeueError(queue, err)
	}

	// Record the entry id so the terminal transition can ACK later.
	b.client.HSet(ctx, taskKey(tid), "_stream_msg_id", msg.ID)

	return &Delivery{TID: tid, Payload: rec.Payload}, nil
}

// ProcessPending is the crash-recovery sweep over the group's PEL. Poison
// entries (delivered too many times) are dropped; long-idle entries are
// claimed for this consumer and surface on the next own-pending read.
func (b *StreamBackend) ProcessPending(ctx context.Context, queue string) {
	b.ensureGroup(ctx, queue)
	key := streamKey(queue)

	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  groupName,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		logger.WithQueue(queue).Error().Err(err).Msg("failed to read pending entries")
		return
	}

	for _, p := range pending {
		switch sweepAction(p, b.poisonDeliveries, b.claimMinIdle) {
		case sweepDrop:
			logger.WithQueue(queue).Error().
				Str("msg_id", p.ID).
				Int64("deliveries", p.RetryCount).
				Msg("poison message, dropping delivery")
			b.client.XAck(ctx, key, groupName, p.ID)
		case sweepClaim:
			logger.WithQueue(queue).Warn().
				Str("msg_id", p.ID).
				Dur("idle", p.Idle).
				Msg("claiming idle delivery")
			if err := b.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   key,
				Group:    groupName,
				Consumer: b.consumer,
				MinIdle:  b.claimMinIdle,
				Messages: []string{p.ID},
			}).Err(); err != nil && err != redis.Nil {
				logger.WithQueue(queue).Error().Err(err).Str("msg_id", p.ID).Msg("claim failed")
			}
		}
	}
}

type sweepDecision int

const (
	sweepSkip sweepDecision = iota
	sweepClaim
	sweepDrop
)

// sweepAction decides what to do with one pending entry. Claim-idle must be
// at least the idle threshold so only truly orphaned entries move.
func sweepAction(p redis.XPendingExt, poisonDeliveries int64, claimMinIdle time.Duration) sweepDecision {
	if p.RetryCount > poisonDeliveries {
		return sweepDrop
	}
	if p.Idle > claimMinIdle {
		return sweepClaim
	}
	return sweepSkip
}

func (b *StreamBackend) MarkStarted(ctx context.Context, tid, workerID string) error {
	key := taskKey(tid)
	exists, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return task.ErrTaskNotFound
	}

	now := time.Now().UTC()
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":     string(task.StatusProcessing),
		"started_at": task.EpochString(now),
		"updated_at": task.EpochString(now),
		"worker_id":  workerID,
	})
	pipe.Expire(ctx, key, b.retention)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *StreamBackend) MarkDone(ctx context.Context, tid string) error {
	return b.ackAndUpdate(ctx, tid, task.StatusCompleted, "")
}

// MarkFailed either re-enqueues for another attempt or dead-letters the
// task. The DLQ entry is written exactly once, on the terminal failure,
// before the ACK so a crash in between redelivers rather than loses.
func (b *StreamBackend) MarkFailed(ctx context.Context, tid string, taskErr string) error {
	rec, err := b.GetTask(ctx, tid)
	if err == task.ErrTaskNotFound {
		logger.WithTask(tid).Warn().Msg("mark_failed on missing task")
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}

	if rec.CanRetry() {
		return b.requeue(ctx, rec, taskErr)
	}

	// Terminal failure: dead-letter with the verbatim enqueued payload.
	raw, err := b.client.HGet(ctx, taskKey(tid), "payload").Result()
	if err != nil {
		raw = "{}"
	}
	dead := map[string]interface{}{
		"tid":              tid,
		"error":            taskErr,
		"died_at":          task.EpochString(time.Now().UTC()),
		"original_payload": raw,
	}
	if rec.Task != "" {
		dead["task"] = rec.Task
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey(rec.Queue),
		Values: dead,
	}).Err(); err != nil {
		logger.WithTask(tid).Error().Err(err).Msg("failed to write dead letter")
	} else {
		logger.WithTask(tid).Warn().Str("dlq", dlqKey(rec.Queue)).Msg("task moved to DLQ")
	}

	return b.ackAndUpdate(ctx, tid, task.StatusDead, taskErr)
}

// requeue acknowledges the failed delivery and appends a fresh stream entry
// for the same tid with the retry counter bumped.
func (b *StreamBackend) requeue(ctx context.Context, rec *task.Record, taskErr string) error {
	key := taskKey(rec.ID)
	now := time.Now().UTC()

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"status":     string(task.StatusPending),
		"retries":    strconv.Itoa(rec.Retries + 1),
		"error":      taskErr,
		"updated_at": task.EpochString(now),
	})
	pipe.Expire(ctx, key, b.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update task for retry: %w", err)
	}

	if rec.StreamMsgID != "" {
		if err := b.client.XAck(ctx, streamKey(rec.Queue), groupName, rec.StreamMsgID).Err(); err != nil {
			logger.WithTask(rec.ID).Error().Err(err).Msg("failed to ack before retry")
		}
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(rec.Queue),
		Values: map[string]interface{}{"tid": rec.ID},
	}).Err(); err != nil {
		return fmt.Errorf("failed to re-enqueue task: %w", err)
	}

	logger.WithTask(rec.ID).Info().
		Int("retries", rec.Retries+1).
		Int("max_retries", rec.MaxRetries).
		Msg("task re-enqueued for retry")
	return nil
}

// ackAndUpdate is the shared terminal transition. The ACK precedes the
// status write: anyone who observes a terminal status can rely on the PEL
// entry being gone.
func (b *StreamBackend) ackAndUpdate(ctx context.Context, tid string, status task.Status, taskErr string) error {
	key := taskKey(tid)

	vals, err := b.client.HMGet(ctx, key, "queue", "_stream_msg_id").Result()
	if err != nil {
		return err
	}
	queue, _ := vals[0].(string)
	msgID, _ := vals[1].(string)

	if queue != "" && msgID != "" {
		if err := b.client.XAck(ctx, streamKey(queue), groupName, msgID).Err(); err != nil {
			logger.WithTask(tid).Error().Err(err).Msg("failed to ack delivery")
		}
	}

	now := time.Now().UTC()
	mapping := map[string]interface{}{
		"status":     string(status),
		"updated_at": task.EpochString(now),
	}
	if taskErr != "" {
		mapping["error"] = taskErr
	}
	if status.IsTerminal() {
		mapping["finished_at"] = task.EpochString(now)
	}

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key, mapping)
	pipe.Expire(ctx, key, b.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return nil
}

func (b *StreamBackend) GetTask(ctx context.Context, tid string) (*task.Record, error) {
	info, err := b.client.HGetAll(ctx, taskKey(tid)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if len(info) == 0 {
		return nil, task.ErrTaskNotFound
	}
	return recordFromHash(tid, info), nil
}

func recordFromHash(tid string, info map[string]string) *task.Record {
	payload, err := task.ParsePayload(info["payload"])
	if err != nil {
		payload = map[string]interface{}{}
	}

	retries, _ := strconv.Atoi(info["retries"])
	maxRetries, _ := strconv.Atoi(info["max_retries"])

	rec := &task.Record{
		ID:          tid,
		Queue:       info["queue"],
		Task:        info["task"],
		Status:      task.ParseStatus(info["status"]),
		Payload:     payload,
		Retries:     retries,
		MaxRetries:  maxRetries,
		Error:       info["error"],
		WorkerID:    info["worker_id"],
		CreatedAt:   task.ParseEpoch(info["created_at"]),
		UpdatedAt:   task.ParseEpoch(info["updated_at"]),
		StreamMsgID: info["_stream_msg_id"],
	}
	if t := task.ParseEpoch(info["started_at"]); !t.IsZero() {
		rec.StartedAt = &t
	}
	if t := task.ParseEpoch(info["finished_at"]); !t.IsZero() {
		rec.FinishedAt = &t
	}
	return rec
}

func (b *StreamBackend) Close() error {
	return b.client.Close()
}
