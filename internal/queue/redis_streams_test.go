package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangofish163/procurator/internal/task"
)

func newTestBackend(t *testing.T) (*miniredis.Miniredis, *StreamBackend) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// sweepProbability is zero so tests trigger the sweep explicitly.
	b := &StreamBackend{
		client:            client,
		consumer:          "worker_test_1",
		blockTimeout:      100 * time.Millisecond,
		claimMinIdle:      10 * time.Minute,
		poisonDeliveries:  10,
		sweepProbability:  0,
		retention:         7 * 24 * time.Hour,
		defaultMaxRetries: 0,
		initialized:       make(map[string]struct{}),
	}
	return mr, b
}

func TestStreamBackend_Enqueue(t *testing.T) {
	mr, b := newTestBackend(t)
	ctx := context.Background()

	payload := map[string]interface{}{
		"task":     "system.ping",
		"taskData": map[string]interface{}{"x": float64(1)},
	}
	tid, err := b.Enqueue(ctx, "api", payload)
	require.NoError(t, err)
	require.NotEmpty(t, tid)

	// Hash is written with the verbatim payload and a retention TTL
	rec, err := b.GetTask(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, "api", rec.Queue)
	assert.Equal(t, "system.ping", rec.Task)
	assert.Equal(t, task.StatusPending, rec.Status)
	assert.Equal(t, payload, rec.Payload)
	assert.Greater(t, mr.TTL(taskKey(tid)), time.Duration(0))

	// One delivery in the stream
	size, err := b.client.XLen(ctx, streamKey("api")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestStreamBackend_DequeueAndAck(t *testing.T) {
	_, b := newTestBackend(t)
	ctx := context.Background()

	payload := map[string]interface{}{"task": "system.ping"}
	tid, err := b.Enqueue(ctx, "api", payload)
	require.NoError(t, err)

	d, err := b.Dequeue(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, tid, d.TID)
	assert.Equal(t, payload, d.Payload)

	// Delivery is outstanding until settled
	pending, err := b.client.XPending(ctx, streamKey("api"), groupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	require.NoError(t, b.MarkDone(ctx, tid))

	rec, err := b.GetTask(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.FinishedAt)

	pending, err = b.client.XPending(ctx, streamKey("api"), groupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	// MarkDone is idempotent
	require.NoError(t, b.MarkDone(ctx, tid))
}

func TestStreamBackend_DequeueEmpty(t *testing.T) {
	_, b := newTestBackend(t)

	d, err := b.Dequeue(context.Background(), "api")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestStreamBackend_MissingHashIsAcked(t *testing.T) {
	_, b := newTestBackend(t)
	ctx := context.Background()

	b.ensureGroup(ctx, "api")

	// Stream entry whose hash never existed (or expired)
	require.NoError(t, b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey("api"),
		Values: map[string]interface{}{"tid": "ghost-tid"},
	}).Err())

	d, err := b.Dequeue(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "ghost-tid", d.TID)
	assert.Empty(t, d.Payload)

	// Already acked: nothing pending
	pending, err := b.client.XPending(ctx, streamKey("api"), groupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamBackend_MarkFailed_Terminal(t *testing.T) {
	_, b := newTestBackend(t)
	ctx := context.Background()

	payload := map[string]interface{}{
		"task":     "t",
		"taskData": map[string]interface{}{"data": float64(42)},
	}
	tid, err := b.Enqueue(ctx, "api", payload)
	require.NoError(t, err)

	d, err := b.Dequeue(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, b.MarkFailed(ctx, tid, "boom"))

	rec, err := b.GetTask(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDead, rec.Status)
	assert.Equal(t, "boom", rec.Error)

	// Exactly one dead letter with the verbatim original payload
	msgs, err := b.client.XRange(ctx, dlqKey("api"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, tid, msgs[0].Values["tid"])
	assert.Equal(t, "boom", msgs[0].Values["error"])
	assert.Equal(t, "t", msgs[0].Values["task"])

	parsed, err := task.ParsePayload(msgs[0].Values["original_payload"].(string))
	require.NoError(t, err)
	assert.Equal(t, payload, parsed)

	// ACK performed
	pending, err := b.client.XPending(ctx, streamKey("api"), groupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	// Terminal guard: no duplicate dead letter
	require.NoError(t, b.MarkFailed(ctx, tid, "boom again"))
	msgs, err = b.client.XRange(ctx, dlqKey("api"), "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestStreamBackend_RetryThenDead(t *testing.T) {
	_, b := newTestBackend(t)
	ctx := context.Background()

	payload := map[string]interface{}{
		"task":         "fail",
		"_max_retries": 2,
	}
	tid, err := b.Enqueue(ctx, "api", payload)
	require.NoError(t, err)

	// k+1 attempts for max_retries=k
	for attempt := 0; attempt < 3; attempt++ {
		d, err := b.Dequeue(ctx, "api")
		require.NoError(t, err)
		require.NotNil(t, d, "attempt %d should see a delivery", attempt)
		assert.Equal(t, tid, d.TID)

		require.NoError(t, b.MarkFailed(ctx, tid, "boom"))
	}

	rec, err := b.GetTask(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDead, rec.Status)
	assert.Equal(t, 2, rec.Retries)

	// No fourth delivery
	d, err := b.Dequeue(ctx, "api")
	require.NoError(t, err)
	assert.Nil(t, d)

	// One dead letter, written on the terminal failure only
	msgs, err := b.client.XRange(ctx, dlqKey("api"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	parsed, err := task.ParsePayload(msgs[0].Values["original_payload"].(string))
	require.NoError(t, err)
	assert.Equal(t, payload["task"], parsed["task"])

	// Everything acked
	pending, err := b.client.XPending(ctx, streamKey("api"), groupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamBackend_CrashRecovery(t *testing.T) {
	_, b := newTestBackend(t)
	ctx := context.Background()

	payload := map[string]interface{}{"task": "system.ping"}
	tid, err := b.Enqueue(ctx, "api", payload)
	require.NoError(t, err)

	// Consumer A reads the delivery and dies without acking
	d, err := b.Dequeue(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, d)

	// Consumer B with a short idle threshold claims the orphan
	b2 := &StreamBackend{
		client:            b.client,
		consumer:          "worker_test_2",
		blockTimeout:      100 * time.Millisecond,
		claimMinIdle:      50 * time.Millisecond,
		poisonDeliveries:  10,
		retention:         7 * 24 * time.Hour,
		defaultMaxRetries: 0,
		initialized:       make(map[string]struct{}),
	}

	time.Sleep(100 * time.Millisecond)
	b2.ProcessPending(ctx, "api")

	// The claim surfaces on B's own-pending read
	d2, err := b2.Dequeue(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, tid, d2.TID)
	assert.Equal(t, payload, d2.Payload)

	require.NoError(t, b2.MarkDone(ctx, tid))

	rec, err := b2.GetTask(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)

	pending, err := b.client.XPending(ctx, streamKey("api"), groupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	// DLQ stayed empty
	dlqLen, err := b.client.XLen(ctx, dlqKey("api")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqLen)
}

func TestStreamBackend_PoisonDrop(t *testing.T) {
	_, b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "api", map[string]interface{}{"task": "t"})
	require.NoError(t, err)

	d, err := b.Dequeue(ctx, "api")
	require.NoError(t, err)
	require.NotNil(t, d)

	// Inflate the delivery counter past the poison threshold
	for i := 0; i < 11; i++ {
		require.NoError(t, b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   streamKey("api"),
			Group:    groupName,
			Consumer: b.consumer,
			MinIdle:  0,
			Messages: []string{mustMsgID(t, b, d.TID)},
		}).Err())
	}

	b.ProcessPending(ctx, "api")

	// Dropped: acked without a DLQ write
	pending, err := b.client.XPending(ctx, streamKey("api"), groupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	dlqLen, err := b.client.XLen(ctx, dlqKey("api")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), dlqLen)

	// Next dequeue sees nothing
	d2, err := b.Dequeue(ctx, "api")
	require.NoError(t, err)
	assert.Nil(t, d2)
}

func mustMsgID(t *testing.T, b *StreamBackend, tid string) string {
	t.Helper()
	rec, err := b.GetTask(context.Background(), tid)
	require.NoError(t, err)
	require.NotEmpty(t, rec.StreamMsgID)
	return rec.StreamMsgID
}

func TestSweepAction(t *testing.T) {
	tests := []struct {
		name     string
		entry    redis.XPendingExt
		expected sweepDecision
	}{
		{"fresh delivery", redis.XPendingExt{RetryCount: 1, Idle: time.Second}, sweepSkip},
		{"idle past threshold", redis.XPendingExt{RetryCount: 1, Idle: 11 * time.Minute}, sweepClaim},
		{"at idle threshold", redis.XPendingExt{RetryCount: 1, Idle: 10 * time.Minute}, sweepSkip},
		{"poison", redis.XPendingExt{RetryCount: 11, Idle: time.Second}, sweepDrop},
		{"poison wins over idle", redis.XPendingExt{RetryCount: 11, Idle: time.Hour}, sweepDrop},
		{"at poison threshold", redis.XPendingExt{RetryCount: 10, Idle: time.Second}, sweepSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sweepAction(tt.entry, 10, 10*time.Minute))
		})
	}
}

func TestStreamBackend_GetTask_NotFound(t *testing.T) {
	_, b := newTestBackend(t)

	_, err := b.GetTask(context.Background(), "nope")
	assert.Equal(t, task.ErrTaskNotFound, err)
}

func TestStreamBackend_MarkFailed_MissingTask(t *testing.T) {
	_, b := newTestBackend(t)

	// No hash at all: nothing to do, no error
	require.NoError(t, b.MarkFailed(context.Background(), "nope", "boom"))
}
