package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mangofish163/procurator/internal/logger"
)

// All events travel on one channel. Broker event volume is a handful per
// task, so consumers filter in-process rather than juggling per-type
// subscriptions.
const busChannel = "procurator:events"

// RedisBus carries events over Redis Pub/Sub. Delivery is best-effort by
// construction: a consumer that is not subscribed at publish time simply
// never sees the event, which is the right contract for a live feed.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish emits one event. Encoding errors are the only failure the caller
// can do anything about; transport errors just mean no one was listening.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, busChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Listen subscribes to the bus and invokes fn for every decodable event
// until ctx is cancelled. The error return covers subscription setup only;
// after that, fn runs on a single reader goroutine in arrival order.
func (b *RedisBus) Listen(ctx context.Context, fn func(Event)) error {
	sub := b.client.Subscribe(ctx, busChannel)

	// Surface a dead connection now rather than as a silent feed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := Decode([]byte(msg.Payload))
				if err != nil {
					logger.Warn().Err(err).Msg("undecodable event on bus, skipping")
					continue
				}
				fn(event)
			}
		}
	}()

	return nil
}
