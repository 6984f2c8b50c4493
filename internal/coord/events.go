package coord

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
)

// EventPublisher fans committed balance changes out over redis pub/sub.
// Delivery is fire-and-forget; subscribers that need durable history read
// the ledger instead.
type EventPublisher struct {
	client redis.UniversalClient
}

// NewEventPublisher returns a redis-backed dust.EventPublisher.
func NewEventPublisher(client redis.UniversalClient) *EventPublisher {
	return &EventPublisher{client: client}
}

func (publisher *EventPublisher) Publish(ctx context.Context, event dust.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return dust.WrapError("events", event.UserID, "encode", err)
	}
	if err := publisher.client.Publish(ctx, balanceEventChannel, payload).Err(); err != nil {
		return dust.WrapError("events", event.UserID, "publish", err)
	}
	return nil
}

// Subscribe delivers balance change events to handler until ctx is
// cancelled. Messages that fail to decode are skipped.
func Subscribe(ctx context.Context, client redis.UniversalClient, handler func(dust.ChangeEvent)) error {
	subscription := client.Subscribe(ctx, balanceEventChannel)
	defer subscription.Close()
	channel := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, open := <-channel:
			if !open {
				return dust.WrapError("events", balanceEventChannel, "subscribe", redis.ErrClosed)
			}
			var event dust.ChangeEvent
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				continue
			}
			handler(event)
		}
	}
}
