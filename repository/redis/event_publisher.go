package redis

import (
	"context"
	"encoding/json"
	"fmt"

	redislib "github.com/redis/go-redis/v9"

	"github.com/fastygo/chatcrm/domain"
)

// DefaultChannelPrefix is prepended to the user id to form the notification channel.
const DefaultChannelPrefix = "crm:events:"

// Publisher is the subset of the Redis client used for notifications.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redislib.IntCmd
}

// EventPublisher announces durable events on a per-user Redis channel.
type EventPublisher struct {
	client Publisher
	prefix string
}

func NewEventPublisher(client Publisher, prefix string) *EventPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &EventPublisher{client: client, prefix: prefix}
}

// Publish sends the event as JSON. Subscribers that are not listening miss it; the event
// log stays the source of truth.
func (p *EventPublisher) Publish(ctx context.Context, ev domain.Event) error {
	if ev.UserID == "" {
		return domain.ErrMissingUserID
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.Channel(ev.UserID), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event %d: %w", ev.ID, err)
	}
	return nil
}

// Channel names the channel of userID.
func (p *EventPublisher) Channel(userID string) string {
	return p.prefix + userID
}
