package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes user-facing events on a pub/sub channel.
type RedisSink struct {
	client  Publisher
	channel string
}

func NewRedisSink(client Publisher, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, event Event) error {
	if !event.UserFacing() {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
