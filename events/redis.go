package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher forwards events to a Redis channel so every instance's
// hub can deliver them.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (r *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// RedisRelay subscribes to the events channel and hands every message to
// a local publisher, usually the Hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   Publisher
	logger  *log.Logger
}

func NewRedisRelay(client *redis.Client, channel string, local Publisher, logger *log.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, local: local, logger: logger}
}

func (r *RedisRelay) Start(ctx context.Context) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	r.logger.Printf("Relaying live events from redis channel %s", r.channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.deliver(ctx, []byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, payload []byte) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		r.logger.Printf("Dropping malformed live event: %v", err)
		return
	}
	if err := r.local.Publish(ctx, evt); err != nil {
		r.logger.Printf("Failed to deliver relayed %s event: %v", evt.Type, err)
	}
}
