package chat

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay fans summaries out through a Redis pub/sub channel so every
// server instance broadcasts every message to its own clients.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisRelay(rdb *redis.Client, channel string, log *zap.Logger) *RedisRelay {
	return &RedisRelay{rdb: rdb, channel: channel, log: log.Named("relay")}
}

func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe confirms the subscription and then feeds every payload on the
// channel into hub.Broadcast from a background goroutine until ctx ends.
func (r *RedisRelay) Subscribe(ctx context.Context, hub *Hub) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("redis subscribe %q: %w", r.channel, err)
	}
	r.log.Info("subscribed", zap.String("channel", r.channel))

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				hub.Broadcast([]byte(msg.Payload))
			}
		}
	}()
	return nil
}
