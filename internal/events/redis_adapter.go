package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// GoRedisPubSub adapts a go-redis client to the PubSubClient interface.
type GoRedisPubSub struct {
	client *redis.Client
}

// NewGoRedisPubSub wraps a go-redis client for use by RedisBus.
func NewGoRedisPubSub(client *redis.Client) *GoRedisPubSub {
	return &GoRedisPubSub{client: client}
}

// Publish sends a message to a Redis channel.
func (g *GoRedisPubSub) Publish(ctx context.Context, channel string, message []byte) error {
	return g.client.Publish(ctx, channel, message).Err()
}

// Subscribe registers a callback for messages on a channel. The receive loop
// runs until the subscription is closed by the returned unsubscribe func.
func (g *GoRedisPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := g.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
