package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PubSubClient is a minimal interface for Redis Pub/Sub operations, so the
// bus can be tested without a live Redis.
type PubSubClient interface {
	// Publish sends a message to a channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes events across pods using Redis Pub/Sub. Every event
// type maps to one channel; the first local subscriber for a type opens the
// Redis subscription and later subscribers share it. Events published by
// this pod come back through Redis like everyone else's, so local and remote
// delivery follow the same path.
type RedisBus struct {
	mu       sync.RWMutex
	pubsub   PubSubClient
	prefix   string // channel prefix, e.g. "clawger:events:"
	handlers map[Type][]subscriberEntry
	channels map[Type]func() // active Redis unsubscribe per type
	closed   bool
}

// NewRedisBus creates a Redis-backed event bus.
func NewRedisBus(client PubSubClient, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "clawger:events:"
	}
	return &RedisBus{
		pubsub:   client,
		prefix:   channelPrefix,
		handlers: make(map[Type][]subscriberEntry),
		channels: make(map[Type]func()),
	}
}

// Publish sends an event to the type's Redis channel. If Redis is down the
// event still reaches co-located subscribers directly.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.pubsub.Publish(ctx, b.prefix+string(event.Type), data); err != nil {
		slog.Warn("[RedisBus] Publish failed, delivering locally only",
			"type", event.Type, "error", err)
		b.fanOut(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for an event type. The handler receives
// events from every pod publishing on the shared channel.
func (b *RedisBus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscriberCounter++
	id := subscriberCounter
	b.handlers[eventType] = append(b.handlers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	if _, open := b.channels[eventType]; !open {
		b.channels[eventType] = b.openChannel(eventType)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		// Last handler gone: release the Redis subscription too.
		if len(b.handlers[eventType]) == 0 {
			if unsub := b.channels[eventType]; unsub != nil {
				unsub()
			}
			delete(b.channels, eventType)
		}
	}
}

// openChannel subscribes to the type's Redis channel. Callers hold b.mu.
// On failure the bus stays in local-only mode for this type and the returned
// unsubscribe is a no-op.
func (b *RedisBus) openChannel(eventType Type) func() {
	unsub, err := b.pubsub.Subscribe(context.Background(), b.prefix+string(eventType), func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("[RedisBus] Dropping undecodable event", "type", eventType, "error", err)
			return
		}
		b.fanOut(context.Background(), &event)
	})
	if err != nil {
		slog.Warn("[RedisBus] Subscribe failed, local-only for this type",
			"type", eventType, "error", err)
		return func() {}
	}
	return unsub
}

// Close shuts down the bus and all Redis subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, unsub := range b.channels {
		unsub()
	}
	b.channels = nil
	b.handlers = nil
	slog.Info("[RedisBus] Closed")
	return nil
}

func (b *RedisBus) fanOut(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("[RedisBus] Handler error", "type", event.Type, "error", err)
			}
		}()
	}
}
