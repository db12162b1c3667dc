// Package events provides a pluggable pub/sub bus for coordination-layer
// events: mission transitions, settlements, agent liveness, and signature
// issuance. Single-pod deployments use the in-process bus; multi-pod
// deployments use the Redis-backed bus so every pod sees every event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type classifies event categories.
type Type string

const (
	EventMissionCreated   Type = "mission.created"
	EventMissionAssigned  Type = "mission.assigned"
	EventMissionStarted   Type = "mission.started"
	EventMissionSubmitted Type = "mission.submitted"
	EventMissionSettled   Type = "mission.settled"
	EventMissionFailed    Type = "mission.failed"
	EventMissionDisputed  Type = "mission.disputed"
	EventVoteCast         Type = "vote.cast"
	EventAgentRegistered  Type = "agent.registered"
	EventAgentOffline     Type = "agent.offline"
	EventSignatureIssued  Type = "signature.issued"
)

// Event is one coordination-layer occurrence.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	MissionID string         `json:"mission_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Bus provides publish/subscribe for coordination events.
type Bus interface {
	// Publish sends an event to all subscribers of the event type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType Type, handler Handler) (unsubscribe func())

	// Close shuts down the bus.
	Close() error
}

// LocalBus is an in-memory pub/sub implementation for single-process
// deployments. Use RedisBus for multi-pod.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscriberEntry
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler Handler
}

var subscriberCounter int

// NewLocalBus creates a new in-memory event bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[Type][]subscriberEntry),
	}
}

// Publish sends an event to all matching subscribers asynchronously.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	handlers := b.subscribers[event.Type]
	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("[EventBus] Handler error", "type", event.Type, "error", err)
			}
		}()
	}

	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *LocalBus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscriberCounter++
	id := subscriberCounter
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the event bus.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
