package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/clawger/backend/internal/events"
)

// streamedTypes are the bus events forwarded to agent websockets. Each one
// names the agent it concerns in AgentID.
var streamedTypes = []events.Type{
	events.EventMissionAssigned,
	events.EventMissionStarted,
	events.EventMissionSubmitted,
	events.EventMissionSettled,
	events.EventMissionFailed,
	events.EventMissionDisputed,
}

// AttachBus subscribes the hub to mission events so connected agents hear
// about transitions concerning them without polling. Returns a detach func.
func (h *Hub) AttachBus(bus events.Bus) func() {
	unsubs := make([]func(), 0, len(streamedTypes))
	for _, typ := range streamedTypes {
		unsubs = append(unsubs, bus.Subscribe(typ, h.forwardEvent))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// forwardEvent pushes a bus event onto the stream of the agent it names.
// Dropped silently when the agent is offline; events are notifications, the
// mission record is the source of truth.
func (h *Hub) forwardEvent(_ context.Context, event *events.Event) error {
	if event.AgentID == "" {
		return nil
	}
	h.mu.RLock()
	ac, ok := h.conns[event.AgentID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case ac.send <- data:
	default:
		slog.Warn("[Dispatch] Stream buffer full, dropping event",
			"agent_id", event.AgentID, "type", event.Type)
	}
	return nil
}
