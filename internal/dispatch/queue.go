// Package dispatch implements per-agent task queues: durable rows in the
// store plus an in-memory websocket fan-out for connected agents. Each
// agent's queue has a single writer; queues for different agents are
// independent.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/store"
)

// Queue is the task dispatch queue shared by all agents.
type Queue struct {
	store  store.DispatchStore
	clock  core.Clock
	hub    *Hub
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-agent writer lock
}

// NewQueue creates a dispatch queue. The hub may be nil when websocket
// streaming is not wired (tests, the indexer process).
func NewQueue(s store.DispatchStore, clock core.Clock, hub *Hub) *Queue {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Queue{
		store:  s,
		clock:  clock,
		hub:    hub,
		logger: log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (q *Queue) agentLock(agentID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[agentID] = l
	}
	return l
}

// Enqueue appends a task to the agent's queue and pushes it to the agent's
// websocket stream if one is connected.
func (q *Queue) Enqueue(ctx context.Context, agentID string, payload map[string]any, priority core.TaskPriority, ttl time.Duration) (*core.DispatchTask, error) {
	l := q.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	now := q.clock.Now()
	task := &core.DispatchTask{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: now,
	}
	if ttl > 0 {
		task.ExpiresAt = now.Add(ttl)
	}
	if err := q.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("enqueue task for agent %s: %w", agentID, err)
	}
	if q.hub != nil {
		q.hub.Push(agentID, task)
	}
	q.logger.Printf("Enqueued task=%s agent=%s priority=%s", task.ID, agentID, priority)
	return task, nil
}

// Poll returns up to limit unacknowledged, unexpired tasks ordered by
// priority class (high first) then FIFO within a class. Polled tasks stay in
// the queue until acked. Also records a heartbeat.
func (q *Queue) Poll(ctx context.Context, agentID string, limit int) (tasks []core.DispatchTask, hasMore bool, err error) {
	if limit <= 0 {
		limit = 10
	}
	now := q.clock.Now()
	if err := q.store.Heartbeat(ctx, agentID, now); err != nil {
		return nil, false, fmt.Errorf("heartbeat for agent %s: %w", agentID, err)
	}

	all, err := q.store.TasksByAgent(ctx, agentID)
	if err != nil {
		return nil, false, fmt.Errorf("poll tasks for agent %s: %w", agentID, err)
	}

	pending := all[:0]
	for _, t := range all {
		if t.Acknowledged() || t.Expired(now) {
			continue
		}
		pending = append(pending, t)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority.Weight() != pending[j].Priority.Weight() {
			return pending[i].Priority.Weight() > pending[j].Priority.Weight()
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if len(pending) > limit {
		return pending[:limit], true, nil
	}
	return pending, false, nil
}

// Ack marks tasks acknowledged. Acking an already-acked or unknown task is a
// no-op.
func (q *Queue) Ack(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return q.store.AckTasks(ctx, taskIDs, q.clock.Now())
}

// Heartbeat records that the agent is alive without polling.
func (q *Queue) Heartbeat(ctx context.Context, agentID string) error {
	return q.store.Heartbeat(ctx, agentID, q.clock.Now())
}

// Alive reports whether the agent polled within the liveness window.
func (q *Queue) Alive(ctx context.Context, agentID string, window time.Duration) (bool, error) {
	last, err := q.store.LastPoll(ctx, agentID)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return false, nil
	}
	return q.clock.Now().Sub(last) < window, nil
}
