package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue() (*Queue, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	return NewQueue(store.NewMemory(), clock, nil), clock
}

func TestPollOrdersByPriorityThenFIFO(t *testing.T) {
	q, clock := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a1", map[string]any{"n": 1}, core.PriorityNormal, 0)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Enqueue(ctx, "a1", map[string]any{"n": 2}, core.PriorityHigh, 0)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Enqueue(ctx, "a1", map[string]any{"n": 3}, core.PriorityHigh, 0)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Enqueue(ctx, "a1", map[string]any{"n": 4}, core.PriorityLow, 0)
	require.NoError(t, err)

	tasks, hasMore, err := q.Poll(ctx, "a1", 10)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, tasks, 4)
	assert.Equal(t, 2, tasks[0].Payload["n"])
	assert.Equal(t, 3, tasks[1].Payload["n"])
	assert.Equal(t, 1, tasks[2].Payload["n"])
	assert.Equal(t, 4, tasks[3].Payload["n"])
}

func TestPollLimitAndHasMore(t *testing.T) {
	q, clock := newQueue()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "a1", map[string]any{"n": i}, core.PriorityNormal, 0)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	tasks, hasMore, err := q.Poll(ctx, "a1", 3)
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Len(t, tasks, 3)
}

func TestPollDoesNotRemoveUntilAck(t *testing.T) {
	q, _ := newQueue()
	ctx := context.Background()
	task, err := q.Enqueue(ctx, "a1", nil, core.PriorityNormal, 0)
	require.NoError(t, err)

	tasks, _, err := q.Poll(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Second poll still sees it.
	tasks, _, err = q.Poll(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, q.Ack(ctx, []string{task.ID}))
	tasks, _, err = q.Poll(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Ack is idempotent; unknown ids are ignored.
	require.NoError(t, q.Ack(ctx, []string{task.ID, "ghost"}))
}

func TestExpiredTasksAreSkipped(t *testing.T) {
	q, clock := newQueue()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "a1", nil, core.PriorityNormal, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	tasks, _, err := q.Poll(ctx, "a1", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestQueuesAreIndependentPerAgent(t *testing.T) {
	q, _ := newQueue()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "a1", nil, core.PriorityNormal, 0)
	require.NoError(t, err)

	tasks, _, err := q.Poll(ctx, "a2", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestLiveness(t *testing.T) {
	q, clock := newQueue()
	ctx := context.Background()
	window := 90 * time.Second

	alive, err := q.Alive(ctx, "a1", window)
	require.NoError(t, err)
	assert.False(t, alive)

	_, _, err = q.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	alive, err = q.Alive(ctx, "a1", window)
	require.NoError(t, err)
	assert.True(t, alive)

	clock.Advance(2 * time.Minute)
	alive, err = q.Alive(ctx, "a1", window)
	require.NoError(t, err)
	assert.False(t, alive)
}
