package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowEnforcesPerKeyLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 5}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(ctx, "10.0.0.1"))
	}
	assert.False(t, rl.Allow(ctx, "10.0.0.1"))

	// Other keys are unaffected.
	assert.True(t, rl.Allow(ctx, "10.0.0.2"))
}

type failingCounters struct{}

func (failingCounters) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAllowFallsBackWhenCounterStoreFails(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 2, BurstSize: 2}, failingCounters{})
	ctx := context.Background()

	// Local fallback still counts, so the limit holds instead of failing open.
	assert.True(t, rl.Allow(ctx, "10.0.0.1"))
	assert.True(t, rl.Allow(ctx, "10.0.0.1"))
	assert.False(t, rl.Allow(ctx, "10.0.0.1"))
}

func TestMemoryCountersRollWindow(t *testing.T) {
	m := newMemoryCounters()
	ctx := context.Background()

	n, err := m.Incr(ctx, "k", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, _ = m.Incr(ctx, "k", time.Millisecond)
	assert.Equal(t, int64(2), n)

	time.Sleep(5 * time.Millisecond)
	n, _ = m.Incr(ctx, "k", time.Millisecond)
	assert.Equal(t, int64(1), n)
}

type fakeCounterClient struct {
	counts  map[string]int64
	expires map[string]time.Duration
}

func (f *fakeCounterClient) Incr(_ context.Context, key string) *redis.IntCmd {
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounterClient) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.expires[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisCountersExpireOnlyOnFirstHit(t *testing.T) {
	client := &fakeCounterClient{counts: map[string]int64{}, expires: map[string]time.Duration{}}
	c := NewRedisCounters(client, "")
	ctx := context.Background()

	n, err := c.Incr(ctx, "10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, client.expires["clawger:ratelimit:10.0.0.1"])

	n, err = c.Incr(ctx, "10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, client.expires, 1)
}

func TestMiddlewareReturns429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1}, nil)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/missions", nil)
	req.RemoteAddr = "10.0.0.1:55555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RateLimited")
}
