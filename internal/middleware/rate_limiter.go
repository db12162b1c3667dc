// Package middleware carries the HTTP cross-cutting concerns: per-client
// rate limiting, bearer-key authentication, and request metrics.
package middleware

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const limitWindow = time.Minute

// CounterStore counts hits per key within a fixed window. The returned count
// includes the hit being recorded.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int // temporary bursts above the limit
}

// RateLimiter enforces per-client-IP request limits over fixed one-minute
// windows. Counts live in a CounterStore so replicas behind one load balancer
// can share them; pass nil to count in-process only.
type RateLimiter struct {
	counters CounterStore
	fallback CounterStore
	cfg      RateLimitConfig
	logger   *log.Logger
}

// NewRateLimiter creates a rate limiter over the given counter store.
func NewRateLimiter(cfg RateLimitConfig, counters CounterStore) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	fallback := newMemoryCounters()
	if counters == nil {
		counters = fallback
	}
	return &RateLimiter{
		counters: counters,
		fallback: fallback,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Allow records a hit for the key and reports whether the request may
// proceed. A failing counter store degrades to the in-process fallback
// instead of failing open.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	count, err := rl.counters.Incr(ctx, key, limitWindow)
	if err != nil {
		rl.logger.Printf("⚠️ Counter store unavailable, using local counts: %v", err)
		count, _ = rl.fallback.Incr(ctx, key, limitWindow)
	}

	if count > int64(rl.cfg.BurstSize) {
		rl.logger.Printf("🚫 Rate limit exceeded (burst): key=%s count=%d limit=%d",
			key, count, rl.cfg.BurstSize)
		return false
	}
	if count > int64(rl.cfg.MaxCallsPerMinute) {
		rl.logger.Printf("⚠️ Rate limit exceeded: key=%s count=%d limit=%d",
			key, count, rl.cfg.MaxCallsPerMinute)
		return false
	}
	return true
}

// Middleware enforces the limit keyed by client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.Context(), ClientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","code":"RateLimited","hint":"retry after 60s"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP resolves the caller's address, honouring X-Forwarded-For from the
// load balancer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// memoryCounters is the in-process CounterStore: fixed windows per key,
// expired buckets swept opportunistically when the map grows.
type memoryCounters struct {
	mu      sync.Mutex
	buckets map[string]*countBucket
}

type countBucket struct {
	count   int64
	resetAt time.Time
}

const sweepThreshold = 1024

func newMemoryCounters() *memoryCounters {
	return &memoryCounters{buckets: make(map[string]*countBucket)}
}

func (m *memoryCounters) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || now.After(b.resetAt) {
		if len(m.buckets) > sweepThreshold {
			for k, old := range m.buckets {
				if now.After(old.resetAt) {
					delete(m.buckets, k)
				}
			}
		}
		b = &countBucket{resetAt: now.Add(window)}
		m.buckets[key] = b
	}
	b.count++
	return b.count, nil
}

// CounterClient is the slice of go-redis used for shared counters.
type CounterClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
}

// RedisCounters shares window counts across replicas: INCR per hit, EXPIRE
// set when the key is first created so the window rolls server-side.
type RedisCounters struct {
	client CounterClient
	prefix string
}

// NewRedisCounters creates a Redis-backed counter store. The prefix defaults
// to "clawger:ratelimit:".
func NewRedisCounters(client CounterClient, prefix string) *RedisCounters {
	if prefix == "" {
		prefix = "clawger:ratelimit:"
	}
	return &RedisCounters{client: client, prefix: prefix}
}

func (c *RedisCounters) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	redisKey := c.prefix + key
	count, err := c.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}
