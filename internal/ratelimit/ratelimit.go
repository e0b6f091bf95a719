// Package ratelimit enforces the per-sender request budget at the HTTP edge:
// a fixed one-second window capped at default_rps, with a burst ceiling
// measured across the current and previous windows. Keys are the
// X-Chorus-Instance-Id header only, so no user-level identity ever reaches
// the limiter.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowSeconds is the fixed counting window.
const windowSeconds = 1

// Limiter answers whether a sender may make another request right now.
type Limiter interface {
	// Allow returns false when the sender exceeded its budget.
	Allow(ctx context.Context, instanceID string) (bool, error)
}

// RedisLimiter is the production limiter, backed by shared Redis counters so
// every bridge replica enforces the same budget.
type RedisLimiter struct {
	client     *redis.Client
	defaultRPS int64
	burst      int64
}

// NewRedisLimiter builds a limiter over an established Redis client.
func NewRedisLimiter(client *redis.Client, defaultRPS, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, defaultRPS: int64(defaultRPS), burst: int64(burst)}
}

func limiterKey(instanceID string, window int64) string {
	return fmt.Sprintf("bridge:ratelimit:%s:%d", instanceID, window)
}

// Allow increments the sender's current-window counter and checks both the
// per-window cap and the two-window burst ceiling.
func (l *RedisLimiter) Allow(ctx context.Context, instanceID string) (bool, error) {
	window := time.Now().Unix() / windowSeconds

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, limiterKey(instanceID, window))
	pipe.Expire(ctx, limiterKey(instanceID, window), 2*windowSeconds*time.Second)
	prevGet := pipe.Get(ctx, limiterKey(instanceID, window-1))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, fmt.Errorf("rate limit counters: %w", err)
	}

	current := incr.Val()
	var previous int64
	if raw, err := prevGet.Result(); err == nil {
		previous, _ = strconv.ParseInt(raw, 10, 64)
	}

	if current > l.defaultRPS {
		return false, nil
	}
	if current+previous > l.burst {
		return false, nil
	}
	return true, nil
}

// MemoryLimiter applies the identical algorithm in process. Used by tests and
// by single-replica deployments without Redis.
type MemoryLimiter struct {
	mu         sync.Mutex
	defaultRPS int64
	burst      int64
	counters   map[string]map[int64]int64

	now func() time.Time
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter(defaultRPS, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		defaultRPS: int64(defaultRPS),
		burst:      int64(burst),
		counters:   make(map[string]map[int64]int64),
		now:        time.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, instanceID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.now().Unix() / windowSeconds

	windows, ok := l.counters[instanceID]
	if !ok {
		windows = make(map[int64]int64)
		l.counters[instanceID] = windows
	}
	// Drop everything older than the previous window.
	for w := range windows {
		if w < window-1 {
			delete(windows, w)
		}
	}

	windows[window]++
	current := windows[window]
	previous := windows[window-1]

	if current > l.defaultRPS {
		return false, nil
	}
	if current+previous > l.burst {
		return false, nil
	}
	return true, nil
}
