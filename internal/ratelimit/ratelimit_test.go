package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/helicontrade/tracking/internal/config"
)

type fakeCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func TestAllowWithinLimit(t *testing.T) {
	fc := newFakeCounter()
	l := &Limiter{redis: fc, limit: 3, window: time.Second}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "203.0.113.1"))
	}
	assert.False(t, l.Allow(ctx, "203.0.113.1"))
	assert.True(t, l.Allow(ctx, "203.0.113.2"))
	assert.Equal(t, time.Second, fc.expires["ratelimit:203.0.113.1"])
}

func TestAllowFailsOpen(t *testing.T) {
	fc := newFakeCounter()
	fc.err = errors.New("connection refused")
	l := &Limiter{redis: fc, limit: 1, window: time.Second}

	assert.True(t, l.Allow(context.Background(), "c"))
	assert.True(t, l.Allow(context.Background(), "c"))
}

func TestNilLimiter(t *testing.T) {
	l := New(config.RedisConfig{}, config.RateLimitConfig{RequestsPerSecond: 5})
	assert.Nil(t, l)
	assert.True(t, l.Allow(context.Background(), "c"))
	assert.NoError(t, l.Close())
}
