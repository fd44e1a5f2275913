// Package ratelimit implements a per-client fixed one-second window on Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/helicontrade/tracking/internal/config"
)

type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Limiter allows up to limit requests per client per second. A nil Limiter
// allows everything.
type Limiter struct {
	redis  counter
	closer func() error
	limit  int
	window time.Duration
}

// New connects to Redis. It returns nil when no address is configured.
func New(redisCfg config.RedisConfig, rateCfg config.RateLimitConfig) *Limiter {
	if redisCfg.Addr == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	return &Limiter{
		redis:  rdb,
		closer: rdb.Close,
		limit:  rateCfg.RequestsPerSecond,
		window: time.Second,
	}
}

// Allow counts one request for client and reports whether it is within the
// limit. Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, client string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	key := "ratelimit:" + client

	// Increment counter
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		log.Debug().Err(err).Str("client", client).Msg("Rate limit check failed, allowing request")
		return true
	}

	// Set expiry on first request
	if count == 1 {
		l.redis.Expire(ctx, key, l.window)
	}

	return count <= int64(l.limit)
}

func (l *Limiter) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer()
}
