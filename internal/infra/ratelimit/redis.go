package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"beacon/internal/domain"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "beacon:rl:"

// RedisLimiter shares counters across relay instances. Windows are aligned
// to multiples of the period, so every instance agrees on the reset time
// and the counter key carries the window start.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, now func() time.Time) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, now: now}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int, period time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	if period <= 0 {
		period = time.Second
	}
	start := r.now().Truncate(period)
	resetAt := start.Add(period)
	windowKey := redisKeyPrefix + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.PExpireAt(ctx, windowKey, resetAt)
		return nil
	})
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	count := incr.Val()
	return domain.RateLimitDecision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   resetAt,
	}, nil
}
