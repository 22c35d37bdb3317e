package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "ratelimit:id:"

// RedisLimiter enforces per-(identity, path) limits with Redis sliding
// windows, sharing counters across gateway instances.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a RedisLimiter allowing limit requests per window
// for each (identity, path) pair. limit must be > 0; values ≤ 0 will block
// every request.
func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, identity, path string) (bool, error) {
	key := keyPrefix + identity + ":" + path
	now := time.Now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, r.window.Nanoseconds(), r.limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
