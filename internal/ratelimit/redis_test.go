package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/relay-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRedisLimiter(rdb, limit, time.Minute)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "key-1", "/v1/chat/completions")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRedisLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRedisLimiter(rdb, limit, time.Minute)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "key-1", "/v1/chat/completions")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	// The (limit+1)th request must be blocked.
	allowed, err := limiter.Allow(ctx, "key-1", "/v1/chat/completions")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRedisLimiter_IsolatesIdentities(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRedisLimiter(rdb, 1, time.Minute)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "key-1", "/p"); !ok {
		t.Fatalf("first request for key-1 must pass")
	}
	if ok, _ := limiter.Allow(ctx, "key-1", "/p"); ok {
		t.Fatalf("key-1 must be limited")
	}
	if ok, _ := limiter.Allow(ctx, "key-2", "/p"); !ok {
		t.Fatalf("key-2 must have its own counter")
	}
}

func TestRedisLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls — limiter must allow requests.
	cleanup()

	limiter := ratelimit.NewRedisLimiter(rdb, 5, time.Minute)

	allowed, err := limiter.Allow(context.Background(), "key-1", "/p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}
