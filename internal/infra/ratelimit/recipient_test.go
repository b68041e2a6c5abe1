package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to TEST_REDIS_ADDR (default localhost:6379) and skips
// the test when no server answers.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 500 * time.Millisecond})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping integration test: failed to connect to Redis at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRecipientLimiter_SlidingWindow(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	l := NewRedisRecipientLimiter(client, 2, time.Minute)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	recipient := "ada-" + uuid.NewString() + "@example.com"
	other := "bob-" + uuid.NewString() + "@example.com"
	t.Cleanup(func() { client.Del(context.Background(), keyPrefix+recipient, keyPrefix+other) })

	for i := 0; i < 2; i++ {
		allowed, err := l.Allow(ctx, recipient)
		require.NoError(t, err)
		assert.True(t, allowed, "call %d", i)
	}
	allowed, err := l.Allow(ctx, recipient)
	require.NoError(t, err)
	assert.False(t, allowed, "window full")

	allowed, err = l.Allow(ctx, other)
	require.NoError(t, err)
	assert.True(t, allowed, "recipients are counted separately")

	now = now.Add(time.Minute + time.Second)
	allowed, err = l.Allow(ctx, recipient)
	require.NoError(t, err)
	assert.True(t, allowed, "old entries slid out of the window")

	ttl, err := client.TTL(ctx, keyPrefix+recipient).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

func TestRedisRecipientLimiter_ZeroLimitNeverCallsRedis(t *testing.T) {
	l := NewRedisRecipientLimiter(nil, 0, 0)
	assert.Equal(t, time.Hour, l.window)

	allowed, err := l.Allow(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRecipientLimiter_UnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	allowed, err := NewRedisRecipientLimiter(client, 5, time.Minute).Allow(context.Background(), "ada@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checking recipient rate limit")
	assert.False(t, allowed)
}
