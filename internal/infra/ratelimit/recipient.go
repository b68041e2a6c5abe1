package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"herald/internal/domain/notification"

	"github.com/redis/go-redis/v9"
)

var _ notification.RecipientRateLimiter = (*RedisRecipientLimiter)(nil)

const keyPrefix = "herald:ratelimit:"

// RedisRecipientLimiter caps notifications per recipient over a sliding
// window. Each accepted notification is a sorted-set member scored by its
// timestamp.
type RedisRecipientLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisRecipientLimiter creates a limiter allowing limit notifications per
// recipient within window.
func NewRedisRecipientLimiter(client *redis.Client, limit int, window time.Duration) *RedisRecipientLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisRecipientLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records one notification for recipient unless the window is full.
func (r *RedisRecipientLimiter) Allow(ctx context.Context, recipient string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}

	key := keyPrefix + recipient
	now := r.now()
	windowStart := now.Add(-r.window)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("checking recipient rate limit: %w", err)
	}

	if countCmd.Val() >= int64(r.limit) {
		return false, nil
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	member := redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), hex.EncodeToString(suffix)),
	}

	pipe = r.client.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.Expire(ctx, key, r.window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("recording rate limit entry: %w", err)
	}
	return true, nil
}
