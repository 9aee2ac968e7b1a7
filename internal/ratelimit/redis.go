package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements CounterStore on Redis for cross-instance
// coordination. INCR + PEXPIRE gives the same fixed-window semantics as
// MemoryStore; the expiry is set only when the counter is created so the
// window does not slide.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: "seiri:rl:"}, nil
}

// Incr increments key's counter atomically and returns the current count
// plus when the window resets.
func (s *RedisStore) Incr(ctx context.Context, key string, windowLen time.Duration) (int64, time.Time, error) {
	rkey := s.prefix + key

	count, err := s.client.Incr(ctx, rkey).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, rkey, windowLen).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("ratelimit: pexpire: %w", err)
		}
		return count, time.Now().UTC().Add(windowLen), nil
	}

	ttl, err := s.client.PTTL(ctx, rkey).Result()
	if err != nil || ttl < 0 {
		// Counter exists without an expiry (crashed between INCR and
		// PEXPIRE). Repair it rather than leaking a permanent counter.
		_ = s.client.PExpire(ctx, rkey, windowLen).Err()
		ttl = windowLen
	}
	return count, time.Now().UTC().Add(ttl), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
