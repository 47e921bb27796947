package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is an optional shared duplicate cache in front of the relational
// store, so multiple runtime instances can short-circuit each other's
// completed events without a database round-trip. Same contract as the
// in-process cache: hits are authoritative, misses fall through.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. ttl <= 0 defaults to 7 days.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) key(consumer, eventID string) string {
	return fmt.Sprintf("events:processed:%s:%s", consumer, eventID)
}

// Contains reports whether the event completed recently anywhere in the
// consumer group.
func (c *RedisCache) Contains(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(consumer, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis duplicate check: %w", err)
	}
	return n > 0, nil
}

// Add marks the event completed with the configured TTL.
func (c *RedisCache) Add(ctx context.Context, consumer, eventID string) error {
	err := c.client.Set(ctx, c.key(consumer, eventID), time.Now().Unix(), c.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis duplicate mark: %w", err)
	}
	return nil
}

// Ping verifies cache availability for health reporting.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
