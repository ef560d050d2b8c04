// Package cache holds the Redis fast path for recognising already stored event ids.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "healthos:ingest:seen:"

// RedisSeenCache records event ids after the event store has accepted them. A hit
// means the id is stored; a miss means nothing and callers must ask the store.
type RedisSeenCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSeenCache wraps client. A zero ttl keeps keys forever.
func NewRedisSeenCache(client *redis.Client, ttl time.Duration) *RedisSeenCache {
	return &RedisSeenCache{client: client, prefix: defaultKeyPrefix, ttl: ttl}
}

// NewClient builds a Redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Seen reports whether eventID was remembered.
func (c *RedisSeenCache) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Remember marks eventID as stored.
func (c *RedisSeenCache) Remember(ctx context.Context, eventID string) error {
	return c.client.Set(ctx, c.prefix+eventID, 1, c.ttl).Err()
}

// Ping checks connectivity.
func (c *RedisSeenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
