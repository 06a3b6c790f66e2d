package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache implementation backed by Redis. All values are stored
// as strings; callers are expected to marshal structured values to JSON before
// Set and unmarshal after Get, which keeps the interface portable between the
// in-memory and Redis backends.
type RedisCache struct {
	client    *redis.Client
	namespace string
	opTimeout time.Duration
}

// NewRedisCache creates a Redis-backed cache. The namespace is prepended to
// every key so that Clear only touches this cache's keys.
func NewRedisCache(client *redis.Client, namespace string) *RedisCache {
	return &RedisCache{
		client:    client,
		namespace: namespace + ":",
		opTimeout: 2 * time.Second,
	}
}

func (c *RedisCache) key(key string) string {
	return c.namespace + key
}

// Get retrieves a value from the cache. The returned value is always a string.
func (c *RedisCache) Get(key string) (interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores a value in the cache with the specified TTL. Non-string values
// are ignored; marshal before calling.
func (c *RedisCache) Set(key string, value interface{}, ttl time.Duration) {
	s, ok := value.(string)
	if !ok {
		if b, isBytes := value.([]byte); isBytes {
			s = string(b)
		} else {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	// Best-effort: a failed cache write must never fail the caller.
	_ = c.client.Set(ctx, c.key(key), s, ttl).Err()
}

// GetOrSet gets a value or computes and caches it if not found. Unlike the
// in-memory implementation this is not atomic across processes; concurrent
// misses may compute twice, which is acceptable for read-through caching.
func (c *RedisCache) GetOrSet(key string, ttl time.Duration, compute func() (interface{}, error)) (interface{}, error) {
	if val, found := c.Get(key); found {
		return val, nil
	}

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.Set(key, value, ttl)
	return value, nil
}

// Delete removes a specific key from the cache
func (c *RedisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	_ = c.client.Del(ctx, c.key(key)).Err()
}

// DeletePrefix removes every key starting with the given prefix
func (c *RedisCache) DeletePrefix(prefix string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		_ = c.client.Del(ctx, iter.Val()).Err()
	}
}

// Clear removes all items in this cache's namespace
func (c *RedisCache) Clear() {
	c.DeletePrefix("")
}

// Size returns the number of keys in this cache's namespace
func (c *RedisCache) Size() int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count := 0
	iter := c.client.Scan(ctx, 0, c.namespace+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}

// Stop is a no-op; the Redis client's lifecycle belongs to the caller.
func (c *RedisCache) Stop() {}
