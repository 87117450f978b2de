// Package cache provides an optional Redis-backed cross-invocation cache,
// used by internal/environment to avoid re-probing the backend from every
// host in a fleet sharing REDIS_URL. It is never required: every caller
// falls back to the in-process cache spec.md §4.2 mandates when this is
// absent or unreachable.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with the narrow Get/Set surface
// internal/environment.DiscoveryCache needs.
type Cache struct {
	client *redis.Client
}

// New creates a new Redis-backed Cache connected to addr ("host:port").
// It verifies connectivity with a Ping so callers can decide to run
// without a cache rather than fail the whole invocation.
func New(ctx context.Context, addr string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     4,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", addr, err)
	}

	return &Cache{client: client}, nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Get returns the cached value for key and whether it was present.
// Any Redis error is treated as a cache miss, never as a fatal condition.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("cache: get %q: %v", key, err)
		}
		return "", false
	}
	return val, true
}

// Set stores value under key with the given TTL. Failures are logged and
// swallowed: a cache write is never allowed to fail an orchestration run.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Printf("cache: set %q: %v", key, err)
	}
}
