// Package cache provides the JSON value cache used for model catalogs and
// auth key validation results, backed by Redis or a no-op stub when caching
// is disabled.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores JSON-encoded values under prefixed keys.
type Cache interface {
	// Get decodes the value under key into dest. The second return is false
	// on a miss.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Set stores value under key. A zero ttl uses the cache default.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes the value under key.
	Delete(ctx context.Context, key string) error

	// Ping verifies backend reachability.
	Ping(ctx context.Context) error

	Close() error
}

// Options configure a Redis-backed cache.
type Options struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string // top-level key namespace
	CachePrefix string // cache sub-namespace
	DefaultTTL  time.Duration
}

type redisCache struct {
	rdb        *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// New connects to Redis and returns a cache over it.
func New(opts Options) (Cache, error) {
	if opts.Addr == "" {
		return nil, errors.New("cache: redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "llmgw"
	}
	cachePrefix := opts.CachePrefix
	if cachePrefix == "" {
		cachePrefix = "cache"
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &redisCache{
		rdb:        rdb,
		prefix:     prefix + ":" + cachePrefix + ":",
		defaultTTL: ttl,
	}, nil
}

func (c *redisCache) key(key string) string {
	return c.prefix + key
}

func (c *redisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.rdb.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: delete %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

func (c *redisCache) Close() error {
	return c.rdb.Close()
}

type noop struct{}

// NewNoop returns a cache that stores nothing. Used when ENABLE_CACHE is off.
func NewNoop() Cache { return noop{} }

func (noop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (noop) Set(context.Context, string, any, time.Duration) error { return nil }
func (noop) Delete(context.Context, string) error { return nil }
func (noop) Ping(context.Context) error { return nil }
func (noop) Close() error { return nil }
