package authority

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by OptionsCache.Get when nothing is cached.
var ErrCacheMiss = errors.New("cache miss")

// OptionsCache stores raw session-options documents per purpose.
type OptionsCache interface {
	Get(ctx context.Context, purpose string) ([]byte, error)
	Set(ctx context.Context, purpose string, raw []byte, ttl time.Duration) error
}

const optionsKeyPrefix = "livecom:options:"

// RedisCache is a Redis-backed OptionsCache shared by all broker instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the cached document or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, purpose string) ([]byte, error) {
	raw, err := c.client.Get(ctx, optionsKeyPrefix+purpose).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return raw, err
}

// Set stores raw with expiry.
func (c *RedisCache) Set(ctx context.Context, purpose string, raw []byte, ttl time.Duration) error {
	return c.client.Set(ctx, optionsKeyPrefix+purpose, raw, ttl).Err()
}
