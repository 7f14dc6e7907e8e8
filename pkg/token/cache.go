package token

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/instill-ai/drivesync-backend/pkg/clock"
)

const redisKeyPrefix = "drivesync:access-token:"

// Cache holds access tokens until they expire. Implementations are owned by
// the Manager; nothing else reads them.
type Cache interface {
	Get(ctx context.Context, key string) (AccessToken, bool)
	Set(ctx context.Context, key string, tok AccessToken)
	Delete(ctx context.Context, key string)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]AccessToken
	clock   clock.Clock
}

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	return &MemoryCache{
		entries: map[string]AccessToken{},
		clock:   clk,
	}
}

// Get implements Cache. Expired entries are dropped.
func (c *MemoryCache) Get(_ context.Context, key string) (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, ok := c.entries[key]
	if !ok {
		return AccessToken{}, false
	}
	if !tok.Expiry.After(c.clock.Now()) {
		delete(c.entries, key)
		return AccessToken{}, false
	}
	return tok, true
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, tok AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tok
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// RedisCache shares access tokens between processes. Entries expire with
// the token. Redis failures are logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	clock  clock.Clock
	logger *zap.Logger
}

// NewRedisCache returns a Cache backed by Redis.
func NewRedisCache(client *redis.Client, clk clock.Clock, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, clock: clk, logger: logger}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (AccessToken, bool) {
	b, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Failed to read cached access token", zap.String("key", key), zap.Error(err))
		}
		return AccessToken{}, false
	}

	var tok AccessToken
	if err := json.Unmarshal(b, &tok); err != nil {
		c.logger.Warn("Discarding malformed cached access token", zap.String("key", key), zap.Error(err))
		return AccessToken{}, false
	}
	return tok, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, tok AccessToken) {
	ttl := tok.Expiry.Sub(c.clock.Now())
	if ttl <= 0 {
		return
	}

	b, err := json.Marshal(tok)
	if err != nil {
		c.logger.Warn("Failed to encode access token", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, b, ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache access token", zap.String("key", key), zap.Error(err))
	}
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		c.logger.Warn("Failed to drop cached access token", zap.String("key", key), zap.Error(err))
	}
}
