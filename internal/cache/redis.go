package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kbuckler/fact-service/internal/models"
)

// RedisCache implements Cache using redis. Entries use the same storedFact
// envelope as MemcachedCache so the two backends are interchangeable.
type RedisCache struct {
	client      *redis.Client
	staleWindow time.Duration
}

// NewRedisCache creates a RedisCache and verifies connectivity with a Ping.
// staleWindow bounds how long expired entries remain retrievable via
// GetStale; zero disables stale retention.
func NewRedisCache(addr, password string, db int, staleWindow time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisCache{client: rdb, staleWindow: staleWindow}, nil
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *RedisCache) Get(ctx context.Context, key string) (models.Fact, bool, error) {
	stored, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.Fact{}, false, err
	}
	if time.Now().After(stored.ExpiresAt) {
		return models.Fact{}, false, nil
	}
	return stored.Fact, true, nil
}

// GetStale implements Cache.GetStale.
func (c *RedisCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Fact, bool, error) {
	stored, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.Fact{}, false, err
	}
	if time.Since(stored.Fact.Timestamp) > maxStaleAge {
		return models.Fact{}, false, nil
	}
	return stored.Fact, true, nil
}

func (c *RedisCache) fetch(ctx context.Context, key string) (storedFact, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return storedFact{}, false, nil
		}
		return storedFact{}, false, err
	}
	var stored storedFact
	if err := json.Unmarshal(raw, &stored); err != nil {
		return storedFact{}, false, err
	}
	return stored, true, nil
}

// Set implements Cache.Set. The redis expiration is extended by the stale
// window so GetStale can serve expired entries during upstream outages.
func (c *RedisCache) Set(ctx context.Context, key string, value models.Fact, ttl time.Duration) error {
	raw, err := json.Marshal(storedFact{
		Fact:      value,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return err
	}
	exp := ttl + c.staleWindow
	if exp <= 0 {
		exp = time.Hour
	}
	return c.client.Set(ctx, keyPrefix+key, raw, exp).Err()
}

// Ping checks if redis is reachable. Used for health checks.
func (c *RedisCache) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close closes the redis client. Call during shutdown.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
