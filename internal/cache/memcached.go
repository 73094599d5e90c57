package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kbuckler/fact-service/internal/models"
)

const keyPrefix = "fact:"

// storedFact is the envelope persisted in external cache backends. ExpiresAt
// carries the logical TTL so expired-but-stale entries can still be served;
// the backend's own expiration is set to the stale window ceiling.
type storedFact struct {
	Fact      models.Fact `json:"fact"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client      *memcache.Client
	staleWindow time.Duration
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns configure the client; both use package defaults if zero.
// staleWindow bounds how long expired entries remain retrievable via GetStale;
// zero disables stale retention.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleWindow time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleWindow: staleWindow}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Fact, bool, error) {
	stored, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.Fact{}, false, err
	}
	if time.Now().After(stored.ExpiresAt) {
		return models.Fact{}, false, nil
	}
	return stored.Fact, true, nil
}

// GetStale implements Cache.GetStale. Returns entries past their logical TTL
// as long as the fetch timestamp is within maxStaleAge.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Fact, bool, error) {
	stored, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.Fact{}, false, err
	}
	if time.Since(stored.Fact.Timestamp) > maxStaleAge {
		return models.Fact{}, false, nil
	}
	return stored.Fact, true, nil
}

func (c *MemcachedCache) fetch(ctx context.Context, key string) (storedFact, bool, error) {
	if ctx.Err() != nil {
		return storedFact{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return storedFact{}, false, nil
		}
		return storedFact{}, false, err
	}
	var stored storedFact
	if err := json.Unmarshal(item.Value, &stored); err != nil {
		return storedFact{}, false, err
	}
	return stored, true, nil
}

// Set implements Cache.Set. The backend expiration is extended by the stale
// window so GetStale can serve expired entries during upstream outages.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Fact, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(storedFact{
		Fact:      value,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return err
	}
	expSec := int32((ttl + c.staleWindow).Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600 // fallback 1h if invalid
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
