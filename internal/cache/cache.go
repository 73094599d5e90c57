package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kbuckler/fact-service/internal/models"
)

// Cache defines the interface for fact caching implementations.
// Get returns cached data if present and not expired. GetStale returns
// expired data no older than maxStaleAge, for serving during upstream
// outages. Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.Fact, bool, error)
	GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Fact, bool, error)
	Set(ctx context.Context, key string, value models.Fact, ttl time.Duration) error
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based
// expiration. Expired entries are retained until they also age out of the
// stale window so GetStale can serve them during upstream outages.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
}

type cacheEntry struct {
	value     models.Fact
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get retrieves cached data for the key if present and not expired.
// Returns (data, true, nil) on cache hit, (zero, false, nil) on miss or
// expiration. Expired entries are kept for GetStale.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Fact, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.data[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return models.Fact{}, false, nil
	}
	return entry.value, true, nil
}

// GetStale retrieves cached data regardless of TTL expiry, as long as the
// entry's fetch timestamp is within maxStaleAge of now. Entries beyond the
// stale window are removed.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Fact, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return models.Fact{}, false, nil
	}
	if time.Since(entry.value.Timestamp) > maxStaleAge {
		delete(c.data, key)
		return models.Fact{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores data in cache with the specified TTL duration.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Fact, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}
