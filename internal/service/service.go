package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kbuckler/fact-service/internal/cache"
	"github.com/kbuckler/fact-service/internal/client"
	"github.com/kbuckler/fact-service/internal/models"
	"github.com/kbuckler/fact-service/internal/observability"
)

// randomKey is the cache key for uncategorized fact lookups.
const randomKey = "random"

// FactService orchestrates fact retrieval using cache-aside pattern with
// upstream API fallback. Implements the service layer business logic. The
// cached entry is the "fact of the moment" per category; the TTL bounds how
// long the same fact is served before a fresh upstream fetch.
type FactService struct {
	client          client.FactClient
	cache           cache.Cache
	ttl             time.Duration
	staleCacheTTL   time.Duration // Maximum age for stale cache fallback (0 = disabled)
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // Optional request coalescing (nil if disabled)
}

// NewFactService creates a new FactService with the provided dependencies.
// TTL specifies the cache expiration duration for facts. staleCacheTTL
// specifies maximum age for stale cache fallback (0 = disabled).
// coalesceEnabled and coalesceTimeout configure request coalescing (disabled
// if timeout 0).
func NewFactService(client client.FactClient, cache cache.Cache, ttl time.Duration, staleCacheTTL time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *FactService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &FactService{
		client:          client,
		cache:           cache,
		ttl:             ttl,
		staleCacheTTL:   staleCacheTTL,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetFact retrieves a fact for the given category (empty for uncategorized)
// using cache-aside pattern. Checks cache first, falls back to the upstream
// provider on cache miss, and populates the cache on success. The provider's
// result is returned unchanged, including an empty fact text. On upstream
// failure an expired cache entry within the stale window is served with the
// Stale flag set.
func (s *FactService) GetFact(ctx context.Context, category string) (models.Fact, error) {
	key := cacheKey(category)
	start := time.Now()
	logger := loggerFromContext(ctx)
	observability.RecordFactQuery(category)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("fact").Inc()
		if logger != nil {
			logger.Debug("cache hit", zap.String("category", key))
			logger.Debug("fact served", zap.String("category", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		}
		return cached, nil
	}

	concurrentMisses := s.stampedeTracker.RecordMiss(key)
	defer s.stampedeTracker.RecordHit(key)
	catLabel := observability.MetricCategoryLabel(category)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(catLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(catLabel).Observe(float64(concurrentMisses))
	}

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("category", key))
	}

	// Use coalescer if enabled to prevent concurrent upstream calls for same key
	var data models.Fact
	var upstreamErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		data, upstreamErr = s.coalescer.GetOrDo(ctx, key, func() (models.Fact, error) {
			return s.client.GetRandomFact(ctx, normalizeCategory(category))
		})
		coalesceWait := time.Since(coalesceStart)
		if upstreamErr == nil {
			// Wait time > 0 means we likely coalesced rather than initiated (approximate)
			if coalesceWait > 10*time.Millisecond {
				observability.RequestCoalescingHitsTotal.WithLabelValues(catLabel).Inc()
			}
			observability.RequestCoalescingWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		data, upstreamErr = s.client.GetRandomFact(ctx, normalizeCategory(category))
	}
	if upstreamErr != nil {
		// Upstream failed - try stale cache if enabled
		if s.staleCacheTTL > 0 {
			stale, ok, staleErr := s.cache.GetStale(ctx, key, s.staleCacheTTL)
			if staleErr == nil && ok {
				staleAge := time.Since(stale.Timestamp)
				observability.StaleCacheServesTotal.WithLabelValues(catLabel).Inc()
				observability.StaleCacheAgeSeconds.Observe(staleAge.Seconds())
				stale.Stale = true
				if logger != nil {
					logger.Info("serving stale cache", zap.String("category", key), zap.Duration("age", staleAge))
				}
				return stale, nil
			}
		}
		return models.Fact{}, fmt.Errorf("fetch fact for %s: %w", key, upstreamErr)
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, data, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("cache set failed", zap.String("category", key), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	if logger != nil {
		logger.Debug("fact served", zap.String("category", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return data, nil
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}

// normalizeCategory normalizes category strings by trimming whitespace and
// converting to lowercase. Used to ensure consistent cache keys and API
// requests regardless of input format.
func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// cacheKey maps a category to its cache key; the empty category shares one
// well-known key.
func cacheKey(category string) string {
	c := normalizeCategory(category)
	if c == "" {
		return randomKey
	}
	return c
}
