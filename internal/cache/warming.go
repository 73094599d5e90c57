package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kbuckler/fact-service/internal/models"
	"github.com/kbuckler/fact-service/internal/observability"
)

// FactFetcher is implemented by the service layer to fetch a fact for a
// category. Used by CacheWarmer to avoid a circular dependency on the service
// package.
type FactFetcher interface {
	GetFact(ctx context.Context, category string) (models.Fact, error)
}

// CacheWarmer warms the cache by prefetching facts for a list of categories.
type CacheWarmer struct {
	fetcher FactFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher FactFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches a fact for each category concurrently and populates the cache
// via the fetcher. Returns an error if any category failed (aggregated).
func (w *CacheWarmer) Warm(ctx context.Context, categories []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("categories", len(categories)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(categories))
	for _, cat := range categories {
		cat := cat
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.fetcher.GetFact(ctx, cat)
			if err != nil {
				errCh <- fmt.Errorf("warm %s: %w", cat, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("categories", len(categories)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, categories []string, interval time.Duration) error {
	if err := w.Warm(ctx, categories); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, categories); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
