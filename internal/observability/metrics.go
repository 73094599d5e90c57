package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbuckler/fact-service/internal/health"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream facts API call rate. Watch for: error vs success ratio.
	FactAPICallsTotal *prometheus.CounterVec

	// Upstream facts API latency per request. Watch for: p95 > 2s (upstream degradation).
	FactAPIDuration *prometheus.HistogramVec

	// Retry attempts for facts API calls. Watch for: high retries = unstable upstream.
	FactAPIRetriesTotal prometheus.Counter

	// Upstream errors by stable category label (timeout, rate_limited, upstream_5xx, ...).
	FactAPIErrorsTotal *prometheus.CounterVec

	// Cache hits per cache type. Hit rate = hits/(hits+misses).
	CacheHitsTotal *prometheus.CounterVec

	// Cache operation failures by operation and error category.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and result.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Total fact lookups. Watch for: traffic volume, rate() for QPS.
	FactQueriesTotal prometheus.Counter

	// Per-category query count (allow-list; others go to "other").
	FactQueriesByCategoryTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Responses served from expired cache entries after upstream failure.
	StaleCacheServesTotal *prometheus.CounterVec

	// Age of stale cache entries at serve time.
	StaleCacheAgeSeconds prometheus.Histogram

	// Concurrent cache misses for the same key (stampede detection).
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Observed concurrency when a stampede is detected.
	CacheStampedeConcurrency *prometheus.HistogramVec

	// Requests that piggybacked on an in-flight upstream call.
	RequestCoalescingHitsTotal *prometheus.CounterVec

	// Time spent waiting on a coalesced upstream call.
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Circuit breaker state transitions and current state per component.
	circuitBreakerTransitionsTotal *prometheus.CounterVec
	circuitBreakerState            *prometheus.GaugeVec

	// In-flight requests remaining when shutdown drain started.
	shutdownInFlight prometheus.Gauge

	// trackedCategories is built from config; used to resolve category labels.
	trackedCategoriesMu sync.RWMutex
	trackedCategories   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	FactAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factApiCallsTotal",
			Help: "Total number of upstream facts API calls",
		},
		[]string{"status"},
	)
	FactAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "factApiDurationSeconds",
			Help:    "Upstream facts API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	FactAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "factApiRetriesTotal",
			Help: "Total number of retry attempts for facts API calls",
		},
	)
	FactAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factApiErrorsTotal",
			Help: "Upstream facts API errors by category",
		},
		[]string{"category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits. Cache misses = factApiCallsTotal - factApiRetriesTotal.",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache operation failures by operation and error category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "result"},
	)
	FactQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "factQueriesTotal",
			Help: "Total number of fact lookups",
		},
	)
	FactQueriesByCategoryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "factQueriesByCategoryTotal",
			Help: "Fact queries by category (allow-list; others use category=other)",
		},
		[]string{"category"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	StaleCacheServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staleCacheServesTotal",
			Help: "Responses served from expired cache entries after upstream failure",
		},
		[]string{"category"},
	)
	StaleCacheAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleCacheAgeSeconds",
			Help:    "Age of stale cache entries at serve time",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600},
		},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Concurrent cache misses detected for the same key",
		},
		[]string{"category"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Observed concurrency when a cache stampede is detected",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"category"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests that piggybacked on an in-flight upstream call",
		},
		[]string{"category"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting on a coalesced upstream call",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs that had at least one failure",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30},
		},
	)
	circuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)
	shutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests remaining when shutdown drain started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		FactAPICallsTotal, FactAPIDuration, FactAPIRetriesTotal, FactAPIErrorsTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		FactQueriesTotal, FactQueriesByCategoryTotal,
		RateLimitDeniedTotal,
		StaleCacheServesTotal, StaleCacheAgeSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		circuitBreakerTransitionsTotal, circuitBreakerState,
		shutdownInFlight,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow. Uses same window as lifecycle.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(health.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(health.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedCategories sets the allow-list for category metrics. Non-tracked
// categories increment "other".
func SetTrackedCategories(categories []string) {
	trackedCategoriesMu.Lock()
	defer trackedCategoriesMu.Unlock()
	trackedCategories = make(map[string]struct{}, len(categories))
	for _, c := range categories {
		trackedCategories[normalizeCategoryForMetrics(c)] = struct{}{}
	}
}

// MetricCategoryLabel resolves a category to a stable metric label.
// Empty category maps to "random"; non-tracked categories map to "other".
func MetricCategoryLabel(category string) string {
	c := normalizeCategoryForMetrics(category)
	if c == "" {
		return "random"
	}
	trackedCategoriesMu.RLock()
	_, ok := trackedCategories[c]
	trackedCategoriesMu.RUnlock()
	if !ok {
		return "other"
	}
	return c
}

// RecordFactQuery records a fact query for the given category.
func RecordFactQuery(category string) {
	FactQueriesTotal.Inc()
	FactQueriesByCategoryTotal.WithLabelValues(MetricCategoryLabel(category)).Inc()
}

func normalizeCategoryForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RecordCircuitBreakerTransition records a state transition for the component.
func RecordCircuitBreakerTransition(component, from, to string) {
	circuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current state gauge for the component.
func SetCircuitBreakerStateGauge(component string, state float64) {
	circuitBreakerState.WithLabelValues(component).Set(state)
}

// CircuitBreakerStateValue converts a circuit breaker state ordinal to a gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// RecordShutdownInFlight records how many requests were in flight when drain started.
func RecordShutdownInFlight(count int64) {
	shutdownInFlight.Set(float64(count))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
