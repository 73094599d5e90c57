package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kbuckler/fact-service/internal/client"
	"github.com/kbuckler/fact-service/internal/health"
	"github.com/kbuckler/fact-service/internal/observability"
	"github.com/kbuckler/fact-service/internal/service"
	"github.com/kbuckler/fact-service/internal/validation"
)

// helloMessage is the fixed greeting returned by GET /hello.
const helloMessage = "Hello, World!"

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// CachePing, when set, is called to check cache reachability. Used when
	// the backend is memcached or redis.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	factService      *service.FactService
	client           client.FactClient
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	categoryMinLen   int
	categoryMaxLen   int
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. categoryMinLen and categoryMaxLen bound
// the {category} path variable; zero disables the corresponding bound.
func NewHandler(
	factService *service.FactService,
	client client.FactClient,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
	categoryMinLen, categoryMaxLen int,
) *Handler {
	return &Handler{
		factService:    factService,
		client:         client,
		healthConfig:   healthConfig,
		logger:         logger,
		rateLimiter:    rateLimiter,
		categoryMinLen: categoryMinLen,
		categoryMaxLen: categoryMaxLen,
	}
}

// GetHello handles GET /hello. Always returns the same fixed greeting.
func (h *Handler) GetHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(helloMessage))
}

// GetFact handles GET /fact and GET /fact/{category}. The fact returned by
// the provider is forwarded unchanged, including an empty fact text.
func (h *Handler) GetFact(w http.ResponseWriter, r *http.Request) {
	category := mux.Vars(r)["category"]
	if category != "" {
		valid, err := validation.ValidateCategory(category, h.categoryMinLen, h.categoryMaxLen)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_CATEGORY", err.Error())
			return
		}
		category = valid
	}

	result, err := h.factService.GetFact(r.Context(), category)
	if err != nil {
		health.RecordError()
		writeServiceError(w, r, err)
		return
	}
	health.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["factApi"] = "unhealthy"
	} else {
		checks["factApi"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "fact-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// multiple conditions in priority order. Decision order: shutting-down >
// upstream unreachable > overloaded > idle > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	// Priority 1: Check if service is shutting down
	if health.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	// Priority 2: If no health config, only check upstream reachability
	if h.healthConfig == nil {
		if err := h.client.Ping(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "upstream_unreachable"}
		}
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Priority 3: Upstream reachability (required for all health checks)
	if err := h.client.Ping(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "upstream_unreachable"}
	}
	// Priority 4: Check overload threshold (rate limit denials exceed configured percentage)
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if float64(health.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	// Priority 5: Check idle conditions (only if uptime exceeds minimum lifespan)
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if health.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	// Priority 6: Check degraded state (error rate exceeds configured threshold)
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := health.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError maps a service error to the error envelope: unknown
// categories return 404, everything else is a 503 upstream failure. Logs the
// underlying error at DEBUG level if logger is available in request context.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, client.ErrCategoryNotFound) {
		writeError(w, r, http.StatusNotFound, "CATEGORY_NOT_FOUND", "Unknown fact category")
	} else {
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch fact")
	}
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("upstream error", zap.Error(err))
	}
}

// GetTestStatus handles GET /test. Returns current simulated state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errs, _ := health.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	resp := map[string]interface{}{
		"total_requests_in_window":  health.RequestCount(window),
		"denied_requests_in_window": health.DenialCount(window),
		"errors_in_window":          errs,
		"window_length":             window.String(),
		"config":                    cfg,
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostTestAction handles POST /test/{action} for load, error, reset, shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestLoad simulates load by recording the specified number of requests,
// respecting rate limits if configured. Returns accepted/denied counts and
// current health state.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 10
	}
	var accepted, denied int
	if h.rateLimiter != nil {
		for i := 0; i < body.Count; i++ {
			if h.rateLimiter.Allow() {
				health.RecordSuccess()
				accepted++
			} else {
				health.RecordDenied()
				observability.RateLimitDeniedTotal.Inc()
				denied++
			}
		}
	} else {
		health.RecordSuccessN(body.Count)
		accepted = body.Count
	}
	result := h.computeHealthStatus(r.Context())
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    result.status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError simulates errors by recording the specified number of error
// events. Returns current error rate percentage and health state.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 1
	}
	health.RecordErrorN(body.Count)
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errs, total := health.ErrorRate(window)
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}
	result := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(body.Count) + " errors",
		"state":          result.status,
		"error_rate_pct": pct,
	})
}

// postTestReset clears all simulated state including the outcome tracker and
// shutdown flag. Used for test cleanup.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	health.Reset()
	health.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown sets the service shutdown flag, triggering graceful
// shutdown behavior. Health checks return shutting-down status after this.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	health.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}
