package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kbuckler/fact-service/internal/client"
	"github.com/kbuckler/fact-service/internal/health"
	"github.com/kbuckler/fact-service/internal/models"
	"github.com/kbuckler/fact-service/internal/service"
)

type mockFactClient struct {
	fact    models.Fact
	err     error
	pingErr error
}

func (m *mockFactClient) GetRandomFact(ctx context.Context, category string) (models.Fact, error) {
	return m.fact, m.err
}

func (m *mockFactClient) Ping(ctx context.Context) error {
	return m.pingErr
}

type mockCache struct {
	data map[string]models.Fact
	err  error
}

func (m *mockCache) Get(ctx context.Context, key string) (models.Fact, bool, error) {
	if m.err != nil {
		return models.Fact{}, false, m.err
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Fact, bool, error) {
	return m.Get(ctx, key)
}

func (m *mockCache) Set(ctx context.Context, key string, value models.Fact, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]models.Fact)
	}
	m.data[key] = value
	return nil
}

// newTestHandler builds a Handler backed by the given mock client with an
// empty cache and no rate limiter.
func newTestHandler(t *testing.T, mockClient *mockFactClient) *Handler {
	t.Helper()
	factService := service.NewFactService(mockClient, &mockCache{data: make(map[string]models.Fact)}, 30*time.Second, 0, false, 0)
	logger, _ := zap.NewDevelopment()
	return NewHandler(factService, mockClient, nil, logger, nil, 2, 40)
}

// newFactRequest builds a GET request routed through the fact routes with a
// logger and correlation ID in context, returning the recorder.
func serveFactRequest(handler *Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	logger, _ := zap.NewDevelopment()
	ctx := context.WithValue(req.Context(), "logger", logger)
	ctx = context.WithValue(ctx, "correlation_id", "test-correlation-id")
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	router := mux.NewRouter()
	router.HandleFunc("/hello", handler.GetHello)
	router.HandleFunc("/fact", handler.GetFact)
	router.HandleFunc("/fact/{category}", handler.GetFact)
	router.ServeHTTP(w, req)
	return w
}

// TestHandler_GetHello_FixedGreeting verifies that GetHello always returns
// the same fixed greeting string regardless of how often it is called.
func TestHandler_GetHello_FixedGreeting(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{})

	first := serveFactRequest(handler, "/hello")
	second := serveFactRequest(handler, "/hello")

	if first.Code != http.StatusOK {
		t.Errorf("GetHello() status = %d, want %d", first.Code, http.StatusOK)
	}
	if got := first.Body.String(); got != helloMessage {
		t.Errorf("GetHello() body = %q, want %q", got, helloMessage)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("GetHello() not stable: first %q, second %q", first.Body.String(), second.Body.String())
	}
}

// TestHandler_GetFact_Success verifies that GetFact returns the provider's
// programmed fact exactly, with correct HTTP status and response schema.
func TestHandler_GetFact_Success(t *testing.T) {
	// Arrange: Mock client programmed with a specific fact
	expected := models.Fact{
		Fact:      "Go was announced in November 2009.",
		Category:  "dev",
		Timestamp: time.Now(),
	}
	handler := newTestHandler(t, &mockFactClient{fact: expected})

	// Act
	w := serveFactRequest(handler, "/fact/dev")

	// Assert: 200 with the exact programmed value
	if w.Code != http.StatusOK {
		t.Errorf("GetFact() status = %d, want %d", w.Code, http.StatusOK)
	}
	var response models.Fact
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Fact != expected.Fact {
		t.Errorf("Response.Fact = %q, want %q", response.Fact, expected.Fact)
	}
	if response.Category != expected.Category {
		t.Errorf("Response.Category = %q, want %q", response.Category, expected.Category)
	}
}

// TestHandler_GetFact_EmptyFactForwarded verifies that a provider returning
// an absent (empty) fact does not change the handler's ability to return it
// unchanged: the response is still 200 with an empty fact field.
func TestHandler_GetFact_EmptyFactForwarded(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{fact: models.Fact{Fact: ""}})

	w := serveFactRequest(handler, "/fact")

	if w.Code != http.StatusOK {
		t.Errorf("GetFact() status = %d, want %d", w.Code, http.StatusOK)
	}
	var response models.Fact
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Fact != "" {
		t.Errorf("Response.Fact = %q, want empty string forwarded unchanged", response.Fact)
	}
}

// TestHandler_GetFact_InvalidCategory verifies that GetFact returns 400 Bad
// Request with INVALID_CATEGORY error code for malformed category values.
func TestHandler_GetFact_InvalidCategory(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{})

	tests := []struct {
		name   string
		target string
	}{
		{name: "too short", target: "/fact/x"},
		{name: "invalid characters", target: "/fact/dev%21%21"},
		{name: "whitespace only", target: "/fact/%20%20"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serveFactRequest(handler, tc.target)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("GetFact() status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			var response struct {
				Error struct {
					Code      string `json:"code"`
					RequestID string `json:"requestId"`
				} `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if response.Error.Code != "INVALID_CATEGORY" {
				t.Errorf("error.code = %q, want INVALID_CATEGORY", response.Error.Code)
			}
			if response.Error.RequestID != "test-correlation-id" {
				t.Errorf("error.requestId = %q, want test-correlation-id", response.Error.RequestID)
			}
		})
	}
}

// TestHandler_GetFact_UnknownCategory verifies that GetFact returns 404 with
// CATEGORY_NOT_FOUND when the provider reports an unknown category.
func TestHandler_GetFact_UnknownCategory(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{err: client.ErrCategoryNotFound})
	defer health.Reset()

	w := serveFactRequest(handler, "/fact/nosuch")

	if w.Code != http.StatusNotFound {
		t.Errorf("GetFact() status = %d, want %d", w.Code, http.StatusNotFound)
	}
	var response struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if response.Error.Code != "CATEGORY_NOT_FOUND" {
		t.Errorf("error.code = %q, want CATEGORY_NOT_FOUND", response.Error.Code)
	}
}

// TestHandler_GetFact_UpstreamFailure verifies that GetFact returns 503 with
// UPSTREAM_UNAVAILABLE when the provider fails.
func TestHandler_GetFact_UpstreamFailure(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{err: errors.New("connection refused")})
	defer health.Reset()

	w := serveFactRequest(handler, "/fact")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetFact() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var response struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if response.Error.Code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("error.code = %q, want UPSTREAM_UNAVAILABLE", response.Error.Code)
	}
}

// TestHandler_GetHealth_Healthy verifies that GetHealth returns 200 healthy
// when the upstream ping succeeds and no health config thresholds trip.
func TestHandler_GetHealth_Healthy(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{})
	defer health.Reset()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusOK)
	}
	var response struct {
		Status  string            `json:"status"`
		Service string            `json:"service"`
		Checks  map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if response.Status != "healthy" {
		t.Errorf("status = %q, want healthy", response.Status)
	}
	if response.Service != "fact-service" {
		t.Errorf("service = %q, want fact-service", response.Service)
	}
	if response.Checks["factApi"] != "healthy" {
		t.Errorf("checks.factApi = %q, want healthy", response.Checks["factApi"])
	}
}

// TestHandler_GetHealth_UpstreamUnreachable verifies that GetHealth returns
// 503 degraded when the upstream ping fails.
func TestHandler_GetHealth_UpstreamUnreachable(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{pingErr: errors.New("dial timeout")})
	defer health.Reset()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var response struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if response.Status != "degraded" {
		t.Errorf("status = %q, want degraded", response.Status)
	}
}

// TestHandler_GetHealth_ShuttingDown verifies that the shutdown flag takes
// priority over all other health checks.
func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{})
	health.SetShuttingDown(true)
	defer func() {
		health.SetShuttingDown(false)
		health.Reset()
	}()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var response struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if response.Status != "shutting-down" {
		t.Errorf("status = %q, want shutting-down", response.Status)
	}
}

// TestHandler_GetHealth_DegradedErrorRate verifies that a high error rate in
// the degraded window reports 503 degraded.
func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	mockClient := &mockFactClient{}
	factService := service.NewFactService(mockClient, &mockCache{}, 30*time.Second, 0, false, 0)
	logger, _ := zap.NewDevelopment()
	cfg := &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 80,
		RateLimitRPS:         100,
		DegradedWindow:       time.Minute,
		DegradedErrorPct:     5,
		StartTime:            time.Now(),
	}
	handler := NewHandler(factService, mockClient, cfg, logger, nil, 2, 40)

	health.Reset()
	defer health.Reset()
	health.RecordSuccessN(5)
	health.RecordErrorN(5) // 50% error rate, above the 5% threshold

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var response struct {
		Status string `json:"status"`
		Checks map[string]string
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if response.Status != "degraded" {
		t.Errorf("status = %q, want degraded", response.Status)
	}
}

// TestHandler_PostTestAction_Unknown verifies that unknown test actions
// return 404 UNKNOWN_ACTION.
func TestHandler_PostTestAction_Unknown(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{})

	req := httptest.NewRequest("POST", "/test/bogus", nil)
	w := httptest.NewRecorder()

	router := mux.NewRouter()
	router.HandleFunc("/test/{action}", handler.PostTestAction)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("PostTestAction() status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestHandler_PostTestAction_Reset verifies that the reset action clears the
// shutdown flag and tracker state.
func TestHandler_PostTestAction_Reset(t *testing.T) {
	handler := newTestHandler(t, &mockFactClient{})
	health.SetShuttingDown(true)
	health.RecordErrorN(3)

	req := httptest.NewRequest("POST", "/test/reset", nil)
	w := httptest.NewRecorder()

	router := mux.NewRouter()
	router.HandleFunc("/test/{action}", handler.PostTestAction)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("PostTestAction() status = %d, want %d", w.Code, http.StatusOK)
	}
	if health.IsShuttingDown() {
		t.Error("IsShuttingDown() = true after reset, want false")
	}
	if got := health.RequestCount(time.Minute); got != 0 {
		t.Errorf("RequestCount() = %d after reset, want 0", got)
	}
}
