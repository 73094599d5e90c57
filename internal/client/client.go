package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kbuckler/fact-service/internal/circuitbreaker"
	"github.com/kbuckler/fact-service/internal/models"
	"github.com/kbuckler/fact-service/internal/observability"
)

// FactClient fetches facts from an upstream provider. The production
// implementation calls a third-party HTTP API; tests substitute a mock with
// pre-programmed responses.
type FactClient interface {
	GetRandomFact(ctx context.Context, category string) (models.Fact, error)
	Ping(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrCategoryNotFound = errors.New("category not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
)

// ChuckNorrisClient calls a chucknorris.io-style facts API. The API key is
// optional; when set it is sent as an X-Api-Key header for providers that
// require one.
type ChuckNorrisClient struct {
	apiKey         string
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewChuckNorrisClient creates a client with default retry settings.
func NewChuckNorrisClient(apiKey, apiURL string, timeout time.Duration) (*ChuckNorrisClient, error) {
	return NewChuckNorrisClientWithRetry(apiKey, apiURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewChuckNorrisClientWithRetry creates a client with explicit retry settings.
func NewChuckNorrisClientWithRetry(apiKey, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*ChuckNorrisClient, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("%w: API URL is required", ErrUpstreamFailure)
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	return &ChuckNorrisClient{
		apiKey:         apiKey,
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker wraps upstream calls in the given breaker. Call before
// serving traffic; not safe to swap concurrently with requests.
func (c *ChuckNorrisClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type factAPIResponse struct {
	Value      string   `json:"value"`
	Categories []string `json:"categories"`
}

// GetRandomFact fetches a fact from the upstream API, retrying retryable
// failures with exponential backoff and jitter. category may be empty for an
// uncategorized fact. The returned Fact's text is forwarded exactly as the
// upstream provided it, including when empty.
func (c *ChuckNorrisClient) GetRandomFact(ctx context.Context, category string) (models.Fact, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.FactAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.Fact{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.fetch(ctx, category)
		if err == nil {
			return result, nil
		}

		lastErr = err
		observability.FactAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		if !c.isRetryable(err) {
			return models.Fact{}, err
		}
	}

	return models.Fact{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// fetch runs one upstream call, through the circuit breaker when configured.
func (c *ChuckNorrisClient) fetch(ctx context.Context, category string) (models.Fact, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, category)
	}
	var result models.Fact
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		result, callErr = c.callAPI(ctx, category)
		return callErr
	})
	if err != nil {
		return models.Fact{}, err
	}
	return result, nil
}

func (c *ChuckNorrisClient) callAPI(ctx context.Context, category string) (models.Fact, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, category)
	if err != nil {
		observability.FactAPICallsTotal.WithLabelValues("error").Inc()
		return models.Fact{}, fmt.Errorf("build request: %w", err)
	}

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.FactAPICallsTotal.WithLabelValues("error").Inc()
		observability.FactAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.Fact{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.Fact{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.FactAPICallsTotal.WithLabelValues(status).Inc()
	observability.FactAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return models.Fact{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Fact{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp factAPIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.Fact{}, fmt.Errorf("parse response: %w", err)
	}

	return c.mapResponse(apiResp, category), nil
}

func (c *ChuckNorrisClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "context canceled") {
		return true
	}

	return false
}

func (c *ChuckNorrisClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *ChuckNorrisClient) buildRequest(ctx context.Context, category string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	if category != "" {
		params := baseURL.Query()
		params.Set("category", category)
		baseURL.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	return req, nil
}

func (c *ChuckNorrisClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrCategoryNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func (c *ChuckNorrisClient) mapResponse(apiResp factAPIResponse, category string) models.Fact {
	cat := strings.ToLower(strings.TrimSpace(category))
	if cat == "" && len(apiResp.Categories) > 0 {
		cat = apiResp.Categories[0]
	}

	return models.Fact{
		Fact:      apiResp.Value,
		Category:  cat,
		Timestamp: time.Now(),
	}
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// Ping checks upstream reachability with a single uncategorized request.
// Used by the health handler; bypasses retries and the circuit breaker.
func (c *ChuckNorrisClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, "")
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: API key rejected", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
