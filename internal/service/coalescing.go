package service

import (
	"context"
	"sync"
	"time"

	"github.com/kbuckler/fact-service/internal/models"
)

// inFlightRequest tracks a single upstream request that multiple callers may wait for.
type inFlightRequest struct {
	mu      sync.Mutex
	result  models.Fact
	err     error
	done    bool
	waiters []chan struct{} // Channels to notify waiters when result is ready
}

// requestCoalescer prevents cache stampede by coalescing concurrent requests for the same key.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

// newRequestCoalescer creates a new requestCoalescer with the specified timeout.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo checks if a request for key is already in-flight. If yes, waits for
// its result. If no, executes fn and registers the request. Returns the
// result or error. Respects context cancellation and timeout to prevent
// indefinite blocking.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.Fact, error)) (models.Fact, error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if exists {
		rc.mu.Unlock()
		return rc.wait(ctx, req)
	}

	// No existing request - register one and run fn in a goroutine so this
	// caller can still honor its context deadline.
	req = &inFlightRequest{}
	rc.inFlight[key] = req
	rc.mu.Unlock()

	go func() {
		result, err := fn()

		req.mu.Lock()
		req.result = result
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}

		rc.cleanup(key)
	}()

	return rc.wait(ctx, req)
}

// wait blocks until req completes, the coalesce timeout elapses, or ctx is done.
func (rc *requestCoalescer) wait(ctx context.Context, req *inFlightRequest) (models.Fact, error) {
	req.mu.Lock()
	if req.done {
		result := req.result
		err := req.err
		req.mu.Unlock()
		if err != nil {
			return models.Fact{}, err
		}
		return result, nil
	}
	notify := make(chan struct{})
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		result := req.result
		err := req.err
		req.mu.Unlock()
		if err != nil {
			return models.Fact{}, err
		}
		return result, nil
	case <-waitCtx.Done():
		return models.Fact{}, waitCtx.Err()
	}
}

// cleanup removes the in-flight request for key. Must be called after request completes.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
