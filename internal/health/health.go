package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// Outcome classifies a recorded request event.
type Outcome int

const (
	// OutcomeSuccess is a request that completed successfully.
	OutcomeSuccess Outcome = iota
	// OutcomeError is a request that failed (upstream error, timeout, etc.).
	OutcomeError
	// OutcomeDenied is a request rejected by the rate limiter (429).
	OutcomeDenied
)

// maxEventAge bounds tracker memory; events older than this are pruned on write.
const maxEventAge = 30 * time.Minute

type event struct {
	at   time.Time
	kind Outcome
}

// Tracker maintains a sliding window of request outcomes. It is the single
// source of truth for overload (request/denial counts), degraded (error rate)
// and idle (traffic volume) health decisions.
type Tracker struct {
	mu     sync.Mutex
	events []event
}

// Record records a single outcome at the current time.
func (t *Tracker) Record(kind Outcome) {
	t.RecordN(kind, 1)
}

// RecordN records n outcomes of the same kind atomically. Used by the
// testing-mode endpoints for synthetic load and error injection.
func (t *Tracker) RecordN(kind Outcome, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for i := 0; i < n; i++ {
		t.events = append(t.events, event{at: now, kind: kind})
	}
	t.pruneLocked(now)
}

// Counts returns the number of successes, errors and denials within the
// window ending at now.
func (t *Tracker) Counts(window time.Duration) (successes, errors, denials int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for _, e := range t.events {
		if e.at.Before(cutoff) {
			continue
		}
		switch e.kind {
		case OutcomeSuccess:
			successes++
		case OutcomeError:
			errors++
		case OutcomeDenied:
			denials++
		}
	}
	return successes, errors, denials
}

// RequestCount returns the total number of outcomes (success + error + denied)
// within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	s, e, d := t.Counts(window)
	return s + e + d
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	_, _, d := t.Counts(window)
	return d
}

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount = successes + errors; denials are excluded.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	s, e, _ := t.Counts(window)
	return e, s + e
}

// Reset clears all recorded outcomes. For tests and the testing-mode
// reset action only.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// pruneLocked drops events older than maxEventAge. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxEventAge)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}

var defaultTracker Tracker

// RecordSuccess records a successful fact request on the process-wide tracker.
func RecordSuccess() { defaultTracker.Record(OutcomeSuccess) }

// RecordError records a failed fact request on the process-wide tracker.
func RecordError() { defaultTracker.Record(OutcomeError) }

// RecordDenied records a rate-limit denial (429) on the process-wide tracker.
func RecordDenied() { defaultTracker.Record(OutcomeDenied) }

// RecordSuccessN records n successful outcomes. For synthetic load injection.
func RecordSuccessN(n int) { defaultTracker.RecordN(OutcomeSuccess, n) }

// RecordErrorN records n error outcomes. For synthetic error injection.
func RecordErrorN(n int) { defaultTracker.RecordN(OutcomeError, n) }

// RequestCount returns total outcomes within the window on the process-wide tracker.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns denials within the window on the process-wide tracker.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errors, total) within the window on the process-wide tracker.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the process-wide tracker. For tests only.
func Reset() { defaultTracker.Reset() }

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// The health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not
// receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
