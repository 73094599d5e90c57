package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream failed")

func failing() error { return errUpstream }
func succeeding() error { return nil }

// TestCircuitBreaker_OpensAfterFailureThreshold verifies the breaker opens
// once consecutive failures reach the threshold.
func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, failing); !errors.Is(err, errUpstream) {
			t.Fatalf("Call() error = %v, want errUpstream", err)
		}
	}

	if got := cb.State(); got != StateOpen {
		t.Errorf("State() = %v after %d failures, want open", got, 3)
	}
	if err := cb.Call(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("Call() error = %v while open, want ErrOpen", err)
	}
}

// TestCircuitBreaker_SuccessResetsFailureCount verifies intermittent
// successes keep the circuit closed.
func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	_ = cb.Call(ctx, failing)
	_ = cb.Call(ctx, succeeding)
	_ = cb.Call(ctx, failing)
	_ = cb.Call(ctx, failing)

	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (success reset the count)", got)
	}
}

// TestCircuitBreaker_HalfOpenProbeAfterCooldown verifies the breaker allows a
// probe after the cooldown and closes after enough probe successes.
func TestCircuitBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	time.Sleep(30 * time.Millisecond)

	// First probe succeeds: half-open, not yet closed
	if err := cb.Call(ctx, succeeding); err != nil {
		t.Fatalf("Call() probe error = %v, want nil", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Errorf("State() = %v after one probe success, want half_open", got)
	}

	// Second probe success closes the circuit
	if err := cb.Call(ctx, succeeding); err != nil {
		t.Fatalf("Call() probe error = %v, want nil", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v after success threshold, want closed", got)
	}
}

// TestCircuitBreaker_HalfOpenFailureReopens verifies a failed probe reopens
// the circuit immediately.
func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Call(ctx, failing)
	time.Sleep(30 * time.Millisecond)

	if err := cb.Call(ctx, failing); !errors.Is(err, errUpstream) {
		t.Fatalf("Call() probe error = %v, want errUpstream", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("State() = %v after failed probe, want open", got)
	}
	if err := cb.Call(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("Call() error = %v within cooldown, want ErrOpen", err)
	}
}

// TestCircuitBreaker_ContextCanceled verifies a canceled context short-circuits
// without invoking fn or counting a failure.
func TestCircuitBreaker_ContextCanceled(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Call(ctx, func() error {
		called = true
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn called with canceled context, want skipped")
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (context error is not a failure)", got)
	}
}

// TestCircuitBreaker_OnStateChange verifies state transitions fire the
// callback with from/to states.
func TestCircuitBreaker_OnStateChange(t *testing.T) {
	type transition struct{ from, to State }
	var transitions []transition

	cb := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         20 * time.Millisecond,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, transition{from, to})
		},
	})
	ctx := context.Background()

	_ = cb.Call(ctx, failing) // closed -> open
	time.Sleep(30 * time.Millisecond)
	_ = cb.Call(ctx, succeeding) // open -> half_open -> closed

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i, tr := range want {
		if transitions[i] != tr {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], tr)
		}
	}
}

// TestCircuitBreaker_Defaults verifies config defaults are applied.
func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := New(Config{})
	if cb.failureThreshold != 5 {
		t.Errorf("failureThreshold = %d, want 5", cb.failureThreshold)
	}
	if cb.successThreshold != 2 {
		t.Errorf("successThreshold = %d, want 2", cb.successThreshold)
	}
	if cb.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", cb.cooldown)
	}
}

// TestStateString verifies the metric label values for each state.
func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
