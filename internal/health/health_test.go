package health

import (
	"sync"
	"testing"
	"time"
)

// TestTracker_Counts verifies outcome counting within the window.
func TestTracker_Counts(t *testing.T) {
	var tracker Tracker

	tracker.Record(OutcomeSuccess)
	tracker.Record(OutcomeSuccess)
	tracker.Record(OutcomeError)
	tracker.Record(OutcomeDenied)

	successes, errors, denials := tracker.Counts(time.Minute)
	if successes != 2 {
		t.Errorf("successes = %d, want 2", successes)
	}
	if errors != 1 {
		t.Errorf("errors = %d, want 1", errors)
	}
	if denials != 1 {
		t.Errorf("denials = %d, want 1", denials)
	}
}

// TestTracker_RecordN verifies batch recording.
func TestTracker_RecordN(t *testing.T) {
	var tracker Tracker

	tracker.RecordN(OutcomeSuccess, 10)
	tracker.RecordN(OutcomeError, 3)
	tracker.RecordN(OutcomeError, 0)
	tracker.RecordN(OutcomeError, -5)

	if got := tracker.RequestCount(time.Minute); got != 13 {
		t.Errorf("RequestCount() = %d, want 13 (non-positive n is a no-op)", got)
	}
	errs, total := tracker.ErrorRate(time.Minute)
	if errs != 3 {
		t.Errorf("errors = %d, want 3", errs)
	}
	if total != 13 {
		t.Errorf("total = %d, want 13", total)
	}
}

// TestTracker_RequestCount_IncludesDenials verifies that denials count toward
// total traffic volume but not toward the error rate denominator.
func TestTracker_RequestCount_IncludesDenials(t *testing.T) {
	var tracker Tracker

	tracker.Record(OutcomeSuccess)
	tracker.Record(OutcomeDenied)
	tracker.Record(OutcomeDenied)

	if got := tracker.RequestCount(time.Minute); got != 3 {
		t.Errorf("RequestCount() = %d, want 3", got)
	}
	if got := tracker.DenialCount(time.Minute); got != 2 {
		t.Errorf("DenialCount() = %d, want 2", got)
	}
	_, total := tracker.ErrorRate(time.Minute)
	if total != 1 {
		t.Errorf("ErrorRate total = %d, want 1 (denials excluded)", total)
	}
}

// TestTracker_WindowExcludesOldEvents verifies events outside the queried
// window are not counted.
func TestTracker_WindowExcludesOldEvents(t *testing.T) {
	var tracker Tracker

	tracker.Record(OutcomeSuccess)
	time.Sleep(30 * time.Millisecond)

	if got := tracker.RequestCount(10 * time.Millisecond); got != 0 {
		t.Errorf("RequestCount(10ms) = %d, want 0 for aged event", got)
	}
	if got := tracker.RequestCount(time.Minute); got != 1 {
		t.Errorf("RequestCount(1m) = %d, want 1", got)
	}
}

// TestTracker_Reset verifies Reset clears all state.
func TestTracker_Reset(t *testing.T) {
	var tracker Tracker

	tracker.RecordN(OutcomeSuccess, 5)
	tracker.RecordN(OutcomeError, 5)
	tracker.Reset()

	if got := tracker.RequestCount(time.Minute); got != 0 {
		t.Errorf("RequestCount() = %d after Reset, want 0", got)
	}
}

// TestTracker_ConcurrentRecording exercises the tracker from many goroutines.
// Run with -race.
func TestTracker_ConcurrentRecording(t *testing.T) {
	var tracker Tracker
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			switch n % 3 {
			case 0:
				tracker.Record(OutcomeSuccess)
			case 1:
				tracker.Record(OutcomeError)
			case 2:
				tracker.Record(OutcomeDenied)
			}
			tracker.Counts(time.Minute)
		}(i)
	}
	wg.Wait()

	if got := tracker.RequestCount(time.Minute); got != 50 {
		t.Errorf("RequestCount() = %d, want 50", got)
	}
}

// TestPackageLevelTracker verifies the process-wide helpers share one tracker.
func TestPackageLevelTracker(t *testing.T) {
	Reset()
	defer Reset()

	RecordSuccess()
	RecordError()
	RecordDenied()
	RecordSuccessN(2)
	RecordErrorN(2)

	if got := RequestCount(time.Minute); got != 7 {
		t.Errorf("RequestCount() = %d, want 7", got)
	}
	if got := DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
	errs, total := ErrorRate(time.Minute)
	if errs != 3 {
		t.Errorf("errors = %d, want 3", errs)
	}
	if total != 6 {
		t.Errorf("total = %d, want 6 (denials excluded)", total)
	}
}

// TestShuttingDownFlag verifies the shutdown flag toggles.
func TestShuttingDownFlag(t *testing.T) {
	if IsShuttingDown() {
		t.Fatal("IsShuttingDown() = true initially, want false")
	}

	SetShuttingDown(true)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after set, want true")
	}

	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("IsShuttingDown() = true after clear, want false")
	}
}
