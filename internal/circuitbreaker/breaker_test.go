package circuitbreaker

import (
	"testing"
	"time"

	"github.com/wudi/migrator/internal/clock"
)

func TestNewRejectsZeroThreshold(t *testing.T) {
	_, err := New(clock.NewFixed(time.Unix(0, 0)), 0, time.Second, time.Second)
	if err == nil {
		t.Fatal("expected error for zero error_threshold")
	}
}

func TestClosedToOpenOnThreshold(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, err := New(clk, 3, 10*time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	b.RecordFailure("boom")
	b.RecordFailure("boom")
	if b.Phase() != PhaseClosed {
		t.Errorf("expected closed after 2 failures, got %s", b.Phase())
	}

	b.RecordFailure("boom")
	if b.Phase() != PhaseOpen {
		t.Errorf("expected open after 3 failures, got %s", b.Phase())
	}
}

func TestOpenRejectsBeforeRecoveryTimeout(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, _ := New(clk, 1, 10*time.Second, 5*time.Second)

	b.RecordFailure("boom")
	if allowed := b.AllowNewEngine(); allowed {
		t.Fatal("expected rejection immediately after trip")
	}
}

func TestOpenToHalfOpenAfterRecoveryTimeout(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, _ := New(clk, 1, 10*time.Second, 50*time.Millisecond)

	b.RecordFailure("boom")
	clk.Advance(60 * time.Millisecond)

	if allowed := b.AllowNewEngine(); !allowed {
		t.Fatal("expected probe to be allowed after recovery timeout")
	}
	if b.Phase() != PhaseHalfOpen {
		t.Errorf("expected half_open, got %s", b.Phase())
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, _ := New(clk, 1, 10*time.Second, 50*time.Millisecond)

	b.RecordFailure("boom")
	clk.Advance(60 * time.Millisecond)
	b.AllowNewEngine() // transitions to half_open, this call is the probe

	b.RecordSuccess()

	snap := b.Snapshot()
	if snap.Phase != PhaseClosed {
		t.Errorf("expected closed after probe success, got %s", snap.Phase)
	}
	if len(snap.ErrorEvents) != 0 {
		t.Errorf("expected error events cleared, got %d", len(snap.ErrorEvents))
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, _ := New(clk, 1, 10*time.Second, 50*time.Millisecond)

	b.RecordFailure("boom")
	clk.Advance(60 * time.Millisecond)
	b.AllowNewEngine()

	firstOpenedAt := b.Snapshot().OpenedAt

	b.RecordFailure("boom again")

	snap := b.Snapshot()
	if snap.Phase != PhaseOpen {
		t.Errorf("expected open after probe failure, got %s", snap.Phase)
	}
	if snap.OpenedAt == nil || !snap.OpenedAt.After(*firstOpenedAt) {
		t.Error("expected a new opened_at on reopen")
	}
}

func TestWindowPruning(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, _ := New(clk, 10, 5*time.Second, time.Second)

	b.RecordFailure("old")
	clk.Advance(6 * time.Second)
	b.RecordFailure("new")

	snap := b.Snapshot()
	if len(snap.ErrorEvents) != 1 {
		t.Fatalf("expected only the recent event to survive pruning, got %d", len(snap.ErrorEvents))
	}
	if snap.ErrorEvents[0].Summary != "new" {
		t.Errorf("expected surviving event to be 'new', got %q", snap.ErrorEvents[0].Summary)
	}
}

func TestErrorEventsBoundedFactor(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, _ := New(clk, 2, time.Hour, time.Second)

	// error_threshold=2 trips after 2 failures; each trip is followed by
	// Reset, which closes the breaker and clears its events before
	// recording continues.
	for i := 0; i < 20; i++ {
		b.RecordFailure("boom")
		if b.Phase() == PhaseOpen {
			b.Reset()
		}
	}

	snap := b.Snapshot()
	if len(snap.ErrorEvents) > 2*maxErrorEventsFactor {
		t.Errorf("expected error_events bounded to threshold*%d, got %d", maxErrorEventsFactor, len(snap.ErrorEvents))
	}
}

func TestForceOpenAndReset(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, _ := New(clk, 5, time.Second, time.Second)

	b.ForceOpen()
	if b.Phase() != PhaseOpen {
		t.Fatalf("expected open after ForceOpen, got %s", b.Phase())
	}

	b.Reset()
	snap := b.Snapshot()
	if snap.Phase != PhaseClosed {
		t.Errorf("expected closed after Reset, got %s", snap.Phase)
	}
	if len(snap.ErrorEvents) != 0 || snap.OpenedAt != nil {
		t.Error("expected Reset to clear events and opened_at")
	}
}

func TestBackwardClockToleratedOnFailure(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1000, 0))
	b, _ := New(clk, 2, time.Minute, time.Second)

	b.RecordFailure("first")
	clk.Set(time.Unix(500, 0)) // clock appears to move backward
	b.RecordFailure("second")

	snap := b.Snapshot()
	if len(snap.ErrorEvents) == 0 {
		t.Fatal("expected failure to still be recorded despite backward clock")
	}
}

func TestAllowNewEngineMetrics(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	b, _ := New(clk, 2, time.Second, 10*time.Second)

	b.RecordSuccess()
	b.RecordFailure("boom")
	b.RecordFailure("boom")
	// breaker now open; this call should be rejected
	b.AllowNewEngine()

	snap := b.Snapshot()
	if snap.TotalSuccesses != 1 {
		t.Errorf("expected 1 success, got %d", snap.TotalSuccesses)
	}
	if snap.TotalFailures != 2 {
		t.Errorf("expected 2 failures, got %d", snap.TotalFailures)
	}
	if snap.TotalRejected != 1 {
		t.Errorf("expected 1 rejected, got %d", snap.TotalRejected)
	}
}
