// Package circuitbreaker implements the three-state failure isolator
// protecting the new generation engine: closed (normal), open (new
// engine denied), half_open (probing: the new engine is allowed and the
// next recorded success or failure closes or reopens it). Unlike a
// simple consecutive-failure counter, trips are driven by a sliding
// window of timestamped error events that age out on their own.
package circuitbreaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/migrator/internal/clock"
)

// Phase is one of the three breaker states.
type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

// ErrorEvent is one timestamped failure recorded within the sliding
// window.
type ErrorEvent struct {
	Timestamp time.Time
	Summary   string
}

// Snapshot is a point-in-time, copied view of breaker state, safe to
// retain after the call that produced it.
type Snapshot struct {
	Phase        Phase
	ErrorEvents  []ErrorEvent
	OpenedAt     *time.Time
	LastProbeAt  *time.Time

	TotalRequests  int64
	TotalFailures  int64
	TotalSuccesses int64
	TotalRejected  int64
}

// Breaker is the sliding-window circuit breaker. All mutation is
// serialized by mu; RecordSuccess, RecordFailure, and AllowNewEngine are
// safe to call concurrently with each other.
type Breaker struct {
	mu sync.Mutex

	clock clock.Clock

	phase       Phase
	errorEvents []ErrorEvent
	openedAt    *time.Time
	lastProbeAt *time.Time

	errorThreshold  int
	errorWindow     time.Duration
	recoveryTimeout time.Duration

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// maxErrorEventsFactor bounds error_events to errorThreshold*4 so the
// slice never grows unboundedly under sustained failure even before the
// window has a chance to prune it.
const maxErrorEventsFactor = 4

// New constructs a Breaker. errorThreshold must be positive; it is the
// number of events within errorWindow that trips the breaker from
// closed to open.
func New(clk clock.Clock, errorThreshold int, errorWindow, recoveryTimeout time.Duration) (*Breaker, error) {
	if errorThreshold <= 0 {
		return nil, fmt.Errorf("circuitbreaker: error_threshold must be positive, got %d", errorThreshold)
	}
	if errorWindow <= 0 {
		return nil, fmt.Errorf("circuitbreaker: error_window must be positive, got %s", errorWindow)
	}
	if recoveryTimeout <= 0 {
		return nil, fmt.Errorf("circuitbreaker: recovery_timeout must be positive, got %s", recoveryTimeout)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Breaker{
		clock:           clk,
		phase:           PhaseClosed,
		errorThreshold:  errorThreshold,
		errorWindow:     errorWindow,
		recoveryTimeout: recoveryTimeout,
	}, nil
}

// RecordSuccess handles a successful new-engine execution. In half_open
// it closes the breaker and clears events (first probe success); in
// closed it is a no-op beyond metrics.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	if b.phase == PhaseHalfOpen {
		b.phase = PhaseClosed
		b.errorEvents = nil
		b.openedAt = nil
		b.lastProbeAt = nil
	}
}

// RecordFailure appends a new error event, prunes events outside
// errorWindow, and trips the breaker if the threshold is crossed while
// closed. A failure observed while half_open immediately reopens it.
func (b *Breaker) RecordFailure(errorSummary string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)
	now := b.clock.Now()

	b.errorEvents = append(b.errorEvents, ErrorEvent{Timestamp: now, Summary: errorSummary})
	b.errorEvents = pruneWindow(b.errorEvents, now, b.errorWindow)
	if max := b.errorThreshold * maxErrorEventsFactor; len(b.errorEvents) > max {
		b.errorEvents = b.errorEvents[len(b.errorEvents)-max:]
	}

	switch b.phase {
	case PhaseClosed:
		if len(b.errorEvents) >= b.errorThreshold {
			b.phase = PhaseOpen
			opened := now
			b.openedAt = &opened
		}
	case PhaseHalfOpen:
		b.phase = PhaseOpen
		opened := now
		b.openedAt = &opened
		b.lastProbeAt = nil
	}
}

// pruneWindow drops events older than window relative to now, preserving
// order.
func pruneWindow(events []ErrorEvent, now time.Time, window time.Duration) []ErrorEvent {
	cut := 0
	for cut < len(events) && now.Sub(events[cut].Timestamp) > window {
		cut++
	}
	if cut == 0 {
		return events
	}
	return append([]ErrorEvent(nil), events[cut:]...)
}

// AllowNewEngine reports whether a request may be routed to the new
// engine. In open, it transitions to half_open and returns true exactly
// once recoveryTimeout has elapsed since opening, with that very call
// serving as the probe.
func (b *Breaker) AllowNewEngine() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.phase {
	case PhaseClosed:
		return true

	case PhaseOpen:
		now := b.clock.Now()
		if b.openedAt != nil && now.Sub(*b.openedAt) >= b.recoveryTimeout {
			b.phase = PhaseHalfOpen
			probe := now
			b.lastProbeAt = &probe
			return true
		}
		b.totalRejected.Add(1)
		return false

	case PhaseHalfOpen:
		return true

	default:
		b.totalRejected.Add(1)
		return false
	}
}

// ForceOpen unconditionally opens the breaker, used by the rollback
// manager so an override-to-new is still denied during rollback.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = PhaseOpen
	opened := b.clock.Now()
	b.openedAt = &opened
}

// Reset returns the breaker to closed with no recorded events.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = PhaseClosed
	b.errorEvents = nil
	b.openedAt = nil
	b.lastProbeAt = nil
}

// Phase returns the current phase without a full snapshot copy.
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Snapshot returns a copied, point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := append([]ErrorEvent(nil), b.errorEvents...)
	var opened, probe *time.Time
	if b.openedAt != nil {
		t := *b.openedAt
		opened = &t
	}
	if b.lastProbeAt != nil {
		t := *b.lastProbeAt
		probe = &t
	}

	return Snapshot{
		Phase:          b.phase,
		ErrorEvents:    events,
		OpenedAt:       opened,
		LastProbeAt:    probe,
		TotalRequests:  b.totalRequests.Load(),
		TotalFailures:  b.totalFailures.Load(),
		TotalSuccesses: b.totalSuccesses.Load(),
		TotalRejected:  b.totalRejected.Load(),
	}
}

// RestoreOpened reopens the breaker at a known opened_at time, used by
// the controller when rehydrating from a persisted snapshot whose phase
// was open.
func (b *Breaker) RestoreOpened(openedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = PhaseOpen
	t := openedAt
	b.openedAt = &t
}
