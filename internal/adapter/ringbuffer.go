package adapter

import (
	"sync"

	"github.com/wudi/migrator/internal/migration"
)

// sampleRing is a fixed-capacity circular buffer of PerformanceSample,
// generalizing the single-duration latency ring used elsewhere in this
// codebase family to the richer sample the migration adapter records.
type sampleRing struct {
	mu      sync.Mutex
	samples []migration.PerformanceSample
	cap     int
	pos     int
	count   int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{
		samples: make([]migration.PerformanceSample, capacity),
		cap:     capacity,
	}
}

func (r *sampleRing) Add(s migration.PerformanceSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.pos] = s
	r.pos = (r.pos + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

// Snapshot returns a copy of the active samples in insertion order
// (oldest first).
func (r *sampleRing) Snapshot() []migration.PerformanceSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]migration.PerformanceSample, r.count)
	if r.count < r.cap {
		copy(out, r.samples[:r.count])
		return out
	}
	// Full ring: oldest sample is at r.pos.
	n := copy(out, r.samples[r.pos:])
	copy(out[n:], r.samples[:r.pos])
	return out
}

func (r *sampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
