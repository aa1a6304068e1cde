// internal/status/tracker.go
package status

import (
	"sync"
	"time"
)

// Tracker owns the link health of one inverter.
// Poll outcomes drive Health and LastErrorCode; SecondsInError only
// advances on Tick.
type Tracker struct {
	mu sync.Mutex

	snap   Snapshot
	lastOK time.Time

	staleAfter time.Duration
}

// NewTracker starts in HealthUnknown. A non-zero staleAfter turns OK into
// Stale when no cycle succeeded for that long.
func NewTracker(staleAfter time.Duration) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Health:         HealthUnknown,
			LastErrorCode:  CodeNone,
			SecondsInError: 0,
		},
		staleAfter: staleAfter,
	}
}

// Observe records one poll cycle outcome and reports whether the snapshot changed.
func (t *Tracker) Observe(err error, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.snap

	if err == nil {
		// Recovery / OK
		t.lastOK = at
		t.snap.Health = HealthOK
		// Reset last error code and seconds-in-error when healthy.
		t.snap.LastErrorCode = CodeNone
		t.snap.SecondsInError = 0
	} else {
		t.snap.Health = HealthError
		t.snap.LastErrorCode = ErrorCode(err)
		// NOTE: seconds_in_error increments on Tick only.
	}

	return prev != t.snap
}

// Tick advances the 1 Hz clock and reports whether the snapshot changed.
func (t *Tracker) Tick(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.snap

	if t.snap.Health == HealthOK && t.staleAfter > 0 && now.Sub(t.lastOK) > t.staleAfter {
		t.snap.Health = HealthStale
	}

	// Tick while not OK; never wrap.
	if t.snap.Health != HealthOK && t.snap.SecondsInError < 65535 {
		t.snap.SecondsInError++
	}

	return prev != t.snap
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}
