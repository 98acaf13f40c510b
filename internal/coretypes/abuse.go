package coretypes

import (
	"sync"
	"time"
)

// AbuseLedgerCap is the fixed FIFO capacity from spec.md §3: "Fixed-capacity
// FIFO of recent failure instants (cap 29)."
const AbuseLedgerCap = 29

// AbuseWindow is the sliding window used to decide whether a full ledger
// trips a suspension (spec.md §3, §4.4: "30-in-60s per tenant").
const AbuseWindow = 60 * time.Second

// AbuseLedger is a per-tenant, single-writer sliding-window record of
// recent failed platform calls (401/403/429 responses). It never needs a
// lock against other tenants — each Tenant owns exactly one — but the
// Gateway's shared worker threadpool can still touch it from more than one
// goroutine for the same tenant when ops fan out within one dispatch, so it
// guards itself.
type AbuseLedger struct {
	mu      sync.Mutex
	cap     int
	window  time.Duration
	entries []time.Time // ring buffer, oldest at index 0 after Record
}

// NewAbuseLedger returns an empty ledger with the default cap and window.
func NewAbuseLedger() *AbuseLedger {
	return NewAbuseLedgerSized(AbuseLedgerCap, AbuseWindow)
}

// NewAbuseLedgerSized returns an empty ledger with configured thresholds
// (spec.md §6's abuse window/cap configuration surface). Non-positive
// values fall back to the defaults.
func NewAbuseLedgerSized(capacity int, window time.Duration) *AbuseLedger {
	if capacity <= 0 {
		capacity = AbuseLedgerCap
	}
	if window <= 0 {
		window = AbuseWindow
	}
	return &AbuseLedger{cap: capacity, window: window, entries: make([]time.Time, 0, capacity)}
}

// Record appends a failure instant, evicting the oldest entry once the
// ledger is at capacity, and reports whether the tenant should now be
// suspended: the ledger is full and its oldest entry is within the last
// AbuseWindow (spec.md §3 invariant).
func (l *AbuseLedger) Record(at time.Time) (tripped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == l.cap {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, at)

	if len(l.entries) == l.cap && at.Sub(l.entries[0]) < l.window {
		return true
	}
	return false
}

// Len returns the current number of recorded failures, for tests and
// metrics.
func (l *AbuseLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Oldest returns the oldest recorded failure instant, or the zero time if
// the ledger is empty.
func (l *AbuseLedger) Oldest() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return time.Time{}
	}
	return l.entries[0]
}
