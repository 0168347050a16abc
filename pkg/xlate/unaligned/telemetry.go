// Package unaligned implements an unaligned/split-lock atomic fault
// handler: decode-and-emulate paths triggered by a host SIGBUS on a
// misaligned LR/SC (RISC-V) or equivalent locked access (AArch64), plus
// telemetry counters for each fault category.
package unaligned

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Category classifies one emulated unaligned-atomic fault, matching the
// decision tree below and the telemetry counter names it's grounded on.
type Category int

// Fault categories. Names match the telemetry counters the decision tree
// is grounded on: the aligned load fast path records no count (aligned
// stores do record CategoryAligned, though Snapshot does not report it),
// and SplitLock and SplitLock16B mirror the two degraded paths.
const (
	// CategoryAligned is a 4-byte access that fits within its 8-byte
	// aligned word: resolved via a 64-bit atomic load at the
	// 8-byte-aligned base, shifting out the requested lane (loads), or a
	// fenced non-atomic store (stores).
	CategoryAligned Category = iota
	// CategorySplitLock16B is a 4-byte access that crosses an 8-byte
	// boundary but fits within a 16-byte window: a fenced non-atomic
	// access, since no 128-bit atomic primitive is used here.
	CategorySplitLock16B
	// CategorySplitLock is a 4-byte access crossing the 16-byte window:
	// a fenced non-atomic access with full rw,rw/r,rw fencing.
	CategorySplitLock
	// CategoryWideAtomic is a CategorySplitLock16B access resolved by a
	// host capable of a native 128-bit atomic (HostCapabilities.
	// SupportsAtomics128): no fence is needed since the wider atomic
	// covers both halves of the access directly.
	CategoryWideAtomic
)

func (c Category) String() string {
	switch c {
	case CategoryAligned:
		return "Aligned"
	case CategorySplitLock16B:
		return "SplitLock16B"
	case CategorySplitLock:
		return "SplitLock"
	case CategoryWideAtomic:
		return "WideAtomic"
	default:
		return "Unknown"
	}
}

// Telemetry counts emulated faults by category, logging each increment
// through a rate limiter so a tight loop of unaligned accesses doesn't
// flood the log. All methods are safe for concurrent use: dump-state
// reads a Snapshot from a debug-socket goroutine while the dispatcher's
// own goroutine may be recording faults.
type Telemetry struct {
	mu           sync.Mutex
	counts       map[Category]uint64
	fencedLoads  uint64
	fencedStores uint64
	limiter      *rate.Limiter
	log          *logrus.Entry
}

// NewTelemetry constructs a Telemetry that logs at most one line per
// interval; the limiter is shared by all categories.
func NewTelemetry(log *logrus.Entry, interval time.Duration) *Telemetry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Telemetry{
		counts:  make(map[Category]uint64),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     log.WithField("component", "unaligned_telemetry"),
	}
}

// Record increments category's counter and, if the rate limiter allows
// it, logs the running total.
func (t *Telemetry) Record(category Category) {
	t.mu.Lock()
	t.counts[category]++
	count := t.counts[category]
	t.mu.Unlock()
	if t.limiter.Allow() {
		t.log.WithField("category", category.String()).WithField("count", count).Debug("unaligned atomic emulated")
	}
}

// Count returns the running total for category.
func (t *Telemetry) Count(category Category) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[category]
}

// RecordFencedLoad counts one load resolved through LoadFence32 rather
// than the aligned fast path's AtomicLoad64.
func (t *Telemetry) RecordFencedLoad() {
	t.mu.Lock()
	t.fencedLoads++
	t.mu.Unlock()
}

// RecordFencedStore counts one store resolved through StoreFence32. Every
// EmulateStore32 call fences, so this runs on every category including
// CategoryAligned.
func (t *Telemetry) RecordFencedStore() {
	t.mu.Lock()
	t.fencedStores++
	t.mu.Unlock()
}

// Snapshot returns the running totals keyed by the counter names
// dump-state reports: SplitLock16B and SplitLockWindow mirror
// CategorySplitLock16B/CategorySplitLock, and FencedLoad/FencedStore
// count the orthogonal fenced-vs-atomic axis those categories drive.
func (t *Telemetry) Snapshot() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]uint64{
		"SplitLock16B":    t.counts[CategorySplitLock16B],
		"SplitLockWindow": t.counts[CategorySplitLock],
		"FencedLoad":      t.fencedLoads,
		"FencedStore":     t.fencedStores,
	}
}
