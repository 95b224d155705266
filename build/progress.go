package build

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// progressScale is the fixed-point denominator for the tracker's atomic
// counter: 1.0 of total progress equals progressScale units.
const progressScale = 1 << 20

// Tracker accumulates build progress as fractions of a whole. Allocations
// form a tree whose fractions sum to 1; completing units performs a single
// atomic add, and a throttled emitter reports the running total.
type Tracker struct {
	progress atomic.Int64
	logger   *logrus.Entry

	mu       sync.Mutex
	lastEmit time.Time
	interval time.Duration
}

// NewTracker returns a tracker emitting through logger at most every
// interval.
func NewTracker(logger *logrus.Entry, interval time.Duration) *Tracker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Tracker{logger: logger, interval: interval}
}

// Root opens the top-level allocation covering the whole build.
func (t *Tracker) Root(description string, units int64) *Allocation {
	return &Allocation{
		tracker:        t,
		description:    description,
		units:          units,
		fractionOfRoot: 1.0,
	}
}

// Fraction returns the completed share of the build in [0, 1].
func (t *Tracker) Fraction() float64 {
	return float64(t.progress.Load()) / progressScale
}

func (t *Tracker) add(units int64, perUnit float64, description string) {
	t.progress.Add(int64(perUnit * float64(units) * progressScale))
	t.maybeEmit(description)
}

func (t *Tracker) maybeEmit(description string) {
	t.mu.Lock()
	now := time.Now()
	emit := now.Sub(t.lastEmit) >= t.interval
	if emit {
		t.lastEmit = now
	}
	t.mu.Unlock()

	if emit {
		t.logger.WithField("progress", t.Fraction()).Info(description)
	}
}

// Allocation is a node in the progress tree. Its units partition the
// node's share of the build; child allocations subdivide one unit each
// unless given an explicit count.
type Allocation struct {
	tracker        *Tracker
	description    string
	units          int64
	fractionOfRoot float64
}

// Child carves a sub-allocation covering `share` of this allocation's
// units, split into the child's own `units`.
func (a *Allocation) Child(description string, share, units int64) *Allocation {
	if units <= 0 {
		units = 1
	}
	return &Allocation{
		tracker:        a.tracker,
		description:    description,
		units:          units,
		fractionOfRoot: a.fractionOfRoot * float64(share) / float64(a.units),
	}
}

// Done marks n of this allocation's units complete.
func (a *Allocation) Done(n int64) {
	if a == nil || n <= 0 {
		return
	}
	a.tracker.add(n, a.fractionOfRoot/float64(a.units), a.description)
}
