// Package badness implements the per-user, per-resource badness accumulator.
//
// A badness score is a number between 0 and 100 that represents how close a
// user's sustained usage is to a violation of the threshold-time policy. 0
// means usage never crossed the threshold (or has fully decayed since), 100
// means the policy has been violated on that resource. The sum of the
// per-resource numbers is the user's score; a score of 100 or more is a
// violation, whether it comes from one resource or from both together.
package badness

import (
	"fmt"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/usage"
)

// Badness is the accumulated score at a particular time.
type Badness struct {
	CPU float64
	Mem float64

	// UpdatedTS is the epoch of the last update
	UpdatedTS int64

	// StartOfBadTS is the epoch when the score first became nonzero since
	// it was last zero; 0 while the score is zero
	StartOfBadTS int64
}

// New returns a badness with the given scores, stamping StartOfBadTS iff the
// score is nonzero.
func New(cpu, mem float64, timestamp int64) Badness {
	b := Badness{CPU: cpu, Mem: mem, UpdatedTS: timestamp}
	if b.IsBad() {
		b.StartOfBadTS = timestamp
	}
	return b
}

// IsGood returns whether the badness is empty (all zeros).
func (b Badness) IsGood() bool {
	return b.CPU == 0 && b.Mem == 0
}

// IsBad returns whether the badness is nonzero.
func (b Badness) IsBad() bool {
	return !b.IsGood()
}

// Score returns the total badness score.
func (b Badness) Score() float64 {
	return b.CPU + b.Mem
}

// IsViolation returns whether the summed cpu and memory score has reached
// 100.
func (b Badness) IsViolation() bool {
	return b.Score() >= 100.0
}

// Expired returns whether the score is too stale to matter, e.g. for scores
// imported from the status store on startup.
func (b Badness) Expired(timeout int64, now time.Time) bool {
	return b.UpdatedTS+timeout < now.Unix()
}

// Reset zeroes the score.
func (b *Badness) Reset(now time.Time) {
	*b = Badness{UpdatedTS: now.Unix()}
}

func (b Badness) String() string {
	if b.IsGood() {
		return "cpu=0, mem=0"
	}
	since := time.Unix(b.StartOfBadTS, 0).Format(time.RFC3339)
	return fmt.Sprintf("cpu=%.2f, mem=%.2f since %s", b.CPU, b.Mem, since)
}

// Engine computes badness deltas from usage against quotas.
type Engine struct {
	cfg *config.Config
}

// NewEngine returns an engine bound to the given config.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// CalcDelta computes the per-resource change in badness for one refresh
// tick. Usage at or above threshold*quota accrues badness scaled so that
// usage exactly at the threshold reaches 100 in time_to_max_bad seconds;
// usage below it decays badness so that an idle user reaches 0 in
// time_to_min_bad seconds.
func (e *Engine) CalcDelta(u, quotas usage.Usage) usage.Usage {
	return usage.Usage{
		CPU: e.deltaFor(u.CPU, quotas.CPU, e.cfg.Badness.CPUBadnessThreshold),
		Mem: e.deltaFor(u.Mem, quotas.Mem, e.cfg.Badness.MemBadnessThreshold),
	}
}

func (e *Engine) deltaFor(used, quota, threshold float64) float64 {
	refresh := float64(e.cfg.General.ArbiterRefresh)
	maxIncrPerInterval := 100.0 / (e.cfg.Badness.TimeToMaxBad * threshold) * refresh
	maxDecrPerInterval := 100.0 / e.cfg.Badness.TimeToMinBad * refresh

	// Make scores consistent between debug and enforcing mode (where usage
	// cannot exceed the quota), or optionally shield against erroneous
	// accounting data by capping the usage at the quota.
	if e.cfg.General.DebugMode || e.cfg.Badness.CapBadnessIncr {
		used = min(used, quota)
	}

	relUsage := used / quota
	if relUsage >= threshold {
		return relUsage * maxIncrPerInterval
	}
	return (1 - relUsage) * -maxDecrPerInterval
}

// Update applies one tick's delta to the badness in place. Users in penalty
// accrue nothing: their quotas are already lowered, so measuring them against
// penalty quotas would keep them bad forever. Returns the applied delta.
func (e *Engine) Update(b *Badness, u, quotas usage.Usage, inPenalty bool, now time.Time) usage.Usage {
	delta := e.CalcDelta(u, quotas)
	if inPenalty {
		delta = usage.Usage{}
	}

	wasBad := b.IsBad()
	b.CPU = clamp(b.CPU + delta.CPU)
	b.Mem = clamp(b.Mem + delta.Mem)
	b.UpdatedTS = now.Unix()

	if wasBad && b.IsGood() {
		b.StartOfBadTS = 0
	} else if !wasBad && b.IsBad() {
		b.StartOfBadTS = b.UpdatedTS
	}
	if inPenalty {
		b.CPU, b.Mem = 0, 0
		b.StartOfBadTS = 0
	}
	return delta
}

func clamp(v float64) float64 {
	return min(100.0, max(0.0, v))
}
