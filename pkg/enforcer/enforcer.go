// Package enforcer applies status group quotas to user cgroups. Writing a
// cpu quota is a single write; memory is messier because the kernel refuses
// limits below the cgroup's current RSS, so the enforcer scales toward the
// fallback until a write sticks.
package enforcer

import (
	"errors"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// memRetries is how many steps the memory limit takes from the aimed
	// value toward the fallback before giving up
	memRetries = 5

	// memRetryDelay is the pause between steps, giving the user's RSS a
	// moment to shrink under the pressure of the previous attempt
	memRetryDelay = 100 * time.Millisecond

	// eqFudge is the tolerance of the mostly-equal check: quotas within ±5%
	// of the target are left alone. The kernel rarely accepts an exact
	// lowered memory limit, and rewriting "close enough" values every tick
	// would ping-pong forever.
	eqFudge = 0.05
)

// ResultKind says how closely the write landed to what was asked for.
type ResultKind int

const (
	// Exact means the aimed quota was accepted
	Exact ResultKind = iota

	// Scaled means some value between aimed and fallback was accepted
	Scaled

	// FallbackOnly means only the fallback quota could be applied; the
	// penalty was not realized this tick
	FallbackOnly

	// Failed means neither aimed nor fallback wrote
	Failed

	// Skipped means the current quota was already mostly equal to the
	// target and nothing was written
	Skipped
)

func (k ResultKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Scaled:
		return "scaled"
	case FallbackOnly:
		return "fallback"
	case Failed:
		return "failed"
	default:
		return "skipped"
	}
}

// Result reports one user's enforcement outcome per resource.
type Result struct {
	CPU        ResultKind
	Mem        ResultKind
	WrittenMem float64
}

// QuotaAdapter is the slice of the cgroups adapter the enforcer writes
// through.
type QuotaAdapter interface {
	CPUQuota(t cgroups.Target) (float64, error)
	MemQuota(t cgroups.Target, memsw bool) (int64, error)
	SetCPUQuota(t cgroups.Target, pct float64) error
	SetMemQuota(t cgroups.Target, pct float64, memsw bool) error
	Facts() cgroups.Facts
}

// Enforcer writes quotas idempotently.
type Enforcer struct {
	adapter QuotaAdapter
	log     *logrus.Entry

	// Memsw mirrors processes.memsw: whether the combined memory+swap limit
	// is written alongside the main one
	Memsw bool

	// DebugMode suppresses every write
	DebugMode bool
}

// New returns an enforcer over the given adapter.
func New(adapter QuotaAdapter, memsw, debugMode bool, log *logrus.Entry) *Enforcer {
	return &Enforcer{adapter: adapter, log: log, Memsw: memsw, DebugMode: debugMode}
}

// Apply drives the user's cgroup toward the desired quotas, with the default
// group's quotas as the memory fallback. The cpu and memory writes have no
// ordering dependency, so they run concurrently.
func (e *Enforcer) Apply(t cgroups.Target, uidName string, desired, fallback usage.Usage) Result {
	if e.DebugMode {
		e.log.Debugf("Not setting quotas for %s because debug mode is on", uidName)
		return Result{CPU: Skipped, Mem: Skipped}
	}

	result := Result{}
	var group errgroup.Group
	group.Go(func() error {
		result.CPU = e.applyCPU(t, uidName, desired.CPU)
		return nil
	})
	group.Go(func() error {
		result.Mem, result.WrittenMem = e.applyMem(t, uidName, desired.Mem, fallback.Mem)
		return nil
	})
	_ = group.Wait()
	return result
}

func (e *Enforcer) applyCPU(t cgroups.Target, uidName string, pct float64) ResultKind {
	current, err := e.adapter.CPUQuota(t)
	if err == nil && mostlyEq(current, pct) {
		return Skipped
	}

	if err := e.adapter.SetCPUQuota(t, pct); err != nil {
		if errors.Is(err, cgroups.ErrDisappeared) {
			e.log.Infof("User %s disappeared before a cpu limit could be set", uidName)
		} else {
			e.log.WithError(err).Infof("Failed to set a cpu limit of %.1f%% for %s", pct, uidName)
		}
		return Failed
	}
	e.log.Debugf("Successfully set the cpu quota of %s to %.1f%%", uidName, pct)
	return Exact
}

// applyMem attempts the aimed limit and on refusal steps linearly toward the
// fallback. Each step waits a beat; a freshly lowered limit often succeeds
// once the kernel reclaims some of the cgroup's pages.
func (e *Enforcer) applyMem(t cgroups.Target, uidName string, aimed, fallback float64) (ResultKind, float64) {
	facts := e.adapter.Facts()
	if raw, err := e.adapter.MemQuota(t, e.Memsw); err == nil && mostlyEq(facts.BytesToPct(raw), aimed) {
		return Skipped, facts.BytesToPct(raw)
	}

	step := (fallback - aimed) / memRetries
	limit := aimed
	var lastErr error
	for try := 0; try < memRetries; try++ {
		err := e.adapter.SetMemQuota(t, limit, e.Memsw)
		if err == nil {
			if limit == aimed {
				e.log.Debugf("Successfully set the memory quota of %s to %.1f%%", uidName, limit)
				return Exact, limit
			}
			e.log.Debugf("Successfully scaled the memory quota of %s to %.1f%% from a goal of %.1f%% (fallback %.1f%%)",
				uidName, limit, aimed, fallback)
			return Scaled, limit
		}
		if errors.Is(err, cgroups.ErrDisappeared) {
			e.log.Infof("User %s disappeared before a memory limit could be set", uidName)
			return Failed, 0
		}
		lastErr = err
		limit += step
		time.Sleep(memRetryDelay)
	}

	// the scale never quite reaches the fallback; try it outright before
	// declaring failure
	if err := e.adapter.SetMemQuota(t, fallback, e.Memsw); err == nil {
		e.log.Debugf("Failed to scale the memory quota of %s to %.1f%%; the fallback limit of %.1f%% was applied",
			uidName, aimed, fallback)
		return FallbackOnly, fallback
	}

	e.log.WithError(lastErr).Debugf("Failed to write both the aimed (%.1f%%) and fallback (%.1f%%) memory limits for %s",
		aimed, fallback, uidName)
	return Failed, 0
}

// mostlyEq returns whether two quota values agree within the fudge factor.
func mostlyEq(lvalue, rvalue float64) bool {
	return lvalue >= rvalue*(1-eqFudge) && lvalue <= rvalue*(1+eqFudge)
}
