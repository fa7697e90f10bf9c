package enforcer

import (
	"fmt"
	"io"
	"testing"

	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

const gb = int64(1024 * 1024 * 1024)

// fakeAdapter simulates a kernel that refuses memory limits below a floor,
// the way a cgroup with resident pages does.
type fakeAdapter struct {
	facts cgroups.Facts

	cpuQuota float64
	memPct   float64

	// memFloorPct is the lowest memory limit the "kernel" accepts
	memFloorPct float64

	cpuWrites []float64
	memWrites []float64

	failCPU bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		facts:    cgroups.Facts{Hostname: "node1", TotalMemBytes: 16 * gb, NumCPU: 4, ThreadsPerCore: 1, ClockTicksPerSec: 100},
		cpuQuota: 100,
		memPct:   100,
	}
}

func (f *fakeAdapter) Facts() cgroups.Facts { return f.facts }

func (f *fakeAdapter) CPUQuota(cgroups.Target) (float64, error) { return f.cpuQuota, nil }

func (f *fakeAdapter) MemQuota(cgroups.Target, bool) (int64, error) {
	return int64(f.memPct / 100 * float64(f.facts.TotalMemBytes)), nil
}

func (f *fakeAdapter) SetCPUQuota(_ cgroups.Target, pct float64) error {
	if f.failCPU {
		return fmt.Errorf("write refused")
	}
	f.cpuWrites = append(f.cpuWrites, pct)
	f.cpuQuota = pct
	return nil
}

func (f *fakeAdapter) SetMemQuota(_ cgroups.Target, pct float64, _ bool) error {
	if pct < f.memFloorPct {
		return fmt.Errorf("device or resource busy")
	}
	f.memWrites = append(f.memWrites, pct)
	f.memPct = pct
	return nil
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func target() cgroups.Target { return cgroups.UserTarget(1000) }

func TestApplyExact(t *testing.T) {
	fake := newFakeAdapter()
	e := New(fake, false, false, testLog())

	result := e.Apply(target(), "1000 (u)", usage.Usage{CPU: 50, Mem: 25}, usage.Usage{CPU: 100, Mem: 100})
	assert.Equal(t, Exact, result.CPU)
	assert.Equal(t, Exact, result.Mem)
	assert.Equal(t, []float64{50}, fake.cpuWrites)
	assert.Equal(t, []float64{25}, fake.memWrites)
}

// Aimed 10% of RAM with a fallback of 100%: the first three attempts are
// refused, so the written value must land on the linear scale between them
// and report Scaled.
func TestApplyMemScales(t *testing.T) {
	fake := newFakeAdapter()
	// step is (100-10)/5 = 18: attempts go 10, 28, 46, 64...
	fake.memFloorPct = 50
	e := New(fake, false, false, testLog())

	result := e.Apply(target(), "1000 (u)", usage.Usage{CPU: 50, Mem: 10}, usage.Usage{CPU: 100, Mem: 100})
	assert.Equal(t, Scaled, result.Mem)
	assert.InDelta(t, 64, result.WrittenMem, 0.001)
	step := (100.0 - 10.0) / memRetries
	assert.LessOrEqual(t, result.WrittenMem-50, step, "written value is within one step of the floor")
}

func TestApplyMemFallbackOnly(t *testing.T) {
	fake := newFakeAdapter()
	// nothing on the scale fits, only the fallback itself
	fake.memFloorPct = 95
	e := New(fake, false, false, testLog())

	result := e.Apply(target(), "1000 (u)", usage.Usage{CPU: 50, Mem: 10}, usage.Usage{CPU: 100, Mem: 100})
	assert.Equal(t, FallbackOnly, result.Mem)
	assert.InDelta(t, 100, result.WrittenMem, 0.001)
}

func TestApplyMemFailed(t *testing.T) {
	fake := newFakeAdapter()
	fake.memFloorPct = 200 // nothing writes
	// make the idempotence check miss so a write is attempted
	fake.memPct = 150
	e := New(fake, false, false, testLog())

	result := e.Apply(target(), "1000 (u)", usage.Usage{CPU: 50, Mem: 10}, usage.Usage{CPU: 100, Mem: 100})
	assert.Equal(t, Failed, result.Mem)
	assert.Empty(t, fake.memWrites)
}

// Quotas already within ±5% of the target are left alone; the kernel rarely
// accepts an exact lowered memory limit and rewriting forever would
// ping-pong.
func TestApplySkipsMostlyEqual(t *testing.T) {
	fake := newFakeAdapter()
	fake.cpuQuota = 51
	fake.memPct = 24.5
	e := New(fake, false, false, testLog())

	result := e.Apply(target(), "1000 (u)", usage.Usage{CPU: 50, Mem: 25}, usage.Usage{CPU: 100, Mem: 100})
	assert.Equal(t, Skipped, result.CPU)
	assert.Equal(t, Skipped, result.Mem)
	assert.Empty(t, fake.cpuWrites)
	assert.Empty(t, fake.memWrites)
}

func TestApplyDebugModeWritesNothing(t *testing.T) {
	fake := newFakeAdapter()
	e := New(fake, false, true, testLog())

	result := e.Apply(target(), "1000 (u)", usage.Usage{CPU: 10, Mem: 10}, usage.Usage{CPU: 100, Mem: 100})
	assert.Equal(t, Skipped, result.CPU)
	assert.Equal(t, Skipped, result.Mem)
	assert.Empty(t, fake.cpuWrites)
	assert.Empty(t, fake.memWrites)
}

func TestApplyCPUFailureIsSwallowed(t *testing.T) {
	fake := newFakeAdapter()
	fake.failCPU = true
	e := New(fake, false, false, testLog())

	result := e.Apply(target(), "1000 (u)", usage.Usage{CPU: 50, Mem: 25}, usage.Usage{CPU: 100, Mem: 100})
	assert.Equal(t, Failed, result.CPU)
	assert.Equal(t, Exact, result.Mem, "cpu failure never blocks the memory write")
}

func TestMostlyEq(t *testing.T) {
	type scenario struct {
		l, r     float64
		expected bool
	}

	scenarios := []scenario{
		{100, 100, true},
		{96, 100, true},
		{104, 100, true},
		{94, 100, false},
		{106, 100, false},
		{0, 0, true},
	}

	for _, s := range scenarios {
		assert.Equal(t, s.expected, mostlyEq(s.l, s.r), "mostlyEq(%v, %v)", s.l, s.r)
	}
}
