package collector

import (
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/statuses"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gb = int64(1024 * 1024 * 1024)

// fakeAdapter replays deterministic counter advances: every sample of an
// entity advances its clock by one second and its counters by fixed rates.
type fakeAdapter struct {
	facts cgroups.Facts
	base  time.Time

	// per-entity sample call counts
	steps map[string]int

	// cpuRate is nanoseconds of cputime per second, per entity name
	cpuRate map[string]int64
	memory  map[string]int64

	uids         []int
	pids         []int
	procCPUTicks int64

	disappeared map[string]bool
}

func newFake(uid int) *fakeAdapter {
	return &fakeAdapter{
		facts: cgroups.Facts{
			Hostname: "node1", TotalMemBytes: 16 * gb,
			ClockTicksPerSec: 100, NumCPU: 4, ThreadsPerCore: 1,
		},
		base:         time.Now(),
		steps:        map[string]int{},
		cpuRate:      map[string]int64{},
		memory:       map[string]int64{},
		uids:         []int{uid},
		disappeared:  map[string]bool{},
		procCPUTicks: 100,
	}
}

func (f *fakeAdapter) Facts() cgroups.Facts { return f.facts }

func (f *fakeAdapter) ListActiveUIDs(int) ([]int, error) { return f.uids, nil }

func (f *fakeAdapter) Active(t cgroups.Target) bool { return !f.disappeared[t.Name()] }

func (f *fakeAdapter) Sample(t cgroups.Target) (usage.Snapshot, error) {
	name := t.Name()
	if f.disappeared[name] {
		return usage.Snapshot{}, fmt.Errorf("%s: %w", name, cgroups.ErrDisappeared)
	}
	step := f.steps[name]
	f.steps[name] = step + 1
	return usage.Snapshot{
		Name:        name,
		At:          f.base.Add(time.Duration(step) * time.Second),
		CPUTimeNS:   int64(step) * f.cpuRate[name],
		MemoryBytes: f.memory[name],
		Pids:        f.pids,
	}, nil
}

func (f *fakeAdapter) SampleProcess(pid int, _ bool) (usage.ProcSnapshot, error) {
	key := fmt.Sprintf("pid-%d", pid)
	step := f.steps[key]
	f.steps[key] = step + 1
	return usage.ProcSnapshot{
		Pid:  pid,
		Name: "stress",
		// 100 cputime ticks per 400 system-wide ticks on 4 cpus is 100% of
		// one core
		CPUTimeTicks:    int64(step) * f.procCPUTicks,
		TotalClockTicks: int64(step) * 400,
		MemoryBytes:     2 * gb,
		Owner:           1000,
	}, nil
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.General.ArbiterRefresh = 0 // no sleeping in tests
	cfg.General.HistoryPerRefresh = 1
	cfg.General.Poll = 3
	cfg.General.MinUID = 0
	cfg.Processes.Whitelist = []string{"stress"}
	cfg.Processes.WhitelistOtherProcesses = false
	return &cfg
}

func newTestCollector(t *testing.T, cfg *config.Config, fake *fakeAdapter) *Collector {
	t.Helper()
	manager := statuses.NewManager(cfg, fake.facts)
	return New(cfg, fake, manager, NewWhitelist(cfg), testLog())
}

func TestRunBuildsHistory(t *testing.T) {
	// the current uid is the one uid guaranteed to have a passwd entry
	uid := os.Getuid()
	cfg := testConfig()
	fake := newFake(uid)

	userSlice := cgroups.UserTarget(uid).Name()
	fake.cpuRate[userSlice] = 1_500_000_000 // 150% of a core
	fake.memory[userSlice] = 4 * gb         // 25% of the machine
	fake.cpuRate["user.slice"] = 1_500_000_000
	fake.memory["user.slice"] = 4 * gb
	fake.pids = []int{101}

	c := newTestCollector(t, cfg, fake)
	aggregate, users := c.Run()

	require.Contains(t, users, uid)
	user := users[uid]
	require.Len(t, user.History, 1)
	event := user.History[0]

	assert.InDelta(t, 150, event.Usage.CPU, 0.1)
	assert.InDelta(t, 25, event.Usage.Mem, 0.1)
	assert.InDelta(t, 150, aggregate.Usage.CPU, 0.1)

	// the sampled process runs at 100% of a core
	require.Contains(t, event.Pids, 101)
	assert.InDelta(t, 100, event.Pids[101].Usage.CPU, 0.1)

	// whitelisted processes get a trailing asterisk
	assert.Equal(t, "stress*", event.Pids[101].Name)

	// the residual carries the cgroup usage no process accounts for
	require.Contains(t, event.Pids, usage.OtherProcessesPid)
	other := event.Pids[usage.OtherProcessesPid]
	assert.InDelta(t, 50, other.Usage.CPU, 0.2)

	// derived fields follow the tick
	assert.InDelta(t, 150, user.CPUUsage, 0.1)
	assert.InDelta(t, 100, user.CPUQuota, 0.1, "quota of the default status group")
}

// A whitelisted process contributes to cgroup usage but not to the usage the
// badness engine sees.
func TestBadnessUsageExcludesWhitelisted(t *testing.T) {
	uid := os.Getuid()
	cfg := testConfig()
	fake := newFake(uid)

	userSlice := cgroups.UserTarget(uid).Name()
	fake.cpuRate[userSlice] = 1_500_000_000
	fake.memory[userSlice] = 0
	fake.cpuRate["user.slice"] = 1_500_000_000
	fake.pids = []int{101} // "stress" is whitelisted in testConfig

	c := newTestCollector(t, cfg, fake)
	_, users := c.Run()
	user := users[uid]

	busage := c.BadnessUsage(user)
	assert.InDelta(t, 50, busage.CPU, 0.3, "150%% cgroup minus 100%% whitelisted")
}

// A user disappearing mid-tick loses the whole history slot; partial data
// never reaches downstream components.
func TestDisappearedUserDropsHistory(t *testing.T) {
	uid := os.Getuid()
	cfg := testConfig()
	fake := newFake(uid)
	fake.cpuRate["user.slice"] = 1_000_000_000

	userSlice := cgroups.UserTarget(uid).Name()
	fake.disappeared[userSlice] = true

	c := newTestCollector(t, cfg, fake)
	_, users := c.Run()

	require.Contains(t, users, uid)
	assert.Empty(t, users[uid].History)
}

func TestNoProcessesYieldsOnlyResidual(t *testing.T) {
	uid := os.Getuid()
	cfg := testConfig()
	cfg.General.Poll = 2
	fake := newFake(uid)

	userSlice := cgroups.UserTarget(uid).Name()
	fake.cpuRate[userSlice] = 1_000_000_000
	fake.cpuRate["user.slice"] = 1_000_000_000

	// no pids at all: the event must only hold the residual
	c := newTestCollector(t, cfg, fake)
	_, users := c.Run()
	event := users[uid].History[0]
	assert.Len(t, event.Pids, 1)
	assert.Contains(t, event.Pids, usage.OtherProcessesPid)
}

func TestUserRingBufferIsBounded(t *testing.T) {
	uid := os.Getuid()
	cfg := testConfig()
	cfg.Badness.MaxHistoryKept = 3
	fake := newFake(uid)

	userSlice := cgroups.UserTarget(uid).Name()
	fake.cpuRate[userSlice] = 1_000_000_000
	fake.cpuRate["user.slice"] = 1_000_000_000

	c := newTestCollector(t, cfg, fake)
	for i := 0; i < 5; i++ {
		c.Run()
	}
	assert.Len(t, c.Users()[uid].History, 3)
}
