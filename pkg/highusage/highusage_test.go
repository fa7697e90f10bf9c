package highusage

import (
	"io"
	"testing"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/collector"
	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/notify"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gb = int64(1024 * 1024 * 1024)

type fakeSender struct {
	sent chan string
}

func (f *fakeSender) Send(to []string, subject, body string) error {
	f.sent <- subject
	return nil
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testFacts() cgroups.Facts {
	return cgroups.Facts{Hostname: "node1", TotalMemBytes: 16 * gb, NumCPU: 4, ThreadsPerCore: 2, ClockTicksPerSec: 100}
}

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.HighUsageWatcher.HighUsageWatcher = true
	cfg.HighUsageWatcher.CPUUsageThreshold = 0.8
	cfg.HighUsageWatcher.MemUsageThreshold = 0.8
	cfg.HighUsageWatcher.ThresholdPeriod = 2
	cfg.HighUsageWatcher.UserCount = 2
	cfg.HighUsageWatcher.Timeout = 3600
	cfg.Email.AdminEmails = []string{"root@cluster.edu"}
	return &cfg
}

func newWatcher(t *testing.T, cfg *config.Config) (*Watcher, *fakeSender) {
	t.Helper()
	sender := &fakeSender{sent: make(chan string, 4)}
	notifier := notify.New(cfg, testFacts(), sender, testLog())
	w := NewWatcher(cfg, testFacts(), notifier, testLog())
	t.Cleanup(w.Stop)
	return w, sender
}

// With 4 cpus and a 0.8 threshold, sustained aggregate cpu above 320% for
// the whole window fires exactly one (throttled) warning.
func TestObserveFiresAfterSustainedHighUsage(t *testing.T) {
	w, sender := newWatcher(t, testConfig())
	high := usage.Usage{CPU: 350, Mem: 10}

	w.Observe(high, nil)
	select {
	case <-sender.sent:
		t.Fatal("fired before the threshold period elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	w.Observe(high, nil)
	select {
	case subject := <-sender.sent:
		assert.Contains(t, subject, "High usage")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a warning after two high ticks")
	}

	// a third high tick inside the timeout is swallowed by the throttle
	w.Observe(high, nil)
	select {
	case <-sender.sent:
		t.Fatal("throttle let a second warning through")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserveResetsOnAnyLowTick(t *testing.T) {
	w, sender := newWatcher(t, testConfig())

	w.Observe(usage.Usage{CPU: 350, Mem: 10}, nil)
	w.Observe(usage.Usage{CPU: 10, Mem: 10}, nil)
	w.Observe(usage.Usage{CPU: 350, Mem: 10}, nil)

	select {
	case <-sender.sent:
		t.Fatal("a low tick inside the window must prevent the warning")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryAloneCanTrigger(t *testing.T) {
	w, sender := newWatcher(t, testConfig())
	high := usage.Usage{CPU: 10, Mem: 90}

	w.Observe(high, nil)
	w.Observe(high, nil)
	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a warning from memory pressure alone")
	}
}

// Dividing the cpu threshold by threads per core halves what counts as
// capacity: 2 physical cores of the 4 hyperthreads.
func TestDivCPUThresholdsByThreadsPerCore(t *testing.T) {
	cfg := testConfig()
	cfg.HighUsageWatcher.DivCPUThresholdsByThreadsPerCore = true
	w, sender := newWatcher(t, cfg)

	// 200% > 0.8 * (4/2) * 100 = 160%, but below the undivided 320%
	high := usage.Usage{CPU: 200, Mem: 10}
	w.Observe(high, nil)
	w.Observe(high, nil)
	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the divided threshold to fire")
	}
}

func TestDisabledWatcherDoesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.HighUsageWatcher.HighUsageWatcher = false
	w, sender := newWatcher(t, cfg)

	for i := 0; i < 5; i++ {
		w.Observe(usage.Usage{CPU: 400, Mem: 95}, nil)
	}
	select {
	case <-sender.sent:
		t.Fatal("disabled watcher sent mail")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTopUsers(t *testing.T) {
	users := map[int]*collector.User{
		1: {UID: 1, CPUUsage: 10, MemUsage: 5},
		2: {UID: 2, CPUUsage: 300, MemUsage: 20},
		3: {UID: 3, CPUUsage: 50, MemUsage: 50},
	}

	top := topUsers(users, 2)
	require.Len(t, top, 2)
	assert.Equal(t, 2, top[0].UID)
	assert.Equal(t, 3, top[1].UID)
}
