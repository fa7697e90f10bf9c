// Package highusage watches the machine-wide usage of all users and warns
// the administrators when the node as a whole has been saturated for a
// sustained period.
package highusage

import (
	"sort"
	"sync"
	"time"

	throttle "github.com/boz/go-throttle"
	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/collector"
	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/notify"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/sirupsen/logrus"
)

// Watcher accumulates one aggregate usage reading per refresh tick and fires
// a rate-limited admin warning once every reading in the threshold window is
// above a threshold.
type Watcher struct {
	cfg      *config.Config
	facts    cgroups.Facts
	notifier *notify.Notifier
	log      *logrus.Entry

	// history holds the last threshold_period aggregate readings, newest
	// first
	history []usage.Usage

	// throttle bounds warnings to one per timeout; the snapshot it mails is
	// whatever Observe stored last
	throttle throttle.ThrottleDriver

	mu       sync.Mutex
	snapshot warningSnapshot
}

type warningSnapshot struct {
	aggregate usage.Usage
	topUsers  []*collector.User
}

// NewWatcher returns a watcher. Callers must Stop it to release the
// throttle's goroutine.
func NewWatcher(cfg *config.Config, facts cgroups.Facts, notifier *notify.Notifier, log *logrus.Entry) *Watcher {
	w := &Watcher{
		cfg:      cfg,
		facts:    facts,
		notifier: notifier,
		log:      log,
	}
	w.throttle = throttle.ThrottleFunc(
		time.Duration(cfg.HighUsageWatcher.Timeout)*time.Second,
		false,
		w.sendWarning,
	)
	return w
}

// Stop releases the throttle.
func (w *Watcher) Stop() {
	w.throttle.Stop()
}

// Observe records this tick's aggregate usage and triggers a warning when
// the whole window is high. The warning itself is throttled, so triggering
// every tick during a sustained event sends one email per timeout.
func (w *Watcher) Observe(aggregate usage.Usage, users map[int]*collector.User) {
	if !w.cfg.HighUsageWatcher.HighUsageWatcher {
		return
	}

	w.history = append([]usage.Usage{aggregate}, w.history...)
	if len(w.history) > w.cfg.HighUsageWatcher.ThresholdPeriod {
		w.history = w.history[:w.cfg.HighUsageWatcher.ThresholdPeriod]
	}
	if len(w.history) < w.cfg.HighUsageWatcher.ThresholdPeriod || !w.isHigh() {
		return
	}

	w.mu.Lock()
	w.snapshot = warningSnapshot{
		aggregate: aggregate,
		topUsers:  topUsers(users, w.cfg.HighUsageWatcher.UserCount),
	}
	w.mu.Unlock()
	w.throttle.Trigger()
}

// isHigh returns whether every reading in the window exceeds a threshold.
// The cpu threshold scales with the number of cpus, optionally divided by
// threads per core so hyperthreads don't count as capacity.
func (w *Watcher) isHigh() bool {
	cpuCount := float64(w.facts.NumCPU)
	if w.cfg.HighUsageWatcher.DivCPUThresholdsByThreadsPerCore {
		cpuCount /= float64(w.facts.ThreadsPerCore)
	}
	cpuThreshold := w.cfg.HighUsageWatcher.CPUUsageThreshold * cpuCount * 100
	memThreshold := w.cfg.HighUsageWatcher.MemUsageThreshold * 100

	for _, reading := range w.history {
		if reading.CPU <= cpuThreshold && reading.Mem <= memThreshold {
			return false
		}
	}
	return true
}

func (w *Watcher) sendWarning() {
	w.mu.Lock()
	snapshot := w.snapshot
	w.mu.Unlock()

	w.log.Infof("Sending an overall high usage email: cpu %.0f%%, mem %.0f%%",
		snapshot.aggregate.CPU, snapshot.aggregate.Mem)
	w.notifier.HighUsage(snapshot.aggregate, snapshot.topUsers)
}

// topUsers returns the heaviest count users by combined usage.
func topUsers(users map[int]*collector.User, count int) []*collector.User {
	sorted := make([]*collector.User, 0, len(users))
	for _, user := range users {
		sorted = append(sorted, user)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CPUUsage+sorted[i].MemUsage > sorted[j].CPUUsage+sorted[j].MemUsage
	})
	if len(sorted) > count {
		sorted = sorted[:count]
	}
	return sorted
}
