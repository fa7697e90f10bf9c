package collector

import (
	"errors"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/statuses"
	"github.com/chpc-uofu/arbiter/pkg/timers"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/sirupsen/logrus"
)

// SystemAdapter is the slice of the cgroups adapter the collector needs.
// Narrow on purpose so tests can drive the collector off a fixture.
type SystemAdapter interface {
	ListActiveUIDs(minUID int) ([]int, error)
	Active(t cgroups.Target) bool
	Sample(t cgroups.Target) (usage.Snapshot, error)
	SampleProcess(pid int, includeSwap bool) (usage.ProcSnapshot, error)
	Facts() cgroups.Facts
}

// Collector coordinates one refresh cycle: it discovers active users, takes
// poll sub-samples at sub-intervals, and averages them into one usage record
// per user (and one for the union of users) per history event.
type Collector struct {
	cfg       *config.Config
	adapter   SystemAdapter
	manager   *statuses.Manager
	whitelist *Whitelist
	log       *logrus.Entry

	users map[int]*User

	// noPasswdUIDs are uids seen on the system with no passwd entry; warned
	// about once and skipped permanently
	noPasswdUIDs map[int]struct{}

	// deniedWarned stops permission errors from repeating every tick
	deniedWarned bool

	aggregate     usage.Averaged
	aggregateHist []usage.Averaged
}

// New returns a collector.
func New(cfg *config.Config, adapter SystemAdapter, manager *statuses.Manager, whitelist *Whitelist, log *logrus.Entry) *Collector {
	return &Collector{
		cfg:          cfg,
		adapter:      adapter,
		manager:      manager,
		whitelist:    whitelist,
		log:          log,
		users:        map[int]*User{},
		noPasswdUIDs: map[int]struct{}{},
	}
}

// Users returns the internal user table. Owned exclusively by the main loop.
func (c *Collector) Users() map[int]*User {
	return c.users
}

// DeleteUser stops tracking the given user until they are seen on the system
// again.
func (c *Collector) DeleteUser(uid int) {
	delete(c.users, uid)
}

// Run performs one full refresh tick: history_per_refresh collections, each
// averaging poll sub-samples, each collection spanning an equal share of the
// refresh interval. Returns the aggregate usage and the user table.
func (c *Collector) Run() (usage.Averaged, map[int]*User) {
	c.refreshUsers()
	c.aggregateHist = c.aggregateHist[:0]

	interval := c.cfg.General.RefreshInterval() / time.Duration(c.cfg.General.HistoryPerRefresh)
	for i := 0; i < c.cfg.General.HistoryPerRefresh; i++ {
		c.collect(interval)
	}

	for _, user := range c.users {
		c.updateProperties(user)
	}

	if len(c.aggregateHist) > 0 {
		c.aggregate = usage.Mean(c.aggregateHist, len(c.aggregateHist))
	} else {
		c.aggregate = usage.Averaged{Name: cgroups.AggregateTarget().Name()}
	}
	return c.aggregate, c.users
}

// refreshUsers adds users that haven't been seen before. Uids without a
// passwd entry cause problems everywhere downstream (no email address, no
// group lookup), so they are warned about once and ignored.
func (c *Collector) refreshUsers() {
	activeUIDs, err := c.adapter.ListActiveUIDs(c.cfg.General.MinUID)
	if err != nil {
		c.log.WithError(err).Warn("failed to list active user cgroups")
		return
	}

	now := time.Now()
	for _, uid := range activeUIDs {
		if _, tracked := c.users[uid]; tracked {
			continue
		}
		if _, skipped := c.noPasswdUIDs[uid]; skipped {
			continue
		}
		if _, ok := cgroups.LookupUser(uid); !ok {
			c.log.Warnf("Found a user without a passwd entry, ignoring: %d", uid)
			c.noPasswdUIDs[uid] = struct{}{}
			continue
		}
		gids := cgroups.QueryGIDs(uid)
		c.users[uid] = NewUser(uid, c.manager.EmptyStatus(uid, gids), c.cfg.Badness.MaxHistoryKept, now)
	}
}

// collect takes poll sub-samples over the interval and folds them into one
// history event per user. A drift-compensating recorder paces the
// sub-samples so the sum of sleeps equals the interval regardless of how
// long sampling takes.
func (c *Collector) collect(interval time.Duration) {
	now := time.Now()
	events := make(map[int]*HistoryEvent, len(c.users))
	for uid, user := range c.users {
		events[uid] = user.pushHistory(now)
	}

	poll := c.cfg.General.Poll
	waitTime := interval / time.Duration(poll)
	timer := timers.NewTimeRecorder()

	var aggregateSnaps []usage.Snapshot
	userSnaps := make(map[int][]usage.Snapshot, len(c.users))
	procSnaps := make(map[int]map[int][]usage.ProcSnapshot, len(c.users))

	for i := 0; i < poll; i++ {
		timer.StartNow(waitTime)

		if snap, err := c.adapter.Sample(cgroups.AggregateTarget()); err != nil {
			c.logSampleError(err, "user.slice")
		} else {
			aggregateSnaps = append(aggregateSnaps, snap)
		}

		for uid, user := range c.users {
			snap, err := c.adapter.Sample(user.Target)
			if err != nil {
				// expected: the user logged out mid-tick
				if !errors.Is(err, cgroups.ErrDisappeared) {
					c.logSampleError(err, user.UIDName)
				}
				continue
			}
			userSnaps[uid] = append(userSnaps[uid], snap)

			for _, pid := range snap.Pids {
				psnap, err := c.adapter.SampleProcess(pid, c.cfg.Processes.Memsw)
				if err != nil {
					if errors.Is(err, cgroups.ErrDenied) {
						// likely can't read /proc/<pid>/smaps without
						// CAP_SYS_PTRACE
						c.logSampleError(err, user.UIDName)
					}
					continue
				}
				if procSnaps[uid] == nil {
					procSnaps[uid] = map[int][]usage.ProcSnapshot{}
				}
				procSnaps[uid][pid] = append(procSnaps[uid][pid], psnap)
			}
		}
		timer.Sleep()
	}

	c.foldSamples(events, aggregateSnaps, userSnaps, procSnaps)
	c.postCollect(events)
}

// foldSamples combines consecutive snapshots pairwise and averages them into
// each user's open history event. Users with fewer than two snapshots this
// collection lose the event entirely rather than publishing partial data.
func (c *Collector) foldSamples(
	events map[int]*HistoryEvent,
	aggregateSnaps []usage.Snapshot,
	userSnaps map[int][]usage.Snapshot,
	procSnaps map[int]map[int][]usage.ProcSnapshot,
) {
	totalMem := c.adapter.Facts().TotalMemBytes
	numCPU := c.adapter.Facts().NumCPU
	divBy := c.cfg.General.Poll - 1

	if pairs := usage.CombinePairs(aggregateSnaps, totalMem); len(pairs) > 0 {
		c.aggregateHist = append(c.aggregateHist, usage.Mean(pairs, divBy))
	}

	for uid, user := range c.users {
		event := events[uid]
		snaps := userSnaps[uid]
		if len(snaps) < 2 {
			user.dropCurrentHistory()
			continue
		}
		slice := usage.Mean(usage.CombinePairs(snaps, totalMem), divBy)
		event.Usage = slice.Usage

		for pid, psnaps := range procSnaps[uid] {
			// a process must be observed at least twice to have a rate
			if len(psnaps) < 2 {
				continue
			}
			var combined []usage.Process
			for i := 1; i < len(psnaps); i++ {
				combined = append(combined, usage.CombineProc(psnaps[i-1], psnaps[i], totalMem, numCPU))
			}
			event.Pids[pid] = usage.SumProcs(combined).Div(divBy)
		}
	}
}

// postCollect computes the residual "other processes" record and applies
// whitelist marks. The residual is the cgroup's usage minus the sum of its
// sampled processes, clamped at zero: short-lived processes and kernel-side
// charges land there.
func (c *Collector) postCollect(events map[int]*HistoryEvent) {
	for uid, user := range c.users {
		event := events[uid]
		if len(user.History) == 0 || user.History[0] != event {
			continue
		}

		var summed usage.Usage
		for _, proc := range event.Pids {
			summed = summed.Add(proc.Usage)
		}

		c.whitelist.Mark(event.Pids, user.Status.Current)
		event.Pids[usage.OtherProcessesPid] = usage.Process{
			Pid:   usage.OtherProcessesPid,
			Name:  usage.OtherProcessesLabel + "**",
			Owner: uid,
			Count: 1,
			Usage: event.Usage.Sub(summed),
		}
	}
}

// updateProperties refreshes the user's derived fields after a tick's
// collections: group membership, average usage and current quotas.
func (c *Collector) updateProperties(user *User) {
	user.GIDs = cgroups.QueryGIDs(user.UID)
	avg := user.AvgUsage(c.cfg.General.HistoryPerRefresh)
	user.CPUUsage = avg.CPU
	user.MemUsage = avg.Mem
	quotas := c.manager.Quotas(user.Status)
	user.CPUQuota = quotas.CPU
	user.MemQuota = quotas.Mem
}

func (c *Collector) logSampleError(err error, entity string) {
	if errors.Is(err, cgroups.ErrDenied) {
		if !c.deniedWarned {
			c.log.WithError(err).Warnf("permission denied sampling %s; further denials will be logged at debug", entity)
			c.deniedWarned = true
		} else {
			c.log.WithError(err).Debugf("permission denied sampling %s", entity)
		}
		return
	}
	c.log.WithError(err).Debugf("failed to sample %s", entity)
}

// BadnessUsage returns the usage the badness engine should see for the user:
// cgroup usage minus whitelisted process usage, clamped at zero per resource.
func (c *Collector) BadnessUsage(user *User) usage.Usage {
	avg := user.AvgUsage(c.cfg.General.HistoryPerRefresh)
	whitelisted := user.AvgProcUsage(c.cfg.General.HistoryPerRefresh, func(p usage.Process) bool {
		return c.whitelist.IsWhitelisted(p, user.Status.Current)
	})
	return avg.Sub(whitelisted)
}

// Whitelist exposes the process whitelist for callers that rank or filter
// processes the way the collector does.
func (c *Collector) Whitelist() *Whitelist {
	return c.whitelist
}
