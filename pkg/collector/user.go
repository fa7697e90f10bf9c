// Package collector discovers active users and turns the adapter's raw
// snapshots into per-user usage history that the rest of the daemon works
// from.
package collector

import (
	"fmt"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/badness"
	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/statuses"
	"github.com/chpc-uofu/arbiter/pkg/usage"
)

// HistoryEvent is one refresh event in a user's history: the averaged cgroup
// usage over the event's window plus every process observed at least twice
// during it.
type HistoryEvent struct {
	// Time is the epoch when the event's window opened
	Time int64

	// Usage is the cgroup-level usage averaged over the window
	Usage usage.Usage

	// Pids maps pid to its averaged process record. Pid -1 is the synthetic
	// "other processes" record carrying the residual of cgroup usage not
	// attributed to any process.
	Pids map[int]usage.Process
}

// BadnessEvent is one badness update: the score after the update and the
// delta that produced it.
type BadnessEvent struct {
	Timestamp int64
	Delta     usage.Usage
	Badness   badness.Badness
}

// User holds everything Arbiter knows about one logged-in user.
type User struct {
	UID      int
	Username string

	// UIDName is "uid (username)", the form every log line identifies users
	// by
	UIDName string

	GIDs   []int
	Target cgroups.Target

	// Status is the user's current status; owned by the main loop
	Status statuses.Status

	// Badness is the user's accumulated badness; owned by the main loop
	Badness badness.Badness

	// History is a bounded ring of refresh events, most recent first
	History []*HistoryEvent

	// BadnessHistory is a bounded ring of badness updates, most recent first
	BadnessHistory []BadnessEvent

	// BadnessTimestamp is the epoch when badness started increasing; 0 while
	// the score is zero
	BadnessTimestamp int64

	// CPUUsage and MemUsage are the usage averaged over the last refresh
	// tick, as percents
	CPUUsage float64
	MemUsage float64

	// CPUQuota and MemQuota are the quotas of the current status group, as
	// percents
	CPUQuota float64
	MemQuota float64

	maxHistory int
}

// NewUser creates a user first observed now. The status starts empty; badness
// starts at zero.
func NewUser(uid int, empty statuses.Status, maxHistory int, now time.Time) *User {
	username := cgroups.Username(uid)
	u := &User{
		UID:        uid,
		Username:   username,
		UIDName:    fmt.Sprintf("%d (%s)", uid, username),
		GIDs:       cgroups.QueryGIDs(uid),
		Target:     cgroups.UserTarget(uid),
		Status:     empty,
		maxHistory: maxHistory,
	}
	u.SetBadness(badness.New(0, 0, now.Unix()))
	return u
}

// SetBadness clears the badness history and installs the given score, e.g.
// when importing a still-valid score from the store on startup.
func (u *User) SetBadness(b badness.Badness) {
	u.Badness = b
	u.BadnessHistory = []BadnessEvent{{Timestamp: b.UpdatedTS, Badness: b}}
	u.BadnessTimestamp = 0
	if b.IsBad() {
		u.BadnessTimestamp = b.StartOfBadTS
	}
}

// AddBadness prepends a badness update to the ring and maintains the
// timestamp of when the user started being bad.
func (u *User) AddBadness(b badness.Badness, delta usage.Usage, recordTime int64) {
	u.Badness = b
	u.BadnessHistory = prependBounded(u.BadnessHistory, BadnessEvent{
		Timestamp: recordTime,
		Delta:     delta,
		Badness:   b,
	}, u.maxHistory)

	if u.BadnessTimestamp == 0 && b.IsBad() {
		u.BadnessTimestamp = recordTime
	} else if u.BadnessTimestamp != 0 && b.IsGood() {
		u.BadnessTimestamp = 0
	}
}

// IsNew returns whether the user was created this tick (a single badness
// record is the initial one).
func (u *User) IsNew() bool {
	return len(u.BadnessHistory) <= 1
}

// pushHistory opens a new history event for this tick.
func (u *User) pushHistory(at time.Time) *HistoryEvent {
	event := &HistoryEvent{Time: at.Unix(), Pids: map[int]usage.Process{}}
	u.History = prependBounded(u.History, event, u.maxHistory)
	return event
}

// dropCurrentHistory discards the event opened this tick, e.g. when the user
// disappeared mid-collection. Downstream components never see a partially
// populated event.
func (u *User) dropCurrentHistory() {
	if len(u.History) > 0 {
		u.History = u.History[1:]
	}
}

// AvgUsage returns the cgroup usage averaged over the newest `events` history
// events.
func (u *User) AvgUsage(events int) usage.Usage {
	usages := make([]usage.Usage, 0, events)
	for i := 0; i < len(u.History) && i < events; i++ {
		usages = append(usages, u.History[i].Usage)
	}
	return usage.Avg(usages...)
}

// AvgProcUsage returns the summed process usage averaged over the newest
// `events` history events, optionally counting only processes matching the
// filter.
func (u *User) AvgProcUsage(events int, filter func(usage.Process) bool) usage.Usage {
	sums := make([]usage.Usage, 0, events)
	for i := 0; i < len(u.History) && i < events; i++ {
		var sum usage.Usage
		for _, proc := range u.History[i].Pids {
			if filter == nil || filter(proc) {
				sum = sum.Add(proc.Usage)
			}
		}
		sums = append(sums, sum)
	}
	if len(sums) == 0 {
		return usage.Usage{}
	}
	return usage.Avg(sums...)
}

func prependBounded[T any](ring []T, item T, maxLen int) []T {
	ring = append([]T{item}, ring...)
	if maxLen > 0 && len(ring) > maxLen {
		ring = ring[:maxLen]
	}
	return ring
}
