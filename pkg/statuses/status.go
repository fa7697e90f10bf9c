// Package statuses implements the per-user status state machine: the current
// and default status groups, the penalty occurrence counter, the authority
// host, and the timing rules that promote, demote and forgive.
package statuses

import (
	"fmt"
	"time"
)

// Status is the state a user is in. A user has a single current status group
// at any moment and a default group used to restore them once a penalty
// expires. The occurrences count remembers prior penalties and maps directly
// onto the configured penalty tiers: a user with occurrences of 2 is in (or
// was last in) the second penalty group, and their next violation lands them
// one tier higher, capped at the last group. The authority records
// which host last promoted the user into the current state, so that only one
// host in a sync group emails the user.
type Status struct {
	// Current is the user's current status group
	Current string

	// Default is the status group the user returns to after penalty
	Default string

	// Occurrences counts prior penalties still remembered
	Occurrences int

	// Timestamp is the epoch when Current last changed
	Timestamp int64

	// OccurTimestamp is the epoch when Occurrences last changed
	OccurTimestamp int64

	// Authority is the host that last promoted the user to this state
	Authority string
}

// Equal compares the parts of a status that matter for policy: the groups
// and the occurrence count.
func (s Status) Equal(other Status) bool {
	return s.Current == other.Current &&
		s.Default == other.Default &&
		s.Occurrences == other.Occurrences
}

// StrictlyEqual additionally compares the timestamps. Authority is excluded:
// two hosts can agree on a user's state while disagreeing on who may email
// them.
func (s Status) StrictlyEqual(other Status) bool {
	return s.Equal(other) &&
		s.Timestamp == other.Timestamp &&
		s.OccurTimestamp == other.OccurTimestamp
}

// LastChanged returns the most recent of the two change timestamps, the
// value statuses are compared by during synchronization.
func (s Status) LastChanged() int64 {
	return max(s.Timestamp, s.OccurTimestamp)
}

// Authoritative returns whether the given host may send user-visible
// notifications for this status.
func (s Status) Authoritative(hostname string) bool {
	return s.Authority == hostname
}

func (s Status) String() string {
	ts := ""
	if s.Timestamp != 0 {
		ts = time.Unix(s.Timestamp, 0).Format(time.RFC3339)
	}
	occurTS := ""
	if s.OccurTimestamp != 0 {
		occurTS = time.Unix(s.OccurTimestamp, 0).Format(time.RFC3339)
	}
	return fmt.Sprintf("Status(%s/%s, occur=%d, ts=%s, occur_ts=%s, authority=%s)",
		s.Current, s.Default, s.Occurrences, ts, occurTS, s.Authority)
}
