package statuses

import (
	"sort"
	"time"
)

// Greater reports whether status a should win a synchronization resolution
// against status b. Four short-circuiting conditions, checked in order:
//
//  1. b is in a penalty that has expired (a stale penalty never wins)
//  2. both are in penalty and a's tier is at least b's
//  3. a remembers more occurrences, or the same number while b's forgiveness
//     window has expired
//  4. a changed at least as recently as b
func (m *Manager) Greater(a, b Status, now time.Time) bool {
	if m.InPenalty(b) {
		if m.PenaltyExpired(b, now) {
			return true
		}
		if m.InPenalty(a) && m.PenaltyIndex(a) >= m.PenaltyIndex(b) {
			return true
		}
	}

	if b.Occurrences < a.Occurrences {
		return true
	}
	if b.Occurrences == a.Occurrences && m.OccurrencesExpired(b, now) {
		return true
	}

	return a.LastChanged() >= b.LastChanged()
}

// ResolveWithSelf resolves the in-memory status against this host's own
// database row, adopting the row when it is newer. This is how external
// changes to the store (a manual status-override utility) take effect
// without a restart. Returns whether the database row was adopted.
//
// The peer resolution rule is not used here deliberately: under that rule
// the status with more occurrences wins before recency is compared, so an
// external override that clears a user's occurrences would never take.
func (m *Manager) ResolveWithSelf(s *Status, dbStatus Status) bool {
	if dbStatus.LastChanged() <= s.LastChanged() {
		return false
	}
	s.Current = dbStatus.Current
	s.Default = dbStatus.Default
	s.Occurrences = dbStatus.Occurrences
	s.Timestamp = dbStatus.Timestamp
	s.OccurTimestamp = dbStatus.OccurTimestamp
	s.Authority = m.hostname
	return true
}

// ResolveWithPeers resolves the most severe valid status from the peer rows
// into s and returns the hostname whose status won. Authority moves in two
// cases only: a peer putting the user *into* penalty takes authority (it
// sends the warning email, we must not), and any transition *out of*
// penalty returns authority to us (we may email on future violations).
func (m *Manager) ResolveWithPeers(s *Status, peers map[string]Status, now time.Time) string {
	wasInPenalty := m.InPenalty(*s)
	resolvedHost := m.hostname
	maxStatus := *s

	// iterate in a fixed order so tied resolutions pick the same winner on
	// every host
	peerHosts := make([]string, 0, len(peers))
	for peerHost := range peers {
		peerHosts = append(peerHosts, peerHost)
	}
	sort.Strings(peerHosts)

	for _, peerHost := range peerHosts {
		peerStatus := peers[peerHost]
		if m.Greater(maxStatus, peerStatus, now) {
			continue
		}
		maxStatus = peerStatus
		resolvedHost = peerHost
		s.Current = peerStatus.Current
		s.Default = peerStatus.Default
		s.Occurrences = peerStatus.Occurrences
		s.Timestamp = peerStatus.Timestamp
		s.OccurTimestamp = peerStatus.OccurTimestamp
	}

	thisHostChosen := resolvedHost == m.hostname
	if m.InPenalty(*s) && !wasInPenalty && !thisHostChosen {
		s.Authority = resolvedHost
	}
	if !m.InPenalty(*s) && wasInPenalty {
		s.Authority = m.hostname
	}
	return resolvedHost
}
