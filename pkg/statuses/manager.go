package statuses

import (
	"time"

	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/samber/lo"
)

// Manager answers status-group questions against the config and applies
// transitions. All of its methods are pure functions of the status passed in
// plus the immutable config and host facts.
type Manager struct {
	cfg      *config.Config
	facts    cgroups.Facts
	hostname string
}

// NewManager returns a manager bound to the given config and host facts.
func NewManager(cfg *config.Config, facts cgroups.Facts) *Manager {
	return &Manager{cfg: cfg, facts: facts, hostname: facts.Hostname}
}

// Hostname returns the host this manager issues authority as.
func (m *Manager) Hostname() string { return m.hostname }

// IsPenalty returns whether the named status group is a penalty group.
func (m *Manager) IsPenalty(group string) bool {
	return lo.Contains(m.cfg.Status.Penalty.Order, group)
}

// InPenalty returns whether the status's current group is a penalty group.
func (m *Manager) InPenalty(s Status) bool {
	return m.IsPenalty(s.Current)
}

// GroupProps looks up a status group's properties. The second return is
// false for groups that exist in no part of the config.
func (m *Manager) GroupProps(group string) (config.StatusGroupConfig, bool) {
	if m.IsPenalty(group) {
		props, ok := m.cfg.Status.Penalty.Groups[group]
		return props, ok
	}
	props, ok := m.cfg.Status.Groups[group]
	return props, ok
}

// PenaltyIndex returns the tier index of the status's current group in the
// penalty order, or -1 if the user is not in penalty.
func (m *Manager) PenaltyIndex(s Status) int {
	return lo.IndexOf(m.cfg.Status.Penalty.Order, s.Current)
}

// PenaltyTimeout returns the configured timeout of the current penalty
// group, or 0 for non-penalty statuses.
func (m *Manager) PenaltyTimeout(s Status) int64 {
	if !m.InPenalty(s) {
		return 0
	}
	props, _ := m.GroupProps(s.Current)
	return props.Timeout
}

// PenaltyExpired returns whether the user has served out their current
// penalty. Non-penalty statuses count as expired.
func (m *Manager) PenaltyExpired(s Status, now time.Time) bool {
	return s.Timestamp+m.PenaltyTimeout(s) < now.Unix()
}

// OccurrencesExpired returns whether the forgiveness timer on the occurrence
// count has run out.
func (m *Manager) OccurrencesExpired(s Status, now time.Time) bool {
	return s.OccurTimestamp+m.cfg.Status.Penalty.OccurTimeout < now.Unix()
}

// DefaultStatusGroup returns the status group a user belongs to by
// configuration, matching groups in the order they appear. Users matching no
// group get the fallback.
func (m *Manager) DefaultStatusGroup(uid int, gids []int) string {
	for _, group := range m.cfg.Status.Order {
		props, ok := m.cfg.Status.Groups[group]
		if !ok {
			continue
		}
		if lo.Contains(props.UIDs, uid) {
			return group
		}
		if lo.SomeBy(gids, func(gid int) bool { return lo.Contains(props.GIDs, gid) }) {
			return group
		}
	}
	return m.cfg.Status.FallbackStatus
}

// EmptyStatus returns the status a user has when Arbiter knows nothing about
// them: default group, zero occurrences, zero timestamps.
func (m *Manager) EmptyStatus(uid int, gids []int) Status {
	group := m.DefaultStatusGroup(uid, gids)
	return Status{Current: group, Default: group, Authority: m.hostname}
}

// IsEmpty returns whether the status carries no information beyond the
// configured default. Empty statuses are never persisted.
func (m *Manager) IsEmpty(s Status, uid int, gids []int) bool {
	return s.Equal(m.EmptyStatus(uid, gids))
}

// EnforceConfigConsistency re-derives the default group from the live config
// when a stored status disagrees with it, e.g. after the admin moves a user
// between groups. The current group follows only when it equaled the old
// default; a live penalty is never rewritten.
func (m *Manager) EnforceConfigConsistency(s *Status, uid int, gids []int) {
	cfgDefault := m.DefaultStatusGroup(uid, gids)
	if s.Default != cfgDefault {
		if s.Current == s.Default {
			s.Current = cfgDefault
		}
		s.Default = cfgDefault
	}
}

// Quotas returns the quotas of the status's current group, both as percents
// of the machine: cpu as percent of one core, memory as percent of total
// memory. Penalty groups with relative_quotas multiply the default group's
// quotas instead of standing alone.
func (m *Manager) Quotas(s Status) usage.Usage {
	return m.quotasFor(s, s.Current)
}

// DefaultQuotas returns the quotas of the status's default group, used as
// the fallback when penalty limits cannot be written.
func (m *Manager) DefaultQuotas(s Status) usage.Usage {
	return m.quotasFor(s, s.Default)
}

func (m *Manager) quotasFor(s Status, group string) usage.Usage {
	props, _ := m.GroupProps(group)

	cpu := props.CPUQuota
	mem := m.facts.GBToPct(props.MemQuota)
	if m.cfg.Status.DivCPUQuotasByThreadsPerCore {
		cpu /= float64(m.facts.ThreadsPerCore)
	}

	if m.IsPenalty(group) && m.cfg.Status.Penalty.RelativeQuotas {
		// penalty values are unitless ratios of the default group's quotas
		defaults := m.quotasFor(s, s.Default)
		cpu = props.CPUQuota * defaults.CPU
		mem = props.MemQuota * defaults.Mem
	}
	return usage.Usage{CPU: cpu, Mem: mem}
}

// UpgradePenalty promotes the user into the next penalty tier, capped at the
// highest configured tier, and claims authority for this host.
func (m *Manager) UpgradePenalty(s *Status, now time.Time) string {
	penalties := m.cfg.Status.Penalty.Order
	s.Occurrences = min(s.Occurrences+1, len(penalties))
	s.Timestamp = now.Unix()
	s.OccurTimestamp = s.Timestamp
	s.Current = penalties[s.Occurrences-1]
	s.Authority = m.hostname
	return s.Current
}

// DowngradePenalty restores the user to their default group. The status
// becomes authoritative here regardless of who raised the penalty: every
// host lowers penalties independently as resilience against a peer dying
// while holding authority.
func (m *Manager) DowngradePenalty(s *Status, now time.Time) string {
	s.Current = s.Default
	// This relies on a stated assumption of the sync algorithm: all hosts in
	// a sync group keep their clocks within a few seconds of one another. A
	// central time source can't be used because synchronization must proceed
	// through network failures.
	s.Timestamp = now.Unix()
	// The forgiveness timer starts when the penalty lifted, not when the
	// user entered it
	s.OccurTimestamp = s.Timestamp
	s.Authority = m.hostname
	return s.Current
}

// LowerOccurrences forgives one occurrence, to a floor of zero, and reclaims
// authority: any state change that lowers a user's burden reclaims the right
// to email them next time.
func (m *Manager) LowerOccurrences(s *Status, now time.Time) int {
	s.Occurrences = max(0, s.Occurrences-1)
	s.OccurTimestamp = now.Unix()
	s.Authority = m.hostname
	return s.Occurrences
}

// ResetOccurrencesTimeout restarts the forgiveness timer. Called while a
// user with remembered occurrences is being bad again: forgiveness requires
// staying below the threshold for the whole window.
func (m *Manager) ResetOccurrencesTimeout(s *Status, now time.Time) {
	s.OccurTimestamp = now.Unix()
}

// OverrideStatusGroup sets the current group directly, clearing occurrences.
// The timestamps are set slightly into the future so the override wins the
// next self-sync against whatever this host still holds in memory.
func (m *Manager) OverrideStatusGroup(s *Status, group string, now time.Time) {
	s.Current = group
	s.Occurrences = 0
	s.Timestamp = now.Unix() + 2*int64(m.cfg.General.ArbiterRefresh)
	s.OccurTimestamp = s.Timestamp
}
