package statuses

import (
	"time"

	"github.com/chpc-uofu/arbiter/pkg/badness"
)

// Action is what the state machine decided should happen to a user this
// tick. The caller applies the matching transition plus its side effects
// (quotas, store writes, notifications).
type Action int

const (
	// ActionNone means nothing changes this tick
	ActionNone Action = iota

	// ActionUpgradePenalty means the user violated the policy and moves into
	// (or up in) penalty
	ActionUpgradePenalty

	// ActionResetOccurTimeout means a user with remembered occurrences is
	// bad again, so the forgiveness timer restarts
	ActionResetOccurTimeout

	// ActionLowerOccurrences means the user has been good for the whole
	// forgiveness window and one occurrence is forgiven
	ActionLowerOccurrences

	// ActionDowngradePenalty means the user has served out their penalty
	ActionDowngradePenalty
)

func (a Action) String() string {
	switch a {
	case ActionUpgradePenalty:
		return "upgrade penalty"
	case ActionResetOccurTimeout:
		return "reset occurrences timeout"
	case ActionLowerOccurrences:
		return "lower occurrences"
	case ActionDowngradePenalty:
		return "downgrade penalty"
	default:
		return "none"
	}
}

// Evaluate runs the decision table for one user, top to bottom, first match
// wins. It never mutates anything; it only decides.
func (m *Manager) Evaluate(s Status, b badness.Badness, now time.Time) Action {
	if !m.InPenalty(s) {
		switch {
		case b.IsViolation():
			return ActionUpgradePenalty
		case b.IsBad():
			if s.Occurrences > 0 {
				return ActionResetOccurTimeout
			}
			return ActionNone
		case s.Occurrences > 0 && m.OccurrencesExpired(s, now):
			return ActionLowerOccurrences
		default:
			return ActionNone
		}
	}

	if m.PenaltyExpired(s, now) {
		return ActionDowngradePenalty
	}
	return ActionNone
}
