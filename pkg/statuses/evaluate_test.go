package statuses

import (
	"testing"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/badness"
	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	m := testManager()
	now := time.Now()

	type scenario struct {
		name     string
		status   Status
		badness  badness.Badness
		expected Action
	}

	scenarios := []scenario{
		{
			"violation triggers a penalty",
			Status{Current: "normal", Default: "normal"},
			badness.Badness{CPU: 100},
			ActionUpgradePenalty,
		},
		{
			"violation across both resources",
			Status{Current: "normal", Default: "normal"},
			badness.Badness{CPU: 60, Mem: 45},
			ActionUpgradePenalty,
		},
		{
			"nonzero badness without occurrences is just logged",
			Status{Current: "normal", Default: "normal"},
			badness.Badness{CPU: 20},
			ActionNone,
		},
		{
			"nonzero badness restarts the forgiveness window",
			Status{Current: "normal", Default: "normal", Occurrences: 1, OccurTimestamp: now.Unix()},
			badness.Badness{CPU: 20},
			ActionResetOccurTimeout,
		},
		{
			"good behavior for the whole window forgives an occurrence",
			Status{Current: "normal", Default: "normal", Occurrences: 1, OccurTimestamp: now.Unix() - 700},
			badness.Badness{},
			ActionLowerOccurrences,
		},
		{
			"good behavior inside the window does nothing",
			Status{Current: "normal", Default: "normal", Occurrences: 1, OccurTimestamp: now.Unix() - 100},
			badness.Badness{},
			ActionNone,
		},
		{
			"a served penalty is downgraded",
			Status{Current: "penalty1", Default: "normal", Occurrences: 1, Timestamp: now.Unix() - 400},
			badness.Badness{},
			ActionDowngradePenalty,
		},
		{
			"an unserved penalty waits",
			Status{Current: "penalty1", Default: "normal", Occurrences: 1, Timestamp: now.Unix() - 100},
			badness.Badness{},
			ActionNone,
		},
		{
			// the penalty branch is checked first: badness is suppressed in
			// penalty, but even a lingering score must not re-trigger
			"violation while in penalty does not upgrade",
			Status{Current: "penalty1", Default: "normal", Occurrences: 1, Timestamp: now.Unix() - 100},
			badness.Badness{CPU: 100},
			ActionNone,
		},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			assert.Equal(t, s.expected, m.Evaluate(s.status, s.badness, now))
		})
	}
}

// The forgiveness scenario end to end: penalty served, then a full quiet
// occurrence window, and the user is back to an empty record.
func TestForgivenessSequence(t *testing.T) {
	m := testManager()
	now := time.Now()

	s := Status{Current: "normal", Default: "normal"}
	m.UpgradePenalty(&s, now)
	assert.Equal(t, "penalty1", s.Current)

	// penalty timeout is 300s
	afterPenalty := now.Add(301 * time.Second)
	assert.Equal(t, ActionDowngradePenalty, m.Evaluate(s, badness.Badness{}, afterPenalty))
	m.DowngradePenalty(&s, afterPenalty)
	assert.Equal(t, "normal", s.Current)
	assert.Equal(t, 1, s.Occurrences)

	// occur timeout is 600s of continued quiet
	afterQuiet := afterPenalty.Add(601 * time.Second)
	assert.Equal(t, ActionLowerOccurrences, m.Evaluate(s, badness.Badness{}, afterQuiet))
	m.LowerOccurrences(&s, afterQuiet)

	assert.True(t, m.IsEmpty(s, 1000, nil), "forgiven user should drop out of the store")
}
