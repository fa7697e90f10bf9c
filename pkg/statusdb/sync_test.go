package statusdb

import (
	"testing"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/statuses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Host A raises a penalty; host B syncs with an empty local status. B must
// adopt the penalty with A as authority and must not persist the
// non-authoritative row.
func TestSyncAdoptsPeerPenalty(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Unix()

	dbA := openTestDB(t, dir, "nodeA")
	managerA := testManagerFor("nodeA")
	statusA := managerA.EmptyStatus(1000, nil)
	managerA.UpgradePenalty(&statusA, time.Unix(now, 0))
	require.NoError(t, dbA.WriteStatus(1000, statusA, true))

	dbB := openTestDB(t, dir, "nodeB")
	managerB := testManagerFor("nodeB")
	syncB := NewSynchronizer(dbB, managerB, testLog())

	statusB := managerB.EmptyStatus(1000, nil)
	locals := []LocalStatus{{UID: 1000, Status: &statusB}}
	require.NoError(t, syncB.SyncFromSelf(locals))
	adopted, err := syncB.SyncFromPeers(locals)
	require.NoError(t, err)

	assert.Equal(t, "nodeA", adopted[1000])
	assert.Equal(t, "penalty1", statusB.Current)
	assert.Equal(t, 1, statusB.Occurrences)
	assert.Equal(t, "nodeA", statusB.Authority)

	// B's slice of the store stays empty: non-authoritative statuses are
	// not persisted
	raw, err := dbB.LoadRawStatuses()
	require.NoError(t, err)
	assert.NotContains(t, raw[1000], "nodeB")
	assert.Contains(t, raw[1000], "nodeA")
}

// A second sync against unchanged peer rows must be a no-op.
func TestSyncIdempotent(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Unix()

	dbA := openTestDB(t, dir, "nodeA")
	managerA := testManagerFor("nodeA")
	statusA := managerA.EmptyStatus(1000, nil)
	managerA.UpgradePenalty(&statusA, time.Unix(now, 0))
	require.NoError(t, dbA.WriteStatus(1000, statusA, true))

	dbB := openTestDB(t, dir, "nodeB")
	managerB := testManagerFor("nodeB")
	syncB := NewSynchronizer(dbB, managerB, testLog())

	statusB := managerB.EmptyStatus(1000, nil)
	locals := []LocalStatus{{UID: 1000, Status: &statusB}}
	_, err := syncB.SyncFromPeers(locals)
	require.NoError(t, err)
	afterFirst := statusB

	adopted, err := syncB.SyncFromPeers(locals)
	require.NoError(t, err)
	assert.Empty(t, adopted, "second sync adopts nothing")
	assert.True(t, afterFirst.StrictlyEqual(statusB))
	assert.Equal(t, afterFirst.Authority, statusB.Authority)
}

// An external tool rewrites our own row (a manual status override); the next
// self-sync must adopt it without a restart.
func TestSyncFromSelfAdoptsExternalOverride(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	db := openTestDB(t, dir, "nodeA")
	manager := testManagerFor("nodeA")
	sync := NewSynchronizer(db, manager, testLog())

	// in memory: a live penalty
	status := manager.EmptyStatus(1000, nil)
	manager.UpgradePenalty(&status, now)
	require.NoError(t, db.WriteStatus(1000, status, true))

	// externally: someone overrode the user back to normal with leading
	// timestamps
	override := manager.EmptyStatus(1000, nil)
	manager.OverrideStatusGroup(&override, "normal", now)
	override.Authority = "nodeA"
	require.NoError(t, db.UpsertStatusBatch([]StatusRow{{UID: 1000, Hostname: "nodeA", Status: override}}))

	locals := []LocalStatus{{UID: 1000, Status: &status}}
	require.NoError(t, sync.SyncFromSelf(locals))
	assert.Equal(t, "normal", status.Current)
	assert.Zero(t, status.Occurrences)
}

// Crash leftovers that violate the store invariants are swept at startup.
func TestCleanupStore(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Unix()

	db := openTestDB(t, dir, "nodeA")
	manager := testManagerFor("nodeA")
	sync := NewSynchronizer(db, manager, testLog())

	// an empty status row and a live penalty row
	empty := statuses.Status{Current: "normal", Default: "normal", Timestamp: now, OccurTimestamp: now, Authority: "nodeA"}
	penalty := statuses.Status{Current: "penalty1", Default: "normal", Occurrences: 1, Timestamp: now, OccurTimestamp: now, Authority: "nodeA"}
	require.NoError(t, db.UpsertStatusBatch([]StatusRow{
		{UID: 1000, Hostname: "nodeA", Status: empty},
		{UID: 1001, Hostname: "nodeA", Status: penalty},
	}))

	require.NoError(t, sync.CleanupStore())

	raw, err := db.LoadRawStatuses()
	require.NoError(t, err)
	assert.NotContains(t, raw, 1000, "empty rows are swept")
	assert.Contains(t, raw, 1001, "live penalties survive")
}

// After a crash leaves a stale expired penalty in the store, the surviving
// host lowers it independently and the store row follows.
func TestSyncCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	entered := now.Add(-400 * time.Second) // penalty timeout is 300s

	// host A wrote its penalty row and then "crashed"
	dbA := openTestDB(t, dir, "nodeA")
	managerA := testManagerFor("nodeA")
	statusA := managerA.EmptyStatus(1000, nil)
	managerA.UpgradePenalty(&statusA, entered)
	require.NoError(t, dbA.WriteStatus(1000, statusA, true))

	// host B had adopted the penalty earlier
	dbB := openTestDB(t, dir, "nodeB")
	managerB := testManagerFor("nodeB")
	syncB := NewSynchronizer(dbB, managerB, testLog())
	statusB := statusA
	statusB.Authority = "nodeA"

	// the penalty has served out; B's evaluation downgrades it
	// independently and claims authority
	require.True(t, managerB.PenaltyExpired(statusB, now))
	managerB.DowngradePenalty(&statusB, now)
	assert.Equal(t, "nodeB", statusB.Authority)

	// syncing afterwards must not resurrect A's stale penalty (rule #1)
	locals := []LocalStatus{{UID: 1000, Status: &statusB}}
	_, err := syncB.SyncFromPeers(locals)
	require.NoError(t, err)
	assert.Equal(t, "normal", statusB.Current)
	assert.Equal(t, 1, statusB.Occurrences)
}
