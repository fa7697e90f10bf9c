package statusdb

import (
	"time"

	"github.com/chpc-uofu/arbiter/pkg/statuses"
	"github.com/sirupsen/logrus"
)

// Synchronizer reconciles this host's in-memory statuses against the shared
// store every tick, without a central coordinator. The key to its resilience
// is that each host independently adjusts its statuses before syncing, so a
// user never stays stuck with penalty quotas because the host that raised
// the penalty crashed.
//
// Assumptions (stated, not enforced): every host in the sync group runs the
// same version and configuration, and wall clocks agree within a few
// seconds. Short network partitions are tolerated; on reconnection the
// most-recent-timestamp rule restores agreement.
type Synchronizer struct {
	db      *DB
	manager *statuses.Manager
	log     *logrus.Entry
}

// NewSynchronizer returns a synchronizer over the given store.
func NewSynchronizer(db *DB, manager *statuses.Manager, log *logrus.Entry) *Synchronizer {
	return &Synchronizer{db: db, manager: manager, log: log}
}

// LocalStatus is one user's in-memory status, handed to the synchronizer for
// resolution in place.
type LocalStatus struct {
	UID    int
	GIDs   []int
	Status *statuses.Status
}

// SyncFromSelf resolves each user's in-memory status against this host's own
// database row, adopting the row when it is newer. This is what lets a
// manual status-override utility take effect without an Arbiter restart.
// Only adopted rows are written back; a status that keeps its in-memory
// value is not written here.
func (s *Synchronizer) SyncFromSelf(locals []LocalStatus) error {
	raw, err := s.db.LoadRawStatuses()
	if err != nil {
		return err
	}

	for _, local := range locals {
		dbStatus, ok := raw[local.UID][s.db.Hostname()]
		if !ok {
			continue
		}
		before := *local.Status
		if s.manager.ResolveWithSelf(local.Status, dbStatus) {
			s.log.Debugf("Database sync: %d's status on %s (%s) is being replaced with their own status in the database (%s)",
				local.UID, s.db.Hostname(), before.String(), local.Status.String())
			if err := s.writeResolved(local); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncFromPeers resolves each user's in-memory status against every peer row
// and persists the rows that changed. Returns the uids that adopted another
// host's status, mapped to that host.
//
// There is technically a race between reading peer rows and writing our own:
// a peer may update its row in between. That is fine because each host only
// writes its own per-host slice, and our write carries timestamps taken from
// the read, so a fresher peer entry simply out-dates ours at the next sync,
// one refresh later.
func (s *Synchronizer) SyncFromPeers(locals []LocalStatus) (map[int]string, error) {
	raw, err := s.db.LoadRawStatuses()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	adopted := map[int]string{}
	for _, local := range locals {
		peerStatuses := map[string]statuses.Status{}
		for host, status := range raw[local.UID] {
			if host != s.db.Hostname() {
				peerStatuses[host] = status
			}
		}

		before := *local.Status
		wasEmpty := s.manager.IsEmpty(before, local.UID, local.GIDs)
		winner := s.manager.ResolveWithPeers(local.Status, peerStatuses, now)

		if before.StrictlyEqual(*local.Status) {
			continue
		}
		adopted[local.UID] = winner

		switch {
		case !wasEmpty && s.manager.IsEmpty(*local.Status, local.UID, local.GIDs):
			s.log.Debugf("Database sync: %d's status on %s (%s) is being restored to their empty/default",
				local.UID, s.db.Hostname(), local.Status.String())
		case winner == s.db.Hostname():
			s.log.Debugf("Database sync: %d's status on %s (%s) is being updated to %s",
				local.UID, s.db.Hostname(), before.String(), local.Status.String())
		default:
			s.log.Debugf("Database sync: %d's status on %s (%s) is being replaced with %s's (%s)",
				local.UID, s.db.Hostname(), before.String(), winner, local.Status.String())
		}

		if err := s.writeResolved(local); err != nil {
			return adopted, err
		}
	}
	return adopted, nil
}

// writeResolved persists one user's post-resolution status under the store's
// integrity rules: empty rows are deleted rather than upserted.
func (s *Synchronizer) writeResolved(local LocalStatus) error {
	persistable := !s.manager.IsEmpty(*local.Status, local.UID, local.GIDs)
	return s.db.WriteStatus(local.UID, *local.Status, persistable)
}

// CleanupStore removes rows of ours that no longer satisfy the store
// invariants: empty statuses and zero badness scores. Run at startup because
// a crash between a transition and its write can leave such rows behind.
func (s *Synchronizer) CleanupStore() error {
	raw, err := s.db.LoadRawStatuses()
	if err != nil {
		return err
	}
	for uid, hosts := range raw {
		status, ok := hosts[s.db.Hostname()]
		if ok && status.Current == status.Default && status.Occurrences == 0 {
			if err := s.db.DeleteStatus(uid); err != nil {
				return err
			}
		}
	}

	scores, err := s.db.LoadBadness()
	if err != nil {
		return err
	}
	for uid, b := range scores {
		if b.IsGood() {
			if err := s.db.DeleteBadness(uid); err != nil {
				return err
			}
		}
	}
	return nil
}
