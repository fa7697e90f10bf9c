package statusdb

import (
	"fmt"

	"github.com/chpc-uofu/arbiter/pkg/badness"
	"github.com/chpc-uofu/arbiter/pkg/statuses"
)

// StatusRow is one status relation row.
type StatusRow struct {
	UID      int
	Hostname string
	Status   statuses.Status
}

// LoadRawStatuses returns every status row in our sync group, as a map of
// uid to per-hostname statuses. Each status's authority is the hostname of
// the row it came from.
func (d *DB) LoadRawStatuses() (map[int]map[string]statuses.Status, error) {
	var result map[int]map[string]statuses.Status
	err := d.withRetry("status load", func() error {
		rows, err := d.db.Query(fmt.Sprintf(
			"SELECT uid, current_status, default_status, occurrences, timestamp, occurrences_timestamp, hostname FROM %s WHERE sync_group = ?",
			statusTable), d.syncGroup)
		if err != nil {
			return err
		}
		defer rows.Close()

		knownHosts := map[string]struct{}{}
		result = map[int]map[string]statuses.Status{}
		for rows.Next() {
			var row StatusRow
			if err := rows.Scan(
				&row.UID, &row.Status.Current, &row.Status.Default, &row.Status.Occurrences,
				&row.Status.Timestamp, &row.Status.OccurTimestamp, &row.Hostname,
			); err != nil {
				return err
			}
			row.Status.Authority = row.Hostname
			knownHosts[row.Hostname] = struct{}{}

			if result[row.UID] == nil {
				result[row.UID] = map[string]statuses.Status{}
			}
			result[row.UID][row.Hostname] = row.Status
			if row.Hostname == d.hostname {
				d.storedStatusUIDs[row.UID] = struct{}{}
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		// only remember hosts from a load that succeeded
		d.knownSyncingHosts = knownHosts

		// side-cleanup: rows of ours left behind under a different sync
		// group (the host was moved between groups) must not linger
		_, err = d.db.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE hostname = ? AND sync_group != ?", statusTable),
			d.hostname, d.syncGroup)
		return err
	})
	return result, err
}

// UpsertStatusBatch writes the given rows, one upsert per row inside a
// single transaction.
func (d *DB) UpsertStatusBatch(rows []StatusRow) error {
	if len(rows) == 0 {
		return nil
	}
	return d.withRetry("status upsert", func() error {
		tx, err := d.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(fmt.Sprintf(
			"REPLACE INTO %s (uid, current_status, default_status, occurrences, timestamp, occurrences_timestamp, hostname, sync_group) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			statusTable))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.Exec(
				row.UID, row.Status.Current, row.Status.Default, row.Status.Occurrences,
				row.Status.Timestamp, row.Status.OccurTimestamp, row.Hostname, d.syncGroup,
			); err != nil {
				return err
			}
			if row.Hostname == d.hostname {
				d.storedStatusUIDs[row.UID] = struct{}{}
			}
		}
		return tx.Commit()
	})
}

// DeleteStatus removes our host's status row for the uid.
func (d *DB) DeleteStatus(uid int) error {
	err := d.withRetry("status delete", func() error {
		_, err := d.db.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE uid = ? AND hostname = ? AND sync_group = ?", statusTable),
			uid, d.hostname, d.syncGroup)
		return err
	})
	if err == nil {
		delete(d.storedStatusUIDs, uid)
	}
	return err
}

// WriteStatus persists our host's view of one user, enforcing the store
// invariants: a non-authoritative status is never persisted for our host
// (only the host that owns a penalty may claim it across restarts), and an
// empty row already in the store is deleted once it stops qualifying.
func (d *DB) WriteStatus(uid int, status statuses.Status, persistable bool) error {
	if !status.Authoritative(d.hostname) || !persistable {
		if _, stored := d.storedStatusUIDs[uid]; stored {
			return d.DeleteStatus(uid)
		}
		return nil
	}
	return d.UpsertStatusBatch([]StatusRow{{UID: uid, Hostname: d.hostname, Status: status}})
}

// LoadBadness returns our own host's badness rows in our sync group.
// Badness is never imported from peers: it measures usage on this machine
// only.
func (d *DB) LoadBadness() (map[int]badness.Badness, error) {
	var result map[int]badness.Badness
	err := d.withRetry("badness load", func() error {
		rows, err := d.db.Query(fmt.Sprintf(
			"SELECT uid, timestamp, cpu_badness, mem_badness FROM %s WHERE hostname = ? AND sync_group = ?",
			badnessTable), d.hostname, d.syncGroup)
		if err != nil {
			return err
		}
		defer rows.Close()

		result = map[int]badness.Badness{}
		for rows.Next() {
			var uid int
			var ts int64
			var cpu, mem float64
			if err := rows.Scan(&uid, &ts, &cpu, &mem); err != nil {
				return err
			}
			result[uid] = badness.New(cpu, mem, ts)
			d.storedBadnessUIDs[uid] = struct{}{}
		}
		return rows.Err()
	})
	return result, err
}

// UpsertBadnessBatch writes our host's badness for the given users,
// enforcing the invariant that zero badness is never persisted: a user whose
// score decayed to zero has their row deleted instead, so they don't inherit
// a stale score across a restart.
func (d *DB) UpsertBadnessBatch(scores map[int]badness.Badness) error {
	inserts := make(map[int]badness.Badness, len(scores))
	for uid, b := range scores {
		if b.IsGood() {
			if _, stored := d.storedBadnessUIDs[uid]; stored {
				if err := d.DeleteBadness(uid); err != nil {
					return err
				}
			}
			continue
		}
		inserts[uid] = b
	}
	if len(inserts) == 0 {
		return nil
	}

	return d.withRetry("badness upsert", func() error {
		tx, err := d.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(fmt.Sprintf(
			"REPLACE INTO %s (uid, timestamp, cpu_badness, mem_badness, hostname, sync_group) VALUES (?, ?, ?, ?, ?, ?)",
			badnessTable))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for uid, b := range inserts {
			if _, err := stmt.Exec(uid, b.UpdatedTS, b.CPU, b.Mem, d.hostname, d.syncGroup); err != nil {
				return err
			}
			d.storedBadnessUIDs[uid] = struct{}{}
		}
		return tx.Commit()
	})
}

// DeleteBadness removes our host's badness row for the uid.
func (d *DB) DeleteBadness(uid int) error {
	err := d.withRetry("badness delete", func() error {
		_, err := d.db.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE uid = ? AND hostname = ? AND sync_group = ?", badnessTable),
			uid, d.hostname, d.syncGroup)
		return err
	})
	if err == nil {
		delete(d.storedBadnessUIDs, uid)
	}
	return err
}
