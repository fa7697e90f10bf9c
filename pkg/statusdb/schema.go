package statusdb

import "fmt"

// Linux defines hostnames to be up to 64 bytes (man 2 gethostname), hence
// the VARCHAR sizes.
var statusSchemaV3 = []string{
	"uid INTEGER NOT NULL",
	"current_status TEXT NOT NULL",
	"default_status TEXT NOT NULL",
	"occurrences INTEGER NOT NULL",
	"timestamp INTEGER NOT NULL",
	"occurrences_timestamp INTEGER NOT NULL",
	"hostname VARCHAR(64) NOT NULL",
	"sync_group VARCHAR(64)",
	"CONSTRAINT same_user PRIMARY KEY(uid, hostname)",
}

var badnessSchemaV3 = []string{
	"uid INTEGER NOT NULL",
	"timestamp INTEGER NOT NULL",
	"cpu_badness REAL NOT NULL",
	"mem_badness REAL NOT NULL",
	"hostname VARCHAR(64) NOT NULL",
	"sync_group VARCHAR(64)",
	"CONSTRAINT same_user PRIMARY KEY(uid, hostname)",
}

// EnsureTablesV3 creates the status and badness tables, migrating older
// schemas first. Migration renames the old table to old_<name> and creates a
// fresh v3 table rather than adding columns in place: the rename is
// idempotent across engines and keeps the old rows around for inspection.
// Returns whether any table was created and whether a migration happened.
func (d *DB) EnsureTablesV3() (created, migrated bool, err error) {
	for _, table := range []struct {
		name   string
		schema []string
	}{
		{statusTable, statusSchemaV3},
		{badnessTable, badnessSchemaV3},
	} {
		tableCreated, tableMigrated, err := d.ensureTable(table.name, table.schema)
		if err != nil {
			return created, migrated, err
		}
		created = created || tableCreated
		migrated = migrated || tableMigrated
	}
	return created, migrated, nil
}

func (d *DB) ensureTable(name string, schema []string) (created, migrated bool, err error) {
	exists, err := d.tableExists(name)
	if err != nil {
		return false, false, err
	}

	if exists && !d.columnExists(name, "sync_group") {
		// v1/v2 table; move it aside and start fresh
		d.log.Infof("statusdb table %s has a pre-v3 schema; renaming to old_%s", name, name)
		if _, err := d.db.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO old_%s", name, name)); err != nil {
			return false, false, fmt.Errorf("migrating statusdb table %s: %w", name, err)
		}
		migrated = true
		exists = false
	}

	if !exists {
		columns := ""
		for i, col := range schema {
			if i > 0 {
				columns += ", "
			}
			columns += col
		}
		if _, err := d.db.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", name, columns)); err != nil {
			return false, migrated, fmt.Errorf("creating statusdb table %s: %w", name, err)
		}
		created = true
		return created, migrated, nil
	}

	// Up-to-date schema exists; clean up rows our host left under a
	// different sync group
	_, err = d.db.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE hostname = ? AND sync_group != ?", name),
		d.hostname, d.syncGroup,
	)
	return created, migrated, err
}

func (d *DB) tableExists(name string) (bool, error) {
	rows, err := d.db.Query(fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", name))
	if err != nil {
		// both engines report a missing table as a plain query error; there
		// is no portable sentinel to match on
		return false, nil
	}
	defer rows.Close()
	return true, rows.Err()
}

func (d *DB) columnExists(table, column string) bool {
	rows, err := d.db.Query(fmt.Sprintf("SELECT %s FROM %s LIMIT 1", column, table))
	if err != nil {
		return false
	}
	defer rows.Close()
	return true
}
