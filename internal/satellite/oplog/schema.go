// Package oplog owns the on-disk system tables — meta, oplog, shadow,
// migrations, and per-table trigger flags — and the triggers that populate
// the oplog on every user write.
package oplog

import "fmt"

// SchemaVersion identifies the fixed bootstrap schema for the system
// tables below. It is independent of any user-table migration version.
const SchemaVersion = 1

const systemSchema = `
CREATE TABLE IF NOT EXISTS _electric_meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS _electric_oplog (
	rowid      INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace  TEXT NOT NULL,
	tablename  TEXT NOT NULL,
	optype     TEXT NOT NULL,
	primaryKey TEXT NOT NULL,
	newRow     TEXT,
	oldRow     TEXT,
	timestamp  TEXT,
	clearTags  TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_electric_oplog_timestamp ON _electric_oplog(timestamp);
CREATE INDEX IF NOT EXISTS idx_electric_oplog_table_pk ON _electric_oplog(namespace, tablename, primaryKey);

CREATE TABLE IF NOT EXISTS _electric_shadow (
	namespace  TEXT NOT NULL,
	tablename  TEXT NOT NULL,
	primaryKey TEXT NOT NULL,
	tags       TEXT NOT NULL,
	PRIMARY KEY (namespace, tablename, primaryKey)
);

CREATE TABLE IF NOT EXISTS _electric_migrations (
	version    TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _electric_triggers (
	tablename TEXT PRIMARY KEY,
	flag      INTEGER NOT NULL DEFAULT 1
);
`

// EnsureSystemTables creates the system tables if they do not already
// exist. It is idempotent and safe to call on every startup.
func EnsureSystemTables(exec func(string, ...any) error) error {
	if err := exec(systemSchema); err != nil {
		return fmt.Errorf("create electric system tables: %w", err)
	}
	return nil
}

// qualify returns the fully-qualified "main.<table>" name spec.md §4.1
// requires every trigger and DML statement to use.
func qualify(table string) string {
	return "main." + table
}
