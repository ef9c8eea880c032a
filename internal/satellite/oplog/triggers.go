package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ColumnInfo describes one column of a user table, as read from
// pragma_table_info. merge.Applier caches it per table on first use and
// drops a table's entry when a DDL change touches it; inbound Relation
// messages do not update it.
type ColumnInfo struct {
	Name       string
	Type       string
	IsNullable bool
	PrimaryKey bool
}

// Execer is satisfied by both *sql.DB and *sql.Tx, letting schema
// introspection and trigger (re)installation run either against the live
// connection (startup) or inside an in-flight transaction (DDL apply).
type Execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

// TableColumns introspects a user table via PRAGMA table_info, the same
// mechanism spec.md §3 requires for rebuilding the relation cache at
// startup.
func TableColumns(ctx context.Context, conn Execer, table string) ([]ColumnInfo, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info row: %w", err)
		}
		cols = append(cols, ColumnInfo{
			Name:       name,
			Type:       ctype,
			IsNullable: notnull == 0,
			PrimaryKey: pk > 0,
		})
	}
	return cols, rows.Err()
}

// PrimaryKeyColumns returns the primary-key columns of cols in declared
// order, matching the canonical primaryKey JSON encoding spec.md §3
// requires ("primary-key columns in declared order").
func PrimaryKeyColumns(cols []ColumnInfo) []string {
	var pk []string
	for _, c := range cols {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// jsonObjectExpr builds a SQLite json_object(...) expression over NEW or
// OLD referencing every column, used by the generated triggers to capture
// a full row snapshot into the oplog's newRow/oldRow columns.
func jsonObjectExpr(alias string, cols []ColumnInfo) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%q, %s.%q", c.Name, alias, c.Name))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// pkJSONExpr builds the canonical primary-key JSON object expression over
// alias, in declared column order.
func pkJSONExpr(alias string, pk []string) string {
	parts := make([]string, 0, len(pk))
	for _, name := range pk {
		parts = append(parts, fmt.Sprintf("%q, %s.%q", name, alias, name))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// InstallTriggers generates and installs the INSERT/UPDATE/DELETE triggers
// for a user table over its current columns, replacing any it installed
// before, and ensures a gating row exists in _electric_triggers
// (flag=1, enabled) unless one is already present. Each trigger is guarded
// by that flag so the Applier can disable capture while writing merged
// remote changes back to the same table.
func InstallTriggers(ctx context.Context, conn Execer, namespace, table string) error {
	cols, err := TableColumns(ctx, conn, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("table %s has no columns or does not exist", table)
	}
	pk := PrimaryKeyColumns(cols)
	if len(pk) == 0 {
		return fmt.Errorf("table %s has no primary key; cannot install oplog triggers", table)
	}

	qualified := qualify(table)
	flagGuard := fmt.Sprintf(
		"(SELECT flag FROM _electric_triggers WHERE tablename = %s) = 1", quoteLit(table))

	insertTrigger := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %s
AFTER INSERT ON %s
WHEN %s
BEGIN
	INSERT INTO _electric_oplog (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags)
	VALUES (%s, %s, 'INSERT', %s, %s, NULL, NULL, '[]');
END;`, triggerName(table, "insert"), qualified, flagGuard,
		quoteLit(namespace), quoteLit(table), pkJSONExpr("NEW", pk), jsonObjectExpr("NEW", cols))

	updateTrigger := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %s
AFTER UPDATE ON %s
WHEN %s
BEGIN
	INSERT INTO _electric_oplog (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags)
	VALUES (%s, %s, 'UPDATE', %s, %s, %s, NULL, '[]');
END;`, triggerName(table, "update"), qualified, flagGuard,
		quoteLit(namespace), quoteLit(table), pkJSONExpr("NEW", pk), jsonObjectExpr("NEW", cols), jsonObjectExpr("OLD", cols))

	deleteTrigger := fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %s
AFTER DELETE ON %s
WHEN %s
BEGIN
	INSERT INTO _electric_oplog (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags)
	VALUES (%s, %s, 'DELETE', %s, NULL, %s, NULL, '[]');
END;`, triggerName(table, "delete"), qualified, flagGuard,
		quoteLit(namespace), quoteLit(table), pkJSONExpr("OLD", pk), jsonObjectExpr("OLD", cols))

	for _, kind := range []string{"insert", "update", "delete"} {
		if _, err := conn.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+triggerName(table, kind)); err != nil {
			return fmt.Errorf("drop trigger on %s: %w", table, err)
		}
	}
	for _, stmt := range []string{insertTrigger, updateTrigger, deleteTrigger} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install trigger on %s: %w", table, err)
		}
	}

	_, err = conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO _electric_triggers (tablename, flag) VALUES (?, 1)`, table)
	if err != nil {
		return fmt.Errorf("register trigger flag for %s: %w", table, err)
	}
	return nil
}

// SetTriggersEnabled flips the _electric_triggers gate for table. The
// Applier calls this with enabled=false before writing merged remote rows
// back to user tables, and enabled=true once the write completes, so
// applying a remote transaction never itself produces new oplog rows.
func SetTriggersEnabled(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, table string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := execer.ExecContext(ctx,
		`INSERT INTO _electric_triggers (tablename, flag) VALUES (?, ?)
		 ON CONFLICT(tablename) DO UPDATE SET flag = excluded.flag`, table, flag)
	if err != nil {
		return fmt.Errorf("set trigger flag for %s: %w", table, err)
	}
	return nil
}

func triggerName(table, kind string) string {
	return fmt.Sprintf("_electric_trigger_%s_%s", sanitizeIdent(table), kind)
}

// sanitizeIdent keeps generated trigger names readable while avoiding
// characters SQLite would otherwise require quoting.
func sanitizeIdent(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '-' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}

// quoteLit produces a single-quoted SQL string literal. Only used to embed
// already-known, caller-controlled identifiers (namespace/table names) as
// literals inside generated trigger bodies — never user data.
func quoteLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
