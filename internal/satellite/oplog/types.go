package oplog

import (
	"context"
	"database/sql"
	"fmt"
)

// OpType enumerates the oplog row kinds from spec.md §3.
type OpType string

const (
	Insert     OpType = "INSERT"
	Update     OpType = "UPDATE"
	Delete     OpType = "DELETE"
	Compensate OpType = "COMPENSATION"
)

// Row is a single oplog entry. Timestamp is nil until a snapshot promotes
// it (invariant 3: rows with Timestamp == nil have RowID > lastAckdRowId).
type Row struct {
	RowID      int64
	Namespace  string
	TableName  string
	OpType     OpType
	PrimaryKey string // canonical JSON encoding, declared column order
	NewRow     sql.NullString
	OldRow     sql.NullString
	Timestamp  sql.NullString // ISO8601 UTC millis once assigned
	ClearTags  string         // JSON-encoded tag set
}

// Key identifies the (namespace, tablename, primaryKey) triple a shadow row
// or a fold of oplog rows is keyed by.
type Key struct {
	Namespace  string
	TableName  string
	PrimaryKey string
}

// ShadowRow mirrors _electric_shadow: exactly one exists per live row.
type ShadowRow struct {
	Key
	Tags string // JSON-encoded tag set
}

// PendingRows returns every oplog row with RowID > sinceRowID, ordered by
// RowID. Used both by the Snapshotter (timestamp IS NULL rows) and the
// Applier (getEntries(since=lastAckdRowId)).
func PendingRows(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, sinceRowID int64, onlyUntimestamped bool) ([]Row, error) {
	query := `SELECT rowid, namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags
		FROM _electric_oplog WHERE rowid > ?`
	if onlyUntimestamped {
		query += ` AND timestamp IS NULL`
	}
	query += ` ORDER BY rowid ASC`

	rows, err := q.QueryContext(ctx, query, sinceRowID)
	if err != nil {
		return nil, fmt.Errorf("query pending oplog rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.RowID, &r.Namespace, &r.TableName, &r.OpType, &r.PrimaryKey,
			&r.NewRow, &r.OldRow, &r.Timestamp, &r.ClearTags); err != nil {
			return nil, fmt.Errorf("scan oplog row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ShadowTags returns the current tag set for key, or "[]" if no shadow row
// exists (invariant 2: absent shadow row ⇔ row observed deleted).
func ShadowTags(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key Key) (string, error) {
	var tags string
	err := q.QueryRowContext(ctx,
		`SELECT tags FROM _electric_shadow WHERE namespace = ? AND tablename = ? AND primaryKey = ?`,
		key.Namespace, key.TableName, key.PrimaryKey).Scan(&tags)
	if err == sql.ErrNoRows {
		return "[]", nil
	}
	if err != nil {
		return "", fmt.Errorf("query shadow tags: %w", err)
	}
	return tags, nil
}

// UpsertShadow writes tags for key, creating or replacing the shadow row.
func UpsertShadow(ctx context.Context, x interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, key Key, tags string) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO _electric_shadow (namespace, tablename, primaryKey, tags) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, tablename, primaryKey) DO UPDATE SET tags = excluded.tags`,
		key.Namespace, key.TableName, key.PrimaryKey, tags)
	if err != nil {
		return fmt.Errorf("upsert shadow row: %w", err)
	}
	return nil
}

// DeleteShadow removes the shadow row for key (invariant 2).
func DeleteShadow(ctx context.Context, x interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, key Key) error {
	_, err := x.ExecContext(ctx,
		`DELETE FROM _electric_shadow WHERE namespace = ? AND tablename = ? AND primaryKey = ?`,
		key.Namespace, key.TableName, key.PrimaryKey)
	if err != nil {
		return fmt.Errorf("delete shadow row: %w", err)
	}
	return nil
}

// Meta keys recognized by spec.md §3.
const (
	MetaClientID      = "clientId"
	MetaLSN           = "lsn"
	MetaLastAckdRowID = "lastAckdRowId"
	MetaLastSentRowID = "lastSentRowId"
	MetaSubscriptions = "subscriptions"
)

// GetMeta reads a single meta value, returning ("", false) if absent.
func GetMeta(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM _electric_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a meta value, creating or replacing the row.
func SetMeta(ctx context.Context, x interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, key, value string) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO _electric_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// DeleteOplogRowsByTimestamp deletes every oplog row whose timestamp
// equals ts — the GC step after a round-trip ack (spec.md §4.4 step 8).
func DeleteOplogRowsByTimestamp(ctx context.Context, x interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, ts string) (int64, error) {
	res, err := x.ExecContext(ctx, `DELETE FROM _electric_oplog WHERE timestamp = ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("gc acked oplog rows: %w", err)
	}
	return res.RowsAffected()
}
