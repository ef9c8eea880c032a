package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/oplog"
	"github.com/electric-sql/satellite/internal/satellite/tagset"
)

func setupApplierTest(t *testing.T) (*dbadapter.Adapter, *Applier) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "satellite.db")
	adapter, err := dbadapter.Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	if err := oplog.EnsureSystemTables(func(q string, args ...any) error {
		_, err := adapter.ExecContext(context.Background(), q, args...)
		return err
	}); err != nil {
		t.Fatalf("EnsureSystemTables() error: %v", err)
	}
	if _, err := adapter.ExecContext(context.Background(), `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create items table: %v", err)
	}
	if err := oplog.InstallTriggers(context.Background(), adapter, "main", "items"); err != nil {
		t.Fatalf("InstallTriggers() error: %v", err)
	}

	applier := New(adapter, "main", "local-client", nil)
	return adapter, applier
}

func TestApplyInsertWritesRowAndShadow(t *testing.T) {
	adapter, applier := setupApplierTest(t)
	ctx := context.Background()

	txn := model.Transaction{
		Origin:          "remote-client",
		CommitTimestamp: 1700000000000,
		Changes: []model.Change{
			{Data: &model.DataChange{
				Relation:   "main.items",
				RecordType: model.RecordInsert,
				NewRecord:  map[string]any{"id": "1", "name": "widget"},
			}},
		},
	}

	if err := applier.Apply(ctx, txn); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	var name string
	if err := adapter.QueryRowContext(ctx, `SELECT name FROM items WHERE id = ?`, "1").Scan(&name); err != nil {
		t.Fatalf("query inserted row: %v", err)
	}
	if name != "widget" {
		t.Errorf("name = %q, want widget", name)
	}

	var shadowCount int
	if err := adapter.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _electric_shadow WHERE tablename = 'items'`).Scan(&shadowCount); err != nil {
		t.Fatalf("count shadow rows: %v", err)
	}
	if shadowCount != 1 {
		t.Errorf("shadow row count = %d, want 1", shadowCount)
	}
}

func TestApplyDeleteRemovesRowAndShadow(t *testing.T) {
	adapter, applier := setupApplierTest(t)
	ctx := context.Background()

	insert := model.Transaction{
		Origin: "remote-client", CommitTimestamp: 1,
		Changes: []model.Change{{Data: &model.DataChange{
			Relation: "main.items", RecordType: model.RecordInsert,
			NewRecord: map[string]any{"id": "1", "name": "widget"},
		}}},
	}
	if err := applier.Apply(ctx, insert); err != nil {
		t.Fatalf("Apply(insert) error: %v", err)
	}

	// A real remote delete carries, as its wire Tags, the shadow tags its
	// own node observed immediately before deleting (spec.md §4.2's
	// observation rule; snapshot.go's emitPending sends exactly the
	// originating oplog row's clearTags as this field). Here that is the
	// tag the insert above just persisted.
	insertTag := tagset.Generate("remote-client", time.UnixMilli(1))
	del := model.Transaction{
		Origin: "remote-client", CommitTimestamp: 2,
		Changes: []model.Change{{Data: &model.DataChange{
			Relation: "main.items", RecordType: model.RecordDelete,
			OldRecord: map[string]any{"id": "1", "name": "widget"},
			Tags:      []string{string(insertTag)},
		}}},
	}
	if err := applier.Apply(ctx, del); err != nil {
		t.Fatalf("Apply(delete) error: %v", err)
	}

	var count int
	if err := adapter.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = ?`, "1").Scan(&count); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if count != 0 {
		t.Errorf("item count after delete = %d, want 0", count)
	}

	var shadowCount int
	if err := adapter.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _electric_shadow WHERE tablename = 'items'`).Scan(&shadowCount); err != nil {
		t.Fatalf("count shadow rows: %v", err)
	}
	if shadowCount != 0 {
		t.Errorf("shadow row count after delete = %d, want 0", shadowCount)
	}
}

func TestApplyDDLChunkExecutesSchemaChange(t *testing.T) {
	adapter, applier := setupApplierTest(t)
	ctx := context.Background()

	txn := model.Transaction{
		Origin: "remote-client", CommitTimestamp: 1,
		Changes: []model.Change{{DDL: &model.SchemaChange{
			SQL:           `ALTER TABLE items ADD COLUMN price INTEGER`,
			Table:         "items",
			MigrationType: model.MigrationAlterTable,
			Version:       "2",
		}}},
	}
	if err := applier.Apply(ctx, txn); err != nil {
		t.Fatalf("Apply(ddl) error: %v", err)
	}

	cols, err := oplog.TableColumns(ctx, adapter, "items")
	if err != nil {
		t.Fatalf("TableColumns() error: %v", err)
	}
	var found bool
	for _, c := range cols {
		if c.Name == "price" {
			found = true
		}
	}
	if !found {
		t.Errorf("items columns = %+v, want to include price", cols)
	}
}

func TestApplyNotifiesListeners(t *testing.T) {
	_, applier := setupApplierTest(t)
	ctx := context.Background()

	var notified []model.Transaction
	applier.OnTransaction(func(tx model.Transaction) { notified = append(notified, tx) })

	txn := model.Transaction{
		Origin: "remote-client", CommitTimestamp: 1,
		Changes: []model.Change{{Data: &model.DataChange{
			Relation: "main.items", RecordType: model.RecordInsert,
			NewRecord: map[string]any{"id": "1", "name": "widget"},
		}}},
	}
	if err := applier.Apply(ctx, txn); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if len(notified) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notified))
	}
	if notified[0].Origin != "remote-client" {
		t.Errorf("notified Origin = %q, want remote-client", notified[0].Origin)
	}
}

func TestApplyOwnAckGarbageCollectsAckedOplogRows(t *testing.T) {
	adapter, applier := setupApplierTest(t)
	ctx := context.Background()

	// Simulate a local write a snapshot already promoted: a timestamped
	// oplog row plus the shadow row it produced, as snapshot.performSnapshot
	// would leave behind (spec.md §4.3 steps 1 and 3).
	const commitTS = "2024-01-02T03:04:05.678Z"
	if _, err := adapter.ExecContext(ctx,
		`INSERT INTO _electric_oplog (namespace, tablename, optype, primaryKey, newRow, oldRow, timestamp, clearTags)
		 VALUES ('main', 'items', 'INSERT', '{"id":"1"}', '{"id":"1","name":"widget"}', NULL, ?, '[]')`,
		commitTS); err != nil {
		t.Fatalf("seed oplog row: %v", err)
	}
	if _, err := adapter.ExecContext(ctx,
		`INSERT INTO _electric_shadow (namespace, tablename, primaryKey, tags) VALUES ('main', 'items', '{"id":"1"}', '["local-client@`+commitTS+`"]')`); err != nil {
		t.Fatalf("seed shadow row: %v", err)
	}
	// Disable the trigger while seeding directly, so this insert doesn't
	// itself produce a second (untimestamped) oplog row alongside the one
	// already seeded above.
	if err := oplog.SetTriggersEnabled(ctx, adapter, "items", false); err != nil {
		t.Fatalf("disable triggers: %v", err)
	}
	if _, err := adapter.ExecContext(ctx,
		`INSERT INTO items (id, name) VALUES ('1', 'widget')`); err != nil {
		t.Fatalf("seed items row: %v", err)
	}
	if err := oplog.SetTriggersEnabled(ctx, adapter, "items", true); err != nil {
		t.Fatalf("re-enable triggers: %v", err)
	}

	// The server replays our own write back as a round-trip ack: same
	// origin as this applier's clientId, same commit timestamp.
	commitMs := int64(1704164645678) // commitTS in epoch millis
	ack := model.Transaction{
		Origin: "local-client", CommitTimestamp: commitMs,
		Changes: []model.Change{{Data: &model.DataChange{
			Relation: "main.items", RecordType: model.RecordInsert,
			NewRecord: map[string]any{"id": "1", "name": "widget"},
		}}},
	}
	if err := applier.Apply(ctx, ack); err != nil {
		t.Fatalf("Apply(ack) error: %v", err)
	}

	var oplogCount int
	if err := adapter.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _electric_oplog WHERE timestamp = ?`, commitTS).Scan(&oplogCount); err != nil {
		t.Fatalf("count oplog rows: %v", err)
	}
	if oplogCount != 0 {
		t.Errorf("oplog rows with timestamp %s = %d, want 0 (GC'd by own-ack)", commitTS, oplogCount)
	}

	lastAckd, ok, err := oplog.GetMeta(ctx, adapter, oplog.MetaLastAckdRowID)
	if err != nil {
		t.Fatalf("GetMeta(lastAckdRowId) error: %v", err)
	}
	if !ok || lastAckd == "0" || lastAckd == "" {
		t.Errorf("lastAckdRowId = %q, want it advanced past the acked row", lastAckd)
	}
}

func TestSplitChunksPreservesOrderAndGroupsAdjacentSameKind(t *testing.T) {
	dml := model.Change{Data: &model.DataChange{Relation: "main.items"}}
	ddl := model.Change{DDL: &model.SchemaChange{Table: "items"}}

	chunks := splitChunks([]model.Change{dml, dml, ddl, dml})
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].isDDL || len(chunks[0].changes) != 2 {
		t.Errorf("chunk 0 = %+v, want 2 DML changes", chunks[0])
	}
	if !chunks[1].isDDL || len(chunks[1].changes) != 1 {
		t.Errorf("chunk 1 = %+v, want 1 DDL change", chunks[1])
	}
	if chunks[2].isDDL || len(chunks[2].changes) != 1 {
		t.Errorf("chunk 2 = %+v, want 1 DML change", chunks[2])
	}
}

func TestFilterKnownColumnsDropsUnknownAndInvalidNames(t *testing.T) {
	known := map[string]bool{"id": true, "name": true}
	row := map[string]any{"id": "1", "name": "a", "extra": "x", "bad-name": "y"}

	got := filterKnownColumns(row, known)
	if len(got) != 2 {
		t.Fatalf("filterKnownColumns() = %+v, want 2 entries", got)
	}
	if _, ok := got["extra"]; ok {
		t.Errorf("filterKnownColumns() kept unknown column %q", "extra")
	}
}
