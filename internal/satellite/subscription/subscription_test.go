package subscription

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/oplog"
)

func openTestAdapter(t *testing.T) *dbadapter.Adapter {
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
	return adapter
}

func createUsersTable(t *testing.T, adapter *dbadapter.Adapter) {
	t.Helper()
	_, err := adapter.ExecContext(context.Background(), `CREATE TABLE users (id TEXT PRIMARY KEY, name TEXT)`)
	if err != nil {
		t.Fatalf("create users table: %v", err)
	}
}

// stubReplicator hands back a canned subscription ID without talking to a
// real server, mirroring how a fake collaborator is wired in for unit tests
// elsewhere in the host repository's sync engine tests.
type stubReplicator struct {
	id  string
	err error
}

func (s *stubReplicator) Subscribe(ctx context.Context, shapes []model.ShapeRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.id, nil
}

func TestSubscribeDeduplicatesSameDefinitionSet(t *testing.T) {
	adapter := openTestAdapter(t)
	m := New(adapter, &stubReplicator{id: "sub-1"})

	shapes := []model.ShapeDefinition{{Namespace: "main", Table: "users"}}

	h1, err := m.Subscribe(context.Background(), shapes)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	h2, err := m.Subscribe(context.Background(), shapes)
	if err != nil {
		t.Fatalf("second Subscribe() error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("Subscribe() returned distinct handles for the same definition set")
	}
}

func TestSubscribeSyncedBlocksUntilApplyShapeData(t *testing.T) {
	adapter := openTestAdapter(t)
	createUsersTable(t, adapter)
	m := New(adapter, &stubReplicator{id: "sub-1"})

	shapes := []model.ShapeDefinition{{Namespace: "main", Table: "users"}}
	handle, err := m.Subscribe(context.Background(), shapes)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- handle.Synced(context.Background()) }()

	select {
	case <-done:
		t.Fatalf("Synced() returned before ApplyShapeData")
	default:
	}

	rows := []map[string]any{{"id": "1", "name": "alice"}}
	if err := m.ApplyShapeData(context.Background(), "sub-1", "main", "users", rows, "[]", []byte("lsn-1")); err != nil {
		t.Fatalf("ApplyShapeData() error: %v", err)
	}

	if err := <-done; err != nil {
		t.Errorf("Synced() error: %v", err)
	}
	if handle.Subscription.State != model.SubDelivered {
		t.Errorf("Subscription.State = %v, want SubDelivered", handle.Subscription.State)
	}
}

func TestApplyShapeDataUnknownSubscription(t *testing.T) {
	adapter := openTestAdapter(t)
	createUsersTable(t, adapter)
	m := New(adapter, &stubReplicator{id: "sub-1"})

	err := m.ApplyShapeData(context.Background(), "does-not-exist", "main", "users", nil, "[]", nil)
	if err == nil {
		t.Fatalf("ApplyShapeData() error = nil, want error for unknown subscription")
	}
}

func TestOnSubscriptionErrorResolvesHandleWithError(t *testing.T) {
	adapter := openTestAdapter(t)
	m := New(adapter, &stubReplicator{id: "sub-1"})

	shapes := []model.ShapeDefinition{{Namespace: "main", Table: "users"}}
	handle, err := m.Subscribe(context.Background(), shapes)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	wantErr := context.DeadlineExceeded
	m.OnSubscriptionError("sub-1", wantErr)

	if err := handle.Synced(context.Background()); err != wantErr {
		t.Errorf("Synced() error = %v, want %v", err, wantErr)
	}

	// Re-subscribing to the same shapes after a reset should request a new
	// subscription rather than reuse the torn-down handle.
	second, err := m.Subscribe(context.Background(), shapes)
	if err != nil {
		t.Fatalf("Subscribe() after reset error: %v", err)
	}
	if second == handle {
		t.Errorf("Subscribe() after reset returned the torn-down handle")
	}
}

func TestFulfilledDefinitionsAndSubscriptionIDs(t *testing.T) {
	adapter := openTestAdapter(t)
	createUsersTable(t, adapter)
	m := New(adapter, &stubReplicator{id: "sub-1"})

	shapes := []model.ShapeDefinition{{Namespace: "main", Table: "users"}}
	if _, err := m.Subscribe(context.Background(), shapes); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if got := m.FulfilledSubscriptionIDs(); len(got) != 0 {
		t.Fatalf("FulfilledSubscriptionIDs() = %v before delivery, want empty", got)
	}

	if err := m.ApplyShapeData(context.Background(), "sub-1", "main", "users", nil, "[]", nil); err != nil {
		t.Fatalf("ApplyShapeData() error: %v", err)
	}

	ids := m.FulfilledSubscriptionIDs()
	if len(ids) != 1 || ids[0] != "sub-1" {
		t.Errorf("FulfilledSubscriptionIDs() = %v, want [sub-1]", ids)
	}

	defs := m.FulfilledDefinitions()
	if len(defs) != 1 || len(defs[0]) != 1 || defs[0][0] != shapes[0] {
		t.Errorf("FulfilledDefinitions() = %v, want [[%v]]", defs, shapes[0])
	}
}

func TestLoadPersistedRestoresDeliveredOnly(t *testing.T) {
	adapter := openTestAdapter(t)
	createUsersTable(t, adapter)
	m := New(adapter, &stubReplicator{id: "sub-1"})

	shapes := []model.ShapeDefinition{{Namespace: "main", Table: "users"}}
	if _, err := m.Subscribe(context.Background(), shapes); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := m.ApplyShapeData(context.Background(), "sub-1", "main", "users", nil, "[]", nil); err != nil {
		t.Fatalf("ApplyShapeData() error: %v", err)
	}

	// A fresh Manager over the same adapter simulates a process restart.
	fresh := New(adapter, &stubReplicator{})
	if err := fresh.LoadPersisted(context.Background()); err != nil {
		t.Fatalf("LoadPersisted() error: %v", err)
	}

	ids := fresh.FulfilledSubscriptionIDs()
	if len(ids) != 1 || ids[0] != "sub-1" {
		t.Fatalf("FulfilledSubscriptionIDs() after LoadPersisted = %v, want [sub-1]", ids)
	}

	// The restored handle must already be resolved, since its data was
	// delivered by a prior process.
	restored, err := fresh.Subscribe(context.Background(), shapes)
	if err != nil {
		t.Fatalf("Subscribe() after LoadPersisted error: %v", err)
	}
	if err := restored.Synced(context.Background()); err != nil {
		t.Errorf("Synced() on restored handle error: %v", err)
	}
}

func TestDefinitionSetKeyOrderSensitive(t *testing.T) {
	a := []model.ShapeDefinition{{Namespace: "main", Table: "users"}, {Namespace: "main", Table: "posts"}}
	b := []model.ShapeDefinition{{Namespace: "main", Table: "posts"}, {Namespace: "main", Table: "users"}}
	if definitionSetKey(a) == definitionSetKey(b) {
		t.Errorf("definitionSetKey() treated differently-ordered shape sets as equal")
	}
}

func TestBatchRowsRespectsParameterLimit(t *testing.T) {
	cols := make([]oplog.ColumnInfo, 500)
	for i := range cols {
		cols[i] = oplog.ColumnInfo{Name: "c"}
	}
	rows := make([]map[string]any, 3)
	for i := range rows {
		rows[i] = map[string]any{}
	}

	batches := batchRows(rows, cols)
	for _, b := range batches {
		if len(b)*len(cols) > maxSQLParameters {
			t.Errorf("batch of %d rows * %d cols exceeds maxSQLParameters=%d", len(b), len(cols), maxSQLParameters)
		}
	}

	var total int
	for _, b := range batches {
		total += len(b)
	}
	if total != len(rows) {
		t.Errorf("batchRows() dropped rows: got %d total, want %d", total, len(rows))
	}
}

func TestBatchRowsEmptyColumns(t *testing.T) {
	if got := batchRows([]map[string]any{{}}, nil); got != nil {
		t.Errorf("batchRows() with no columns = %v, want nil", got)
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a, err := newRequestID()
	if err != nil {
		t.Fatalf("newRequestID() error: %v", err)
	}
	b, err := newRequestID()
	if err != nil {
		t.Fatalf("newRequestID() error: %v", err)
	}
	if a == b {
		t.Errorf("newRequestID() produced duplicate IDs: %q", a)
	}
}
