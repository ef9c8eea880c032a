// Package merge implements the Merger/Applier (spec.md §4.4): it folds an
// incoming transaction against whatever local writes are still pending
// acknowledgement, resolves per-row conflicts with the tag algebra, and
// writes the result back into both the user's tables and the shadow store
// inside a single transaction with oplog capture disabled.
package merge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/oplog"
	"github.com/electric-sql/satellite/internal/satellite/tagset"
)

// Snapshotter is the slice of the Snapshotter the Applier needs: Apply
// calls Request before each DML chunk of an incoming transaction.
type Snapshotter interface {
	Request(ctx context.Context) error
}

// Listener is notified once per applied transaction, after the write
// commits. Listeners are registered with OnTransaction.
type Listener func(model.Transaction)

// Applier owns conflict resolution and the write path for incoming
// transactions.
type Applier struct {
	adapter   *dbadapter.Adapter
	namespace string
	clientID  string
	snapshot  Snapshotter

	mu        sync.Mutex
	relations map[string][]oplog.ColumnInfo
	listeners []Listener
}

// New constructs an Applier. snapshot may be nil until the Lifecycle
// Controller wires one up; Apply simply skips the pre-DML snapshot step in
// that case.
func New(adapter *dbadapter.Adapter, namespace, clientID string, snapshot Snapshotter) *Applier {
	return &Applier{
		adapter:   adapter,
		namespace: namespace,
		clientID:  clientID,
		snapshot:  snapshot,
		relations: make(map[string][]oplog.ColumnInfo),
	}
}

// OnTransaction registers fn to be called after every transaction this
// Applier writes successfully.
func (a *Applier) OnTransaction(fn Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// chunk is a maximal run of same-kind changes, preserving the original
// order spec.md §4.4 step 2 requires ("split into DML/DDL chunks without
// reordering").
type chunk struct {
	isDDL   bool
	changes []model.Change
}

func splitChunks(changes []model.Change) []chunk {
	var chunks []chunk
	for _, c := range changes {
		if len(chunks) > 0 && chunks[len(chunks)-1].isDDL == c.IsDDL() {
			last := &chunks[len(chunks)-1]
			last.changes = append(last.changes, c)
			continue
		}
		chunks = append(chunks, chunk{isDDL: c.IsDDL(), changes: []model.Change{c}})
	}
	return chunks
}

// Apply runs the full step 1-8 algorithm for one incoming transaction.
func (a *Applier) Apply(ctx context.Context, txn model.Transaction) error {
	isOwnAck := txn.Origin == a.clientID

	// Apply writes to user tables and the shadow store, so it runs under
	// the adapter's cross-process write lock (spec.md §5's single-writer
	// assumption) the same as the Snapshotter and Subscription Manager.
	err := a.adapter.WithWriteLock(func() error {
		_, err := dbadapter.RunInTransaction(ctx, a.adapter, func(tx *dbadapter.Tx) (struct{}, error) {
			// Step 1: persist the new LSN before doing anything else, so a
			// crash mid-apply still leaves lastAckdRowId/lsn consistent with
			// what was actually written.
			if len(txn.LSN) > 0 {
				if err := oplog.SetMeta(ctx, tx, oplog.MetaLSN, string(txn.LSN)); err != nil {
					return struct{}{}, err
				}
			}

			lastAckd, err := readMetaInt(ctx, tx, oplog.MetaLastAckdRowID)
			if err != nil {
				return struct{}{}, err
			}
			pendingLocal, err := oplog.PendingRows(ctx, tx, lastAckd, false)
			if err != nil {
				return struct{}{}, err
			}

			affectedTables := map[string]bool{}
			for _, c := range txn.Changes {
				if c.Data != nil {
					_, table := splitRelation(c.Data.Relation)
					affectedTables[table] = true
				} else if c.DDL != nil && c.DDL.Table != "" {
					affectedTables[c.DDL.Table] = true
				}
			}
			for table := range affectedTables {
				if err := oplog.SetTriggersEnabled(ctx, tx, table, false); err != nil {
					return struct{}{}, err
				}
			}
			defer func() {
				for table := range affectedTables {
					oplog.SetTriggersEnabled(ctx, tx, table, true)
				}
			}()

			commitTag := tagset.Generate(txn.Origin, commitTimestampToTime(txn.CommitTimestamp))

			// Step 2: split into DML/DDL chunks, preserving order.
			for _, ch := range splitChunks(txn.Changes) {
				if ch.isDDL {
					if err := a.applyDDLChunk(ctx, tx, ch.changes); err != nil {
						return struct{}{}, err
					}
					continue
				}
				// Step 3: snapshot local state before this DML chunk lands,
				// so foldLocal below sees a consistent, fully-promoted view.
				if a.snapshot != nil {
					if err := a.snapshot.Request(ctx); err != nil {
						return struct{}{}, fmt.Errorf("pre-apply snapshot: %w", err)
					}
				}
				if err := a.applyDMLChunk(ctx, tx, ch.changes, pendingLocal, commitTag); err != nil {
					return struct{}{}, err
				}
			}

			if isOwnAck {
				// Step 8 (GC half): a round-trip ack of our own transaction
				// means every oplog row this node wrote at that commit
				// timestamp is now redundant with what just landed in the
				// user tables, so it is deleted outright (testable property
				// 3), and lastAckdRowId advances so the applier stops
				// re-folding those rows into future merges.
				commitTS := commitTimestampToTime(txn.CommitTimestamp).Format(oplogTimestampLayout)
				if _, err := oplog.DeleteOplogRowsByTimestamp(ctx, tx, commitTS); err != nil {
					return struct{}{}, err
				}

				var maxRowID int64
				for _, r := range pendingLocal {
					if r.Timestamp.Valid && r.Timestamp.String == commitTS && r.RowID > maxRowID {
						maxRowID = r.RowID
					}
				}
				if maxRowID > 0 {
					if err := oplog.SetMeta(ctx, tx, oplog.MetaLastAckdRowID, fmt.Sprintf("%d", maxRowID)); err != nil {
						return struct{}{}, err
					}
				}
			}

			return struct{}{}, nil
		})
		return err
	})
	if err != nil {
		return err
	}

	a.notify(txn)
	return nil
}

func (a *Applier) applyDDLChunk(ctx context.Context, tx *dbadapter.Tx, changes []model.Change) error {
	for _, c := range changes {
		if c.DDL == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, c.DDL.SQL); err != nil {
			return fmt.Errorf("apply schema change: %w", err)
		}
		a.mu.Lock()
		delete(a.relations, c.DDL.Table)
		a.mu.Unlock()
		if c.DDL.Table != "" {
			if err := oplog.InstallTriggers(ctx, tx, a.namespace, c.DDL.Table); err != nil {
				return fmt.Errorf("regenerate triggers for %s: %w", c.DDL.Table, err)
			}
		}
	}
	return nil
}

func (a *Applier) applyDMLChunk(ctx context.Context, tx *dbadapter.Tx, changes []model.Change, pendingLocal []oplog.Row, commitTag tagset.Tag) error {
	byKey := map[oplog.Key][]model.DataChange{}
	var order []oplog.Key
	for _, c := range changes {
		if c.Data == nil {
			continue
		}
		_, table := splitRelation(c.Data.Relation)
		pk, err := primaryKeyJSON(ctx, tx, table, c.Data)
		if err != nil {
			return err
		}
		key := oplog.Key{Namespace: a.namespace, TableName: table, PrimaryKey: pk}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], *c.Data)
	}

	for _, key := range order {
		cols, err := a.columnsFor(ctx, tx, key.TableName)
		if err != nil {
			return err
		}

		local, err := foldLocal(ctx, tx, cols, key, pendingLocal)
		if err != nil {
			return err
		}
		incoming := foldIncoming(byKey[key], commitTag)
		resolved := resolve(local, incoming)

		if err := writeResolved(ctx, tx, key, cols, resolved); err != nil {
			return err
		}
	}
	return nil
}

func writeResolved(ctx context.Context, tx *dbadapter.Tx, key oplog.Key, cols []oplog.ColumnInfo, resolved shadowEntryChanges) error {
	if resolved.optype == model.RecordDelete {
		if err := oplog.DeleteShadow(ctx, tx, key); err != nil {
			return err
		}
		return deleteRow(ctx, tx, key, cols)
	}

	if err := oplog.UpsertShadow(ctx, tx, key, resolved.tags.Encode()); err != nil {
		return err
	}
	return upsertRow(ctx, tx, key, cols, resolved.fullRow)
}

func deleteRow(ctx context.Context, tx *dbadapter.Tx, key oplog.Key, cols []oplog.ColumnInfo) error {
	pk := oplog.PrimaryKeyColumns(cols)
	pkValues, err := decodePK(key.PrimaryKey)
	if err != nil {
		return err
	}
	where := make([]string, 0, len(pk))
	args := make([]any, 0, len(pk))
	for _, name := range pk {
		where = append(where, fmt.Sprintf("%q = ?", name))
		args = append(args, pkValues[name])
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE %s`, key.TableName, strings.Join(where, " AND ")), args...)
	return err
}

func upsertRow(ctx context.Context, tx *dbadapter.Tx, key oplog.Key, cols []oplog.ColumnInfo, row map[string]any) error {
	if row == nil {
		return nil
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}
	filtered := filterKnownColumns(row, known)
	if len(filtered) == 0 {
		return nil
	}

	names := make([]string, 0, len(filtered))
	placeholders := make([]string, 0, len(filtered))
	updates := make([]string, 0, len(filtered))
	args := make([]any, 0, len(filtered))
	for name, val := range filtered {
		names = append(names, fmt.Sprintf("%q", name))
		placeholders = append(placeholders, "?")
		updates = append(updates, fmt.Sprintf("%q = excluded.%q", name, name))
		args = append(args, val)
	}

	pk := oplog.PrimaryKeyColumns(cols)
	conflictCols := make([]string, 0, len(pk))
	for _, name := range pk {
		conflictCols = append(conflictCols, fmt.Sprintf("%q", name))
	}

	query := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		key.TableName, strings.Join(names, ", "), strings.Join(placeholders, ", "),
		strings.Join(conflictCols, ", "), strings.Join(updates, ", "))

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (a *Applier) columnsFor(ctx context.Context, tx *dbadapter.Tx, table string) ([]oplog.ColumnInfo, error) {
	a.mu.Lock()
	cols, ok := a.relations[table]
	a.mu.Unlock()
	if ok {
		return cols, nil
	}
	cols, err := oplog.TableColumns(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.relations[table] = cols
	a.mu.Unlock()
	return cols, nil
}

func (a *Applier) notify(txn model.Transaction) {
	a.mu.Lock()
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()
	for _, l := range listeners {
		l(txn)
	}
}

func primaryKeyJSON(ctx context.Context, tx *dbadapter.Tx, table string, dc *model.DataChange) (string, error) {
	row := dc.NewRecord
	if row == nil {
		row = dc.OldRecord
	}
	cols, err := oplog.TableColumns(ctx, tx, table)
	if err != nil {
		return "", err
	}
	pk := oplog.PrimaryKeyColumns(cols)
	obj := make(map[string]any, len(pk))
	for _, name := range pk {
		obj[name] = row[name]
	}
	return model.EncodeColumns(obj)
}

func decodePK(raw string) (map[string]any, error) {
	return model.DecodeColumns(raw)
}

func splitRelation(relation string) (namespace, table string) {
	if i := strings.LastIndex(relation, "."); i >= 0 {
		return relation[:i], relation[i+1:]
	}
	return "", relation
}

func commitTimestampToTime(commitMillis int64) time.Time {
	return time.UnixMilli(commitMillis).UTC()
}

// oplogTimestampLayout matches the ISO8601-millisecond format the
// Snapshotter stamps onto _electric_oplog.timestamp and tagset.Generate
// uses for the tag's timestamp component.
const oplogTimestampLayout = "2006-01-02T15:04:05.000Z"

func readMetaInt(ctx context.Context, tx *dbadapter.Tx, key string) (int64, error) {
	val, ok, err := oplog.GetMeta(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if !ok || val == "" {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse meta %s=%q: %w", key, val, err)
	}
	return n, nil
}
