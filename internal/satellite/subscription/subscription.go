// Package subscription implements the Subscription Manager (spec.md §4.5):
// it tracks which shapes a client has asked to sync, deduplicates repeat
// requests for the same shape, and applies the initial data a shape
// delivers in batches sized to stay under SQLite's bound-parameter limit.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/oplog"
)

// maxSQLParameters bounds how many "?" placeholders one INSERT statement
// may carry. SQLite's default SQLITE_MAX_VARIABLE_NUMBER is 999 for
// versions built before 3.32.0 and 32766 after; 999 is the conservative
// choice so a build against either libsqlite3 still works.
const maxSQLParameters = 999

// Replicator is the slice of the Replication Client the Subscription
// Manager drives: sending a shape request.
type Replicator interface {
	Subscribe(ctx context.Context, shapes []model.ShapeRequest) (subscriptionID string, err error)
}

// Handle is returned by Subscribe: Synced resolves once the server has
// delivered the shape's initial data (spec.md §4.5, "a handle whose synced
// future resolves when the server has delivered the initial data").
type Handle struct {
	Subscription *model.Subscription

	done chan struct{}
	err  error
}

// Synced blocks until the subscription is fulfilled or errors, or ctx is
// cancelled first. Calling Synced more than once (or from more than one
// goroutine) is safe: done is only ever closed, never sent on.
func (h *Handle) Synced(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager tracks in-flight and fulfilled subscriptions, keyed by the exact
// set of shape definitions requested (so asking for the same table twice
// is a no-op, not a second subscription).
type Manager struct {
	adapter *dbadapter.Adapter
	repl    Replicator

	mu           sync.Mutex
	byDefinition map[string]*Handle // definitionKey -> handle
	byID         map[string]*Handle
}

// New constructs a Manager over adapter, whose _electric_meta
// "subscriptions" key is the durable record of what has been requested.
func New(adapter *dbadapter.Adapter, repl Replicator) *Manager {
	return &Manager{
		adapter:      adapter,
		repl:         repl,
		byDefinition: make(map[string]*Handle),
		byID:         make(map[string]*Handle),
	}
}

// Subscribe requests shapes, deduplicating against any subscription that
// already covers the exact same definition set: if one is already
// in-flight its handle is returned as-is (so callers share the same
// Synced future); if one is already fulfilled, an immediately-resolved
// handle is returned.
func (m *Manager) Subscribe(ctx context.Context, shapes []model.ShapeDefinition) (*Handle, error) {
	key := definitionSetKey(shapes)

	m.mu.Lock()
	if existing, ok := m.byDefinition[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	requests := make([]model.ShapeRequest, len(shapes))
	for i, def := range shapes {
		id, err := newRequestID()
		if err != nil {
			return nil, fmt.Errorf("allocate request id: %w", err)
		}
		requests[i] = model.ShapeRequest{RequestID: id, Definition: def}
	}

	subID, err := m.repl.Subscribe(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("request subscription: %w", err)
	}

	sub := &model.Subscription{ID: subID, ShapeRequests: requests, State: model.SubRequested}
	handle := &Handle{Subscription: sub, done: make(chan struct{})}

	m.mu.Lock()
	m.byDefinition[key] = handle
	m.byID[subID] = handle
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		return handle, err
	}
	return handle, nil
}

// LoadPersisted restores delivered subscriptions from the "subscriptions"
// meta row written by a prior process (spec.md §4.7 step 5, "load ...
// subscriptions meta"). Only SubDelivered entries are restored with an
// already-resolved Handle: a SubRequested entry never got its
// SubscriptionData before the process stopped, so there is nothing to
// replay it from, and it is simply dropped (the caller re-subscribes if it
// still wants that shape).
func (m *Manager) LoadPersisted(ctx context.Context) error {
	val, err := dbadapter.RunInTransaction(ctx, m.adapter, func(tx *dbadapter.Tx) (string, error) {
		v, ok, err := oplog.GetMeta(ctx, tx, oplog.MetaSubscriptions)
		if err != nil || !ok {
			return "", err
		}
		return v, nil
	})
	if err != nil {
		return fmt.Errorf("load persisted subscriptions: %w", err)
	}
	if val == "" {
		return nil
	}

	var stored []storedSubscription
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return fmt.Errorf("decode persisted subscriptions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range stored {
		if s.State != model.SubDelivered {
			continue
		}
		sub := &model.Subscription{ID: s.ID, ShapeRequests: s.ShapeRequests, State: s.State}
		handle := &Handle{Subscription: sub, done: make(chan struct{})}
		close(handle.done)
		m.byID[s.ID] = handle
		key := definitionsKey(s.ShapeRequests)
		m.byDefinition[key] = handle
	}
	return nil
}

func definitionsKey(requests []model.ShapeRequest) string {
	defs := make([]model.ShapeDefinition, len(requests))
	for i, r := range requests {
		defs[i] = r.Definition
	}
	return definitionSetKey(defs)
}

// FulfilledDefinitions returns the shape definitions of every currently
// delivered subscription, used by the Lifecycle Controller's
// behind-window recovery to re-subscribe after a state reset.
func (m *Manager) FulfilledDefinitions() [][]model.ShapeDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]model.ShapeDefinition
	for _, h := range m.byID {
		if h.Subscription.State != model.SubDelivered {
			continue
		}
		defs := make([]model.ShapeDefinition, len(h.Subscription.ShapeRequests))
		for i, r := range h.Subscription.ShapeRequests {
			defs[i] = r.Definition
		}
		out = append(out, defs)
	}
	return out
}

// FulfilledSubscriptionIDs returns the subscription IDs the replication
// client should pass as resumeSubscriptions to startReplication (spec.md
// §4.7 step 8's resumeSubscriptions argument).
func (m *Manager) FulfilledSubscriptionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, h := range m.byID {
		if h.Subscription.State == model.SubDelivered {
			ids = append(ids, id)
		}
	}
	return ids
}

// ApplyShapeData writes a shape's initial rows into the user table and
// its matching shadow rows, committing lsn atomically with the
// subscription's Delivered transition (spec.md §4.5: "the LSN advance and
// the subscriptions record update happen in the same transaction as the
// data, or not at all").
func (m *Manager) ApplyShapeData(ctx context.Context, subID string, namespace, table string, rows []map[string]any, tagStr string, lsn []byte) error {
	m.mu.Lock()
	handle, ok := m.byID[subID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("apply shape data: unknown subscription %s", subID)
	}
	sub := handle.Subscription

	cols, err := oplog.TableColumns(ctx, m.adapter, table)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(cols))
	for _, c := range cols {
		known[c.Name] = true
	}

	// A shape apply writes the user table and its shadow rows, so it runs
	// under the adapter's cross-process write lock (spec.md §5's
	// single-writer assumption), the same as the Snapshotter and Applier.
	err = m.adapter.WithWriteLock(func() error {
		_, err := dbadapter.RunInTransaction(ctx, m.adapter, func(tx *dbadapter.Tx) (struct{}, error) {
			if err := oplog.SetTriggersEnabled(ctx, tx, table, false); err != nil {
				return struct{}{}, err
			}
			defer oplog.SetTriggersEnabled(ctx, tx, table, true)

			for _, batch := range batchRows(rows, cols) {
				if err := insertBatch(ctx, tx, table, cols, known, batch); err != nil {
					return struct{}{}, err
				}
				if err := upsertShadowBatch(ctx, tx, namespace, table, batch, cols, tagStr); err != nil {
					return struct{}{}, err
				}
			}

			if len(lsn) > 0 {
				if err := oplog.SetMeta(ctx, tx, oplog.MetaLSN, string(lsn)); err != nil {
					return struct{}{}, err
				}
			}

			sub.State = model.SubDelivered
			encoded, err := encodeSubscriptions(m.snapshotLocked())
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, oplog.SetMeta(ctx, tx, oplog.MetaSubscriptions, encoded)
		})
		return err
	})
	if err != nil {
		slog.Warn("subscription data apply failed, resetting client state", "subscriptionId", subID, "err", err)
		m.resetClientState(subID, err)
		return fmt.Errorf("apply shape data for %s: %w", table, err)
	}
	close(handle.done)
	return nil
}

// OnSubscriptionError handles a server-reported shape error: per spec.md
// §4.5 there is no partial-shape recovery, so the whole subscription (and
// only that subscription) is torn down and its state reset so the caller
// can re-subscribe from scratch. The failing Handle's Synced future
// resolves with err.
func (m *Manager) OnSubscriptionError(subID string, err error) {
	slog.Warn("subscription error from server, resetting local state", "subscriptionId", subID, "err", err)
	m.resetClientState(subID, err)
}

func (m *Manager) resetClientState(subID string, err error) {
	m.mu.Lock()
	handle, ok := m.byID[subID]
	if ok {
		delete(m.byID, subID)
		for key, h := range m.byDefinition {
			if h.Subscription.ID == subID {
				delete(m.byDefinition, key)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	handle.err = err
	close(handle.done)
}

func (m *Manager) snapshotLocked() []*model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Subscription, 0, len(m.byID))
	for _, h := range m.byID {
		out = append(out, h.Subscription)
	}
	return out
}

func (m *Manager) persist(ctx context.Context) error {
	encoded, err := encodeSubscriptions(m.snapshotLocked())
	if err != nil {
		return err
	}
	return m.adapter.WithWriteLock(func() error {
		_, err := dbadapter.RunInTransaction(ctx, m.adapter, func(tx *dbadapter.Tx) (struct{}, error) {
			return struct{}{}, oplog.SetMeta(ctx, tx, oplog.MetaSubscriptions, encoded)
		})
		return err
	})
}

type storedSubscription struct {
	ID            string                `json:"id"`
	ShapeRequests []model.ShapeRequest  `json:"shapeRequests"`
	State         model.SubscriptionState `json:"state"`
}

func encodeSubscriptions(subs []*model.Subscription) (string, error) {
	stored := make([]storedSubscription, 0, len(subs))
	for _, s := range subs {
		stored = append(stored, storedSubscription{ID: s.ID, ShapeRequests: s.ShapeRequests, State: s.State})
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("encode subscriptions: %w", err)
	}
	return string(data), nil
}

// batchRows splits rows into chunks whose placeholder count
// (len(cols) * len(batch)) stays under maxSQLParameters.
func batchRows(rows []map[string]any, cols []oplog.ColumnInfo) [][]map[string]any {
	if len(cols) == 0 {
		return nil
	}
	perRow := len(cols)
	batchSize := maxSQLParameters / perRow
	if batchSize < 1 {
		batchSize = 1
	}

	var batches [][]map[string]any
	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[i:end])
	}
	return batches
}

func insertBatch(ctx context.Context, tx *dbadapter.Tx, table string, cols []oplog.ColumnInfo, known map[string]bool, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, fmt.Sprintf("%q", c.Name))
	}

	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	placeholderGroup := "(" + strings.Join(placeholders, ", ") + ")"

	groups := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		groups[i] = placeholderGroup
		for _, c := range cols {
			if !known[c.Name] {
				continue
			}
			args = append(args, row[c.Name])
		}
	}

	query := fmt.Sprintf(`INSERT INTO %q (%s) VALUES %s ON CONFLICT DO NOTHING`,
		table, strings.Join(names, ", "), strings.Join(groups, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func upsertShadowBatch(ctx context.Context, tx *dbadapter.Tx, namespace, table string, rows []map[string]any, cols []oplog.ColumnInfo, tagStr string) error {
	pk := oplog.PrimaryKeyColumns(cols)
	for _, row := range rows {
		pkObj := make(map[string]any, len(pk))
		for _, name := range pk {
			pkObj[name] = row[name]
		}
		pkJSON, err := model.EncodeColumns(pkObj)
		if err != nil {
			return err
		}
		key := oplog.Key{Namespace: namespace, TableName: table, PrimaryKey: pkJSON}
		if err := oplog.UpsertShadow(ctx, tx, key, tagStr); err != nil {
			return err
		}
	}
	return nil
}

func definitionSetKey(shapes []model.ShapeDefinition) string {
	key := ""
	for _, s := range shapes {
		key += s.Namespace + "." + s.Table + ";"
	}
	return key
}

func newRequestID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
