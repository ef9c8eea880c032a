// Package snapshot implements the Snapshotter (spec.md §4.3): it promotes
// un-timestamped oplog rows into a committed local snapshot, reconciles the
// shadow store, and emits newly-committed rows as outbound transactions.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/oplog"
	"github.com/electric-sql/satellite/internal/satellite/tagset"
)

// Emitter is the slice of the Replication Client the Snapshotter needs:
// enqueueing outbound transactions.
type Emitter interface {
	EnqueueTransaction(tx model.Transaction) error
}

// Clock is injected so tests can control "now" without sleeping; production
// code uses time.Now.
type Clock func() time.Time

// Snapshotter periodically promotes pending oplog rows into a snapshot.
// Concurrency model per spec.md §5: a dedicated mutex serializes
// performSnapshot, a boolean guard detects re-entrancy (programmer error),
// and a throttle keyed by minWindow coalesces concurrent requests so the
// trailing one runs once the window elapses.
type Snapshotter struct {
	adapter   *dbadapter.Adapter
	namespace string
	clientID  string
	minWindow time.Duration
	now       Clock
	emitter   Emitter

	mu       sync.Mutex // serializes performSnapshot
	running  bool       // re-entrancy guard

	throttleMu  sync.Mutex
	lastRun     time.Time
	timer       *time.Timer
	trailingReq bool
}

// New constructs a Snapshotter. emitter may be nil (e.g. while offline);
// in that case promoted rows simply accumulate until an emitter is
// attached and Request is called again.
func New(adapter *dbadapter.Adapter, namespace, clientID string, minWindow time.Duration, emitter Emitter) *Snapshotter {
	return &Snapshotter{
		adapter:   adapter,
		namespace: namespace,
		clientID:  clientID,
		minWindow: minWindow,
		now:       time.Now,
		emitter:   emitter,
	}
}

// SetEmitter attaches (or replaces) the outbound transaction sink, used
// when the Lifecycle Controller transitions from disconnected to
// connected.
func (s *Snapshotter) SetEmitter(e Emitter) {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	s.emitter = e
}

// Request asks for a snapshot, throttled to at most one per minWindow.
// Concurrent requests coalesce; if a snapshot ran less than minWindow ago,
// the request is deferred and a single trailing run is scheduled for when
// the window elapses.
func (s *Snapshotter) Request(ctx context.Context) error {
	s.throttleMu.Lock()
	elapsed := s.now().Sub(s.lastRun)
	if s.lastRun.IsZero() || elapsed >= s.minWindow {
		s.lastRun = s.now()
		s.throttleMu.Unlock()
		return s.performSnapshot(ctx)
	}

	if s.timer != nil {
		s.trailingReq = true
		s.throttleMu.Unlock()
		return nil
	}

	wait := s.minWindow - elapsed
	s.trailingReq = true
	s.timer = time.AfterFunc(wait, func() {
		s.throttleMu.Lock()
		s.timer = nil
		shouldRun := s.trailingReq
		s.trailingReq = false
		s.lastRun = s.now()
		s.throttleMu.Unlock()
		if shouldRun {
			s.performSnapshot(ctx)
		}
	})
	s.throttleMu.Unlock()
	return nil
}

// performSnapshot runs the four-step transaction from spec.md §4.3 and
// then emits newly-promoted rows as outbound transactions.
func (s *Snapshotter) performSnapshot(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("internal: re-entrant performSnapshot invocation")
	}
	s.running = true
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	s.mu.Unlock()

	t := s.now()
	newTag := tagset.Generate(s.clientID, t)
	tsStr := t.UTC().Format("2006-01-02T15:04:05.000Z")

	// The four-step update writes oplog timestamps and the shadow store, so
	// it runs under the adapter's cross-process write lock (spec.md §5's
	// single-writer assumption).
	err := s.adapter.WithWriteLock(func() error {
		_, err := dbadapter.RunInTransaction(ctx, s.adapter, func(tx *dbadapter.Tx) (struct{}, error) {
			lastAckd, err := readInt64Meta(ctx, tx, oplog.MetaLastAckdRowID)
			if err != nil {
				return struct{}{}, err
			}

			// Step 1: timestamp every untimestamped row past lastAckdRowId.
			promoted, err := oplog.PendingRows(ctx, tx, lastAckd, true)
			if err != nil {
				return struct{}{}, err
			}
			if len(promoted) == 0 {
				return struct{}{}, nil
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE _electric_oplog SET timestamp = ? WHERE timestamp IS NULL AND rowid > ?`,
				tsStr, lastAckd); err != nil {
				return struct{}{}, fmt.Errorf("promote oplog rows: %w", err)
			}
			for i := range promoted {
				promoted[i].Timestamp = sql.NullString{String: tsStr, Valid: true}
			}

			// Group by (namespace, tablename, primaryKey) preserving rowid order.
			groups := groupByKey(promoted)

			// Step 2: first row per key gets clearTags = current shadow tags.
			for key, rows := range groups {
				first := rows[0]
				currentTags, err := oplog.ShadowTags(ctx, tx, key)
				if err != nil {
					return struct{}{}, err
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE _electric_oplog SET clearTags = ? WHERE rowid = ?`,
					currentTags, first.RowID); err != nil {
					return struct{}{}, fmt.Errorf("set clearTags: %w", err)
				}
			}

			// Steps 3 & 4: last row per key decides the shadow's fate.
			singleTagSet := tagset.New(newTag).Encode()
			for key, rows := range groups {
				last := rows[len(rows)-1]
				if last.OpType == oplog.Delete {
					if err := oplog.DeleteShadow(ctx, tx, key); err != nil {
						return struct{}{}, err
					}
					continue
				}
				if err := oplog.UpsertShadow(ctx, tx, key, singleTagSet); err != nil {
					return struct{}{}, err
				}
			}

			return struct{}{}, nil
		})
		return err
	})
	if err != nil {
		return err
	}

	return s.emitPending(ctx)
}

// emitPending sends every oplog row with rowid > lastSentRowId to the
// Replication Client, advancing lastSentRowId by the highest rowid sent.
// Rows are grouped into one Transaction per distinct commit timestamp,
// matching "one or more outbound transactions" from spec.md §4.3.
func (s *Snapshotter) emitPending(ctx context.Context) error {
	if s.emitter == nil {
		return nil
	}

	lastSent, err := dbadapter.RunInTransaction(ctx, s.adapter, func(tx *dbadapter.Tx) (int64, error) {
		return readInt64Meta(ctx, tx, oplog.MetaLastSentRowID)
	})
	if err != nil {
		return err
	}

	rows, err := dbadapter.RunInTransaction(ctx, s.adapter, func(tx *dbadapter.Tx) ([]oplog.Row, error) {
		all, err := oplog.PendingRows(ctx, tx, lastSent, false)
		if err != nil {
			return nil, err
		}
		var ready []oplog.Row
		for _, r := range all {
			if r.Timestamp.Valid {
				ready = append(ready, r)
			}
		}
		return ready, nil
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	byTS := map[string][]oplog.Row{}
	var order []string
	for _, r := range rows {
		ts := r.Timestamp.String
		if _, ok := byTS[ts]; !ok {
			order = append(order, ts)
		}
		byTS[ts] = append(byTS[ts], r)
	}
	sort.Strings(order)

	var maxRowID int64
	for _, ts := range order {
		group := byTS[ts]
		commitMs, err := parseCommitMillis(ts)
		if err != nil {
			return err
		}
		txn := model.Transaction{
			Origin:          s.clientID,
			CommitTimestamp: commitMs,
			Changes:         make([]model.Change, 0, len(group)),
		}
		for _, r := range group {
			change, err := rowToChange(r)
			if err != nil {
				return err
			}
			txn.Changes = append(txn.Changes, change)
			if r.RowID > maxRowID {
				maxRowID = r.RowID
			}
		}
		if err := s.emitter.EnqueueTransaction(txn); err != nil {
			return fmt.Errorf("enqueue outbound transaction: %w", err)
		}
	}

	if maxRowID > 0 {
		err = s.adapter.WithWriteLock(func() error {
			_, err := dbadapter.RunInTransaction(ctx, s.adapter, func(tx *dbadapter.Tx) (struct{}, error) {
				return struct{}{}, oplog.SetMeta(ctx, tx, oplog.MetaLastSentRowID, fmt.Sprintf("%d", maxRowID))
			})
			return err
		})
	}
	return err
}

func rowToChange(r oplog.Row) (model.Change, error) {
	var clearTags []string
	set, err := tagset.Decode(r.ClearTags)
	if err != nil {
		return model.Change{}, err
	}
	for _, t := range set.Slice() {
		clearTags = append(clearTags, string(t))
	}

	recordType := model.RecordInsert
	switch r.OpType {
	case oplog.Update:
		recordType = model.RecordUpdate
	case oplog.Delete:
		recordType = model.RecordDelete
	}

	dc := &model.DataChange{
		Relation:   r.Namespace + "." + r.TableName,
		RecordType: recordType,
		Tags:       clearTags,
	}
	if r.NewRow.Valid {
		cols, err := model.DecodeColumns(r.NewRow.String)
		if err != nil {
			return model.Change{}, err
		}
		dc.NewRecord = cols
	}
	if r.OldRow.Valid {
		cols, err := model.DecodeColumns(r.OldRow.String)
		if err != nil {
			return model.Change{}, err
		}
		dc.OldRecord = cols
	}
	return model.Change{Data: dc}, nil
}

func groupByKey(rows []oplog.Row) map[oplog.Key][]oplog.Row {
	groups := map[oplog.Key][]oplog.Row{}
	for _, r := range rows {
		key := oplog.Key{Namespace: r.Namespace, TableName: r.TableName, PrimaryKey: r.PrimaryKey}
		groups[key] = append(groups[key], r)
	}
	return groups
}

func readInt64Meta(ctx context.Context, tx *dbadapter.Tx, key string) (int64, error) {
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

func parseCommitMillis(ts string) (int64, error) {
	t, err := time.Parse("2006-01-02T15:04:05.000Z", ts)
	if err != nil {
		return 0, fmt.Errorf("parse oplog timestamp %q: %w", ts, err)
	}
	return t.UnixMilli(), nil
}
