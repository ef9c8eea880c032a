package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/oplog"
	"github.com/electric-sql/satellite/internal/satellite/tagset"
)

// shadowEntryChanges is the per-key fold result spec.md §4.4 step 4
// describes: one side (local or incoming) reduced to a single optype, a
// reconstructed full row, and the tag/clearTags sets it contributes to
// the merge. touched records which columns of fullRow this side actually
// wrote (as opposed to columns merely carried along in a full-row
// snapshot) so resolve can reconstruct a merged row column-by-column per
// spec.md §4.4 step 4, instead of picking one side's entire row.
type shadowEntryChanges struct {
	optype    model.RecordType
	fullRow   map[string]any
	touched   map[string]bool
	tag       tagset.Tag
	hasTag    bool
	tags      tagset.Set
	clearTags tagset.Set
}

// changedColumns reports which keys of newRow differ from oldRow (or, if
// oldRow is nil — an insert, or a row snapshot with no prior state to
// compare against — every key of newRow, since there is nothing to diff
// against and the whole row counts as written).
func changedColumns(oldRow, newRow map[string]any) map[string]bool {
	touched := make(map[string]bool, len(newRow))
	for col, v := range newRow {
		if oldRow == nil {
			touched[col] = true
			continue
		}
		if ov, ok := oldRow[col]; !ok || !reflect.DeepEqual(ov, v) {
			touched[col] = true
		}
	}
	return touched
}

// mergeTouched folds b's touched columns into a in place.
func mergeTouched(a, b map[string]bool) map[string]bool {
	if a == nil {
		a = make(map[string]bool, len(b))
	}
	for col := range b {
		a[col] = true
	}
	return a
}

// foldLocal reconstructs the local side's contribution for key: the
// current shadow tags and user-table row (already the materialized result
// of every local write), plus the union of clearTags observed by any
// local oplog row for key since lastAckdRowId.
func foldLocal(ctx context.Context, tx *dbadapter.Tx, cols []oplog.ColumnInfo, key oplog.Key, pendingLocal []oplog.Row) (shadowEntryChanges, error) {
	shadowTagsStr, err := oplog.ShadowTags(ctx, tx, key)
	if err != nil {
		return shadowEntryChanges{}, err
	}
	tags, err := tagset.Decode(shadowTagsStr)
	if err != nil {
		return shadowEntryChanges{}, err
	}

	clearTags := tagset.New()
	var touched map[string]bool
	for _, r := range pendingLocal {
		if r.Namespace != key.Namespace || r.TableName != key.TableName || r.PrimaryKey != key.PrimaryKey {
			continue
		}
		ct, err := tagset.Decode(r.ClearTags)
		if err != nil {
			return shadowEntryChanges{}, err
		}
		clearTags = tagset.Merge(clearTags, ct)

		if r.OpType == oplog.Delete {
			touched = nil
			continue
		}
		newRow, err := decodeNullRow(r.NewRow)
		if err != nil {
			return shadowEntryChanges{}, err
		}
		oldRow, err := decodeNullRow(r.OldRow)
		if err != nil {
			return shadowEntryChanges{}, err
		}
		touched = mergeTouched(touched, changedColumns(oldRow, newRow))
	}

	entry := shadowEntryChanges{tags: tags, clearTags: clearTags, touched: touched}
	if tags.Empty() {
		entry.optype = model.RecordDelete
		return entry, nil
	}
	entry.optype = model.RecordUpdate
	entry.tag = maxTag(tags)
	entry.hasTag = true

	row, err := readUserRow(ctx, tx, key, cols)
	if err != nil {
		return shadowEntryChanges{}, err
	}
	entry.fullRow = row
	return entry, nil
}

// decodeNullRow decodes an oplog newRow/oldRow column, returning nil if the
// column is SQL NULL (no snapshot recorded, e.g. oldRow on an INSERT).
func decodeNullRow(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid {
		return nil, nil
	}
	return model.DecodeColumns(ns.String)
}

// foldIncoming reduces an incoming transaction's DataChanges for key to a
// single shadowEntryChanges, applying the §4.2 observation rule directly:
// each change's wire-carried Tags is the shadow tag set its origin node
// observed when it made that write (snapshot.go emits this straight from
// the local oplog row's clearTags column — see emitPending), so it folds
// into clearTags the same way foldLocal folds every pending oplog row's
// ClearTags: unioned in across the whole batch, not just reconstructed
// from what this function has seen so far within the batch. Every change
// in the batch carries the same commitTag, so a pure overwrite clears
// nothing beyond its wire Tags; a delete additionally folds the running
// tag and its own tag into what it clears.
func foldIncoming(changes []model.DataChange, commitTag tagset.Tag) shadowEntryChanges {
	running := tagset.New()
	clearTags := tagset.New()
	var fullRow map[string]any
	var touched map[string]bool
	optype := model.RecordUpdate

	for _, c := range changes {
		clearTags = tagset.Merge(clearTags, wireTagSet(c.Tags))

		if c.RecordType == model.RecordDelete {
			clearTags = tagset.Merge(clearTags, running)
			clearTags = tagset.Merge(clearTags, tagset.New(commitTag))
			running = tagset.New()
			optype = model.RecordDelete
			fullRow = nil
			touched = nil
			continue
		}
		running = tagset.New(commitTag)
		optype = model.RecordUpdate
		if c.NewRecord != nil {
			fullRow = c.NewRecord
			touched = mergeTouched(touched, changedColumns(c.OldRecord, c.NewRecord))
		}
	}

	entry := shadowEntryChanges{
		optype:    optype,
		fullRow:   fullRow,
		touched:   touched,
		tags:      running,
		clearTags: clearTags,
	}
	if optype == model.RecordUpdate {
		entry.tag = commitTag
		entry.hasTag = true
	}
	return entry
}

// wireTagSet converts a wire-carried Tags slice (spec.md §3's DataChange
// wire format) into a tagset.Set.
func wireTagSet(raw []string) tagset.Set {
	s := tagset.New()
	for _, t := range raw {
		s = tagset.Merge(s, tagset.New(tagset.Tag(t)))
	}
	return s
}

// resolve implements spec.md §4.4 step 4's resolution formula. When both
// sides' tags survive concurrently (a genuine add-wins case), the merged
// row is reconstructed column-by-column: for each column, whichever side
// actually wrote it wins outright; if both sides wrote it, the side with
// the later tag wins that column, with tagset.Less's clientId tie-break
// (spec.md §9's documented intent). When only one side survives, that
// side's whole row is used, since the other side's contribution was
// entirely superseded.
func resolve(local, incoming shadowEntryChanges) shadowEntryChanges {
	resolvedTags := tagset.Difference(
		tagset.Merge(local.tags, incoming.tags),
		tagset.Merge(local.clearTags, incoming.clearTags),
	)

	if resolvedTags.Empty() {
		return shadowEntryChanges{optype: model.RecordDelete, tags: resolvedTags}
	}

	localSurvives := local.hasTag && resolvedTags.Contains(local.tag)
	incomingSurvives := incoming.hasTag && resolvedTags.Contains(incoming.tag)

	switch {
	case localSurvives && incomingSurvives:
		localWins := !tagset.Less(local.tag, incoming.tag)
		winner := incoming.tag
		if localWins {
			winner = local.tag
		}
		return shadowEntryChanges{
			optype:  model.RecordUpdate,
			fullRow: mergeColumns(local, incoming, localWins),
			tag:     winner, hasTag: true,
			tags: resolvedTags,
		}
	case incomingSurvives:
		return shadowEntryChanges{optype: model.RecordUpdate, fullRow: incoming.fullRow, tag: incoming.tag, hasTag: true, tags: resolvedTags}
	case localSurvives:
		return shadowEntryChanges{optype: model.RecordUpdate, fullRow: local.fullRow, tag: local.tag, hasTag: true, tags: resolvedTags}
	default:
		// A surviving tag belongs to neither fold's recorded generating
		// tag (it predates both folds, carried only by the shadow).
		// Prefer what's already on disk.
		if local.fullRow != nil {
			return shadowEntryChanges{optype: model.RecordUpdate, fullRow: local.fullRow, tags: resolvedTags}
		}
		return shadowEntryChanges{optype: model.RecordUpdate, fullRow: incoming.fullRow, tags: resolvedTags}
	}
}

// mergeColumns reconstructs the merged row for the both-survive case of
// resolve: for every column present in either side's row, the side that
// actually wrote that column wins; if both wrote it, localWins (precomputed
// by tagset.Less on the two sides' tags) decides. A column neither side's
// diff marks as written (e.g. touched information wasn't available) falls
// back to the same tie-break, so whole-row behavior is preserved wherever
// column-level attribution isn't known.
func mergeColumns(local, incoming shadowEntryChanges, localWins bool) map[string]any {
	merged := make(map[string]any, len(local.fullRow)+len(incoming.fullRow))
	cols := make(map[string]bool, len(local.fullRow)+len(incoming.fullRow))
	for col := range local.fullRow {
		cols[col] = true
	}
	for col := range incoming.fullRow {
		cols[col] = true
	}

	for col := range cols {
		lv, lok := local.fullRow[col]
		iv, iok := incoming.fullRow[col]
		lt := local.touched[col]
		it := incoming.touched[col]

		switch {
		case lt && !it:
			merged[col] = lv
		case it && !lt:
			merged[col] = iv
		case lt && it:
			if localWins {
				merged[col] = lv
			} else {
				merged[col] = iv
			}
		case localWins && lok:
			merged[col] = lv
		case iok:
			merged[col] = iv
		default:
			merged[col] = lv
		}
	}
	return merged
}

func maxTag(s tagset.Set) tagset.Tag {
	var max tagset.Tag
	first := true
	for _, t := range s.Slice() {
		if first || tagset.Less(max, t) {
			max = t
			first = false
		}
	}
	return max
}

// readUserRow reads the current full row for a primary key from the live
// user table, reconstructing the column map the fold needs. key.PrimaryKey
// is the canonical JSON object the oplog triggers write (declared pk
// column order); cols is the table's current column set from the relation
// cache.
func readUserRow(ctx context.Context, tx *dbadapter.Tx, key oplog.Key, cols []oplog.ColumnInfo) (map[string]any, error) {
	var pkValues map[string]any
	if err := json.Unmarshal([]byte(key.PrimaryKey), &pkValues); err != nil {
		return nil, fmt.Errorf("decode primary key for %s: %w", key.TableName, err)
	}

	pk := oplog.PrimaryKeyColumns(cols)
	if len(pk) == 0 {
		return nil, fmt.Errorf("table %s has no primary key columns", key.TableName)
	}

	selectExpr := make([]string, 0, len(cols))
	for _, c := range cols {
		selectExpr = append(selectExpr, fmt.Sprintf("'%s', %q", strings.ReplaceAll(c.Name, "'", "''"), c.Name))
	}
	where := make([]string, 0, len(pk))
	args := make([]any, 0, len(pk))
	for _, name := range pk {
		where = append(where, fmt.Sprintf("%q = ?", name))
		args = append(args, pkValues[name])
	}

	query := fmt.Sprintf(`SELECT json_object(%s) FROM %q WHERE %s`,
		strings.Join(selectExpr, ", "), key.TableName, strings.Join(where, " AND "))

	var raw string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current row for %s: %w", key.TableName, err)
	}
	return model.DecodeColumns(raw)
}
