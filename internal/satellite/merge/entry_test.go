package merge

import (
	"testing"

	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/tagset"
)

func TestFoldIncomingInsertThenUpdate(t *testing.T) {
	commitTag := tagset.Tag("client-a@2024-01-01T00:00:00.000Z")
	changes := []model.DataChange{
		{RecordType: model.RecordInsert, NewRecord: map[string]any{"id": "1", "name": "a"}},
		{RecordType: model.RecordUpdate, NewRecord: map[string]any{"id": "1", "name": "b"}},
	}

	got := foldIncoming(changes, commitTag)

	if got.optype != model.RecordUpdate {
		t.Fatalf("optype = %v, want RecordUpdate", got.optype)
	}
	if got.fullRow["name"] != "b" {
		t.Errorf("fullRow[name] = %v, want b (last write wins within the chunk)", got.fullRow["name"])
	}
	if !got.hasTag || got.tag != commitTag {
		t.Errorf("tag = %v (hasTag=%v), want %v", got.tag, got.hasTag, commitTag)
	}
	if !got.clearTags.Empty() {
		t.Errorf("clearTags = %v, want empty (no prior tag to clear within an insert-then-update chunk)", got.clearTags.Slice())
	}
}

func TestFoldIncomingUpdateThenDelete(t *testing.T) {
	commitTag := tagset.Tag("client-a@2024-01-01T00:00:00.000Z")
	changes := []model.DataChange{
		{RecordType: model.RecordUpdate, NewRecord: map[string]any{"id": "1", "name": "a"}},
		{RecordType: model.RecordDelete, OldRecord: map[string]any{"id": "1", "name": "a"}},
	}

	got := foldIncoming(changes, commitTag)

	if got.optype != model.RecordDelete {
		t.Fatalf("optype = %v, want RecordDelete", got.optype)
	}
	if got.fullRow != nil {
		t.Errorf("fullRow = %v, want nil after delete", got.fullRow)
	}
	if got.hasTag {
		t.Errorf("hasTag = true, want false for a delete fold")
	}
	if !got.clearTags.Contains(commitTag) {
		t.Errorf("clearTags = %v, want to contain %v", got.clearTags.Slice(), commitTag)
	}
}

func TestResolveLocalOnlySurvives(t *testing.T) {
	localTag := tagset.Tag("client-a@2024-01-01T00:00:00.000Z")
	local := shadowEntryChanges{
		optype: model.RecordUpdate,
		fullRow: map[string]any{"id": "1", "name": "local"},
		tag: localTag, hasTag: true,
		tags:      tagset.New(localTag),
		clearTags: tagset.New(),
	}
	// Incoming fold contributes no tags and clears nothing, as if the remote
	// transaction touched an unrelated key folded into the same chunk.
	incoming := shadowEntryChanges{
		tags:      tagset.New(),
		clearTags: tagset.New(),
	}

	got := resolve(local, incoming)
	if got.optype != model.RecordUpdate {
		t.Fatalf("optype = %v, want RecordUpdate (local's tag survives untouched)", got.optype)
	}
	if got.fullRow["name"] != "local" {
		t.Errorf("fullRow[name] = %v, want local", got.fullRow["name"])
	}
}

func TestResolveBothDeletedResultsInDelete(t *testing.T) {
	localTag := tagset.Tag("client-a@2024-01-01T00:00:00.000Z")
	incomingTag := tagset.Tag("client-b@2024-01-01T00:00:00.001Z")
	local := shadowEntryChanges{
		tags:      tagset.New(localTag),
		clearTags: tagset.New(incomingTag),
	}
	incoming := shadowEntryChanges{
		tags:      tagset.New(incomingTag),
		clearTags: tagset.New(localTag),
	}

	got := resolve(local, incoming)
	if got.optype != model.RecordDelete {
		t.Fatalf("optype = %v, want RecordDelete when each side clears the other's only tag", got.optype)
	}
}

func TestResolveTieBreakPrefersLaterTag(t *testing.T) {
	earlier := tagset.Tag("b@2024-01-01T00:00:00.000Z")
	later := tagset.Tag("a@2024-01-01T00:00:00.001Z")

	local := shadowEntryChanges{
		optype: model.RecordUpdate, fullRow: map[string]any{"v": "local"},
		tag: earlier, hasTag: true, tags: tagset.New(earlier), clearTags: tagset.New(),
	}
	incoming := shadowEntryChanges{
		optype: model.RecordUpdate, fullRow: map[string]any{"v": "incoming"},
		tag: later, hasTag: true, tags: tagset.New(later), clearTags: tagset.New(),
	}

	got := resolve(local, incoming)
	if got.fullRow["v"] != "incoming" {
		t.Errorf("fullRow[v] = %v, want incoming (later commit timestamp wins the tie-break)", got.fullRow["v"])
	}
}

func TestResolveBothSurviveMergesDisjointColumns(t *testing.T) {
	localTag := tagset.Tag("client-a@2024-01-01T00:00:00.000Z")
	incomingTag := tagset.Tag("client-b@2024-01-01T00:00:00.001Z")

	// Local renamed the row (touched "name" only); incoming concurrently
	// changed its price (touched "price" only). Both tags survive, so
	// both column edits should land in the merged row rather than one
	// side's snapshot silently discarding the other's write.
	local := shadowEntryChanges{
		optype:  model.RecordUpdate,
		fullRow: map[string]any{"id": "1", "name": "renamed", "price": float64(10)},
		touched: map[string]bool{"name": true},
		tag:     localTag, hasTag: true,
		tags:      tagset.New(localTag),
		clearTags: tagset.New(),
	}
	incoming := shadowEntryChanges{
		optype:  model.RecordUpdate,
		fullRow: map[string]any{"id": "1", "name": "widget", "price": float64(25)},
		touched: map[string]bool{"price": true},
		tag:     incomingTag, hasTag: true,
		tags:      tagset.New(incomingTag),
		clearTags: tagset.New(),
	}

	got := resolve(local, incoming)
	if got.optype != model.RecordUpdate {
		t.Fatalf("optype = %v, want RecordUpdate", got.optype)
	}
	if got.fullRow["name"] != "renamed" {
		t.Errorf("fullRow[name] = %v, want renamed (local's own edit, untouched by incoming)", got.fullRow["name"])
	}
	if got.fullRow["price"] != float64(25) {
		t.Errorf("fullRow[price] = %v, want 25 (incoming's own edit, untouched by local)", got.fullRow["price"])
	}
}

func TestMaxTagPicksLatest(t *testing.T) {
	earlier := tagset.Tag("b@2024-01-01T00:00:00.000Z")
	later := tagset.Tag("a@2024-01-01T00:00:00.001Z")
	got := maxTag(tagset.New(earlier, later))
	if got != later {
		t.Errorf("maxTag() = %v, want %v", got, later)
	}
}
