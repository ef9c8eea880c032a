// Package tagset implements the tag algebra from spec.md §4.2: the
// add-wins, observed-delete CRDT the Merger builds on. A tag identifies a
// single write event by a single node at a single moment; a tag set is the
// unordered set of tags a shadow row currently carries.
package tagset

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Tag is "<clientId>@<ISO8601 UTC millisecond timestamp>", e.g.
// "6f1c...@2024-01-02T03:04:05.678Z".
type Tag string

const isoMilli = "2006-01-02T15:04:05.000Z"

// Generate builds the tag for a write by clientID committed at t.
func Generate(clientID string, t time.Time) Tag {
	return Tag(fmt.Sprintf("%s@%s", clientID, t.UTC().Format(isoMilli)))
}

// Set is an unordered collection of tags. Equality is by contents, not by
// any particular ordering — callers must not rely on Encode's array order.
type Set map[Tag]struct{}

// New builds a Set from zero or more tags.
func New(tags ...Tag) Set {
	s := make(Set, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Decode parses the JSON array-of-strings wire/storage encoding.
func Decode(encoded string) (Set, error) {
	if encoded == "" {
		return Set{}, nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		return nil, fmt.Errorf("decode tag set %q: %w", encoded, err)
	}
	s := make(Set, len(raw))
	for _, t := range raw {
		s[Tag(t)] = struct{}{}
	}
	return s, nil
}

// Encode serializes the set as a JSON array of tag strings. Order is not
// semantically significant but is made deterministic (sorted) so storage
// and wire output are stable across runs and diff cleanly in tests.
func (s Set) Encode() string {
	out := s.Slice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	strs := make([]string, len(out))
	for i, t := range out {
		strs[i] = string(t)
	}
	data, _ := json.Marshal(strs)
	return string(data)
}

// Slice returns the set's tags in unspecified order.
func (s Set) Slice() []Tag {
	out := make([]Tag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	return out
}

// Empty reports whether the set has no tags. Per spec.md §4.4 step 4, an
// empty resolved tag set means the merged operation is a DELETE.
func (s Set) Empty() bool {
	return len(s) == 0
}

// Contains reports whether t is a member of s.
func (s Set) Contains(t Tag) bool {
	_, ok := s[t]
	return ok
}

// Merge returns the union a ∪ b.
func Merge(a, b Set) Set {
	out := make(Set, len(a)+len(b))
	for t := range a {
		out[t] = struct{}{}
	}
	for t := range b {
		out[t] = struct{}{}
	}
	return out
}

// Difference returns a \ b.
func Difference(a, b Set) Set {
	out := make(Set, len(a))
	for t := range a {
		if !b.Contains(t) {
			out[t] = struct{}{}
		}
	}
	return out
}

// ClientID extracts the clientId component of a tag.
func (t Tag) ClientID() string {
	for i := 0; i < len(t); i++ {
		if t[i] == '@' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Timestamp extracts and parses the ISO8601 component of a tag.
func (t Tag) Timestamp() (time.Time, error) {
	for i := 0; i < len(t); i++ {
		if t[i] == '@' {
			return time.Parse(isoMilli, string(t[i+1:]))
		}
	}
	return time.Time{}, fmt.Errorf("malformed tag %q: missing '@'", t)
}

// Less orders two tags by timestamp, breaking ties by clientId lexical
// order — the §4.4/§9 tie-break rule the column-wise merge uses to decide
// which side "wrote last" on a given column when two tags share a commit
// timestamp.
func Less(a, b Tag) bool {
	ta, errA := a.Timestamp()
	tb, errB := b.Timestamp()
	if errA == nil && errB == nil && !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ClientID() < b.ClientID()
}
