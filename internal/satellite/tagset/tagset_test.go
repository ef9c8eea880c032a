package tagset

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 678000000, time.UTC)
	tag := Generate("client-a", ts)

	if got, want := tag.ClientID(), "client-a"; got != want {
		t.Errorf("ClientID() = %q, want %q", got, want)
	}

	parsed, err := tag.Timestamp()
	if err != nil {
		t.Fatalf("Timestamp() error: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("Timestamp() = %v, want %v", parsed, ts)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := New(Tag("a@2024-01-01T00:00:00.000Z"), Tag("b@2024-01-01T00:00:00.001Z"))

	decoded, err := Decode(s.Encode())
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(decoded) != len(s) {
		t.Fatalf("Decode() returned %d tags, want %d", len(decoded), len(s))
	}
	for tag := range s {
		if !decoded.Contains(tag) {
			t.Errorf("decoded set missing tag %q", tag)
		}
	}
}

func TestDecodeEmpty(t *testing.T) {
	s, err := Decode("")
	if err != nil {
		t.Fatalf("Decode(\"\") error: %v", err)
	}
	if !s.Empty() {
		t.Errorf("Decode(\"\") = %v, want empty set", s)
	}
}

func TestMergeAndDifference(t *testing.T) {
	a := New("x", "y")
	b := New("y", "z")

	merged := Merge(a, b)
	for _, tag := range []Tag{"x", "y", "z"} {
		if !merged.Contains(tag) {
			t.Errorf("Merge(a, b) missing %q", tag)
		}
	}

	diff := Difference(a, b)
	if !diff.Contains("x") || diff.Contains("y") {
		t.Errorf("Difference(a, b) = %v, want {x}", diff.Slice())
	}
}

func TestLessOrdersByTimestampThenClientID(t *testing.T) {
	earlier := Tag("b@2024-01-01T00:00:00.000Z")
	later := Tag("a@2024-01-01T00:00:00.001Z")
	if !Less(earlier, later) {
		t.Errorf("Less(earlier, later) = false, want true")
	}
	if Less(later, earlier) {
		t.Errorf("Less(later, earlier) = true, want false")
	}

	sameTime1 := Tag("a@2024-01-01T00:00:00.000Z")
	sameTime2 := Tag("b@2024-01-01T00:00:00.000Z")
	if !Less(sameTime1, sameTime2) {
		t.Errorf("Less() tie-break: want clientId lexical order to decide")
	}
}

func TestLessMalformedFallsBackToClientID(t *testing.T) {
	malformed := Tag("onlyname")
	other := Tag("zzz@2024-01-01T00:00:00.000Z")
	if !Less(malformed, other) {
		t.Errorf("Less(malformed, other) = false, want true (ClientID fallback)")
	}
}
