package fact

import (
	"testing"
	"time"
)

func TestHashDeterminism(t *testing.T) {
	f := New("List", map[string]Value{"name": StringValue("Chores")}, nil)
	h1, err := Hash(f)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(h1) != string(h2) {
		t.Fatalf("hash mismatch across independent canonicalizations")
	}
}

func TestHashStableUnderFieldOrder(t *testing.T) {
	a := New("Task", map[string]Value{
		"description": StringValue("trash"),
		"done":        BoolValue(false),
	}, nil)
	b := New("Task", map[string]Value{
		"done":        BoolValue(false),
		"description": StringValue("trash"),
	}, nil)
	refA := MustRefOf(a)
	refB := MustRefOf(b)
	if refA != refB {
		t.Fatalf("field insertion order changed the hash: %v != %v", refA, refB)
	}
}

func TestHashDistinguishesPredecessorRoleOrder(t *testing.T) {
	list := New("List", map[string]Value{"name": StringValue("Chores")}, nil)
	listRef := MustRefOf(list)

	task := New("Task", map[string]Value{"description": StringValue("trash")},
		map[string][]Reference{"list": {listRef}})
	other := New("Task", map[string]Value{"description": StringValue("trash")},
		map[string][]Reference{"other": {listRef}})
	if MustRefOf(task) == MustRefOf(other) {
		t.Fatalf("distinct role names must not collide")
	}
}

func TestCanonicalizeRejectsEmptyType(t *testing.T) {
	f := Fact{Type: "", Fields: map[string]Value{}, Predecessors: map[string][]Reference{}}
	if _, err := Canonicalize(f); err == nil {
		t.Fatalf("expected InvalidFact for empty type")
	}
}

func TestCanonicalizeRejectsNonReferencePredecessor(t *testing.T) {
	f := New("Task", nil, map[string][]Reference{"list": {{Type: "List", Hash: ""}}})
	if _, err := Canonicalize(f); err == nil {
		t.Fatalf("expected InvalidFact for non-reference predecessor")
	}
}

func TestDateEncodingIsMillisecondPrecisionUTC(t *testing.T) {
	t1 := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("X", 3600))
	f := New("Event", map[string]Value{"at": DateValue(t1)}, nil)
	canon, err := Canonicalize(f)
	if err != nil {
		t.Fatal(err)
	}
	want := `"2026-01-02T02:04:05.123Z"`
	if !contains(string(canon), want) {
		t.Fatalf("expected canonical form to contain %s, got %s", want, canon)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
