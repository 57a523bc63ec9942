package docpipeline

import (
	"testing"

	"github.com/google/uuid"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	a, err := Canonicalize(map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": false}})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":1,"b":2,"nested":{"y":false,"z":true}}`
	if string(a) != want {
		t.Fatalf("canonical form = %s, want %s", a, want)
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	input := map[string]any{"k1": []any{1, 2, 3}, "k2": map[string]any{"x": "y"}, "k3": nil}
	first, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Canonicalize(input)
		if err != nil {
			t.Fatalf("canonicalize: %v", err)
		}
		if string(first) != string(again) {
			t.Fatalf("canonical form changed between runs:\n%s\n%s", first, again)
		}
	}
}

func TestHashCanonicalKnownVector(t *testing.T) {
	input := CanonicalInput{
		SchemaVersion: 1,
		DocumentID:    "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Fields:        map[string]any{"b": 2, "a": 1},
	}
	got, err := HashCanonical(input)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	const want = "fc9a96bce850b72b55c37eede59a64ff750efd9dbd6f66989684d3091f67bd14"
	if got != want {
		t.Fatalf("hash = %s, want %s", got, want)
	}
}

func TestHashChangesOnAnyByte(t *testing.T) {
	base := CanonicalInput{SchemaVersion: 1, DocumentID: "d", Fields: map[string]any{"text": "ABC"}}
	changed := CanonicalInput{SchemaVersion: 1, DocumentID: "d", Fields: map[string]any{"text": "ABCD"}}

	h1, err := HashCanonical(base)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashCanonical(changed)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("hash did not change when input changed")
	}
	if len(h1) != 64 || len(h2) != 64 {
		t.Fatalf("hashes are not 64 hex chars: %d, %d", len(h1), len(h2))
	}
}

func TestLockIDKnownVector(t *testing.T) {
	docID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if got := LockID(docID, "embedding"); got != 1892230083 {
		t.Fatalf("LockID(embedding) = %d, want 1892230083", got)
	}
	if got := LockID(docID, "upload"); got != 1029711893 {
		t.Fatalf("LockID(upload) = %d, want 1029711893", got)
	}
}

func TestLockIDStaysInSigned31BitRange(t *testing.T) {
	docID := uuid.New()
	for _, stage := range StageNames {
		if id := LockID(docID, stage); id > 0x7FFFFFFF {
			t.Fatalf("lock id %d for stage %s exceeds 2^31-1", id, stage)
		}
	}
}
