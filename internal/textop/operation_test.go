package textop

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestApplyInsert(t *testing.T) {
	cases := []struct {
		text string
		pos  int
		ins  string
		want string
	}{
		{"", 0, "x", "x"},
		{"abc", 0, "X", "Xabc"},
		{"abc", 1, "X", "aXbc"},
		{"abc", 3, "X", "abcX"},
		{"héllo", 2, "→", "hé→llo"},
	}
	for _, c := range cases {
		got, err := Apply(c.text, NewInsert(c.pos, c.ins, "c1"))
		if err != nil {
			t.Fatalf("insert %q at %d: %v", c.ins, c.pos, err)
		}
		if got != c.want {
			t.Fatalf("insert %q at %d into %q: got %q, want %q", c.ins, c.pos, c.text, got, c.want)
		}
	}
}

func TestApplyDelete(t *testing.T) {
	got, err := Apply("abcdef", NewDelete(2, 3, "c1"))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got != "abf" {
		t.Fatalf("delete: got %q", got)
	}
	got, err = Apply("añb", NewDelete(1, 1, "c1"))
	if err != nil {
		t.Fatalf("delete rune: %v", err)
	}
	if got != "ab" {
		t.Fatalf("delete rune: got %q", got)
	}
}

func TestApplyOutOfRange(t *testing.T) {
	if _, err := Apply("abc", NewInsert(4, "x", "c1")); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("insert past end: got %v", err)
	}
	if _, err := Apply("abc", NewDelete(2, 2, "c1")); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("delete past end: got %v", err)
	}
	if _, err := Apply("abc", Operation{Kind: Kind(9)}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind: got %v", err)
	}
}

func TestApplyNoops(t *testing.T) {
	for _, op := range []Operation{
		NewInsert(99, "", "c1"),
		NewDelete(99, 0, "c1"),
		NewRetain(0, 3, "c1"),
	} {
		got, err := Apply("abc", op)
		if err != nil {
			t.Fatalf("%s: %v", op, err)
		}
		if got != "abc" {
			t.Fatalf("%s: got %q", op, got)
		}
		if !op.IsNoop() {
			t.Fatalf("%s should be a no-op", op)
		}
	}
}

func TestApplyAllIsSequential(t *testing.T) {
	got, err := ApplyAll("hello world", []Operation{
		NewDelete(0, 5, "c1"),
		NewInsert(0, "goodbye", "c1"),
		NewInsert(13, "!", "c1"),
	})
	if err != nil {
		t.Fatalf("apply all: %v", err)
	}
	if got != "goodbye world!" {
		t.Fatalf("apply all: got %q", got)
	}
}

func TestApplyAllFailureLeavesNoResult(t *testing.T) {
	_, err := ApplyAll("abc", []Operation{NewInsert(0, "x", "c1"), NewDelete(3, 5, "c1")})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
}

func TestKindJSON(t *testing.T) {
	op := NewDelete(3, 2, "c1")
	buf, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(buf) != `{"kind":"delete","position":3,"length":2,"clientId":"c1"}` {
		t.Fatalf("unexpected encoding: %s", buf)
	}
	var bad Operation
	if err := json.Unmarshal([]byte(`{"kind":"move","position":1}`), &bad); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind should fail, got %v", err)
	}
}
