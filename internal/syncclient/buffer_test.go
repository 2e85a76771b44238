package syncclient

import (
	"testing"

	"codecollab/server/internal/capture"
	"codecollab/server/internal/textop"
)

func TestMemoryBufferNotifiesEveryListener(t *testing.T) {
	buf := NewMemoryBuffer("héllo")
	var first, second []capture.Event
	buf.OnChange(func(ev capture.Event) { first = append(first, ev) })
	buf.OnChange(func(ev capture.Event) {
		second = append(second, ev)
		// Registering from a listener only affects later mutations.
		if len(second) == 1 {
			buf.OnChange(func(capture.Event) { t.Errorf("late listener saw the first edit") })
		}
	})

	if err := buf.Edit(1, 1, "e"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if buf.Text() != "hello" {
		t.Fatalf("text: got %q", buf.Text())
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("notifications: got %d and %d", len(first), len(second))
	}
	ops, err := capture.Capture(first[0], "c1")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	got, err := textop.ApplyAll(first[0].Before, ops)
	if err != nil || got != "hello" {
		t.Fatalf("replayed event: got %q, %v", got, err)
	}
}

func TestMemoryBufferApplyIsAllOrNothing(t *testing.T) {
	buf := NewMemoryBuffer("abc")
	calls := 0
	buf.OnChange(func(capture.Event) { calls++ })
	err := buf.Apply([]textop.Operation{textop.NewInsert(0, "x", "c1"), textop.NewDelete(9, 1, "c1")})
	if err == nil {
		t.Fatalf("out of range delete should fail")
	}
	if buf.Text() != "abc" || calls != 0 {
		t.Fatalf("failed apply changed the buffer: %q, %d notifications", buf.Text(), calls)
	}
}
