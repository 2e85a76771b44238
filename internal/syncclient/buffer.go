package syncclient

import (
	"fmt"
	"sync"

	"codecollab/server/internal/capture"
	"codecollab/server/internal/textop"
)

// Buffer is the live editor text the client keeps in sync.
type Buffer interface {
	Text() string
	// SetText replaces the whole text.
	SetText(text string)
	// Apply applies ops in order, all or nothing.
	Apply(ops []textop.Operation) error
	// Selection returns the selection as code point offsets.
	Selection() (start, end int)
	Select(start, end int)
}

// MemoryBuffer is an in-process Buffer. Like an editor widget it reports
// every mutation, user or programmatic, to its change listeners. Listeners
// run after the buffer lock is released.
type MemoryBuffer struct {
	mu        sync.Mutex
	text      string
	selStart  int
	selEnd    int
	listeners []func(capture.Event)
}

func NewMemoryBuffer(text string) *MemoryBuffer {
	return &MemoryBuffer{text: text}
}

// OnChange registers a change listener.
func (b *MemoryBuffer) OnChange(fn func(capture.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *MemoryBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *MemoryBuffer) SetText(text string) {
	b.mu.Lock()
	before := b.text
	b.text = text
	n := len([]rune(text))
	b.selStart, b.selEnd = clamp(b.selStart, n), clamp(b.selEnd, n)
	listeners := b.snapshotListeners()
	b.mu.Unlock()

	end, err := textop.OffsetToPosition(before, len([]rune(before)))
	if err != nil {
		return
	}
	b.emit(listeners, capture.Event{Before: before, Changes: []capture.Change{{
		Range:       textop.Range{Start: textop.Position{Line: 1, Column: 1}, End: end},
		RangeLength: len([]rune(before)),
		Text:        text,
	}}})
}

func (b *MemoryBuffer) Apply(ops []textop.Operation) error {
	b.mu.Lock()
	before := b.text
	after, err := textop.ApplyAll(before, ops)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.text = after
	n := len([]rune(after))
	b.selStart, b.selEnd = clamp(b.selStart, n), clamp(b.selEnd, n)
	listeners := b.snapshotListeners()
	b.mu.Unlock()

	text := before
	for _, op := range ops {
		changes, err := capture.ChangesFor(text, op)
		if err != nil {
			return fmt.Errorf("describe %s: %w", op, err)
		}
		if len(changes) > 0 {
			b.emit(listeners, capture.Event{Before: text, Changes: changes})
		}
		text, _ = textop.Apply(text, op)
	}
	return nil
}

// Edit replaces length code points at offset with text, as a user would.
func (b *MemoryBuffer) Edit(offset, length int, text string) error {
	b.mu.Lock()
	before := b.text
	start, err := textop.OffsetToPosition(before, offset)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	end, err := textop.OffsetToPosition(before, offset+length)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	ops := []textop.Operation{textop.NewDelete(offset, length, ""), textop.NewInsert(offset, text, "")}
	after, err := textop.ApplyAll(before, ops)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.text = after
	caret := offset + len([]rune(text))
	b.selStart, b.selEnd = caret, caret
	listeners := b.snapshotListeners()
	b.mu.Unlock()

	b.emit(listeners, capture.Event{Before: before, Changes: []capture.Change{{
		Range:       textop.Range{Start: start, End: end},
		RangeLength: length,
		Text:        text,
	}}})
	return nil
}

func (b *MemoryBuffer) Selection() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selStart, b.selEnd
}

func (b *MemoryBuffer) Select(start, end int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len([]rune(b.text))
	b.selStart, b.selEnd = clamp(start, n), clamp(end, n)
}

func (b *MemoryBuffer) snapshotListeners() []func(capture.Event) {
	out := make([]func(capture.Event), len(b.listeners))
	copy(out, b.listeners)
	return out
}

func (b *MemoryBuffer) emit(listeners []func(capture.Event), ev capture.Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n {
		return n
	}
	return v
}
