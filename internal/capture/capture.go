// Package capture turns editor change notifications into operations.
package capture

import (
	"fmt"
	"sort"

	"codecollab/server/internal/textop"
)

// Change is one contiguous edited range of a change notification. Range is
// expressed against the text before the edit; RangeLength is the number of
// replaced code points.
type Change struct {
	Range       textop.Range `json:"range"`
	RangeLength int          `json:"rangeLength"`
	Text        string       `json:"text"`
}

// Event is an editor change notification together with the text snapshot it
// was produced against.
type Event struct {
	Before  string   `json:"before"`
	Changes []Change `json:"changes"`
}

// Capture converts ev into operations against ev.Before. Offsets are derived
// from each change's line and column; any offset the editor reports is not
// trusted. Each change yields a Delete (when it replaced text) followed by an
// Insert (when it added text). Changes are emitted from the end of the
// document backwards so every operation stays valid when the list is applied
// in order.
func Capture(ev Event, clientID string) ([]textop.Operation, error) {
	type located struct {
		offset int
		change Change
	}
	changes := make([]located, 0, len(ev.Changes))
	for i, ch := range ev.Changes {
		start, err := textop.PositionToOffset(ev.Before, ch.Range.Start)
		if err != nil {
			return nil, fmt.Errorf("change %d start: %w", i, err)
		}
		if ch.RangeLength == 0 && ch.Range.Start.Before(ch.Range.End) {
			end, err := textop.PositionToOffset(ev.Before, ch.Range.End)
			if err != nil {
				return nil, fmt.Errorf("change %d end: %w", i, err)
			}
			ch.RangeLength = end - start
		}
		if ch.RangeLength < 0 {
			return nil, fmt.Errorf("change %d: negative length %d: %w", i, ch.RangeLength, textop.ErrOutOfRange)
		}
		changes = append(changes, located{offset: start, change: ch})
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].offset > changes[j].offset
	})

	ops := make([]textop.Operation, 0, 2*len(changes))
	for _, c := range changes {
		if c.change.RangeLength > 0 {
			ops = append(ops, textop.NewDelete(c.offset, c.change.RangeLength, clientID))
		}
		if c.change.Text != "" {
			ops = append(ops, textop.NewInsert(c.offset, c.change.Text, clientID))
		}
	}
	return ops, nil
}

// ChangesFor describes op, applied to before, the way an editor widget would
// report it. It is the inverse of Capture for a single operation.
func ChangesFor(before string, op textop.Operation) ([]Change, error) {
	if op.IsNoop() {
		return nil, nil
	}
	start, err := textop.OffsetToPosition(before, op.Position)
	if err != nil {
		return nil, err
	}
	switch op.Kind {
	case textop.Insert:
		return []Change{{Range: textop.Range{Start: start, End: start}, Text: op.Text}}, nil
	case textop.Delete:
		end, err := textop.OffsetToPosition(before, op.Position+op.Length)
		if err != nil {
			return nil, err
		}
		return []Change{{Range: textop.Range{Start: start, End: end}, RangeLength: op.Length}}, nil
	default:
		return nil, nil
	}
}
