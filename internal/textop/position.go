package textop

import "fmt"

// Position is a 1-based line and column. Column counts code points within the
// line; '\n' terminates a line and belongs to it.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Before reports whether p sorts strictly before q.
func (p Position) Before(q Position) bool {
	return p.Line < q.Line || (p.Line == q.Line && p.Column < q.Column)
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// OffsetToPosition maps an offset in text to its line and column. The offset
// equal to the text length is the end-of-document position.
func OffsetToPosition(text string, offset int) (Position, error) {
	if offset < 0 {
		return Position{}, fmt.Errorf("%w: offset %d", ErrOutOfRange, offset)
	}
	line, col, i := 1, 1, 0
	for _, r := range text {
		if i == offset {
			return Position{Line: line, Column: col}, nil
		}
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
		i++
	}
	if i == offset {
		return Position{Line: line, Column: col}, nil
	}
	return Position{}, fmt.Errorf("%w: offset %d, length %d", ErrOutOfRange, offset, i)
}

// PositionToOffset is the inverse of OffsetToPosition. A column may point one
// past the last character of its line (the newline slot, or end of text on
// the last line).
func PositionToOffset(text string, pos Position) (int, error) {
	if pos.Line < 1 || pos.Column < 1 {
		return 0, fmt.Errorf("%w: position %s", ErrOutOfRange, pos)
	}
	line, col, i := 1, 1, 0
	for _, r := range text {
		if line == pos.Line && col == pos.Column {
			return i, nil
		}
		if r == '\n' {
			if line == pos.Line {
				break
			}
			line++
			col = 1
		} else {
			col++
		}
		i++
	}
	if line == pos.Line && col == pos.Column {
		return i, nil
	}
	return 0, fmt.Errorf("%w: position %s", ErrOutOfRange, pos)
}

// LineCount returns the number of lines in text. Empty text has one line.
func LineCount(text string) int {
	n := 1
	for _, r := range text {
		if r == '\n' {
			n++
		}
	}
	return n
}
