// Package textop defines the edit primitives exchanged between editing
// sessions, how they apply to a text snapshot and how concurrent ones are
// transformed against each other.
//
// All positions and lengths count Unicode code points, not bytes.
package textop

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange indicates that an operation or position does not fit the
	// text it is applied to.
	ErrOutOfRange = errors.New("position out of range")

	// ErrUnknownKind indicates an operation kind outside Insert/Delete/Retain.
	ErrUnknownKind = errors.New("unknown operation kind")
)

// Kind tags an Operation.
type Kind int

const (
	Insert Kind = iota + 1
	Delete
	Retain
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Retain:
		return "retain"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case Insert, Delete, Retain:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "insert":
		*k = Insert
	case "delete":
		*k = Delete
	case "retain":
		*k = Retain
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(b))
	}
	return nil
}

// Operation is a single edit. Position is an offset into the text as it
// exists right before this operation runs within its batch. Insert uses Text,
// Delete and Retain use Length.
type Operation struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
	ClientID string `json:"clientId"`
}

func NewInsert(pos int, text, clientID string) Operation {
	return Operation{Kind: Insert, Position: pos, Text: text, ClientID: clientID}
}

func NewDelete(pos, length int, clientID string) Operation {
	return Operation{Kind: Delete, Position: pos, Length: length, ClientID: clientID}
}

func NewRetain(pos, length int, clientID string) Operation {
	return Operation{Kind: Retain, Position: pos, Length: length, ClientID: clientID}
}

// Span is the number of code points the operation inserts or removes.
func (op Operation) Span() int {
	switch op.Kind {
	case Insert:
		return runeLen(op.Text)
	case Delete:
		return op.Length
	default:
		return 0
	}
}

// IsNoop reports whether applying op leaves any text unchanged.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case Insert:
		return op.Text == ""
	case Delete:
		return op.Length == 0
	default:
		return true
	}
}

func (op Operation) String() string {
	switch op.Kind {
	case Insert:
		return fmt.Sprintf("insert@%d%q", op.Position, op.Text)
	case Delete:
		return fmt.Sprintf("delete@%d+%d", op.Position, op.Length)
	default:
		return fmt.Sprintf("%s@%d+%d", op.Kind, op.Position, op.Length)
	}
}

// Apply returns text with op applied.
func Apply(text string, op Operation) (string, error) {
	out, err := applyRunes([]rune(text), op)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ApplyAll applies ops in order. On error the input is left untouched and the
// failing operation is named in the error.
func ApplyAll(text string, ops []Operation) (string, error) {
	runes := []rune(text)
	for i, op := range ops {
		var err error
		if runes, err = applyRunes(runes, op); err != nil {
			return "", fmt.Errorf("op %d (%s): %w", i, op, err)
		}
	}
	return string(runes), nil
}

func applyRunes(runes []rune, op Operation) ([]rune, error) {
	switch op.Kind {
	case Insert:
		if op.Text == "" {
			return runes, nil
		}
		if op.Position < 0 || op.Position > len(runes) {
			return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, len(runes))
		}
		ins := []rune(op.Text)
		out := make([]rune, 0, len(runes)+len(ins))
		out = append(out, runes[:op.Position]...)
		out = append(out, ins...)
		return append(out, runes[op.Position:]...), nil
	case Delete:
		if op.Length == 0 {
			return runes, nil
		}
		if op.Length < 0 || op.Position < 0 || op.Position+op.Length > len(runes) {
			return nil, fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, op.Length, op.Position, len(runes))
		}
		out := make([]rune, 0, len(runes)-op.Length)
		out = append(out, runes[:op.Position]...)
		return append(out, runes[op.Position+op.Length:]...), nil
	case Retain:
		return runes, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(op.Kind))
	}
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
