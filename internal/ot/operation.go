package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind tags the variant held by an Operation.
type Kind uint8

const (
	// KindNoop is the absent operation. Transform produces it when an edit
	// is swallowed by a concurrent delete.
	KindNoop Kind = iota
	KindInsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindNoop:
		return "noop"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps a wire name to a Kind. Only "insert" and "delete" are
// accepted from clients.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "insert":
		return KindInsert, true
	case "delete":
		return KindDelete, true
	}
	return KindNoop, false
}

// Operation is a single edit to a flat UTF-8 text.
//
// Position and Length are UTF-8 byte offsets. Text is only meaningful for
// inserts, Length only for deletes.
type Operation struct {
	Kind     Kind
	Position int
	Text     string
	Length   int
}

// Insert returns an operation inserting text at pos.
func Insert(pos int, text string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Text: text}
}

// Delete returns an operation removing n bytes starting at pos.
func Delete(pos, n int) Operation {
	return Operation{Kind: KindDelete, Position: pos, Length: n}
}

// Noop returns the absent operation.
func Noop() Operation {
	return Operation{}
}

func (op Operation) IsNoop() bool {
	return op.Kind == KindNoop
}

// Span is the number of bytes the operation adds (insert) or removes (delete).
func (op Operation) Span() int {
	switch op.Kind {
	case KindInsert:
		return len(op.Text)
	case KindDelete:
		return op.Length
	}
	return 0
}

// End is the first byte offset after the operation's range in the text it
// applies to. For inserts that is Position itself.
func (op Operation) End() int {
	if op.Kind == KindDelete {
		return op.Position + op.Length
	}
	return op.Position
}

func (op Operation) String() string {
	switch op.Kind {
	case KindInsert:
		return fmt.Sprintf("Insert(%d, %q)", op.Position, op.Text)
	case KindDelete:
		return fmt.Sprintf("Delete(%d, %d)", op.Position, op.Length)
	}
	return "Noop"
}

var (
	ErrUnsupportedKind   = errors.New("unsupported operation type")
	ErrEmptyInsert       = errors.New("insert text must not be empty")
	ErrInvalidUTF8       = errors.New("insert text is not valid UTF-8")
	ErrNegativePosition  = errors.New("position must not be negative")
	ErrNonPositiveLength = errors.New("delete length must be greater than 0")
	ErrOutOfRange        = errors.New("operation range outside of document")
	ErrSplitsRune        = errors.New("operation boundary splits a UTF-8 sequence")
)

// Validate performs the structural checks that do not depend on the
// document content. Noop is not a valid submission.
func Validate(op Operation) error {
	switch op.Kind {
	case KindInsert:
		if op.Text == "" {
			return ErrEmptyInsert
		}
		if !utf8.ValidString(op.Text) {
			return ErrInvalidUTF8
		}
	case KindDelete:
		if op.Length <= 0 {
			return ErrNonPositiveLength
		}
	default:
		return ErrUnsupportedKind
	}
	if op.Position < 0 {
		return ErrNegativePosition
	}
	return nil
}

// ValidAt checks op against concrete content: the range must lie inside
// text and both ends must sit on rune boundaries.
func ValidAt(op Operation, text string) error {
	if err := Validate(op); err != nil {
		return err
	}
	if op.Position > len(text) || op.End() > len(text) {
		return ErrOutOfRange
	}
	if !onBoundary(text, op.Position) || !onBoundary(text, op.End()) {
		return ErrSplitsRune
	}
	return nil
}

func onBoundary(text string, i int) bool {
	return i == len(text) || utf8.RuneStart(text[i])
}
