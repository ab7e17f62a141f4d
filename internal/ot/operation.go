package ot

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	apperrors "collab-engine/internal/errors"
)

/*
LEARNING: OPERATIONAL TRANSFORM (OT)

Two users edit the same text at the same time. Each edit was authored against
the same base version, so applying them one after the other naively would
corrupt the document. OT rewrites one operation to account for the effect of
the other so every replica converges on the same text.

Key Concepts:
1. **Operation**: an immutable value (insert text / delete a range)
2. **Apply**: pure function text -> text'
3. **Transform**: pure function (this, other) -> (this', other')
4. **Log order**: the server transforms incoming edits against its log in
   append order, which is what breaks ties between concurrent inserts

Positions are rune offsets, so multi-byte characters count as one position.
*/

// OpType discriminates the operation union on the wire.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Operation is an insert or a delete against a plain-text document.
// Text is only meaningful for inserts, Length only for deletes.
type Operation struct {
	Type     OpType `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// NewInsert creates an insert of text at position.
func NewInsert(position int, text string) Operation {
	return Operation{Type: OpInsert, Position: position, Text: text}
}

// NewDelete creates a delete of length runes starting at position.
// Negative lengths are clamped to zero.
func NewDelete(position, length int) Operation {
	if length < 0 {
		length = 0
	}
	return Operation{Type: OpDelete, Position: position, Length: length}
}

// Validate rejects operations that must never reach a queue.
func (o Operation) Validate() error {
	switch o.Type {
	case OpInsert, OpDelete:
	default:
		return apperrors.NewMalformedOperation(fmt.Sprintf("unknown operation type %q", o.Type))
	}
	if o.Position < 0 {
		return apperrors.NewMalformedOperation(fmt.Sprintf("negative position %d", o.Position))
	}
	if o.Type == OpDelete && o.Length < 0 {
		return apperrors.NewMalformedOperation(fmt.Sprintf("negative delete length %d", o.Length))
	}
	return nil
}

// TextLen is the length of the inserted text in runes.
func (o Operation) TextLen() int {
	return utf8.RuneCountInString(o.Text)
}

// End is the first position after the range a delete covers.
// For inserts it equals Position.
func (o Operation) End() int {
	if o.Type == OpDelete {
		return o.Position + o.Length
	}
	return o.Position
}

func (o Operation) String() string {
	if o.Type == OpInsert {
		return fmt.Sprintf("Insert(%d, %q)", o.Position, o.Text)
	}
	return fmt.Sprintf("Delete(%d, %d)", o.Position, o.Length)
}

// Decode parses and validates an operation received from a client.
func Decode(raw json.RawMessage) (Operation, error) {
	if len(raw) == 0 {
		return Operation{}, apperrors.NewMalformedOperation("missing operation")
	}

	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return Operation{}, apperrors.NewMalformedOperation(fmt.Sprintf("invalid operation: %v", err))
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Apply returns text with op applied. Out-of-range positions are clamped
// to the text bounds, so Apply never panics.
func Apply(text string, op Operation) string {
	runes := []rune(text)

	switch op.Type {
	case OpInsert:
		pos := clamp(op.Position, 0, len(runes))
		return string(runes[:pos]) + op.Text + string(runes[pos:])

	case OpDelete:
		start := clamp(op.Position, 0, len(runes))
		end := clamp(op.Position+op.Length, start, len(runes))
		return string(runes[:start]) + string(runes[end:])
	}

	return text
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
