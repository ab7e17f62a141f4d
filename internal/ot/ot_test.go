package ot

import (
	"encoding/json"
	"testing"

	apperrors "collab-engine/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		text string
		op   Operation
		want string
	}{
		{"insert middle", "ABC", NewInsert(1, "X"), "AXBC"},
		{"insert end", "ABC", NewInsert(3, "X"), "ABCX"},
		{"insert past end clamps", "ABC", NewInsert(10, "X"), "ABCX"},
		{"delete middle", "ABCDEF", NewDelete(1, 3), "AEF"},
		{"delete past end clamps", "ABC", NewDelete(2, 10), "AB"},
		{"delete zero length", "ABC", NewDelete(1, 0), "ABC"},
		{"delete from past end", "ABC", NewDelete(5, 2), "ABC"},
		{"runes not bytes", "héllo", NewDelete(1, 1), "hllo"},
		{"insert multibyte", "ab", NewInsert(1, "é"), "aéb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Apply(tt.text, tt.op))
		})
	}
}

// Each case must satisfy Apply(Apply(T, a), b') == Apply(Apply(T, b), a')
// for (a', b') = Transform(a, b).
func TestTransformConverges(t *testing.T) {
	tests := []struct {
		name string
		base string
		a, b Operation
		want string
	}{
		{"insert insert same position", "ABC", NewInsert(1, "X"), NewInsert(1, "Y"), "AYXBC"},
		{"insert insert this first", "ABC", NewInsert(0, "X"), NewInsert(2, "Y"), "XABYC"},
		{"insert insert other first", "ABC", NewInsert(2, "X"), NewInsert(0, "Y"), "YABXC"},
		{"insert after delete", "ABCDEF", NewInsert(4, "X"), NewDelete(0, 2), "CDXEF"},
		{"insert before delete", "ABCDEF", NewInsert(1, "X"), NewDelete(3, 2), "AXBCF"},
		{"delete before insert", "ABCDEF", NewDelete(3, 2), NewInsert(1, "X"), "AXBCF"},
		{"delete after insert", "ABCDEF", NewDelete(0, 2), NewInsert(4, "X"), "CDXEF"},
		{"disjoint deletes", "ABCDEF", NewDelete(0, 2), NewDelete(4, 2), "CD"},
		{"disjoint deletes reversed", "ABCDEF", NewDelete(4, 2), NewDelete(0, 2), "CD"},
		{"other contains this", "ABCDEF", NewDelete(2, 1), NewDelete(1, 3), "AEF"},
		{"this contains other", "ABCDEF", NewDelete(1, 3), NewDelete(2, 1), "AEF"},
		{"other overlaps start of this", "ABCDEF", NewDelete(2, 3), NewDelete(1, 2), "AF"},
		{"identical deletes", "ABCDEF", NewDelete(1, 2), NewDelete(1, 2), "ADEF"},
		{"zero length delete", "ABC", NewDelete(1, 0), NewInsert(1, "X"), "AXBC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aPrime, bPrime := Transform(tt.a, tt.b)

			left := Apply(Apply(tt.base, tt.a), bPrime)
			right := Apply(Apply(tt.base, tt.b), aPrime)

			assert.Equal(t, left, right)
			assert.Equal(t, tt.want, left)
		})
	}
}

func TestTransformExactRules(t *testing.T) {
	tests := []struct {
		name        string
		this, other Operation
		wantThis    Operation
		wantOther   Operation
	}{
		{
			name:      "equal inserts favor other",
			this:      NewInsert(1, "X"),
			other:     NewInsert(1, "YY"),
			wantThis:  NewInsert(3, "X"),
			wantOther: NewInsert(1, "YY"),
		},
		{
			name:      "delete straddles insert",
			this:      NewInsert(3, "X"),
			other:     NewDelete(1, 4),
			wantThis:  NewInsert(1, "X"),
			wantOther: NewDelete(1, 2),
		},
		{
			name:      "insert inside delete",
			this:      NewDelete(1, 4),
			other:     NewInsert(3, "X"),
			wantThis:  NewDelete(1, 2),
			wantOther: NewInsert(1, "X"),
		},
		{
			name:      "this overlaps start of other",
			this:      NewDelete(1, 2),
			other:     NewDelete(2, 3),
			wantThis:  NewDelete(1, 1),
			wantOther: NewDelete(2, 2),
		},
		{
			name:      "other swallows this becomes no-op",
			this:      NewDelete(2, 1),
			other:     NewDelete(1, 3),
			wantThis:  NewDelete(1, 0),
			wantOther: NewDelete(1, 2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotThis, gotOther := Transform(tt.this, tt.other)
			assert.Equal(t, tt.wantThis, gotThis)
			assert.Equal(t, tt.wantOther, gotOther)
		})
	}
}

func TestTransformNeverProducesNegativeLengths(t *testing.T) {
	ops := []Operation{
		NewDelete(0, 0), NewDelete(0, 5), NewDelete(2, 1), NewDelete(3, 0),
		NewInsert(0, "a"), NewInsert(3, "bc"),
	}
	for _, a := range ops {
		for _, b := range ops {
			aPrime, bPrime := Transform(a, b)
			assert.GreaterOrEqual(t, aPrime.Length, 0, "%s vs %s", a, b)
			assert.GreaterOrEqual(t, bPrime.Length, 0, "%s vs %s", a, b)
		}
	}
}

func TestDecode(t *testing.T) {
	op, err := Decode(json.RawMessage(`{"type":"insert","position":2,"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, NewInsert(2, "hi"), op)

	op, err = Decode(json.RawMessage(`{"type":"delete","position":0,"length":3}`))
	require.NoError(t, err)
	assert.Equal(t, NewDelete(0, 3), op)

	bad := []string{
		`{"type":"replace","position":0}`,
		`{"type":"insert","position":-1,"text":"x"}`,
		`{"type":"delete","position":0,"length":-2}`,
		`{"type":`,
		``,
	}
	for _, raw := range bad {
		_, err := Decode(json.RawMessage(raw))
		assert.True(t, apperrors.Is(err, apperrors.ErrMalformedOperation), "input %q", raw)
	}
}

func TestQueueVersions(t *testing.T) {
	q := NewOperationQueue()
	assert.Equal(t, 0, q.Version())

	assert.Equal(t, 1, q.Add("alice", NewInsert(0, "AB")))
	assert.Equal(t, 2, q.Add("bob", NewInsert(0, "C")))

	assert.Equal(t, 2, q.Version())
	assert.Equal(t, 1, q.ClientVersion("alice"))
	assert.Equal(t, 2, q.ClientVersion("bob"))
	assert.Equal(t, 0, q.ClientVersion("carol"))
	assert.Len(t, q.OperationsSince(1), 1)
}

func TestQueueReplayedVersionOnlySeesLaterEntries(t *testing.T) {
	q := NewOperationQueue()
	q.Add("alice", NewInsert(0, "AB"))
	q.Add("bob", NewInsert(0, "C"))

	op := NewInsert(5, "Z")

	assert.Equal(t, NewInsert(6, "Z"), q.TransformOperation(op, 1))
	// Replaying the same acknowledged version gives the same answer.
	assert.Equal(t, NewInsert(6, "Z"), q.TransformOperation(op, 1))
	assert.Equal(t, op, q.TransformOperation(op, 2))
	assert.Equal(t, op, q.TransformOperation(op, 99))
	assert.Equal(t, NewInsert(8, "Z"), q.TransformOperation(op, -3))
}

func TestQueueServerConvergesConcurrentInserts(t *testing.T) {
	q := NewOperationQueue()
	doc := "ABC"

	// Both clients author against version 0.
	first := q.TransformOperation(NewInsert(1, "X"), 0)
	doc = Apply(doc, first)
	q.Add("c1", first)

	second := q.TransformOperation(NewInsert(1, "Y"), 0)
	doc = Apply(doc, second)
	q.Add("c2", second)

	assert.Equal(t, "AXYBC", doc)
	// c1 applies the broadcast of the second edit to its own "AXBC".
	assert.Equal(t, doc, Apply("AXBC", second))
}
