package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// committed stamps a server sequence onto an operation, as the coordinator
// does when it applies one.
func committed(op *Operation, seq int64) *Operation {
	c := op.Clone()
	c.ServerSeq = seq
	return c
}

func TestTransformConcurrentInsertsSamePosition(t *testing.T) {
	// Content "AB". A inserts "X" at 1, B inserts "Y" at 1, both against
	// sequence 0. A commits first, so B shifts past A's text.
	content := "AB"

	opA := NewInsert("alice", 1, "X", 0)
	opB := NewInsert("bob", 1, "Y", 0)

	afterA, err := opA.Apply(content)
	require.NoError(t, err)
	assert.Equal(t, "AXB", afterA)

	transformedB, ok := Transform(opB, committed(opA, 1))
	require.True(t, ok)
	assert.Equal(t, 2, transformedB.Position)

	afterB, err := transformedB.Apply(afterA)
	require.NoError(t, err)
	assert.Equal(t, "AXYB", afterB)
}

func TestTransformInsertInsideDeletedRange(t *testing.T) {
	// Content "ABCDE". A deletes [1,4), B inserts "X" at 3. B's position
	// falls inside the removed range and clamps to its start.
	content := "ABCDE"

	opA := NewDelete("alice", 1, 3, 0)
	opB := NewInsert("bob", 3, "X", 0)

	afterA, err := opA.Apply(content)
	require.NoError(t, err)
	assert.Equal(t, "AE", afterA)

	transformedB, ok := Transform(opB, committed(opA, 1))
	require.True(t, ok)
	assert.Equal(t, 1, transformedB.Position)

	afterB, err := transformedB.Apply(afterA)
	require.NoError(t, err)
	assert.Equal(t, "AXE", afterB)
}

func TestTransformConflictingReplaces(t *testing.T) {
	// Content "Hello world". Both users replace [0,5); the committed side
	// keeps its text, the loser degrades to an insert after it.
	content := "Hello world"

	opA := NewReplace("alice", 0, 5, "Howdy", 0)
	opB := NewReplace("bob", 0, 5, "Yo", 0)

	afterA, err := opA.Apply(content)
	require.NoError(t, err)
	assert.Equal(t, "Howdy world", afterA)

	transformedB, ok := Transform(opB, committed(opA, 1))
	require.True(t, ok)
	assert.Equal(t, OpInsert, transformedB.Kind)
	assert.Equal(t, 5, transformedB.Position)
	assert.Equal(t, "Yo", transformedB.Content)

	afterB, err := transformedB.Apply(afterA)
	require.NoError(t, err)
	assert.Equal(t, "HowdyYo world", afterB)
}

func TestTransformConflictingReplaceEmptyLoserDropped(t *testing.T) {
	opA := NewReplace("alice", 0, 5, "Howdy", 0)
	opB := NewReplace("bob", 2, 6, "", 0)

	_, ok := Transform(opB, committed(opA, 1))
	assert.False(t, ok)
}

func TestTransformDeleteFullyConsumed(t *testing.T) {
	// A delete whose whole range was already removed has nothing left to do.
	opA := NewDelete("alice", 0, 10, 0)
	opB := NewDelete("bob", 2, 3, 0)

	_, ok := Transform(opB, committed(opA, 1))
	assert.False(t, ok)
}

func TestTransformDeleteOverlapShrinks(t *testing.T) {
	// Content "ABCDEFGH". A deletes [2,5), B deletes [4,7). B's surviving
	// range is [5,7) in old coordinates, repositioned to 2 with length 2.
	content := "ABCDEFGH"

	opA := NewDelete("alice", 2, 3, 0)
	opB := NewDelete("bob", 4, 3, 0)

	afterA, err := opA.Apply(content)
	require.NoError(t, err)
	assert.Equal(t, "ABFGH", afterA)

	transformedB, ok := Transform(opB, committed(opA, 1))
	require.True(t, ok)
	assert.Equal(t, 2, transformedB.Position)
	assert.Equal(t, 2, transformedB.Length)

	afterB, err := transformedB.Apply(afterA)
	require.NoError(t, err)
	assert.Equal(t, "ABH", afterB)
}

func TestTransformInsertIntoDeleteRangeGrowsDelete(t *testing.T) {
	// Text inserted strictly inside a pending delete's range is deleted
	// along with it.
	content := "ABCDE"

	opA := NewInsert("alice", 3, "xy", 0)
	opB := NewDelete("bob", 1, 3, 0)

	afterA, err := opA.Apply(content)
	require.NoError(t, err)
	assert.Equal(t, "ABCxyDE", afterA)

	transformedB, ok := Transform(opB, committed(opA, 1))
	require.True(t, ok)
	assert.Equal(t, 1, transformedB.Position)
	assert.Equal(t, 5, transformedB.Length)

	afterB, err := transformedB.Apply(afterA)
	require.NoError(t, err)
	assert.Equal(t, "AE", afterB)
}

func TestTransformReplaceSelectionCollapsed(t *testing.T) {
	// A delete that swallows a replace's whole selection leaves only the
	// replacement text as an insert.
	opA := NewDelete("alice", 0, 6, 0)
	opB := NewReplace("bob", 2, 5, "new", 0)

	transformedB, ok := Transform(opB, committed(opA, 1))
	require.True(t, ok)
	assert.Equal(t, OpInsert, transformedB.Kind)
	assert.Equal(t, 0, transformedB.Position)
	assert.Equal(t, "new", transformedB.Content)
}

func TestTransformCommutesOnIndependentPairs(t *testing.T) {
	// Transform(Transform(o, a), b) == Transform(Transform(o, b), a) for
	// independent operation pairs.
	cases := []struct {
		name    string
		op      *Operation
		a, b    *Operation
		content string
	}{
		{
			name:    "insert against two inserts",
			op:      NewInsert("carol", 6, "Z", 0),
			a:       NewInsert("alice", 0, "aa", 0),
			b:       NewInsert("bob", 10, "bb", 0),
			content: "0123456789ABCDEF",
		},
		{
			name:    "delete against two deletes",
			op:      NewDelete("carol", 8, 2, 0),
			a:       NewDelete("alice", 0, 2, 0),
			b:       NewDelete("bob", 12, 2, 0),
			content: "0123456789ABCDEF",
		},
		{
			name:    "delete against insert and delete",
			op:      NewDelete("carol", 6, 2, 0),
			a:       NewInsert("alice", 0, "aa", 0),
			b:       NewDelete("bob", 12, 2, 0),
			content: "0123456789ABCDEF",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ab1, ok := Transform(tc.op, committed(tc.a, 1))
			require.True(t, ok)
			ab, ok := Transform(ab1, committed(tc.b, 2))
			require.True(t, ok)

			ba1, ok := Transform(tc.op, committed(tc.b, 1))
			require.True(t, ok)
			ba, ok := Transform(ba1, committed(tc.a, 2))
			require.True(t, ok)

			assert.Equal(t, ab.Kind, ba.Kind)
			assert.Equal(t, ab.Position, ba.Position)
			assert.Equal(t, ab.Length, ba.Length)
			assert.Equal(t, ab.Content, ba.Content)
		})
	}
}

func TestTransformAgainstHistorySkipsSeenEntries(t *testing.T) {
	// Entries at or below the op's expected sequence were already part of
	// the content the op was produced against.
	history := []*Operation{
		committed(NewInsert("alice", 0, "aa", 0), 1),
		committed(NewInsert("alice", 10, "bb", 1), 2),
	}

	op := NewInsert("bob", 5, "X", 1)
	out, ok := TransformAgainstHistory(op, history)
	require.True(t, ok)
	assert.Equal(t, 5, out.Position)

	op = NewInsert("bob", 5, "X", 0)
	out, ok = TransformAgainstHistory(op, history)
	require.True(t, ok)
	assert.Equal(t, 7, out.Position)
}

func TestTransformAgainstHistoryDropsConsumedOp(t *testing.T) {
	history := []*Operation{
		committed(NewDelete("alice", 0, 10, 0), 1),
	}
	_, ok := TransformAgainstHistory(NewDelete("bob", 3, 2, 0), history)
	assert.False(t, ok)
}
