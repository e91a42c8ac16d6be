package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCommitAssignsSequence(t *testing.T) {
	s := NewSession("page-1", "", 100)

	committed, err := s.Commit(NewInsert("alice", 0, "Hello", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), committed.ServerSeq)
	assert.False(t, committed.ServerTime.IsZero())
	assert.Equal(t, "Hello", s.Content())
	assert.Equal(t, int64(1), s.Seq())
}

func TestSessionCommitFailureLeavesStateUntouched(t *testing.T) {
	s := NewSession("page-1", "abc", 100)

	_, err := s.Commit(NewDelete("alice", 1, 100, 0))
	require.Error(t, err)
	assert.Equal(t, "abc", s.Content())
	assert.Equal(t, int64(0), s.Seq())
	assert.Equal(t, 0, s.HistoryLen())
}

func TestSessionHistoryReplayReproducesContent(t *testing.T) {
	// Applying the retained history in sequence order to the initial
	// content must reproduce the current content.
	initial := "The quick brown fox"
	s := NewSession("page-1", initial, 100)

	ops := []*Operation{
		NewInsert("alice", 19, " jumps", 0),
		NewDelete("bob", 4, 6, 1),
		NewReplace("alice", 4, 9, "slow", 2),
		NewInsert("bob", 0, "> ", 3),
	}
	for _, op := range ops {
		_, err := s.Commit(op)
		require.NoError(t, err)
	}

	replayed := initial
	history, ok := s.OperationsSince(0)
	require.True(t, ok)
	for _, op := range history {
		var err error
		replayed, err = op.Apply(replayed)
		require.NoError(t, err)
	}
	assert.Equal(t, s.Content(), replayed)
}

func TestSessionOperationsSince(t *testing.T) {
	s := NewSession("page-1", "", 100)
	for i := 0; i < 5; i++ {
		_, err := s.Commit(NewInsert("alice", 0, "x", int64(i)))
		require.NoError(t, err)
	}

	ops, ok := s.OperationsSince(2)
	require.True(t, ok)
	require.Len(t, ops, 3)
	assert.Equal(t, int64(3), ops[0].ServerSeq)
	assert.Equal(t, int64(5), ops[2].ServerSeq)

	// Caller already up to date.
	ops, ok = s.OperationsSince(5)
	require.True(t, ok)
	assert.Empty(t, ops)
}

func TestSessionEvictionRespectsConnectedClients(t *testing.T) {
	s := NewSession("page-1", "", 3)
	s.AddUser(UserInfo{UserID: "alice"}, nil)

	// alice joined at seq 0 and never acknowledges, so nothing may be
	// evicted even past capacity.
	for i := 0; i < 10; i++ {
		_, err := s.Commit(NewInsert("bob", 0, "x", int64(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 10, s.HistoryLen())

	ops, ok := s.OperationsSince(0)
	require.True(t, ok)
	assert.Len(t, ops, 10)

	// Once alice catches up the prefix is released.
	s.SetLastSeen("alice", 10)
	assert.Equal(t, 3, s.HistoryLen())

	_, ok = s.OperationsSince(0)
	assert.False(t, ok, "evicted range must force a resync")
}

func TestSessionEvictionWithNoUsers(t *testing.T) {
	s := NewSession("page-1", "", 3)
	for i := 0; i < 10; i++ {
		_, err := s.Commit(NewInsert("bob", 0, "x", int64(i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.HistoryLen())
}

func TestSessionSetLastSeenOnlyRaises(t *testing.T) {
	s := NewSession("page-1", "", 100)
	s.AddUser(UserInfo{UserID: "alice"}, nil)
	s.SetLastSeen("alice", 5)
	s.SetLastSeen("alice", 3)
	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Equal(t, int64(5), s.lastSeen["alice"])
}

func TestSessionSnapshotHash(t *testing.T) {
	s := NewSession("page-1", "Hello", 100)
	snap := s.Snapshot()
	assert.Equal(t, "Hello", snap.Content)
	assert.Equal(t, int64(0), snap.Seq)
	assert.Equal(t, s.Hash(), snap.Hash)

	other := NewSession("page-2", "Hello", 100)
	assert.Equal(t, s.Hash(), other.Hash(), "hash depends only on content")

	_, err := s.Commit(NewInsert("alice", 5, "!", 0))
	require.NoError(t, err)
	assert.NotEqual(t, other.Hash(), s.Hash())
}

func TestSessionPresence(t *testing.T) {
	s := NewSession("page-1", "", 100)

	p := s.AddUser(UserInfo{UserID: "alice", DisplayName: "Alice"}, nil)
	assert.Equal(t, ColorFor("alice"), p.Color)
	assert.Equal(t, 1, s.UserCount())

	// Rejoining keeps the color and does not duplicate the roster entry.
	again := s.AddUser(UserInfo{UserID: "alice"}, nil)
	assert.Equal(t, p.Color, again.Color)
	assert.Equal(t, 1, s.UserCount())

	assert.True(t, s.RemoveUser("alice"))
	assert.False(t, s.RemoveUser("alice"))
	assert.Equal(t, 0, s.UserCount())
}

func TestSessionCursorRateLimit(t *testing.T) {
	s := NewSession("page-1", "", 100)
	s.AddUser(UserInfo{UserID: "alice"}, nil)

	cursor := CursorPosition{UserID: "alice", Start: 1, End: 1}
	assert.True(t, s.UpdateCursor(cursor, 50*time.Millisecond))
	assert.False(t, s.UpdateCursor(cursor, 50*time.Millisecond), "second update inside the window is suppressed")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, s.UpdateCursor(cursor, 50*time.Millisecond))

	assert.False(t, s.UpdateCursor(CursorPosition{UserID: "ghost"}, 0), "unknown user never broadcasts")
}

func TestColorForIsStable(t *testing.T) {
	c := ColorFor("alice")
	assert.Equal(t, c, ColorFor("alice"))
	assert.Contains(t, colorPalette, c)
}
