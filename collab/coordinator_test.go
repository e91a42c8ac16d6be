package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabwiki/testutil"
)

// fakePages serves fixed page bodies.
type fakePages struct {
	bodies map[string]string
}

func (f *fakePages) PageBody(ctx context.Context, pageID string) (string, error) {
	body, ok := f.bodies[pageID]
	if !ok {
		return "", fmt.Errorf("%w: page %s", ErrNotFound, pageID)
	}
	return body, nil
}

// fakePeer records every event it receives.
type fakePeer struct {
	id     string
	mu     sync.Mutex
	events []Event
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) UserID() string { return p.id }
func (p *fakePeer) Close() error   { return nil }

func (p *fakePeer) Send(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// waitFor blocks until the peer has received an event with the given name.
func (p *fakePeer) waitFor(t *testing.T, name string) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		for _, e := range p.events {
			if e.Name() == name {
				p.mu.Unlock()
				return e
			}
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer %s never received %s", p.id, name)
	return nil
}

func (p *fakePeer) countOf(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Name() == name {
			n++
		}
	}
	return n
}

func newTestCoordinator(t *testing.T, bodies map[string]string, opts *Options) *Coordinator {
	t.Helper()
	if opts == nil {
		opts = DefaultOptions()
	}
	c := NewCoordinator(&fakePages{bodies: bodies}, opts, testutil.NewLogger())
	t.Cleanup(c.Close)
	return c
}

func TestCoordinatorJoinDeliversSnapshot(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{"page-1": "Hello"}, nil)
	ctx := context.Background()

	alice := newFakePeer("alice")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))

	snap := alice.waitFor(t, "DocumentState").(DocumentState)
	assert.Equal(t, "Hello", snap.Content)
	assert.Equal(t, int64(0), snap.Seq)
	assert.NotEmpty(t, snap.Hash)

	roster := alice.waitFor(t, "UserList").(UserListEvent)
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].UserID)

	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))

	joined := alice.waitFor(t, "UserJoined").(UserJoinedEvent)
	assert.Equal(t, "bob", joined.User.UserID)
	assert.Equal(t, ColorFor("bob"), joined.User.Color)
}

func TestCoordinatorJoinUnknownPage(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{}, nil)
	err := c.Join(context.Background(), "nope", UserInfo{UserID: "alice"}, newFakePeer("alice"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinatorSessionFullRejectsNewUser(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxUsersPerSession = 2
	c := newTestCoordinator(t, map[string]string{"page-1": ""}, opts)
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "u1"}, newFakePeer("u1")))
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "u2"}, newFakePeer("u2")))

	err := c.Join(ctx, "page-1", UserInfo{UserID: "u3"}, newFakePeer("u3"))
	assert.ErrorIs(t, err, ErrSessionFull)

	// A reconnect of an existing user is not a new seat.
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "u1"}, newFakePeer("u1")))
}

func TestCoordinatorSequentialInsert(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{"page-1": ""}, nil)
	ctx := context.Background()

	alice := newFakePeer("alice")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))

	require.NoError(t, c.Submit(ctx, "page-1", NewInsert("alice", 0, "Hello", 0), alice))
	confirmed := alice.waitFor(t, "OperationConfirmed").(OperationConfirmedEvent)
	assert.Equal(t, int64(1), confirmed.ServerSeq)

	// A late joiner receives the post-operation state.
	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))
	snap := bob.waitFor(t, "DocumentState").(DocumentState)
	assert.Equal(t, "Hello", snap.Content)
	assert.Equal(t, int64(1), snap.Seq)
}

func TestCoordinatorConcurrentInsertsConverge(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{"page-1": "AB"}, nil)
	ctx := context.Background()

	alice := newFakePeer("alice")
	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))

	// Both operations were produced against sequence 0; the mailbox orders
	// them and the second is transformed against the first.
	require.NoError(t, c.Submit(ctx, "page-1", NewInsert("alice", 1, "X", 0), alice))
	require.NoError(t, c.Submit(ctx, "page-1", NewInsert("bob", 1, "Y", 0), bob))

	alice.waitFor(t, "OperationConfirmed")
	bob.waitFor(t, "OperationConfirmed")

	s, ok := c.SessionFor("page-1")
	require.True(t, ok)
	assert.Equal(t, "AXYB", s.Content())
	assert.Equal(t, int64(2), s.Seq())

	// The broadcast carries the transformed form, so alice applies bob's
	// insert at its shifted position.
	opEvt := alice.waitFor(t, "ReceiveOperation").(OperationEvent)
	assert.Equal(t, "bob", opEvt.Op.UserID)
	assert.Equal(t, 2, opEvt.Op.Position)
}

func TestCoordinatorConflictingReplacesConverge(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{"page-1": "Hello world"}, nil)
	ctx := context.Background()

	alice := newFakePeer("alice")
	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))

	require.NoError(t, c.Submit(ctx, "page-1", NewReplace("alice", 0, 5, "Howdy", 0), alice))
	require.NoError(t, c.Submit(ctx, "page-1", NewReplace("bob", 0, 5, "Yo", 0), bob))

	alice.waitFor(t, "OperationConfirmed")
	bob.waitFor(t, "OperationConfirmed")

	s, ok := c.SessionFor("page-1")
	require.True(t, ok)
	assert.Equal(t, "HowdyYo world", s.Content())
}

func TestCoordinatorRejectsMalformedOperation(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{"page-1": ""}, nil)
	ctx := context.Background()

	alice := newFakePeer("alice")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))

	require.NoError(t, c.Submit(ctx, "page-1", NewInsert("alice", -1, "x", 0), alice))
	rejected := alice.waitFor(t, "OperationRejected").(OperationRejectedEvent)
	assert.Equal(t, "bad operation", rejected.Reason)
}

func TestCoordinatorRejectsStaleOperation(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxHistory = 2
	c := newTestCoordinator(t, map[string]string{"page-1": ""}, opts)
	ctx := context.Background()

	alice := newFakePeer("alice")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))

	for i := 0; i < 6; i++ {
		require.NoError(t, c.Submit(ctx, "page-1", NewInsert("alice", 0, "x", int64(i)), alice))
	}
	require.Eventually(t, func() bool {
		return alice.countOf("OperationConfirmed") == 6
	}, 2*time.Second, 5*time.Millisecond)

	// The prefix is gone, so an operation based on sequence 1 cannot be
	// transformed any more.
	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))
	require.NoError(t, c.Submit(ctx, "page-1", NewInsert("bob", 0, "y", 1), bob))

	rejected := bob.waitFor(t, "OperationRejected").(OperationRejectedEvent)
	assert.Equal(t, "stale", rejected.Reason)
}

func TestCoordinatorCursorFanOut(t *testing.T) {
	opts := DefaultOptions()
	opts.CursorMinInterval = 0
	c := newTestCoordinator(t, map[string]string{"page-1": "abc"}, opts)
	ctx := context.Background()

	alice := newFakePeer("alice")
	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))

	require.NoError(t, c.Cursor("page-1", CursorPosition{UserID: "alice", Start: 1, End: 2}))

	evt := bob.waitFor(t, "ReceiveCursor").(CursorEvent)
	assert.Equal(t, "alice", evt.Cursor.UserID)
	assert.Equal(t, 1, evt.Cursor.Start)
	assert.Equal(t, 0, alice.countOf("ReceiveCursor"), "originator is excluded from cursor fan-out")
}

func TestCoordinatorVerifyState(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{"page-1": ""}, nil)
	ctx := context.Background()

	alice := newFakePeer("alice")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	require.NoError(t, c.Submit(ctx, "page-1", NewInsert("alice", 0, "Hello", 0), alice))
	alice.waitFor(t, "OperationConfirmed")

	s, ok := c.SessionFor("page-1")
	require.True(t, ok)

	// Matching sequence and hash verifies cleanly.
	require.NoError(t, c.VerifyState("page-1", "alice", s.Seq(), s.Hash(), alice))
	verified := alice.waitFor(t, "StateVerified").(StateVerifiedEvent)
	assert.Equal(t, s.Seq(), verified.Seq)

	// A client behind but within history gets the missing operations.
	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))
	require.NoError(t, c.VerifyState("page-1", "bob", 0, "whatever", bob))
	missing := bob.waitFor(t, "OperationsSinceState").(OperationsSinceEvent)
	require.Len(t, missing.Ops, 1)
	assert.Equal(t, int64(1), missing.Ops[0].ServerSeq)
}

func TestCoordinatorResyncAfterEviction(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxHistory = 2
	c := newTestCoordinator(t, map[string]string{"page-1": ""}, opts)
	ctx := context.Background()

	alice := newFakePeer("alice")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Submit(ctx, "page-1", NewInsert("alice", 0, "x", int64(i)), alice))
	}
	require.Eventually(t, func() bool {
		return alice.countOf("OperationConfirmed") == 8
	}, 2*time.Second, 5*time.Millisecond)

	// A client reconnecting from sequence 1 is past what history can
	// repair and is forced to resync.
	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))
	require.NoError(t, c.VerifyState("page-1", "bob", 1, "stale-hash", bob))

	resync := bob.waitFor(t, "RequiredResync").(RequiredResyncEvent)
	assert.Equal(t, "xxxxxxxx", resync.Content)
	assert.Equal(t, int64(8), resync.Seq)
	assert.NotEmpty(t, resync.Hash)
}

func TestCoordinatorOperationsSinceRequest(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{"page-1": ""}, nil)
	ctx := context.Background()

	alice := newFakePeer("alice")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Submit(ctx, "page-1", NewInsert("alice", 0, "x", int64(i)), alice))
	}
	require.Eventually(t, func() bool {
		return alice.countOf("OperationConfirmed") == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.OperationsSince("page-1", 1, alice))
	evt := alice.waitFor(t, "OperationsSinceState").(OperationsSinceEvent)
	require.Len(t, evt.Ops, 2)
	assert.Equal(t, int64(2), evt.Ops[0].ServerSeq)
}

func TestCoordinatorLeaveAnnounces(t *testing.T) {
	c := newTestCoordinator(t, map[string]string{"page-1": ""}, nil)
	ctx := context.Background()

	alice := newFakePeer("alice")
	bob := newFakePeer("bob")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "bob"}, bob))

	c.Leave("page-1", "bob")
	left := alice.waitFor(t, "UserLeft").(UserLeftEvent)
	assert.Equal(t, "bob", left.UserID)

	// Leaving twice is harmless.
	c.Leave("page-1", "bob")
}

func TestCoordinatorIdleSessionReclaimed(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleTimeout = 30 * time.Millisecond
	opts.CleanupInterval = 10 * time.Millisecond
	c := newTestCoordinator(t, map[string]string{"page-1": "body"}, opts)
	c.Start()
	ctx := context.Background()

	alice := newFakePeer("alice")
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	c.Leave("page-1", "alice")

	require.Eventually(t, func() bool {
		_, ok := c.SessionFor("page-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// The page is rebuilt from its committed body on the next join.
	require.NoError(t, c.Join(ctx, "page-1", UserInfo{UserID: "alice"}, alice))
	s, ok := c.SessionFor("page-1")
	require.True(t, ok)
	assert.Equal(t, "body", s.Content())
}
