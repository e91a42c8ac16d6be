package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Coordinator owns every live editing session and enforces the single-writer
// discipline: all operations for a page funnel through that page's mailbox
// and are drained by exactly one goroutine. Different pages proceed in
// parallel.
type Coordinator struct {
	pages  PageReader
	opts   *Options
	logger *zap.Logger

	sessions sync.Map // pageID -> *sessionHandle
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type sessionHandle struct {
	session   *Session
	mailbox   chan pendingOp
	done      chan struct{}
	closeOnce sync.Once
}

func (h *sessionHandle) close() {
	h.closeOnce.Do(func() { close(h.done) })
}

type pendingOp struct {
	op   *Operation
	peer Peer
}

// NewCoordinator creates a coordinator. Call Start to run the idle-session
// sweeper and Close to shut everything down.
func NewCoordinator(pages PageReader, opts *Options, logger *zap.Logger) *Coordinator {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pages:  pages,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the idle-session sweeper.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.sweepLoop()
	c.logger.Info("session coordinator started",
		zap.Duration("cleanup_interval", c.opts.CleanupInterval),
		zap.Duration("idle_timeout", c.opts.IdleTimeout))
}

// Close stops the sweeper and every session drain loop, then waits for them.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.sessions.Range(func(key, value any) bool {
		c.sessions.Delete(key)
		value.(*sessionHandle).close()
		return true
	})
	c.wg.Wait()
}

// Join registers a user in a page's session, creating the session from the
// page's last-committed body when none is open. The joining peer receives the
// document state and the user list; other peers are told about the new user.
func (c *Coordinator) Join(ctx context.Context, pageID string, user UserInfo, peer Peer) error {
	h, err := c.handleFor(ctx, pageID)
	if err != nil {
		return err
	}

	if _, connected := h.session.PeerFor(user.UserID); !connected &&
		h.session.UserCount() >= c.opts.MaxUsersPerSession {
		return fmt.Errorf("%w: page %s has %d users", ErrSessionFull, pageID, c.opts.MaxUsersPerSession)
	}

	presence := h.session.AddUser(user, peer)
	c.sendTo(peer, h.session.Snapshot())
	c.sendTo(peer, UserListEvent{Users: h.session.Users()})
	c.broadcast(h.session, user.UserID, UserJoinedEvent{User: presence})

	c.logger.Info("user joined session",
		zap.String("page_id", pageID),
		zap.String("user_id", user.UserID),
		zap.Int("users", h.session.UserCount()))
	return nil
}

// Leave removes a user from a page's session and announces the departure.
// The session itself lingers until the idle sweeper reclaims it.
func (c *Coordinator) Leave(pageID, userID string) {
	h, ok := c.lookup(pageID)
	if !ok {
		return
	}
	if !h.session.RemoveUser(userID) {
		return
	}
	c.broadcast(h.session, userID, UserLeftEvent{UserID: userID})
	c.logger.Info("user left session",
		zap.String("page_id", pageID),
		zap.String("user_id", userID),
		zap.Int("users", h.session.UserCount()))
}

// Submit enqueues an operation on the session's pending queue. Processing
// results reach the originator asynchronously as OperationConfirmed or
// OperationRejected events on peer.
func (c *Coordinator) Submit(ctx context.Context, pageID string, op *Operation, peer Peer) error {
	h, ok := c.lookup(pageID)
	if !ok {
		return fmt.Errorf("%w: no active session for page %s", ErrNotFound, pageID)
	}
	select {
	case h.mailbox <- pendingOp{op: op, peer: peer}:
		return nil
	case <-h.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cursor records a cursor position and broadcasts it to the other users.
// Cursor updates bypass the operation queue; they are last-writer-wins and
// carry their own timestamp.
func (c *Coordinator) Cursor(pageID string, cursor CursorPosition) error {
	h, ok := c.lookup(pageID)
	if !ok {
		return fmt.Errorf("%w: no active session for page %s", ErrNotFound, pageID)
	}
	if !h.session.UpdateCursor(cursor, c.opts.CursorMinInterval) {
		return nil
	}
	c.broadcast(h.session, cursor.UserID, CursorEvent{Cursor: cursor})
	return nil
}

// SyncDocument sends the full document state to one peer.
func (c *Coordinator) SyncDocument(pageID string, peer Peer) error {
	h, ok := c.lookup(pageID)
	if !ok {
		return fmt.Errorf("%w: no active session for page %s", ErrNotFound, pageID)
	}
	c.sendTo(peer, h.session.Snapshot())
	return nil
}

// OperationsSince catches a peer up from retained history, or forces a full
// resync when the requested range has been evicted.
func (c *Coordinator) OperationsSince(pageID string, sinceSeq int64, peer Peer) error {
	h, ok := c.lookup(pageID)
	if !ok {
		return fmt.Errorf("%w: no active session for page %s", ErrNotFound, pageID)
	}
	ops, ok := h.session.OperationsSince(sinceSeq)
	if !ok {
		snap := h.session.Snapshot()
		c.sendTo(peer, RequiredResyncEvent{Content: snap.Content, Seq: snap.Seq, Hash: snap.Hash})
		return nil
	}
	c.sendTo(peer, OperationsSinceEvent{Ops: ops})
	return nil
}

// VerifyState implements the reconciliation protocol: a client reports its
// last-seen sequence and content hash, and receives StateVerified, the
// missing operations, or a forced full resync.
func (c *Coordinator) VerifyState(pageID, userID string, clientSeq int64, clientHash string, peer Peer) error {
	h, ok := c.lookup(pageID)
	if !ok {
		return fmt.Errorf("%w: no active session for page %s", ErrNotFound, pageID)
	}
	snap := h.session.Snapshot()

	if clientSeq == snap.Seq && clientHash == snap.Hash {
		h.session.SetLastSeen(userID, clientSeq)
		c.sendTo(peer, StateVerifiedEvent{Seq: snap.Seq})
		return nil
	}
	if clientSeq < snap.Seq {
		if ops, inHistory := h.session.OperationsSince(clientSeq); inHistory {
			c.sendTo(peer, OperationsSinceEvent{Ops: ops})
			return nil
		}
	}
	// Divergence beyond what history can repair.
	h.session.ResetLastSeen(userID, snap.Seq)
	c.sendTo(peer, RequiredResyncEvent{Content: snap.Content, Seq: snap.Seq, Hash: snap.Hash})
	return nil
}

// AckSeq records the highest server sequence a client has applied.
func (c *Coordinator) AckSeq(pageID, userID string, seq int64) {
	if h, ok := c.lookup(pageID); ok {
		h.session.SetLastSeen(userID, seq)
	}
}

// SessionFor returns the live session for a page, if one is open.
func (c *Coordinator) SessionFor(pageID string) (*Session, bool) {
	h, ok := c.lookup(pageID)
	if !ok {
		return nil, false
	}
	return h.session, true
}

func (c *Coordinator) lookup(pageID string) (*sessionHandle, bool) {
	v, ok := c.sessions.Load(pageID)
	if !ok {
		return nil, false
	}
	return v.(*sessionHandle), true
}

func (c *Coordinator) handleFor(ctx context.Context, pageID string) (*sessionHandle, error) {
	if h, ok := c.lookup(pageID); ok {
		return h, nil
	}

	body, err := c.pages.PageBody(ctx, pageID)
	if err != nil {
		return nil, err
	}

	h := &sessionHandle{
		session: NewSession(pageID, body, c.opts.MaxHistory),
		mailbox: make(chan pendingOp, c.opts.MailboxSize),
		done:    make(chan struct{}),
	}
	if actual, loaded := c.sessions.LoadOrStore(pageID, h); loaded {
		return actual.(*sessionHandle), nil
	}

	c.wg.Add(1)
	go c.drain(h)
	c.logger.Info("session opened",
		zap.String("page_id", pageID),
		zap.Int("content_len", len(body)))
	return h, nil
}

// drain is the session's single writer. At most one drain goroutine runs per
// session; an operation whose originator has disconnected is still processed
// because it affects every peer.
func (c *Coordinator) drain(h *sessionHandle) {
	defer c.wg.Done()
	for {
		select {
		case p := <-h.mailbox:
			c.process(h, p)
		case <-h.done:
			return
		case <-c.stopCh:
			return
		}
	}
}

// process runs one drain step: validate, transform against the history tail,
// verify applicability, commit, fan out, acknowledge. A failure at any point
// leaves sequence, content and history untouched.
func (c *Coordinator) process(h *sessionHandle, p pendingOp) {
	op := p.op

	if err := op.Validate(); err != nil {
		c.reject(h, p.peer, op, "bad operation", err)
		return
	}

	tail, inHistory := h.session.OperationsSince(op.ExpectedSeq)
	if !inHistory {
		c.reject(h, p.peer, op, "stale", ErrStale)
		return
	}

	transformed, viable := TransformAgainstHistory(op, tail)
	if !viable {
		c.reject(h, p.peer, op, "rejected", ErrRejected)
		return
	}

	if !transformed.CanApplyTo(h.session.Content()) {
		c.reject(h, p.peer, op, "conflict", ErrConflict)
		return
	}

	committed, err := h.session.Commit(transformed)
	if err != nil {
		// Invariant broken mid-drain: nothing was applied, surface and log.
		c.logger.Error("drain step failed",
			zap.String("page_id", h.session.PageID),
			zap.String("op_id", op.ID),
			zap.Error(err))
		c.sendTo(p.peer, ErrorEvent{Message: "internal error applying operation"})
		return
	}
	h.session.SetLastSeen(committed.UserID, committed.ServerSeq)

	c.broadcast(h.session, committed.UserID, OperationEvent{Op: committed})
	c.sendTo(p.peer, OperationConfirmedEvent{OpID: committed.ID, ServerSeq: committed.ServerSeq})

	c.logger.Debug("operation applied",
		zap.String("page_id", h.session.PageID),
		zap.String("op_id", committed.ID),
		zap.String("user_id", committed.UserID),
		zap.Int64("server_seq", committed.ServerSeq))
}

func (c *Coordinator) reject(h *sessionHandle, peer Peer, op *Operation, reason string, err error) {
	c.sendTo(peer, OperationRejectedEvent{OpID: op.ID, Reason: reason})
	c.logger.Debug("operation rejected",
		zap.String("page_id", h.session.PageID),
		zap.String("op_id", op.ID),
		zap.String("reason", reason),
		zap.Error(err))
}

// broadcast fans an event out to every connected peer except exclude.
// Fan-out is best effort: a failing peer is logged and repaired by its next
// resync, never aborting delivery to the rest.
func (c *Coordinator) broadcast(s *Session, exclude string, event Event) {
	for _, peer := range s.Peers(exclude) {
		if err := peer.Send(event); err != nil {
			c.logger.Warn("fan-out to peer failed",
				zap.String("page_id", s.PageID),
				zap.String("user_id", peer.UserID()),
				zap.String("event", event.Name()),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) sendTo(peer Peer, event Event) {
	if peer == nil {
		return
	}
	if err := peer.Send(event); err != nil {
		c.logger.Warn("send to peer failed",
			zap.String("user_id", peer.UserID()),
			zap.String("event", event.Name()),
			zap.Error(err))
	}
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reclaimIdle()
		case <-c.stopCh:
			return
		}
	}
}

// reclaimIdle closes sessions that have had no users and no activity for the
// idle timeout. A reclaimed page is rebuilt from its last-committed content
// on the next join.
func (c *Coordinator) reclaimIdle() {
	now := time.Now()
	c.sessions.Range(func(key, value any) bool {
		h := value.(*sessionHandle)
		if h.session.UserCount() == 0 && now.Sub(h.session.LastActivity()) >= c.opts.IdleTimeout {
			c.sessions.Delete(key)
			h.close()
			c.logger.Info("idle session reclaimed",
				zap.String("page_id", h.session.PageID),
				zap.Int64("final_seq", h.session.Seq()))
		}
		return true
	})
}
