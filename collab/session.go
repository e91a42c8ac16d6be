package collab

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Session is the live in-memory state of one page under collaborative edit.
//
// Content, sequence and history are mutated only by the coordinator's drain
// goroutine, so the session has a single logical writer. The mutex exists for
// the read paths (snapshots, presence) and for presence updates, which do not
// flow through the operation queue.
type Session struct {
	PageID string

	mu           sync.RWMutex
	content      string
	seq          int64
	createdAt    time.Time
	lastActivity time.Time
	history      []*Operation
	users        map[string]*UserPresence
	lastSeen     map[string]int64
	maxHistory   int
}

// NewSession creates a session seeded with the page's last-committed content.
func NewSession(pageID, content string, maxHistory int) *Session {
	now := time.Now()
	return &Session{
		PageID:       pageID,
		content:      content,
		createdAt:    now,
		lastActivity: now,
		users:        make(map[string]*UserPresence),
		lastSeen:     make(map[string]int64),
		maxHistory:   maxHistory,
	}
}

// Content returns the current document content.
func (s *Session) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// Seq returns the global sequence number of the last applied operation.
func (s *Session) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Snapshot returns the document state delivered to late-joining clients.
func (s *Session) Snapshot() DocumentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return DocumentState{
		Content: s.content,
		Seq:     s.seq,
		Hash:    hashContent(s.content),
	}
}

// Hash returns the base64 SHA-256 of the current content, used for
// client/server reconciliation.
func (s *Session) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hashContent(s.content)
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// LastActivity returns the time of the last state change.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Commit applies a transformed operation, assigns the next server sequence
// and appends it to history. The step is all-or-nothing: on error no state
// has changed. Must only be called by the session's single drain goroutine.
func (s *Session) Commit(op *Operation) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := op.Apply(s.content)
	if err != nil {
		return nil, err
	}

	committed := op.Clone()
	committed.ServerSeq = s.seq + 1
	committed.ServerTime = time.Now()

	s.content = next
	s.seq = committed.ServerSeq
	s.history = append(s.history, committed)
	s.lastActivity = committed.ServerTime
	s.evictLocked()

	return committed, nil
}

// OperationsSince returns the history entries with server sequence greater
// than seq, in order. The second return value is false when entries in that
// range have already been evicted, meaning the caller needs a full resync.
func (s *Session) OperationsSince(seq int64) ([]*Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq >= s.seq {
		return nil, true
	}
	if len(s.history) == 0 || s.history[0].ServerSeq > seq+1 {
		return nil, false
	}
	ops := make([]*Operation, 0, s.seq-seq)
	for _, op := range s.history {
		if op.ServerSeq > seq {
			ops = append(ops, op)
		}
	}
	return ops, true
}

// AddUser registers presence for a joining user, assigning the deterministic
// color and recording the sequence the user joined at. Rejoining replaces the
// previous connection handle. Returns a copy of the resulting presence.
func (s *Session) AddUser(info UserInfo, peer Peer) UserPresence {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	p, ok := s.users[info.UserID]
	if !ok {
		p = &UserPresence{
			UserInfo: info,
			Color:    ColorFor(info.UserID),
			JoinedAt: now,
		}
		s.users[info.UserID] = p
	}
	p.peer = peer
	p.LastSeenAt = now
	s.lastSeen[info.UserID] = s.seq
	s.lastActivity = now
	return *p
}

// RemoveUser drops presence for a user and returns whether they were present.
func (s *Session) RemoveUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return false
	}
	delete(s.users, userID)
	delete(s.lastSeen, userID)
	s.lastActivity = time.Now()
	s.evictLocked()
	return true
}

// UpdateCursor records a cursor position. The returned flag is false when
// the update arrived inside the broadcast rate-limit window and should not
// be fanned out.
func (s *Session) UpdateCursor(cursor CursorPosition, minInterval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[cursor.UserID]
	if !ok {
		return false
	}
	now := time.Now()
	if cursor.UpdatedAt.IsZero() {
		cursor.UpdatedAt = now
	}
	p.Cursor = &cursor
	p.LastSeenAt = now

	if minInterval > 0 && now.Sub(p.lastBroadcast) < minInterval {
		return false
	}
	p.lastBroadcast = now
	return true
}

// SetLastSeen records the highest server sequence a client has acknowledged.
// History eviction never discards operations a connected client still needs.
func (s *Session) SetLastSeen(userID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return
	}
	if seq > s.lastSeen[userID] {
		s.lastSeen[userID] = seq
	}
	s.evictLocked()
}

// ResetLastSeen overwrites a client's acknowledged sequence after a forced
// resync delivered the full document state.
func (s *Session) ResetLastSeen(userID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return
	}
	s.lastSeen[userID] = seq
	s.evictLocked()
}

// UserCount returns the number of connected users.
func (s *Session) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Users returns a copy of the presence roster.
func (s *Session) Users() []UserPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]UserPresence, 0, len(s.users))
	for _, p := range s.users {
		users = append(users, *p)
	}
	return users
}

// Peers returns the send handles of all connected users except exclude.
func (s *Session) Peers(exclude string) []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]Peer, 0, len(s.users))
	for id, p := range s.users {
		if id == exclude || p.peer == nil {
			continue
		}
		peers = append(peers, p.peer)
	}
	return peers
}

// PeerFor returns the send handle for one user, if connected.
func (s *Session) PeerFor(userID string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.users[userID]
	if !ok || p.peer == nil {
		return nil, false
	}
	return p.peer, true
}

// HistoryLen returns the number of retained history entries.
func (s *Session) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// evictLocked trims the history prefix beyond capacity, but never past the
// minimum acknowledged sequence of any connected client; eviction that would
// strand a connected client is deferred until they catch up or leave.
func (s *Session) evictLocked() {
	if len(s.history) <= s.maxHistory {
		return
	}
	minSeen := s.minLastSeenLocked()
	for len(s.history) > s.maxHistory && s.history[0].ServerSeq <= minSeen {
		s.history = s.history[1:]
	}
}

func (s *Session) minLastSeenLocked() int64 {
	if len(s.users) == 0 {
		return s.seq
	}
	min := s.seq
	for id := range s.users {
		if seen := s.lastSeen[id]; seen < min {
			min = seen
		}
	}
	return min
}

// String implements fmt.Stringer for logging.
func (s *Session) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("session(page=%s seq=%d users=%d history=%d)", s.PageID, s.seq, len(s.users), len(s.history))
}
