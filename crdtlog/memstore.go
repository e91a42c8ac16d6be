package crdtlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used in tests and single-node
// development setups. Semantics match MongoStore: monotonic per-session
// update ids, idempotent checkpoints, closed sessions reject appends.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	sessions    map[int64]*Session
	updates     map[int64][]*Update    // sessionID -> updates in id order
	checkpoints map[int64][]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:      1,
		sessions:    make(map[int64]*Session),
		updates:     make(map[int64][]*Update),
		checkpoints: make(map[int64][]*Checkpoint),
	}
}

func (s *MemoryStore) OpenSession(_ context.Context, pageID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess := s.openForPageLocked(pageID); sess != nil {
		copied := *sess
		return &copied, nil
	}

	sess := &Session{
		ID:        s.nextID,
		PageID:    pageID,
		CreatedAt: time.Now(),
	}
	s.nextID++
	s.sessions[sess.ID] = sess
	copied := *sess
	return &copied, nil
}

func (s *MemoryStore) SessionForPage(_ context.Context, pageID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess := s.openForPageLocked(pageID); sess != nil {
		copied := *sess
		return &copied, nil
	}
	return nil, fmt.Errorf("%w: page %s", ErrSessionNotFound, pageID)
}

func (s *MemoryStore) openForPageLocked(pageID string) *Session {
	for _, sess := range s.sessions {
		if sess.PageID == pageID && sess.ClosedAt == nil {
			return sess
		}
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
	}
	copied := *sess
	return &copied, nil
}

func (s *MemoryStore) AppendUpdate(_ context.Context, sessionID int64, clientID string, updateBytes []byte, vectorClockJSON string) (*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.ClosedAt != nil {
		return nil, fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
	}

	sess.LastUpdateID++
	update := &Update{
		SessionID:       sessionID,
		ID:              sess.LastUpdateID,
		ClientID:        clientID,
		VectorClockJSON: vectorClockJSON,
		UpdateBytes:     updateBytes,
		CreatedAt:       time.Now(),
	}
	s.updates[sessionID] = append(s.updates[sessionID], update)
	copied := *update
	return &copied, nil
}

func (s *MemoryStore) UpdatesAfter(_ context.Context, sessionID, afterID int64) ([]*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Update
	for _, u := range s.updates[sessionID] {
		if u.ID > afterID {
			copied := *u
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestUpdate(_ context.Context, sessionID int64) (*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates := s.updates[sessionID]
	if len(updates) == 0 {
		return nil, nil
	}
	copied := *updates[len(updates)-1]
	return &copied, nil
}

func (s *MemoryStore) CountUpdatesAfter(_ context.Context, sessionID, afterID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, u := range s.updates[sessionID] {
		if u.ID > afterID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, sessionID, version int64, snapshot []byte) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
	}

	for _, cp := range s.checkpoints[sessionID] {
		if cp.Version == version {
			copied := *cp
			return &copied, nil
		}
	}

	cp := &Checkpoint{
		ID:            s.nextID,
		SessionID:     sessionID,
		Version:       version,
		SnapshotBytes: snapshot,
		CreatedAt:     time.Now(),
	}
	s.nextID++
	s.checkpoints[sessionID] = append(s.checkpoints[sessionID], cp)

	sess.CheckpointVersion = version
	sess.CheckpointBytes = snapshot
	sess.LastCheckpointAt = cp.CreatedAt

	copied := *cp
	return &copied, nil
}

func (s *MemoryStore) SetAwareness(_ context.Context, sessionID int64, awarenessJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
	}
	sess.AwarenessJSON = awarenessJSON
	return nil
}

func (s *MemoryStore) OpenSessions(_ context.Context) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Session
	for _, sess := range s.sessions {
		if sess.ClosedAt == nil {
			copied := *sess
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CloseSession(_ context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.ClosedAt != nil {
		return fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
	}
	now := time.Now()
	sess.ClosedAt = &now
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
