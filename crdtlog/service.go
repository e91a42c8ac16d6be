package crdtlog

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// InitState is the payload a client receives when it joins the update
// pipeline: the current checkpoint, the update tail past it, and the stored
// awareness state.
type InitState struct {
	SessionID  int64     `json:"sessionId"`
	Checkpoint []byte    `json:"checkpoint,omitempty"`
	Version    int64     `json:"version"`
	Updates    []*Update `json:"updates,omitempty"`
	Awareness  string    `json:"awareness,omitempty"`
}

// Service is the server side of the update pipeline: it admits pushes,
// assigns monotonic update ids, and answers init requests. Updates are
// opaque byte blobs; replaying the tail over the checkpoint reproduces the
// session's merged state.
type Service struct {
	store    Store
	presence PresenceStore
	opts     *Options
	logger   *zap.Logger
}

// NewService creates the update-log service. presence may be nil when the
// presence feature is disabled.
func NewService(store Store, presence PresenceStore, opts *Options, logger *zap.Logger) *Service {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		presence: presence,
		opts:     opts,
		logger:   logger,
	}
}

// Store exposes the underlying store, for the committer.
func (s *Service) Store() Store {
	return s.store
}

// Init opens (or joins) the page's session and returns everything the client
// needs to reconstruct the merged state.
func (s *Service) Init(ctx context.Context, pageID, clientID, vectorClockJSON string) (*InitState, error) {
	sess, err := s.store.OpenSession(ctx, pageID)
	if err != nil {
		return nil, err
	}

	tail, err := s.store.UpdatesAfter(ctx, sess.ID, sess.CheckpointVersion)
	if err != nil {
		return nil, err
	}

	awareness := sess.AwarenessJSON
	if s.presence != nil && s.opts.PresenceEnabled {
		if entries, err := s.presence.List(ctx, pageID); err == nil && len(entries) > 0 {
			if merged, err := json.Marshal(entries); err == nil {
				awareness = string(merged)
			}
		}
	}

	s.logger.Debug("init state served",
		zap.String("page_id", pageID),
		zap.String("client_id", clientID),
		zap.Int64("session_id", sess.ID),
		zap.Int64("version", sess.CheckpointVersion),
		zap.Int("tail", len(tail)))

	return &InitState{
		SessionID:  sess.ID,
		Checkpoint: sess.CheckpointBytes,
		Version:    sess.CheckpointVersion,
		Updates:    tail,
		Awareness:  awareness,
	}, nil
}

// Push appends an update to the page's session log and returns it with its
// assigned id. Oversized updates are rejected before touching the log.
func (s *Service) Push(ctx context.Context, pageID, clientID string, updateBytes []byte, vectorClockJSON string) (*Update, error) {
	if len(updateBytes) > s.opts.MaxUpdateBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrUpdateTooLarge, len(updateBytes), s.opts.MaxUpdateBytes)
	}

	sess, err := s.store.OpenSession(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return s.store.AppendUpdate(ctx, sess.ID, clientID, updateBytes, vectorClockJSON)
}

// Presence stores a client's awareness JSON for the page and refreshes the
// session's merged awareness snapshot.
func (s *Service) Presence(ctx context.Context, pageID, clientID, presenceJSON string) error {
	if !s.opts.PresenceEnabled {
		return nil
	}

	merged := presenceJSON
	if s.presence != nil {
		if err := s.presence.Set(ctx, pageID, clientID, presenceJSON); err != nil {
			return err
		}
		if entries, err := s.presence.List(ctx, pageID); err == nil && len(entries) > 0 {
			if raw, err := json.Marshal(entries); err == nil {
				merged = string(raw)
			}
		}
	}

	sess, err := s.store.SessionForPage(ctx, pageID)
	if err != nil {
		return err
	}
	return s.store.SetAwareness(ctx, sess.ID, merged)
}
