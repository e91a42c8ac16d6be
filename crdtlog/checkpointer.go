package crdtlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// fullStateRecord is the shape an update must have to be adopted as a
// checkpoint. Updates are full-content replacement records today; a true
// CRDT delta format would be folded differently.
type fullStateRecord struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

const fullStateType = "content_update"

// Checkpointer folds a session's update log into its checkpoint. It runs as
// a background sweep over open sessions and can be invoked directly to force
// a checkpoint (for example before a commit).
type Checkpointer struct {
	store  Store
	opts   *Options
	logger *zap.Logger
	stopCh chan struct{}
}

// NewCheckpointer creates a checkpointer over the given store.
func NewCheckpointer(store Store, opts *Options, logger *zap.Logger) *Checkpointer {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		store:  store,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// CheckpointSession folds the session's newest update into its checkpoint,
// unconditionally. It is idempotent: if no update is newer than the current
// checkpoint version nothing changes. Returns the checkpoint version in
// effect afterwards.
func (c *Checkpointer) CheckpointSession(ctx context.Context, sessionID int64) (int64, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	latest, err := c.store.LatestUpdate(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if latest == nil || latest.ID <= sess.CheckpointVersion {
		return sess.CheckpointVersion, nil
	}

	var record fullStateRecord
	if err := json.Unmarshal(latest.UpdateBytes, &record); err != nil || record.Type != fullStateType || len(record.Content) == 0 {
		// The newest update is not a full-state record; skip this cycle and
		// let a later update carry the state.
		c.logger.Warn("checkpoint skipped, latest update is not a full-state record",
			zap.Int64("session_id", sessionID),
			zap.Int64("update_id", latest.ID))
		return sess.CheckpointVersion, nil
	}

	if _, err := c.store.SaveCheckpoint(ctx, sessionID, latest.ID, latest.UpdateBytes); err != nil {
		return 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return latest.ID, nil
}

// CheckpointIfDue checkpoints the session only when the due policy fires:
// enough updates since the last checkpoint, or the checkpoint is old enough.
func (c *Checkpointer) CheckpointIfDue(ctx context.Context, sess *Session) (bool, error) {
	count, err := c.store.CountUpdatesAfter(ctx, sess.ID, sess.CheckpointVersion)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}

	lastAt := sess.LastCheckpointAt
	if lastAt.IsZero() {
		lastAt = sess.CreatedAt
	}
	due := count >= c.opts.CheckpointMaxUpdates || time.Since(lastAt) >= c.opts.CheckpointMaxAge
	if !due {
		return false, nil
	}

	if _, err := c.CheckpointSession(ctx, sess.ID); err != nil {
		return false, err
	}
	return true, nil
}

// Schedule starts the periodic sweep. The loop may be interrupted between
// sessions but never mid-write: each session's checkpoint completes once
// started.
func (c *Checkpointer) Schedule(interval time.Duration) {
	if interval <= 0 {
		interval = c.opts.SweepInterval
	}
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				c.sweep(ctx)
				cancel()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()

	c.logger.Info("checkpoint sweep started",
		zap.Duration("interval", interval),
		zap.Int64("max_updates", c.opts.CheckpointMaxUpdates),
		zap.Duration("max_age", c.opts.CheckpointMaxAge))
}

// Stop halts the periodic sweep.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	c.logger.Info("checkpoint sweep stopped")
}

func (c *Checkpointer) sweep(ctx context.Context) {
	sessions, err := c.store.OpenSessions(ctx)
	if err != nil {
		c.logger.Error("checkpoint sweep failed to list sessions", zap.Error(err))
		return
	}

	for _, sess := range sessions {
		select {
		case <-c.stopCh:
			return
		default:
		}

		done, err := c.CheckpointIfDue(ctx, sess)
		if err != nil {
			// Checkpoint failures never affect the running session; the next
			// cycle retries.
			c.logger.Warn("checkpoint failed",
				zap.Int64("session_id", sess.ID),
				zap.String("page_id", sess.PageID),
				zap.Error(err))
			continue
		}
		if done {
			c.logger.Debug("session checkpointed",
				zap.Int64("session_id", sess.ID),
				zap.String("page_id", sess.PageID))
		}
	}
}
