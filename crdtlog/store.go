// Package crdtlog persists the second collaboration pipeline: append-only
// per-session logs of opaque update bytes, periodic checkpoints that fold the
// log into a compact snapshot, and the awareness state shared between
// clients. Updates are opaque to the server; no transformation happens here.
package crdtlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound is returned when no open collaboration session
	// exists for the requested page or id.
	ErrSessionNotFound = errors.New("collab session not found")

	// ErrUpdateTooLarge is returned when an update exceeds the configured
	// maximum size.
	ErrUpdateTooLarge = errors.New("update too large")
)

// Session is one page's durable collaboration session row.
type Session struct {
	ID                int64      `bson:"_id" json:"id"`
	PageID            string     `bson:"page_id" json:"pageId"`
	CreatedAt         time.Time  `bson:"created_at" json:"createdAt"`
	ClosedAt          *time.Time `bson:"closed_at,omitempty" json:"closedAt,omitempty"`
	CheckpointVersion int64      `bson:"checkpoint_version" json:"checkpointVersion"`
	CheckpointBytes   []byte     `bson:"checkpoint_bytes,omitempty" json:"checkpointBytes,omitempty"`
	AwarenessJSON     string     `bson:"awareness_json,omitempty" json:"awarenessJson,omitempty"`
	LastUpdateID      int64      `bson:"last_update_id" json:"lastUpdateId"`
	LastCheckpointAt  time.Time  `bson:"last_checkpoint_at,omitempty" json:"lastCheckpointAt,omitempty"`
}

// Update is one append-only log entry. IDs are monotonic per session.
type Update struct {
	SessionID       int64     `bson:"session_id" json:"sessionId"`
	ID              int64     `bson:"update_id" json:"id"`
	ClientID        string    `bson:"client_id" json:"clientId"`
	VectorClockJSON string    `bson:"vector_clock_json,omitempty" json:"vectorClockJson,omitempty"`
	UpdateBytes     []byte    `bson:"update_bytes" json:"updateBytes"`
	CreatedAt       time.Time `bson:"created_at" json:"createdAt"`
}

// Checkpoint is a durable fold of all updates up to Version.
type Checkpoint struct {
	ID            int64     `bson:"_id" json:"id"`
	SessionID     int64     `bson:"session_id" json:"sessionId"`
	Version       int64     `bson:"version" json:"version"`
	SnapshotBytes []byte    `bson:"snapshot_bytes" json:"snapshotBytes"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
}

// Store is the persistence surface of the update-log pipeline.
type Store interface {
	// OpenSession returns the open session for a page, creating one if none
	// exists.
	OpenSession(ctx context.Context, pageID string) (*Session, error)

	// SessionForPage returns the open session for a page, or
	// ErrSessionNotFound.
	SessionForPage(ctx context.Context, pageID string) (*Session, error)

	// GetSession returns a session by id, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID int64) (*Session, error)

	// AppendUpdate assigns the next monotonic id within the session and
	// persists the update.
	AppendUpdate(ctx context.Context, sessionID int64, clientID string, updateBytes []byte, vectorClockJSON string) (*Update, error)

	// UpdatesAfter returns the session's updates with id greater than
	// afterID, in id order.
	UpdatesAfter(ctx context.Context, sessionID, afterID int64) ([]*Update, error)

	// LatestUpdate returns the session's newest update, or nil when the log
	// is empty.
	LatestUpdate(ctx context.Context, sessionID int64) (*Update, error)

	// CountUpdatesAfter counts updates with id greater than afterID.
	CountUpdatesAfter(ctx context.Context, sessionID, afterID int64) (int64, error)

	// SaveCheckpoint records a checkpoint and advances the session's
	// checkpoint version and bytes. Saving the same (session, version) twice
	// is a no-op.
	SaveCheckpoint(ctx context.Context, sessionID, version int64, snapshot []byte) (*Checkpoint, error)

	// SetAwareness stores the session's merged awareness JSON.
	SetAwareness(ctx context.Context, sessionID int64, awarenessJSON string) error

	// OpenSessions lists every session that has not been closed.
	OpenSessions(ctx context.Context) ([]*Session, error)

	// CloseSession marks a session closed. Closed sessions reject appends.
	CloseSession(ctx context.Context, sessionID int64) error

	// Close releases store resources.
	Close() error
}

// MongoStore is the MongoDB implementation of Store. It uses three
// collections: collab_sessions, collab_updates and collab_checkpoints.
type MongoStore struct {
	sessions    *mongo.Collection
	updates     *mongo.Collection
	checkpoints *mongo.Collection
	node        *snowflake.Node
	openMutex   sync.Mutex
	logger      *zap.Logger
}

// NewMongoStore creates the store and its indexes.
func NewMongoStore(ctx context.Context, client *mongo.Client, database string, node *snowflake.Node, logger *zap.Logger) (*MongoStore, error) {
	db := client.Database(database)
	s := &MongoStore{
		sessions:    db.Collection("collab_sessions"),
		updates:     db.Collection("collab_updates"),
		checkpoints: db.Collection("collab_checkpoints"),
		node:        node,
		logger:      logger,
	}

	sessionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "page_id", Value: 1}, {Key: "closed_at", Value: 1}}},
	}
	if _, err := s.sessions.Indexes().CreateMany(ctx, sessionIndexes); err != nil {
		return nil, fmt.Errorf("failed to create session indexes: %w", err)
	}

	updateIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "update_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := s.updates.Indexes().CreateMany(ctx, updateIndexes); err != nil {
		return nil, fmt.Errorf("failed to create update indexes: %w", err)
	}

	checkpointIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := s.checkpoints.Indexes().CreateMany(ctx, checkpointIndexes); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint indexes: %w", err)
	}

	return s, nil
}

// OpenSession returns the open session for a page, creating one if needed.
func (s *MongoStore) OpenSession(ctx context.Context, pageID string) (*Session, error) {
	s.openMutex.Lock()
	defer s.openMutex.Unlock()

	sess, err := s.SessionForPage(ctx, pageID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sess = &Session{
		ID:        s.node.Generate().Int64(),
		PageID:    pageID,
		CreatedAt: time.Now(),
	}
	if _, err := s.sessions.InsertOne(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	s.logger.Info("collab session opened",
		zap.Int64("session_id", sess.ID),
		zap.String("page_id", pageID))
	return sess, nil
}

// SessionForPage returns the open session for a page.
func (s *MongoStore) SessionForPage(ctx context.Context, pageID string) (*Session, error) {
	filter := bson.M{"page_id": pageID, "closed_at": nil}
	var sess Session
	err := s.sessions.FindOne(ctx, filter).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: page %s", ErrSessionNotFound, pageID)
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return &sess, nil
}

// GetSession returns a session by id.
func (s *MongoStore) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	var sess Session
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return &sess, nil
}

// AppendUpdate reserves the next id with an atomic increment on the session
// row, then inserts the update.
func (s *MongoStore) AppendUpdate(ctx context.Context, sessionID int64, clientID string, updateBytes []byte, vectorClockJSON string) (*Update, error) {
	filter := bson.M{"_id": sessionID, "closed_at": nil}
	change := bson.M{"$inc": bson.M{"last_update_id": int64(1)}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var sess Session
	if err := s.sessions.FindOneAndUpdate(ctx, filter, change, opts).Decode(&sess); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to reserve update id: %w", err)
	}

	update := &Update{
		SessionID:       sessionID,
		ID:              sess.LastUpdateID,
		ClientID:        clientID,
		VectorClockJSON: vectorClockJSON,
		UpdateBytes:     updateBytes,
		CreatedAt:       time.Now(),
	}
	if _, err := s.updates.InsertOne(ctx, update); err != nil {
		return nil, fmt.Errorf("failed to insert update: %w", err)
	}

	s.logger.Debug("update appended",
		zap.Int64("session_id", sessionID),
		zap.Int64("update_id", update.ID),
		zap.String("client_id", clientID),
		zap.Int("size", len(updateBytes)))
	return update, nil
}

// UpdatesAfter returns updates with id greater than afterID, in id order.
func (s *MongoStore) UpdatesAfter(ctx context.Context, sessionID, afterID int64) ([]*Update, error) {
	filter := bson.M{
		"session_id": sessionID,
		"update_id":  bson.M{"$gt": afterID},
	}
	opts := options.Find().SetSort(bson.D{{Key: "update_id", Value: 1}})

	cursor, err := s.updates.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find updates: %w", err)
	}
	defer cursor.Close(ctx)

	var updates []*Update
	if err := cursor.All(ctx, &updates); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return updates, nil
}

// LatestUpdate returns the newest update or nil when the log is empty.
func (s *MongoStore) LatestUpdate(ctx context.Context, sessionID int64) (*Update, error) {
	filter := bson.M{"session_id": sessionID}
	opts := options.FindOne().SetSort(bson.D{{Key: "update_id", Value: -1}})

	var update Update
	err := s.updates.FindOne(ctx, filter, opts).Decode(&update)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find latest update: %w", err)
	}
	return &update, nil
}

// CountUpdatesAfter counts updates with id greater than afterID.
func (s *MongoStore) CountUpdatesAfter(ctx context.Context, sessionID, afterID int64) (int64, error) {
	filter := bson.M{
		"session_id": sessionID,
		"update_id":  bson.M{"$gt": afterID},
	}
	count, err := s.updates.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count updates: %w", err)
	}
	return count, nil
}

// SaveCheckpoint inserts the checkpoint row and advances the session.
// A duplicate (session, version) insert means another pass already folded
// these updates; the existing checkpoint is returned.
func (s *MongoStore) SaveCheckpoint(ctx context.Context, sessionID, version int64, snapshot []byte) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:            s.node.Generate().Int64(),
		SessionID:     sessionID,
		Version:       version,
		SnapshotBytes: snapshot,
		CreatedAt:     time.Now(),
	}
	if _, err := s.checkpoints.InsertOne(ctx, cp); err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		var existing Checkpoint
		if err := s.checkpoints.FindOne(ctx, bson.M{"session_id": sessionID, "version": version}).Decode(&existing); err != nil {
			return nil, fmt.Errorf("failed to load existing checkpoint: %w", err)
		}
		cp = &existing
	}

	change := bson.M{"$set": bson.M{
		"checkpoint_version": version,
		"checkpoint_bytes":   snapshot,
		"last_checkpoint_at": time.Now(),
	}}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, change); err != nil {
		return nil, fmt.Errorf("failed to advance session checkpoint: %w", err)
	}

	s.logger.Info("checkpoint saved",
		zap.Int64("session_id", sessionID),
		zap.Int64("version", version),
		zap.Int("size", len(snapshot)))
	return cp, nil
}

// SetAwareness stores the merged awareness JSON on the session row.
func (s *MongoStore) SetAwareness(ctx context.Context, sessionID int64, awarenessJSON string) error {
	change := bson.M{"$set": bson.M{"awareness_json": awarenessJSON}}
	result, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, change)
	if err != nil {
		return fmt.Errorf("failed to set awareness: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
	}
	return nil
}

// OpenSessions lists all sessions that have not been closed.
func (s *MongoStore) OpenSessions(ctx context.Context) ([]*Session, error) {
	cursor, err := s.sessions.Find(ctx, bson.M{"closed_at": nil})
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []*Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return sessions, nil
}

// CloseSession marks a session closed.
func (s *MongoStore) CloseSession(ctx context.Context, sessionID int64) error {
	now := time.Now()
	change := bson.M{"$set": bson.M{"closed_at": now}}
	result, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID, "closed_at": nil}, change)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: id %d", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Close is a no-op; the MongoDB client is managed by the caller.
func (s *MongoStore) Close() error {
	return nil
}
