// Package page persists wiki pages and their revisions, and implements the
// commit step that promotes a collaboration checkpoint into a versioned
// revision.
package page

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"collabwiki/collab"
)

// Page is the durable page record. The editing core only ever writes the
// committed-state fields; everything else belongs to the wiki proper.
type Page struct {
	ID                    string    `bson:"_id" json:"id"`
	Slug                  string    `bson:"slug" json:"slug"`
	Title                 string    `bson:"title" json:"title"`
	Summary               string    `bson:"summary,omitempty" json:"summary,omitempty"`
	Body                  string    `bson:"body" json:"body"`
	BodyFormat            string    `bson:"body_format" json:"bodyFormat"`
	UpdatedAt             time.Time `bson:"updated_at" json:"updatedAt"`
	UpdatedBy             string    `bson:"updated_by" json:"updatedBy"`
	LastCommittedAt       time.Time `bson:"last_committed_at,omitempty" json:"lastCommittedAt,omitempty"`
	LastCommittedContent  string    `bson:"last_committed_content,omitempty" json:"lastCommittedContent,omitempty"`
	HasUncommittedChanges bool      `bson:"has_uncommitted_changes" json:"hasUncommittedChanges"`
}

// Revision is one committed snapshot of a page.
type Revision struct {
	ID          int64     `bson:"_id" json:"id"`
	PageID      string    `bson:"page_id" json:"pageId"`
	Author      string    `bson:"author" json:"author"`
	CreatedAt   time.Time `bson:"created_at" json:"createdAt"`
	Note        string    `bson:"note,omitempty" json:"note,omitempty"`
	Snapshot    string    `bson:"snapshot" json:"snapshot"`
	Format      string    `bson:"format" json:"format"`
	UpdateBytes []byte    `bson:"update_bytes,omitempty" json:"updateBytes,omitempty"`
}

// CommitRecord is the page-side state written atomically with a revision.
type CommitRecord struct {
	PageID      string
	Title       string
	Summary     string
	Body        string
	BodyFormat  string
	CommittedBy string
	CommittedAt time.Time
}

// Store is the persistence surface the committer needs.
type Store interface {
	// GetPage returns a page, or collab.ErrNotFound.
	GetPage(ctx context.Context, pageID string) (*Page, error)

	// SaveCommit inserts the revision and applies the commit record to the
	// page in a single transaction. Returns the revision id.
	SaveCommit(ctx context.Context, rev *Revision, record *CommitRecord) (int64, error)
}

// MongoStore persists pages and revisions in MongoDB.
type MongoStore struct {
	client    *mongo.Client
	pages     *mongo.Collection
	revisions *mongo.Collection
	node      *snowflake.Node
	logger    *zap.Logger
}

// NewMongoStore creates the store and its indexes.
func NewMongoStore(ctx context.Context, client *mongo.Client, database string, node *snowflake.Node, logger *zap.Logger) (*MongoStore, error) {
	db := client.Database(database)
	s := &MongoStore{
		client:    client,
		pages:     db.Collection("pages"),
		revisions: db.Collection("revisions"),
		node:      node,
		logger:    logger,
	}

	revisionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "page_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := s.revisions.Indexes().CreateMany(ctx, revisionIndexes); err != nil {
		return nil, fmt.Errorf("failed to create revision indexes: %w", err)
	}
	return s, nil
}

// GetPage returns a page by id.
func (s *MongoStore) GetPage(ctx context.Context, pageID string) (*Page, error) {
	var p Page
	err := s.pages.FindOne(ctx, bson.M{"_id": pageID}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: page %s", collab.ErrNotFound, pageID)
		}
		return nil, fmt.Errorf("failed to find page: %w", err)
	}
	return &p, nil
}

// PageBody implements collab.PageReader: a new editing session starts from
// the page's last committed content.
func (s *MongoStore) PageBody(ctx context.Context, pageID string) (string, error) {
	p, err := s.GetPage(ctx, pageID)
	if err != nil {
		return "", err
	}
	if p.LastCommittedContent != "" {
		return p.LastCommittedContent, nil
	}
	return p.Body, nil
}

// NextRevisionID reserves a revision id.
func (s *MongoStore) NextRevisionID() int64 {
	return s.node.Generate().Int64()
}

// SaveCommit inserts the revision and updates the page inside one
// transaction, so a failed commit leaves no visible change.
func (s *MongoStore) SaveCommit(ctx context.Context, rev *Revision, record *CommitRecord) (int64, error) {
	if rev.ID == 0 {
		rev.ID = s.NextRevisionID()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now()
	}

	session, err := s.client.StartSession()
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := s.revisions.InsertOne(sc, rev); err != nil {
			return nil, fmt.Errorf("failed to insert revision: %w", err)
		}

		change := bson.M{"$set": bson.M{
			"title":                   record.Title,
			"summary":                 record.Summary,
			"body":                    record.Body,
			"body_format":             record.BodyFormat,
			"updated_at":              record.CommittedAt,
			"updated_by":              record.CommittedBy,
			"last_committed_at":       record.CommittedAt,
			"last_committed_content":  record.Body,
			"has_uncommitted_changes": false,
		}}
		result, err := s.pages.UpdateOne(sc, bson.M{"_id": record.PageID}, change)
		if err != nil {
			return nil, fmt.Errorf("failed to update page: %w", err)
		}
		if result.MatchedCount == 0 {
			return nil, fmt.Errorf("%w: page %s", collab.ErrNotFound, record.PageID)
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("revision committed",
		zap.Int64("revision_id", rev.ID),
		zap.String("page_id", record.PageID),
		zap.String("author", rev.Author))
	return rev.ID, nil
}
