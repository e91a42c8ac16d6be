package page

import (
	"context"
	"time"

	"go.uber.org/zap"

	"collabwiki/crdtlog"
)

// ActivityLogger is the external activity contract. Commits are reported
// fire-and-forget; a failing logger never fails the commit.
type ActivityLogger interface {
	LogCommit(userID, pageID, slug, title, message string)
}

// NopActivityLogger discards activity events.
type NopActivityLogger struct{}

func (NopActivityLogger) LogCommit(userID, pageID, slug, title, message string) {}

// Committer promotes a page's current merged collaboration state into a
// durable revision: force a checkpoint, materialize it, write the revision
// and the page's committed fields in one transaction.
type Committer struct {
	pages        Store
	log          crdtlog.Store
	checkpointer *crdtlog.Checkpointer
	activity     ActivityLogger
	logger       *zap.Logger
}

// NewCommitter creates a committer. activity may be nil.
func NewCommitter(pages Store, log crdtlog.Store, checkpointer *crdtlog.Checkpointer, activity ActivityLogger, logger *zap.Logger) *Committer {
	if activity == nil {
		activity = NopActivityLogger{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{
		pages:        pages,
		log:          log,
		checkpointer: checkpointer,
		activity:     activity,
		logger:       logger,
	}
}

// Commit creates a revision from the page's current collaboration state and
// updates the page's committed fields. It is all-or-nothing: on failure no
// visible change is made. Returns the new revision id.
//
// Committing twice with no intervening updates produces identical page
// fields and a second revision with the same snapshot.
func (c *Committer) Commit(ctx context.Context, pageID, userID, message string) (int64, error) {
	p, err := c.pages.GetPage(ctx, pageID)
	if err != nil {
		return 0, err
	}

	sess, err := c.log.OpenSession(ctx, pageID)
	if err != nil {
		return 0, err
	}

	if _, err := c.checkpointer.CheckpointSession(ctx, sess.ID); err != nil {
		return 0, err
	}
	sess, err = c.log.GetSession(ctx, sess.ID)
	if err != nil {
		return 0, err
	}

	// A session with no checkpoint yet has nothing merged; commit the page's
	// current body as-is so the commit is still well-defined.
	snapshot := sess.CheckpointBytes
	if len(snapshot) == 0 {
		snapshot = []byte(p.Body)
	}

	mat := Materialize(snapshot)
	now := time.Now()

	rev := &Revision{
		PageID:      pageID,
		Author:      userID,
		CreatedAt:   now,
		Note:        message,
		Snapshot:    mat.Body,
		Format:      mat.Format,
		UpdateBytes: sess.CheckpointBytes,
	}
	record := &CommitRecord{
		PageID:      pageID,
		Title:       orDefault(mat.Title, p.Title),
		Summary:     mat.Summary,
		Body:        mat.Body,
		BodyFormat:  mat.Format,
		CommittedBy: userID,
		CommittedAt: now,
	}

	revID, err := c.pages.SaveCommit(ctx, rev, record)
	if err != nil {
		return 0, err
	}

	c.logger.Info("page committed",
		zap.String("page_id", pageID),
		zap.String("user_id", userID),
		zap.Int64("revision_id", revID),
		zap.Int64("checkpoint_version", sess.CheckpointVersion))

	go c.activity.LogCommit(userID, pageID, p.Slug, record.Title, message)

	return revID, nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
