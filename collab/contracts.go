package collab

import "context"

// Authorizer is the external authorization contract. It is consulted by the
// connection adapter on every inbound event. Implementations return
// ErrUnauthorized when the user may not edit the page and ErrNotFound when
// the page does not exist.
type Authorizer interface {
	EnsureCanEdit(ctx context.Context, userID, pageID string) error
}

// PageReader supplies the last-committed body a new session starts from.
type PageReader interface {
	// PageBody returns the current committed body of a page, or ErrNotFound.
	PageBody(ctx context.Context, pageID string) (string, error)
}
