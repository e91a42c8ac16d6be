package collab

import "errors"

var (
	// ErrUnauthorized is returned when the authorization contract denies an edit.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a page has no backing record or no active session.
	ErrNotFound = errors.New("page not found")

	// ErrBadOperation is returned for operations that fail well-formedness or
	// bounds checks against the current content.
	ErrBadOperation = errors.New("bad operation")

	// ErrRejected is returned when transformation against intervening history
	// leaves no viable operation.
	ErrRejected = errors.New("operation rejected")

	// ErrConflict is returned when a transformed operation is no longer
	// applicable to the current content. The client is expected to resync.
	ErrConflict = errors.New("operation conflict")

	// ErrStale is returned when a client has fallen behind the retained
	// operation history and must take a full resync.
	ErrStale = errors.New("client state stale")

	// ErrSessionFull is returned when a session already has the maximum number
	// of concurrent users.
	ErrSessionFull = errors.New("session full")

	// ErrSessionClosed is returned when an operation arrives for a session that
	// has been reclaimed.
	ErrSessionClosed = errors.New("session closed")
)
