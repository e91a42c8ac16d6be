package collab

import "time"

// Options configures the session coordinator.
type Options struct {
	// MaxHistory is the maximum number of applied operations a session
	// retains for late-join replay and transformation.
	MaxHistory int

	// IdleTimeout is how long a session with no connected users survives
	// before it is reclaimed.
	IdleTimeout time.Duration

	// MaxUsersPerSession caps concurrent editors on one page.
	MaxUsersPerSession int

	// CursorMinInterval rate-limits cursor broadcasts per user.
	CursorMinInterval time.Duration

	// CleanupInterval is how often the idle-session sweeper runs.
	CleanupInterval time.Duration

	// MailboxSize is the capacity of a session's pending operation queue.
	MailboxSize int
}

// DefaultOptions returns the default coordinator configuration.
func DefaultOptions() *Options {
	return &Options{
		MaxHistory:         1000,
		IdleTimeout:        30 * time.Minute,
		MaxUsersPerSession: 10,
		CursorMinInterval:  time.Second,
		CleanupInterval:    10 * time.Minute,
		MailboxSize:        256,
	}
}
