package crdtlog

import "time"

// Options configures the update-log service and checkpointer.
type Options struct {
	// MaxUpdateBytes caps the size of a single pushed update.
	MaxUpdateBytes int

	// CheckpointMaxUpdates triggers a checkpoint once this many updates have
	// accumulated past the last checkpoint version.
	CheckpointMaxUpdates int64

	// CheckpointMaxAge triggers a checkpoint once the last checkpoint is this
	// old, regardless of update volume.
	CheckpointMaxAge time.Duration

	// SweepInterval is how often the checkpointer scans open sessions.
	SweepInterval time.Duration

	// PresenceEnabled toggles the awareness/presence store.
	PresenceEnabled bool

	// PresenceTTL is how long a client's presence entry survives without
	// refresh.
	PresenceTTL time.Duration
}

// DefaultOptions returns the default update-log configuration.
func DefaultOptions() *Options {
	return &Options{
		MaxUpdateBytes:       32 * 1024,
		CheckpointMaxUpdates: 500,
		CheckpointMaxAge:     20 * time.Second,
		SweepInterval:        5 * time.Second,
		PresenceEnabled:      true,
		PresenceTTL:          30 * time.Second,
	}
}
