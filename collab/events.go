package collab

// Events the coordinator emits to connected peers. The connection adapter
// translates each event into its wire message; the event names are the
// outbound message names of the editing protocol.

// Event is a message from the coordinator to a single peer.
type Event interface {
	// Name returns the protocol name of the event.
	Name() string
}

// Peer is one connected client's send side. Implementations must not block
// the caller: a slow peer buffers or drops, and repairs itself through the
// resync protocol.
type Peer interface {
	UserID() string
	Send(event Event) error
	Close() error
}

// DocumentState is the full document snapshot delivered on join and resync.
type DocumentState struct {
	Content string `json:"content"`
	Seq     int64  `json:"seq"`
	Hash    string `json:"hash"`
}

func (DocumentState) Name() string { return "DocumentState" }

// UserListEvent carries the current presence roster.
type UserListEvent struct {
	Users []UserPresence `json:"users"`
}

func (UserListEvent) Name() string { return "UserList" }

// UserJoinedEvent announces a newly joined user to peers.
type UserJoinedEvent struct {
	User UserPresence `json:"user"`
}

func (UserJoinedEvent) Name() string { return "UserJoined" }

// UserLeftEvent announces a departed user to peers.
type UserLeftEvent struct {
	UserID string `json:"userId"`
}

func (UserLeftEvent) Name() string { return "UserLeft" }

// OperationEvent delivers a committed operation to peers.
type OperationEvent struct {
	Op *Operation `json:"op"`
}

func (OperationEvent) Name() string { return "ReceiveOperation" }

// OperationConfirmedEvent acknowledges an operation to its originator.
type OperationConfirmedEvent struct {
	OpID      string `json:"opId"`
	ServerSeq int64  `json:"serverSeq"`
}

func (OperationConfirmedEvent) Name() string { return "OperationConfirmed" }

// OperationRejectedEvent tells the originator an operation was not applied.
type OperationRejectedEvent struct {
	OpID   string `json:"opId"`
	Reason string `json:"reason"`
}

func (OperationRejectedEvent) Name() string { return "OperationRejected" }

// CursorEvent delivers a peer's cursor update.
type CursorEvent struct {
	Cursor CursorPosition `json:"cursor"`
}

func (CursorEvent) Name() string { return "ReceiveCursor" }

// OperationsSinceEvent catches a client up from retained history.
type OperationsSinceEvent struct {
	Ops []*Operation `json:"ops"`
}

func (OperationsSinceEvent) Name() string { return "OperationsSinceState" }

// StateVerifiedEvent confirms a client's state matches the server's.
type StateVerifiedEvent struct {
	Seq int64 `json:"seq"`
}

func (StateVerifiedEvent) Name() string { return "StateVerified" }

// RequiredResyncEvent forces a client back to the full document state when
// incremental catch-up is no longer possible.
type RequiredResyncEvent struct {
	Content string `json:"content"`
	Seq     int64  `json:"seq"`
	Hash    string `json:"hash"`
}

func (RequiredResyncEvent) Name() string { return "RequiredResync" }

// ErrorEvent surfaces a processing error to one peer.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) Name() string { return "Error" }
