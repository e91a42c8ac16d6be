// Package hub adapts bidirectional websocket connections to the editing
// core: it authorizes every inbound event, translates wire messages into
// coordinator and update-log calls, and fans pipeline events back out to
// per-page rooms.
package hub

import (
	"collabwiki/collab"
	"collabwiki/crdtlog"
)

// Inbound message types.
const (
	MsgJoinEditRoom           = "JoinEditRoom"
	MsgLeaveEditRoom          = "LeaveEditRoom"
	MsgSendTextOperation      = "SendTextOperation"
	MsgSendCursorUpdate       = "SendCursorUpdate"
	MsgRequestDocumentSync    = "RequestDocumentSync"
	MsgRequestOperationsSince = "RequestOperationsSince"
	MsgRequestStateSync       = "RequestStateSync"
	MsgUpdateClientState      = "UpdateClientState"
	MsgInit                   = "Init"
	MsgPush                   = "Push"
	MsgPresence               = "Presence"
	MsgCommit                 = "Commit"
)

// Outbound message types not shared with inbound names. Events from the
// coordinator reuse their protocol names (collab.Event.Name).
const (
	MsgUpdate = "Update"
	MsgError  = "Error"
)

// Message is the wire format for every hub message, inbound and outbound.
// Fields are populated according to Type; unused fields are omitted.
type Message struct {
	Type   string `json:"type"`
	PageID string `json:"pageId,omitempty"`
	UserID string `json:"userId,omitempty"`

	// OT pipeline.
	Content string                  `json:"content,omitempty"`
	Seq     int64                   `json:"seq,omitempty"`
	Hash    string                  `json:"hash,omitempty"`
	Op      *collab.Operation       `json:"op,omitempty"`
	Ops     []*collab.Operation     `json:"ops,omitempty"`
	OpID    string                  `json:"opId,omitempty"`
	Reason  string                  `json:"reason,omitempty"`
	Cursor  *collab.CursorPosition  `json:"cursor,omitempty"`
	Users   []collab.UserPresence   `json:"users,omitempty"`
	User    *collab.UserPresence    `json:"user,omitempty"`

	// Update pipeline.
	ClientID    string             `json:"clientId,omitempty"`
	Update      []byte             `json:"update,omitempty"`
	UpdateID    int64              `json:"updateId,omitempty"`
	VectorClock string             `json:"vectorClock,omitempty"`
	Init        *crdtlog.InitState `json:"init,omitempty"`
	Presence    string             `json:"presence,omitempty"`
	Note        string             `json:"note,omitempty"`
	RevisionID  int64              `json:"revisionId,omitempty"`

	Error string `json:"error,omitempty"`
}

// eventMessage translates a coordinator event into its wire message.
func eventMessage(event collab.Event) *Message {
	msg := &Message{Type: event.Name()}
	switch e := event.(type) {
	case collab.DocumentState:
		msg.Content = e.Content
		msg.Seq = e.Seq
		msg.Hash = e.Hash
	case collab.UserListEvent:
		msg.Users = e.Users
	case collab.UserJoinedEvent:
		user := e.User
		msg.User = &user
	case collab.UserLeftEvent:
		msg.UserID = e.UserID
	case collab.OperationEvent:
		msg.Op = e.Op
	case collab.OperationConfirmedEvent:
		msg.OpID = e.OpID
		msg.Seq = e.ServerSeq
	case collab.OperationRejectedEvent:
		msg.OpID = e.OpID
		msg.Reason = e.Reason
	case collab.CursorEvent:
		cursor := e.Cursor
		msg.Cursor = &cursor
	case collab.OperationsSinceEvent:
		msg.Ops = e.Ops
	case collab.StateVerifiedEvent:
		msg.Seq = e.Seq
	case collab.RequiredResyncEvent:
		msg.Content = e.Content
		msg.Seq = e.Seq
		msg.Hash = e.Hash
	case collab.ErrorEvent:
		msg.Error = e.Message
	}
	return msg
}
