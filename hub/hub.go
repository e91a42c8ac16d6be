package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabwiki/collab"
	"collabwiki/crdtlog"
)

const dispatchTimeout = 10 * time.Second

// EditCoordinator is the OT-pipeline surface the hub drives.
type EditCoordinator interface {
	Join(ctx context.Context, pageID string, user collab.UserInfo, peer collab.Peer) error
	Leave(pageID, userID string)
	Submit(ctx context.Context, pageID string, op *collab.Operation, peer collab.Peer) error
	Cursor(pageID string, cursor collab.CursorPosition) error
	SyncDocument(pageID string, peer collab.Peer) error
	OperationsSince(pageID string, sinceSeq int64, peer collab.Peer) error
	VerifyState(pageID, userID string, clientSeq int64, clientHash string, peer collab.Peer) error
	AckSeq(pageID, userID string, seq int64)
}

// UpdateService is the update-pipeline surface the hub drives.
type UpdateService interface {
	Init(ctx context.Context, pageID, clientID, vectorClockJSON string) (*crdtlog.InitState, error)
	Push(ctx context.Context, pageID, clientID string, updateBytes []byte, vectorClockJSON string) (*crdtlog.Update, error)
	Presence(ctx context.Context, pageID, clientID, presenceJSON string) error
}

// CommitService promotes merged state into a revision.
type CommitService interface {
	Commit(ctx context.Context, pageID, userID, message string) (int64, error)
}

// Hub is the connection adapter: it upgrades websockets, authorizes every
// inbound event, routes messages to the pipelines, and owns the per-page
// rooms used for update-pipeline fan-out.
type Hub struct {
	coord     EditCoordinator
	updates   UpdateService
	committer CommitService
	auth      collab.Authorizer
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[string]*Client // pageID -> clientID -> client
}

// New creates a hub.
func New(coord EditCoordinator, updates UpdateService, committer CommitService, auth collab.Authorizer, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		coord:     coord,
		updates:   updates,
		committer: committer,
		auth:      auth,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*Client),
	}
}

// ServeHTTP upgrades the connection and starts the client's loops. Identity
// arrives from the authenticating front end via query parameters; the
// authorization contract is still consulted on every event.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	user := collab.UserInfo{
		UserID:      userID,
		DisplayName: r.URL.Query().Get("displayName"),
		Email:       r.URL.Query().Get("email"),
	}
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(h, conn, user, clientID, h.logger)
	go client.writeLoop()
	go client.readLoop()

	h.logger.Info("client connected",
		zap.String("user_id", userID),
		zap.String("client_id", clientID))
}

// dispatch routes one inbound message. Every message is authorized against
// its page before any pipeline call.
func (h *Hub) dispatch(c *Client, msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if msg.PageID == "" {
		h.sendError(c, "pageId is required")
		return
	}
	if err := h.auth.EnsureCanEdit(ctx, c.user.UserID, msg.PageID); err != nil {
		h.sendError(c, errorText(err))
		h.logger.Debug("inbound event denied",
			zap.String("user_id", c.user.UserID),
			zap.String("page_id", msg.PageID),
			zap.String("message_type", msg.Type),
			zap.Error(err))
		return
	}

	switch msg.Type {
	case MsgJoinEditRoom:
		h.handleJoin(ctx, c, msg)
	case MsgLeaveEditRoom:
		h.coord.Leave(msg.PageID, c.user.UserID)
		c.setEditPage("")
	case MsgSendTextOperation:
		h.handleOperation(ctx, c, msg)
	case MsgSendCursorUpdate:
		h.handleCursor(c, msg)
	case MsgRequestDocumentSync:
		if err := h.coord.SyncDocument(msg.PageID, c); err != nil {
			h.sendError(c, errorText(err))
		}
	case MsgRequestOperationsSince:
		if err := h.coord.OperationsSince(msg.PageID, msg.Seq, c); err != nil {
			h.sendError(c, errorText(err))
		}
	case MsgRequestStateSync:
		if err := h.coord.VerifyState(msg.PageID, c.user.UserID, msg.Seq, msg.Hash, c); err != nil {
			h.sendError(c, errorText(err))
		}
	case MsgUpdateClientState:
		h.coord.AckSeq(msg.PageID, c.user.UserID, msg.Seq)
	case MsgInit:
		h.handleInit(ctx, c, msg)
	case MsgPush:
		h.handlePush(ctx, c, msg)
	case MsgPresence:
		h.handlePresence(ctx, c, msg)
	case MsgCommit:
		h.handleCommit(ctx, c, msg)
	default:
		h.sendError(c, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg *Message) {
	if err := h.coord.Join(ctx, msg.PageID, c.user, c); err != nil {
		h.sendError(c, errorText(err))
		return
	}
	c.setEditPage(msg.PageID)
}

func (h *Hub) handleOperation(ctx context.Context, c *Client, msg *Message) {
	if msg.Op == nil {
		h.sendError(c, "operation is required")
		return
	}
	op := msg.Op.Clone()
	// The adapter stamps identity; clients cannot submit as someone else.
	op.UserID = c.user.UserID
	if err := h.coord.Submit(ctx, msg.PageID, op, c); err != nil {
		h.sendError(c, errorText(err))
	}
}

func (h *Hub) handleCursor(c *Client, msg *Message) {
	if msg.Cursor == nil {
		return
	}
	cursor := *msg.Cursor
	cursor.UserID = c.user.UserID
	if err := h.coord.Cursor(msg.PageID, cursor); err != nil {
		h.logger.Debug("cursor update dropped",
			zap.String("page_id", msg.PageID),
			zap.String("user_id", c.user.UserID),
			zap.Error(err))
	}
}

func (h *Hub) handleInit(ctx context.Context, c *Client, msg *Message) {
	state, err := h.updates.Init(ctx, msg.PageID, c.clientID, msg.VectorClock)
	if err != nil {
		h.sendError(c, errorText(err))
		return
	}
	h.joinRoom(msg.PageID, c)
	c.setSyncPage(msg.PageID)
	c.enqueue(&Message{Type: MsgInit, PageID: msg.PageID, Init: state})
}

func (h *Hub) handlePush(ctx context.Context, c *Client, msg *Message) {
	update, err := h.updates.Push(ctx, msg.PageID, c.clientID, msg.Update, msg.VectorClock)
	if err != nil {
		h.sendError(c, errorText(err))
		return
	}

	// Ack the pusher with the assigned id, then fan the update out.
	c.enqueue(&Message{Type: MsgUpdate, PageID: msg.PageID, UpdateID: update.ID})
	h.broadcast(msg.PageID, c.clientID, &Message{
		Type:     MsgUpdate,
		PageID:   msg.PageID,
		Update:   update.UpdateBytes,
		UpdateID: update.ID,
	})
}

func (h *Hub) handlePresence(ctx context.Context, c *Client, msg *Message) {
	if err := h.updates.Presence(ctx, msg.PageID, c.clientID, msg.Presence); err != nil {
		h.logger.Debug("presence update failed",
			zap.String("page_id", msg.PageID),
			zap.String("client_id", c.clientID),
			zap.Error(err))
		return
	}
	h.broadcast(msg.PageID, c.clientID, &Message{
		Type:     MsgPresence,
		PageID:   msg.PageID,
		Presence: msg.Presence,
	})
}

func (h *Hub) handleCommit(ctx context.Context, c *Client, msg *Message) {
	revisionID, err := h.committer.Commit(ctx, msg.PageID, c.user.UserID, msg.Note)
	if err != nil {
		h.sendError(c, errorText(err))
		return
	}
	c.enqueue(&Message{Type: MsgCommit, PageID: msg.PageID, RevisionID: revisionID})
}

// disconnect tears a client down after its read loop ends.
func (h *Hub) disconnect(c *Client) {
	if pageID := c.getEditPage(); pageID != "" {
		h.coord.Leave(pageID, c.user.UserID)
	}
	if pageID := c.getSyncPage(); pageID != "" {
		h.leaveRoom(pageID, c)
	}
	c.Close()
	h.logger.Info("client disconnected",
		zap.String("user_id", c.user.UserID),
		zap.String("client_id", c.clientID))
}

func (h *Hub) joinRoom(pageID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[pageID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[pageID] = room
	}
	room[c.clientID] = c
}

func (h *Hub) leaveRoom(pageID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[pageID]
	if !ok {
		return
	}
	delete(room, c.clientID)
	if len(room) == 0 {
		delete(h.rooms, pageID)
	}
}

// broadcast sends a message to every room member except exclude.
func (h *Hub) broadcast(pageID, exclude string, msg *Message) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[pageID]))
	for clientID, member := range h.rooms[pageID] {
		if clientID != exclude {
			members = append(members, member)
		}
	}
	h.mu.RUnlock()

	for _, member := range members {
		member.enqueue(msg)
	}
}

func (h *Hub) sendError(c *Client, text string) {
	c.enqueue(&Message{Type: MsgError, Error: text})
}

// errorText maps pipeline errors to the short reasons the protocol surfaces.
func errorText(err error) string {
	switch {
	case errors.Is(err, collab.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, collab.ErrNotFound):
		return "page not found"
	case errors.Is(err, collab.ErrSessionFull):
		return "session full"
	case errors.Is(err, crdtlog.ErrUpdateTooLarge):
		return "update too large"
	case errors.Is(err, crdtlog.ErrSessionNotFound):
		return "no active session"
	default:
		return err.Error()
	}
}
