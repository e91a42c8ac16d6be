package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabwiki/collab"
)

const (
	sendBufferSize = 64
	writeTimeout   = 10 * time.Second
)

// Client is one websocket connection. It implements collab.Peer so the
// coordinator can fan events out to it; delivery is buffered and
// best-effort, so a slow reader drops messages instead of stalling a
// session's drain loop (the resync protocol repairs the gap).
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	user     collab.UserInfo
	clientID string
	logger   *zap.Logger

	send chan *Message

	mu       sync.Mutex
	closed   bool
	editPage string // page whose edit room this connection joined
	syncPage string // page whose update pipeline this connection joined
}

func newClient(hub *Hub, conn *websocket.Conn, user collab.UserInfo, clientID string, logger *zap.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		user:     user,
		clientID: clientID,
		logger:   logger,
		send:     make(chan *Message, sendBufferSize),
	}
}

// UserID implements collab.Peer.
func (c *Client) UserID() string {
	return c.user.UserID
}

// Send implements collab.Peer.
func (c *Client) Send(event collab.Event) error {
	return c.enqueue(eventMessage(event))
}

// enqueue hands a message to the writer goroutine without blocking. The
// mutex is held across the send so a concurrent Close cannot close the
// channel between the closed check and the send.
func (c *Client) enqueue(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client %s is closed", c.user.UserID)
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping message",
			zap.String("user_id", c.user.UserID),
			zap.String("message_type", msg.Type))
		return fmt.Errorf("send buffer full for client %s", c.user.UserID)
	}
}

// Close implements collab.Peer.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	return c.conn.Close()
}

// writeLoop drains the send channel onto the websocket.
func (c *Client) writeLoop() {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.logger.Warn("websocket write failed",
				zap.String("user_id", c.user.UserID),
				zap.Error(err))
			return
		}
	}
}

// readLoop parses inbound messages and hands them to the hub dispatcher.
func (c *Client) readLoop() {
	defer c.hub.disconnect(c)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed",
					zap.String("user_id", c.user.UserID),
					zap.Error(err))
			}
			return
		}
		c.hub.dispatch(c, &msg)
	}
}

func (c *Client) setEditPage(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editPage = pageID
}

func (c *Client) getEditPage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editPage
}

func (c *Client) setSyncPage(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncPage = pageID
}

func (c *Client) getSyncPage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncPage
}
