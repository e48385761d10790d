package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/logger"
	"github.com/codefionn/autopilot/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = consts.BufferSize256KB
)

// Client is a GUI connected over a websocket. It is attached to at most one
// session at a time.
type Client struct {
	ID     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan *WebMessage
	broker *MessageBroker
	log    *logger.Logger

	mu      sync.Mutex
	closed  bool
	session *session.Session
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, broker *MessageBroker, log *logger.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan *WebMessage, consts.WebSocketSendBuffer),
		broker: broker,
		log:    logger.OrNop(log).WithPrefix("client " + id[:8]),
	}
}

// Session returns the attached session, or nil.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SessionID returns the id of the attached session, or "".
func (c *Client) SessionID() string {
	if s := c.Session(); s != nil {
		return s.ID()
	}
	return ""
}

func (c *Client) attach(s *session.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// trySend queues msg without blocking and reports whether it was queued.
func (c *Client) trySend(msg *WebMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps messages from the WebSocket connection to the broker
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error: %v", err)
			}
			return
		}

		var msg WebMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("failed to unmarshal message: %v", err)
			c.trySend(errorMessage(err))
			continue
		}
		c.log.Debug("received %s", msg.MessageType)

		if err := c.broker.Handle(c, &msg); err != nil {
			c.log.Warn("failed to handle %s: %v", msg.MessageType, err)
			c.trySend(errorMessage(err))
		}
	}
}

// WritePump pumps queued messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.log.Error("failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
