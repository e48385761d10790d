package web

import (
	"sync"

	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/logger"
)

type sessionMessage struct {
	sessionID string
	message   *WebMessage
}

// Hub maintains the set of active clients and fans session updates out to
// the clients attached to that session.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan sessionMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logger.Logger
}

// NewHub creates a new hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan sessionMessage, consts.WebSocketSendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		log:        logger.OrNop(log).WithPrefix("hub"),
	}
}

// Run starts the hub
func (h *Hub) Run() {
	h.log.Info("WebSocket hub started")
	defer h.log.Info("WebSocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			h.log.Debug("client unregistered: %s", client.ID)

		case sm := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.SessionID() != sm.sessionID {
					continue
				}
				if !client.trySend(sm.message) {
					h.log.Warn("client %s is not keeping up, disconnecting", client.ID)
					delete(h.clients, client)
					client.closeSend()
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			return
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Register registers a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Broadcast sends message to every client attached to sessionID.
func (h *Hub) Broadcast(sessionID string, message *WebMessage) {
	select {
	case h.broadcast <- sessionMessage{sessionID: sessionID, message: message}:
	default:
		h.log.Warn("broadcast channel full, dropping %s for session %s", message.MessageType, sessionID)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
