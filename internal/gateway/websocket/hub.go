// Package websocket is the viewer gateway: browsers connect here to
// watch sessions stream and to act on them (prompt, stop, permission
// decisions).
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
)

// Envelope is the frame pushed to connected viewers.
type Envelope struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	TS        time.Time      `json:"ts"`
}

// Hub manages viewer connections and their session subscriptions.
type Hub struct {
	clients map[*Client]bool

	// sessionSubscribers maps session id -> subscribed clients.
	sessionSubscribers map[string]map[*Client]bool
	// userSubscribers maps user id -> clients watching user-scoped events.
	userSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		userSubscribers:    make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		logger:             log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run is the hub's registration loop; it exits when ctx is cancelled,
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
	h.userSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for sessionID := range client.sessions {
		if subs, ok := h.sessionSubscribers[sessionID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.sessionSubscribers, sessionID)
			}
		}
	}
	for userID := range client.users {
		if subs, ok := h.userSubscribers[userID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.userSubscribers, userID)
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// SubscribeSession subscribes a client to one session's event stream.
func (h *Hub) SubscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][client] = true
	client.sessions[sessionID] = true

	h.logger.Debug("Client subscribed to session",
		zap.String("client_id", client.ID),
		zap.String("session_id", sessionID))
}

// UnsubscribeSession removes a client's session subscription.
func (h *Hub) UnsubscribeSession(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.sessions, sessionID)
	if subs, ok := h.sessionSubscribers[sessionID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

// SubscribeUser subscribes a client to a user's event stream.
func (h *Hub) SubscribeUser(client *Client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.userSubscribers[userID]; !ok {
		h.userSubscribers[userID] = make(map[*Client]bool)
	}
	h.userSubscribers[userID][client] = true
	client.users[userID] = true
}

// EmitToSession fans a session event out to its subscribers. The hub
// satisfies the core's Broadcaster seam, so it can be wired directly or
// fed from the event bus via the Bridge.
func (h *Hub) EmitToSession(_ context.Context, sessionID, eventType string, data map[string]any) {
	h.fanOut(h.snapshotSession(sessionID), Envelope{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		TS:        time.Now().UTC(),
	})
}

// EmitToUser fans a user event out to its subscribers.
func (h *Hub) EmitToUser(_ context.Context, userID, eventType string, data map[string]any) {
	h.fanOut(h.snapshotUser(userID), Envelope{
		Type:   eventType,
		UserID: userID,
		Data:   data,
		TS:     time.Now().UTC(),
	})
}

func (h *Hub) snapshotSession(sessionID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.sessionSubscribers[sessionID]))
	for client := range h.sessionSubscribers[sessionID] {
		out = append(out, client)
	}
	return out
}

func (h *Hub) snapshotUser(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.userSubscribers[userID]))
	for client := range h.userSubscribers[userID] {
		out = append(out, client)
	}
	return out
}

func (h *Hub) fanOut(clients []*Client, env Envelope) {
	if len(clients) == 0 {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal event envelope", zap.Error(err))
		return
	}
	for _, client := range clients {
		client.enqueue(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
