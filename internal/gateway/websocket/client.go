package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// sendBufferSize bounds the per-client outbound queue. A session
	// streaming faster than a viewer can read drops the oldest frames.
	sendBufferSize = 256
)

// Client is one viewer connection.
type Client struct {
	ID       string
	conn     *websocket.Conn
	hub      *Hub
	gateway  *Gateway
	send     chan []byte
	sessions map[string]bool
	users    map[string]bool
	logger   *logger.Logger
}

// NewClient creates a client bound to the hub and gateway.
func NewClient(id string, conn *websocket.Conn, hub *Hub, gw *Gateway, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		gateway:  gw,
		send:     make(chan []byte, sendBufferSize),
		sessions: make(map[string]bool),
		users:    make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue queues an outbound frame, dropping the oldest queued frame
// when the viewer cannot keep up.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	// Buffer full: make room, then try once more.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

// ReadPump pumps commands from the connection into the gateway.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Error("Failed to parse command", zap.Error(err))
			c.sendError("", "", "bad_request", "invalid message format")
			continue
		}

		c.gateway.handleCommand(ctx, c, &cmd)
	}
}

// sendJSON marshals and queues a frame for the viewer.
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(id, action, code, message string) {
	c.sendJSON(Response{ID: id, Action: action, Error: &CommandError{Code: code, Message: message}})
}

// WritePump pumps queued frames to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
