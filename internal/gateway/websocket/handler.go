package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon fronts trusted reverse proxies; origin policy
		// belongs there.
		return true
	},
}

// Handler upgrades HTTP connections into hub clients.
type Handler struct {
	hub     *Hub
	gateway *Gateway
	logger  *logger.Logger
}

// NewHandler creates a handler.
func NewHandler(hub *Hub, gw *Gateway, log *logger.Logger) *Handler {
	return &Handler{
		hub:     hub,
		gateway: gw,
		logger:  log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and runs the client pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := ids.New()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.gateway, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterRoutes mounts the gateway endpoint on the router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", h.HandleConnection)
}
