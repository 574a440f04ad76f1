// Package mcpserver exposes the daemon's built-in "agor" MCP endpoint.
// Agents reach it over Streamable HTTP with the per-session mcp_token the
// resolver embeds in their server config; the token scopes every tool to
// the calling session.
package mcpserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
)

type contextKey string

const tokenKey contextKey = "mcp_token"

// SessionKernel is the slice of the session kernel the self-access tools
// drive.
type SessionKernel interface {
	Spawn(ctx context.Context, parentID, atTaskID string) (*store.Session, error)
	SendPrompt(ctx context.Context, sessionID, text string) (string, error)
}

// Server hosts the self-access MCP endpoint on the daemon's HTTP router.
type Server struct {
	sessions   store.SessionRepository
	tasks      store.TaskRepository
	kernel     SessionKernel
	streamable *server.StreamableHTTPServer
	logger     *logger.Logger
}

// New builds the endpoint and registers its tools.
func New(sessions store.SessionRepository, tasks store.TaskRepository, kernel SessionKernel, log *logger.Logger) *Server {
	s := &Server{
		sessions: sessions,
		tasks:    tasks,
		kernel:   kernel,
		logger:   log.WithFields(zap.String("component", "mcp_self_server")),
	}

	mcpServer := server.NewMCPServer(
		"agor",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.streamable = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(withToken),
	)
	return s
}

// withToken carries the caller's token into tool handlers. The resolver
// appends it as a query parameter; a bearer header also works.
func withToken(ctx context.Context, r *http.Request) context.Context {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			token = auth[len(prefix):]
		}
	}
	return context.WithValue(ctx, tokenKey, token)
}

// callerSession resolves the session owning the request's token.
func (s *Server) callerSession(ctx context.Context) (*store.Session, error) {
	token, _ := ctx.Value(tokenKey).(string)
	return s.sessions.FindByMCPToken(ctx, token)
}

// RegisterRoutes mounts the endpoint on the daemon router.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	handler := gin.WrapH(s.streamable)
	r.GET("/mcp", handler)
	r.POST("/mcp", handler)
	r.DELETE("/mcp", handler)
}

// Shutdown drains active MCP sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.streamable.Shutdown(ctx)
}
