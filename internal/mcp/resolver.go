package mcp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/secrets"
	"github.com/agor-dev/agor/internal/store"
)

// Resolver assembles per-session MCP configurations from the scoped
// server definitions in the store.
type Resolver struct {
	servers   store.MCPServerRepository
	worktrees store.WorktreeRepository
	secrets   *secrets.Resolver
	cfg       config.MCPConfig
	logger    *logger.Logger

	httpClient *http.Client

	jwtMu    sync.Mutex
	jwtCache map[string]cachedBearer

	// discoverGroup coalesces concurrent discovery on the same server.
	discoverGroup singleflight.Group
}

type cachedBearer struct {
	token  string
	expiry time.Time
}

// NewResolver creates a resolver.
func NewResolver(servers store.MCPServerRepository, worktrees store.WorktreeRepository, sec *secrets.Resolver, cfg config.MCPConfig, log *logger.Logger) *Resolver {
	return &Resolver{
		servers:    servers,
		worktrees:  worktrees,
		secrets:    sec,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "mcp")),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeoutDuration()},
		jwtCache:   make(map[string]cachedBearer),
	}
}

// AssembleServers resolves the MCP servers a session's agent should
// see. Scopes are collected global, then repo, then session; a later
// scope shadows an earlier entry with the same server id. Auth is
// resolved per server; failures degrade the entry rather than failing
// the assembly.
func (r *Resolver) AssembleServers(ctx context.Context, sess *store.Session) (*Assembly, error) {
	wt, err := r.worktrees.FindByID(ctx, sess.WorktreeID)
	if err != nil {
		return nil, fmt.Errorf("load worktree: %w", err)
	}

	collected, err := r.collect(ctx, wt.RepoID, sess.ID)
	if err != nil {
		return nil, err
	}

	asm := &Assembly{Servers: make(map[string]AgentMCPConfig, len(collected)+1)}
	userID := sess.CreatedBy

	for _, srv := range collected {
		cfg, err := r.resolveServer(ctx, srv, userID)
		if err != nil {
			r.logger.Warn("MCP server degraded",
				zap.String("server", srv.Name),
				zap.String("server_id", srv.ID),
				zap.Error(err))
			continue
		}
		asm.Servers[srv.Name] = cfg

		if srv.Discovery != nil {
			for _, tool := range srv.Discovery.Tools {
				asm.AllowedTools = append(asm.AllowedTools, AllowedToolName(srv.Name, tool))
			}
		}
	}

	if r.cfg.SelfServerEnabled && sess.MCPToken != "" {
		asm.Servers[SelfServerName] = r.selfServer(sess.MCPToken)
	}
	return asm, nil
}

// AllowedToolName renders a discovered tool in the agent's
// mcp__<server>__<tool> convention.
func AllowedToolName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}

// collect gathers servers scope by scope, shadowing by server id.
// Session beats repo beats global.
func (r *Resolver) collect(ctx context.Context, repoID, sessionID string) ([]*store.MCPServer, error) {
	byID := make(map[string]*store.MCPServer)
	var order []string

	add := func(servers []*store.MCPServer) {
		for _, srv := range servers {
			if !srv.Enabled {
				continue
			}
			if _, seen := byID[srv.ID]; !seen {
				order = append(order, srv.ID)
			}
			byID[srv.ID] = srv
		}
	}

	global, err := r.servers.FindByScope(ctx, store.MCPScopeGlobal, "")
	if err != nil {
		return nil, fmt.Errorf("collect global servers: %w", err)
	}
	add(global)

	if repoID != "" {
		repoScoped, err := r.servers.FindByScope(ctx, store.MCPScopeRepo, repoID)
		if err != nil {
			return nil, fmt.Errorf("collect repo servers: %w", err)
		}
		add(repoScoped)
	}

	sessScoped, err := r.servers.FindByScope(ctx, store.MCPScopeSession, sessionID)
	if err != nil {
		return nil, fmt.Errorf("collect session servers: %w", err)
	}
	add(sessScoped)

	out := make([]*store.MCPServer, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// resolveServer turns one stored server into its agent-facing config.
func (r *Resolver) resolveServer(ctx context.Context, srv *store.MCPServer, userID string) (AgentMCPConfig, error) {
	switch srv.AuthType() {
	case store.MCPAuthNone:
		return r.resolvePlain(ctx, srv, userID), nil
	case store.MCPAuthBearer:
		token := r.secrets.ResolveTemplates(ctx, srv.Auth.Token, userID)
		return r.bearerShim(srv, token), nil
	case store.MCPAuthJWT:
		token, err := r.jwtBearer(ctx, srv, userID)
		if err != nil {
			// Best-effort direct config: let the user see the remote's
			// own rejection rather than a local auth error.
			r.logger.Warn("JWT auth failed, falling back to direct HTTP",
				zap.String("server", srv.Name), zap.Error(err))
			return AgentMCPConfig{Type: string(srv.Transport), URL: srv.URL}, nil
		}
		return r.bearerShim(srv, token), nil
	case store.MCPAuthOAuth:
		return r.resolveOAuth(ctx, srv, userID)
	default:
		return AgentMCPConfig{}, fmt.Errorf("unknown auth type %q", srv.AuthType())
	}
}

// resolvePlain passes stdio servers through with templates resolved,
// and remote servers as direct URL entries.
func (r *Resolver) resolvePlain(ctx context.Context, srv *store.MCPServer, userID string) AgentMCPConfig {
	if srv.Transport == store.MCPTransportStdio {
		return AgentMCPConfig{
			Type:    string(store.MCPTransportStdio),
			Command: srv.Command,
			Args:    srv.Args,
			Env:     r.secrets.ResolveTemplateMap(ctx, srv.Env, userID),
		}
	}
	return AgentMCPConfig{Type: string(srv.Transport), URL: srv.URL}
}

// bearerShim wraps a remote bearer-authenticated server as a stdio
// invocation of the mcp-remote shim, keeping the token out of the URL.
func (r *Resolver) bearerShim(srv *store.MCPServer, token string) AgentMCPConfig {
	shim := r.cfg.RemoteShimPath
	if shim == "" {
		shim = "mcp-remote"
	}
	return AgentMCPConfig{
		Type:    string(store.MCPTransportStdio),
		Command: shim,
		Args:    []string{srv.URL, "--header", "Authorization: Bearer " + token},
	}
}

// selfServer is the daemon's own MCP endpoint, authenticated by the
// session's mcp_token.
func (r *Resolver) selfServer(mcpToken string) AgentMCPConfig {
	u := r.cfg.SelfServerURL
	if parsed, err := url.Parse(u); err == nil {
		q := parsed.Query()
		q.Set("token", mcpToken)
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}
	return AgentMCPConfig{Type: string(store.MCPTransportHTTP), URL: u}
}
