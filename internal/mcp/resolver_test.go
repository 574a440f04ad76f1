package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/secrets"
	"github.com/agor-dev/agor/internal/store"
)

type tickClock struct{ t time.Time }

func (c *tickClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	resolver *Resolver
	db       store.Store
	session  *store.Session
	worktree *store.Worktree
	repo     *store.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := store.NewMemory(&tickClock{t: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)})

	keys, err := secrets.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	sec := secrets.NewResolver(db.Users(), keys, nil, log)

	cfg := config.MCPConfig{
		SelfServerEnabled: true,
		SelfServerURL:     "http://127.0.0.1:7420/mcp",
		RemoteShimPath:    "mcp-remote",
		HTTPTimeout:       5000,
	}
	r := NewResolver(db.MCPServers(), db.Worktrees(), sec, cfg, log)

	repo := &store.Repo{Slug: "acme/api"}
	require.NoError(t, db.Repos().Create(ctx, repo))
	wt := &store.Worktree{RepoID: repo.ID, Name: "main"}
	require.NoError(t, db.Worktrees().Create(ctx, wt))

	user := &store.User{Email: "a@x.dev"}
	require.NoError(t, db.Users().Create(ctx, user))

	sess := &store.Session{WorktreeID: wt.ID, CreatedBy: user.ID, MCPToken: "tok-123"}
	require.NoError(t, db.Sessions().Create(ctx, sess))

	return &fixture{resolver: r, db: db, session: sess, worktree: wt, repo: repo}
}

func (f *fixture) addServer(t *testing.T, srv *store.MCPServer) *store.MCPServer {
	t.Helper()
	srv.Enabled = true
	require.NoError(t, f.db.MCPServers().Create(context.Background(), srv))
	return srv
}

func TestAssembleScopeShadowing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addServer(t, &store.MCPServer{
		Name: "github", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportStdio, Command: "gh-mcp-global",
	})
	f.addServer(t, &store.MCPServer{
		Name: "github", Scope: store.MCPScopeRepo, ScopeID: f.repo.ID,
		Transport: store.MCPTransportStdio, Command: "gh-mcp-repo",
	})
	f.addServer(t, &store.MCPServer{
		Name: "linear", Scope: store.MCPScopeSession, ScopeID: f.session.ID,
		Transport: store.MCPTransportStdio, Command: "linear-mcp",
	})
	f.addServer(t, &store.MCPServer{
		Name: "other-session", Scope: store.MCPScopeSession, ScopeID: "someone-else",
		Transport: store.MCPTransportStdio, Command: "x",
	})

	asm, err := f.resolver.AssembleServers(ctx, f.session)
	require.NoError(t, err)

	// Repo-scoped github shadows the global one by name at render time.
	assert.Equal(t, "gh-mcp-repo", asm.Servers["github"].Command)
	assert.Equal(t, "linear-mcp", asm.Servers["linear"].Command)
	assert.NotContains(t, asm.Servers, "other-session")
}

func TestAssembleSkipsDisabled(t *testing.T) {
	f := newFixture(t)
	srv := &store.MCPServer{
		Name: "off", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportStdio, Command: "x", Enabled: false,
	}
	require.NoError(t, f.db.MCPServers().Create(context.Background(), srv))

	asm, err := f.resolver.AssembleServers(context.Background(), f.session)
	require.NoError(t, err)
	assert.NotContains(t, asm.Servers, "off")
}

func TestAssembleSelfServer(t *testing.T) {
	f := newFixture(t)

	asm, err := f.resolver.AssembleServers(context.Background(), f.session)
	require.NoError(t, err)

	self, ok := asm.Servers[SelfServerName]
	require.True(t, ok)
	assert.Equal(t, "http", self.Type)
	assert.Contains(t, self.URL, "token=tok-123")

	t.Run("disabled globally", func(t *testing.T) {
		f2 := newFixture(t)
		f2.resolver.cfg.SelfServerEnabled = false
		asm, err := f2.resolver.AssembleServers(context.Background(), f2.session)
		require.NoError(t, err)
		assert.NotContains(t, asm.Servers, SelfServerName)
	})
}

func TestAssembleBearerWrapsShim(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, &store.MCPServer{
		Name: "remote", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportHTTP,
		URL:       "https://mcp.example.com/v1",
		Auth:      &store.MCPAuth{Type: store.MCPAuthBearer, Token: "abc123"},
	})

	asm, err := f.resolver.AssembleServers(context.Background(), f.session)
	require.NoError(t, err)

	cfg := asm.Servers["remote"]
	assert.Equal(t, "stdio", cfg.Type)
	assert.Equal(t, "mcp-remote", cfg.Command)
	assert.Equal(t, []string{"https://mcp.example.com/v1", "--header", "Authorization: Bearer abc123"}, cfg.Args)
}

func TestAssembleStdioEnvTemplates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed the session user with an encrypted env var.
	sealed, err := f.resolver.secrets.SealValue("ghp_secret")
	require.NoError(t, err)
	_, err = f.db.Users().Update(ctx, f.session.CreatedBy, map[string]any{
		"env_vars": map[string]any{"GH_TOKEN": string(sealed)},
	})
	require.NoError(t, err)

	f.addServer(t, &store.MCPServer{
		Name: "github", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportStdio, Command: "gh-mcp",
		Env: map[string]string{"GITHUB_TOKEN": "{{ user.env.GH_TOKEN }}"},
	})

	asm, err := f.resolver.AssembleServers(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", asm.Servers["github"].Env["GITHUB_TOKEN"])
}

func TestAssembleJWTFallsBackToDirect(t *testing.T) {
	f := newFixture(t)
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer exchange.Close()

	f.addServer(t, &store.MCPServer{
		Name: "jwt-server", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportHTTP,
		URL:       "https://mcp.example.com/v1",
		Auth: &store.MCPAuth{
			Type: store.MCPAuthJWT, APIURL: exchange.URL,
			APIToken: "t", APISecret: "s",
		},
	})

	asm, err := f.resolver.AssembleServers(context.Background(), f.session)
	require.NoError(t, err)

	cfg := asm.Servers["jwt-server"]
	assert.Equal(t, "http", cfg.Type)
	assert.Equal(t, "https://mcp.example.com/v1", cfg.URL, "degraded entry points straight at the remote")
}

func TestAssembleJWTExchangeAndCache(t *testing.T) {
	f := newFixture(t)
	var hits int
	exchange := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits++
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "my-token", body["api_token"])
		json.NewEncoder(w).Encode(map[string]string{"token": "opaque-bearer"})
	}))
	defer exchange.Close()

	f.addServer(t, &store.MCPServer{
		Name: "jwt-server", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportHTTP,
		URL:       "https://mcp.example.com/v1",
		Auth: &store.MCPAuth{
			Type: store.MCPAuthJWT, APIURL: exchange.URL,
			APIToken: "my-token", APISecret: "my-secret",
		},
	})

	ctx := context.Background()
	asm, err := f.resolver.AssembleServers(ctx, f.session)
	require.NoError(t, err)
	assert.Contains(t, asm.Servers["jwt-server"].Args, "Authorization: Bearer opaque-bearer")

	_, err = f.resolver.AssembleServers(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "unparseable bearer is cached for the default TTL")
}

func TestAssembleOAuthRequiresBrowserFlow(t *testing.T) {
	f := newFixture(t)
	f.addServer(t, &store.MCPServer{
		Name: "notion", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportHTTP,
		URL:       "https://mcp.notion.example/v1",
		Auth:      &store.MCPAuth{Type: store.MCPAuthOAuth},
	})

	asm, err := f.resolver.AssembleServers(context.Background(), f.session)
	require.NoError(t, err)
	assert.True(t, asm.Servers["notion"].RequiresBrowserFlow)
}

func TestAssembleOAuthPersistedToken(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Hour)
	f.addServer(t, &store.MCPServer{
		Name: "notion", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportHTTP,
		URL:       "https://mcp.notion.example/v1",
		Auth: &store.MCPAuth{
			Type: store.MCPAuthOAuth, AccessToken: "persisted", TokenExpiry: &future,
		},
	})

	asm, err := f.resolver.AssembleServers(context.Background(), f.session)
	require.NoError(t, err)
	cfg := asm.Servers["notion"]
	assert.False(t, cfg.RequiresBrowserFlow)
	assert.Contains(t, cfg.Args, "Authorization: Bearer persisted")
}

func TestAllowedToolsFromDiscovery(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.addServer(t, &store.MCPServer{
		Name: "github", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportStdio, Command: "gh-mcp",
		Discovery: &store.MCPDiscovery{Tools: []string{"create_issue", "list_prs"}, DiscoveredAt: &now},
	})
	f.addServer(t, &store.MCPServer{
		Name: "undiscovered", Scope: store.MCPScopeGlobal,
		Transport: store.MCPTransportStdio, Command: "x",
	})

	asm, err := f.resolver.AssembleServers(context.Background(), f.session)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"mcp__github__create_issue", "mcp__github__list_prs"},
		asm.AllowedTools)
}

func TestParseResourceMetadata(t *testing.T) {
	challenge := `Bearer realm="mcp", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`
	assert.Equal(t, "https://mcp.example.com/.well-known/oauth-protected-resource",
		parseResourceMetadata(challenge))
	assert.Empty(t, parseResourceMetadata(`Bearer realm="mcp"`))
}

func TestDiscoverAuthServerRFC9728(t *testing.T) {
	f := newFixture(t)

	var authServer *httptest.Server
	authServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/.well-known/oauth-authorization-server":
			json.NewEncoder(w).Encode(map[string]string{
				"issuer":                 authServer.URL,
				"authorization_endpoint": authServer.URL + "/authorize",
				"token_endpoint":         authServer.URL + "/token",
			})
		default:
			http.NotFound(w, req)
		}
	}))
	defer authServer.Close()

	var resource *httptest.Server
	resource = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/.well-known/oauth-protected-resource":
			json.NewEncoder(w).Encode(map[string]any{
				"authorization_servers": []string{authServer.URL},
			})
		default:
			w.Header().Set("WWW-Authenticate",
				`Bearer resource_metadata="`+resource.URL+`/.well-known/oauth-protected-resource"`)
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer resource.Close()

	meta, err := f.resolver.discoverAuthServer(context.Background(), resource.URL+"/v1")
	require.NoError(t, err)
	assert.Equal(t, authServer.URL+"/token", meta.TokenEndpoint)
	assert.Equal(t, authServer.URL+"/authorize", meta.AuthorizationEndpoint)
}
