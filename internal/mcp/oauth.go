package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/agor-dev/agor/internal/store"
)

// resolveOAuth produces the config for an oauth2.1 server. With client
// credentials configured the exchange happens silently; otherwise the
// server needs the interactive browser flow, and the entry is marked
// accordingly until tokens have been persisted.
func (r *Resolver) resolveOAuth(ctx context.Context, srv *store.MCPServer, userID string) (AgentMCPConfig, error) {
	auth := srv.Auth

	if auth.ClientID != "" && auth.ClientSecret != "" {
		tokenURL, err := r.tokenURL(ctx, srv)
		if err != nil {
			return AgentMCPConfig{}, err
		}
		cc := clientcredentials.Config{
			ClientID:     r.secrets.ResolveTemplates(ctx, auth.ClientID, userID),
			ClientSecret: r.secrets.ResolveTemplates(ctx, auth.ClientSecret, userID),
			TokenURL:     tokenURL,
			Scopes:       auth.Scopes,
		}
		token, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, r.httpClient))
		if err != nil {
			return AgentMCPConfig{}, fmt.Errorf("client credentials for %s: %w", srv.Name, err)
		}
		return r.bearerShim(srv, token.AccessToken), nil
	}

	// Tokens from a completed browser flow.
	if auth.AccessToken != "" {
		if auth.TokenExpiry == nil || time.Now().Before(*auth.TokenExpiry) {
			return r.bearerShim(srv, auth.AccessToken), nil
		}
		if auth.RefreshToken != "" {
			token, err := r.refreshTokens(ctx, srv)
			if err == nil {
				return r.bearerShim(srv, token), nil
			}
			r.logger.Warn("OAuth refresh failed",
				zap.String("server", srv.Name), zap.Error(err))
		}
	}

	return AgentMCPConfig{RequiresBrowserFlow: true, Type: string(srv.Transport), URL: srv.URL}, nil
}

// BrowserFlow carries the artifacts of a started Authorization-Code
// flow; the verifier must come back in CompleteBrowserFlow.
type BrowserFlow struct {
	AuthURL  string
	State    string
	Verifier string
}

// StartBrowserFlow builds the Authorization-Code + PKCE URL for a
// server. The caller presents AuthURL to the user.
func (r *Resolver) StartBrowserFlow(ctx context.Context, serverID, state string) (*BrowserFlow, error) {
	srv, err := r.servers.FindByID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if srv.AuthType() != store.MCPAuthOAuth {
		return nil, fmt.Errorf("server %s does not use oauth", srv.Name)
	}
	endpoint, err := r.endpoints(ctx, srv)
	if err != nil {
		return nil, err
	}

	verifier := oauth2.GenerateVerifier()
	conf := r.oauthConfig(srv, endpoint)
	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return &BrowserFlow{AuthURL: authURL, State: state, Verifier: verifier}, nil
}

// CompleteBrowserFlow exchanges the authorization code and persists the
// tokens on the server record.
func (r *Resolver) CompleteBrowserFlow(ctx context.Context, serverID, code, verifier string) error {
	srv, err := r.servers.FindByID(ctx, serverID)
	if err != nil {
		return err
	}
	endpoint, err := r.endpoints(ctx, srv)
	if err != nil {
		return err
	}

	conf := r.oauthConfig(srv, endpoint)
	token, err := conf.Exchange(context.WithValue(ctx, oauth2.HTTPClient, r.httpClient),
		code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("code exchange for %s: %w", srv.Name, err)
	}
	return r.persistTokens(ctx, srv.ID, token)
}

// refreshTokens rotates an expired access token and persists the result.
func (r *Resolver) refreshTokens(ctx context.Context, srv *store.MCPServer) (string, error) {
	endpoint, err := r.endpoints(ctx, srv)
	if err != nil {
		return "", err
	}
	conf := r.oauthConfig(srv, endpoint)
	source := conf.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, r.httpClient), &oauth2.Token{
		AccessToken:  srv.Auth.AccessToken,
		RefreshToken: srv.Auth.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	token, err := source.Token()
	if err != nil {
		return "", err
	}
	if err := r.persistTokens(ctx, srv.ID, token); err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (r *Resolver) persistTokens(ctx context.Context, serverID string, token *oauth2.Token) error {
	patch := map[string]any{
		"auth": map[string]any{
			"access_token":  token.AccessToken,
			"refresh_token": token.RefreshToken,
			"token_expiry":  token.Expiry.UTC().Format(time.RFC3339),
		},
	}
	if _, err := r.servers.Update(ctx, serverID, patch); err != nil {
		return fmt.Errorf("persist oauth tokens: %w", err)
	}
	return nil
}

func (r *Resolver) oauthConfig(srv *store.MCPServer, endpoint oauth2.Endpoint) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     srv.Auth.ClientID,
		ClientSecret: srv.Auth.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  r.cfg.OAuthRedirectURL,
		Scopes:       srv.Auth.Scopes,
	}
}

// endpoints resolves the server's oauth endpoints, discovering them
// when not configured.
func (r *Resolver) endpoints(ctx context.Context, srv *store.MCPServer) (oauth2.Endpoint, error) {
	if srv.Auth.TokenURL != "" {
		return oauth2.Endpoint{AuthURL: srv.Auth.AuthURL, TokenURL: srv.Auth.TokenURL}, nil
	}
	meta, err := r.discoverAuthServer(ctx, srv.URL)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("discover oauth endpoints for %s: %w", srv.Name, err)
	}
	return oauth2.Endpoint{AuthURL: meta.AuthorizationEndpoint, TokenURL: meta.TokenEndpoint}, nil
}

func (r *Resolver) tokenURL(ctx context.Context, srv *store.MCPServer) (string, error) {
	endpoint, err := r.endpoints(ctx, srv)
	if err != nil {
		return "", err
	}
	if endpoint.TokenURL == "" {
		return "", fmt.Errorf("no token url for %s", srv.Name)
	}
	return endpoint.TokenURL, nil
}

type authServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// discoverAuthServer probes the resource's protected-resource metadata
// (RFC 9728): an unauthenticated request yields a WWW-Authenticate
// challenge carrying resource_metadata, which names the authorization
// server whose own metadata carries the endpoints.
func (r *Resolver) discoverAuthServer(ctx context.Context, resourceURL string) (*authServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	metadataURL := parseResourceMetadata(resp.Header.Get("WWW-Authenticate"))
	if metadataURL == "" {
		return nil, fmt.Errorf("no resource_metadata challenge from %s", resourceURL)
	}

	var resource struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := r.getJSON(ctx, metadataURL, &resource); err != nil {
		return nil, err
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("resource metadata names no authorization server")
	}

	issuer := strings.TrimSuffix(resource.AuthorizationServers[0], "/")
	var meta authServerMetadata
	if err := r.getJSON(ctx, issuer+"/.well-known/oauth-authorization-server", &meta); err != nil {
		return nil, err
	}
	if meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization server metadata has no token endpoint")
	}
	return &meta, nil
}

func (r *Resolver) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

// parseResourceMetadata extracts resource_metadata="…" from a
// WWW-Authenticate challenge.
func parseResourceMetadata(challenge string) string {
	const key = `resource_metadata="`
	i := strings.Index(challenge, key)
	if i < 0 {
		return ""
	}
	rest := challenge[i+len(key):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}
