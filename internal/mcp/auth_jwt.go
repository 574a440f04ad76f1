package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/store"
)

// jwtCacheTTL bounds how long an exchanged bearer is reused when its
// exp claim cannot be read.
const jwtCacheTTL = 5 * time.Minute

// jwtBearer exchanges the server's api credentials for a bearer token,
// caching per (server, user) until the token's exp claim.
func (r *Resolver) jwtBearer(ctx context.Context, srv *store.MCPServer, userID string) (string, error) {
	key := srv.ID + ":" + userID

	r.jwtMu.Lock()
	if cached, ok := r.jwtCache[key]; ok && time.Now().Before(cached.expiry) {
		r.jwtMu.Unlock()
		return cached.token, nil
	}
	r.jwtMu.Unlock()

	token, err := r.exchangeJWT(ctx, srv, userID)
	if err != nil {
		return "", err
	}

	expiry := time.Now().Add(jwtCacheTTL)
	if parsed, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false)); err == nil {
		if exp := parsed.Expiration(); !exp.IsZero() {
			// Refresh a little before the remote expires it.
			expiry = exp.Add(-30 * time.Second)
		}
	} else {
		r.logger.Debug("Bearer is not a parseable JWT, using default cache TTL",
			zap.String("server", srv.Name))
	}

	r.jwtMu.Lock()
	r.jwtCache[key] = cachedBearer{token: token, expiry: expiry}
	r.jwtMu.Unlock()
	return token, nil
}

// exchangeJWT POSTs the api token/secret pair and extracts the bearer
// from the response.
func (r *Resolver) exchangeJWT(ctx context.Context, srv *store.MCPServer, userID string) (string, error) {
	if srv.Auth == nil || srv.Auth.APIURL == "" {
		return "", fmt.Errorf("jwt auth on %s has no api_url", srv.Name)
	}

	payload, err := json.Marshal(map[string]string{
		"api_token":  r.secrets.ResolveTemplates(ctx, srv.Auth.APIToken, userID),
		"api_secret": r.secrets.ResolveTemplates(ctx, srv.Auth.APISecret, userID),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.Auth.APIURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var parsed struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Token != "" {
			return parsed.Token, nil
		}
		if parsed.AccessToken != "" {
			return parsed.AccessToken, nil
		}
	}
	// Some endpoints return the raw token body.
	if token := string(bytes.TrimSpace(body)); token != "" && !bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		return token, nil
	}
	return "", fmt.Errorf("token exchange: no token in response")
}
