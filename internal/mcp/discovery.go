package mcp

import (
	"context"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/store"
)

const clientName = "agor"

// DiscoverCapabilities connects to a server, lists its tools, resources
// and prompts, and persists the results on the server record.
// Concurrent calls for the same server are coalesced.
func (r *Resolver) DiscoverCapabilities(ctx context.Context, serverID string) (*store.MCPDiscovery, error) {
	result, err, _ := r.discoverGroup.Do(serverID, func() (any, error) {
		return r.discover(ctx, serverID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.MCPDiscovery), nil
}

func (r *Resolver) discover(ctx context.Context, serverID string) (*store.MCPDiscovery, error) {
	srv, err := r.servers.FindByID(ctx, serverID)
	if err != nil {
		return nil, err
	}

	client, err := r.connect(ctx, srv)
	if err != nil {
		return nil, fmt.Errorf("mcp_discovery_failed: %s: %w", srv.Name, err)
	}
	defer client.Close()

	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ClientInfo = mcpproto.Implementation{Name: clientName, Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcpproto.LATEST_PROTOCOL_VERSION
	if _, err := client.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("mcp_discovery_failed: %s: initialize: %w", srv.Name, err)
	}

	discovery := &store.MCPDiscovery{}
	now := time.Now().UTC()
	discovery.DiscoveredAt = &now

	tools, err := client.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		r.logger.Warn("Tool listing failed during discovery",
			zap.String("server", srv.Name), zap.Error(err))
	} else {
		for _, t := range tools.Tools {
			discovery.Tools = append(discovery.Tools, t.Name)
		}
	}

	// Resources and prompts are optional capabilities; a method-not-
	// found response is expected from servers that expose only tools.
	if resources, err := client.ListResources(ctx, mcpproto.ListResourcesRequest{}); err == nil {
		for _, res := range resources.Resources {
			discovery.Resources = append(discovery.Resources, res.Name)
		}
	}
	if prompts, err := client.ListPrompts(ctx, mcpproto.ListPromptsRequest{}); err == nil {
		for _, p := range prompts.Prompts {
			discovery.Prompts = append(discovery.Prompts, p.Name)
		}
	}

	if _, err := r.servers.Update(ctx, srv.ID, map[string]any{
		"discovery": discovery,
	}); err != nil {
		return nil, fmt.Errorf("persist discovery: %w", err)
	}

	r.logger.Info("Discovered MCP capabilities",
		zap.String("server", srv.Name),
		zap.Int("tools", len(discovery.Tools)),
		zap.Int("resources", len(discovery.Resources)),
		zap.Int("prompts", len(discovery.Prompts)))
	return discovery, nil
}

// connect opens a transport-appropriate client. Remote servers get the
// same auth resolution the agent config would use, as direct headers.
func (r *Resolver) connect(ctx context.Context, srv *store.MCPServer) (*mcpclient.Client, error) {
	switch srv.Transport {
	case store.MCPTransportStdio:
		env := make([]string, 0, len(srv.Env))
		for k, v := range r.secrets.ResolveTemplateMap(ctx, srv.Env, "") {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)
	case store.MCPTransportHTTP:
		headers, err := r.authHeaders(ctx, srv)
		if err != nil {
			return nil, err
		}
		return mcpclient.NewStreamableHttpClient(srv.URL, transport.WithHTTPHeaders(headers))
	case store.MCPTransportSSE:
		headers, err := r.authHeaders(ctx, srv)
		if err != nil {
			return nil, err
		}
		return mcpclient.NewSSEMCPClient(srv.URL, transport.WithHeaders(headers))
	default:
		return nil, fmt.Errorf("unknown transport %q", srv.Transport)
	}
}

func (r *Resolver) authHeaders(ctx context.Context, srv *store.MCPServer) (map[string]string, error) {
	headers := make(map[string]string)
	switch srv.AuthType() {
	case store.MCPAuthBearer:
		headers["Authorization"] = "Bearer " + r.secrets.ResolveTemplates(ctx, srv.Auth.Token, "")
	case store.MCPAuthJWT:
		token, err := r.jwtBearer(ctx, srv, "")
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
	case store.MCPAuthOAuth:
		if srv.Auth.AccessToken != "" {
			headers["Authorization"] = "Bearer " + srv.Auth.AccessToken
		}
	}
	return headers, nil
}
