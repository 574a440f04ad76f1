// Package mcp assembles the MCP server configuration handed to agent
// subprocesses: scope resolution, auth strategies, capability
// discovery, and the daemon's own self-access server.
package mcp

// SelfServerName is the reserved name of the built-in server exposing
// the daemon's own MCP endpoint to agents.
const SelfServerName = "agor"

// AgentMCPConfig is one server entry in the config passed to an agent
// CLI. Stdio entries carry a command; http/sse entries carry a URL.
type AgentMCPConfig struct {
	Type    string            `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// RequiresBrowserFlow marks an oauth server that cannot be used
	// until the user completes the interactive flow. Surfaced to the
	// UI; the entry is excluded from the agent config.
	RequiresBrowserFlow bool `json:"requires_browser_flow,omitempty"`
}

// Assembly is the result of resolving a session's MCP servers.
type Assembly struct {
	// Servers maps server name to its agent-facing config.
	Servers map[string]AgentMCPConfig
	// AllowedTools lists the discovered tool names in the agent's
	// mcp__<server>__<tool> convention. Stdio servers without recent
	// discovery contribute nothing; the agent discovers them itself.
	AllowedTools []string
}
