package agent

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/mcp"
	"github.com/agor-dev/agor/internal/store"
)

// SpawnParams is everything a variant needs to render its CLI
// invocation. Assembled by the kernel, consumed by buildSpawnArgs.
type SpawnParams struct {
	Prompt            string
	Model             string
	PermissionMode    store.PermissionMode
	MaxThinkingTokens *int
	MCP               *mcp.Assembly
	ExtraAllowedTools []string

	// ResumeHandle is the agent's prior sdk_session_id; ForkSession
	// makes the agent mint a new handle off that history.
	ResumeHandle string
	ForkSession  bool

	// StreamPartials enables token-level delta frames.
	StreamPartials bool

	// Codex-only knobs from agentic_config
	CodexSandboxMode    store.CodexSandboxMode
	CodexApprovalPolicy string
	CodexNetworkAccess  *bool
}

// extraDirs are always granted alongside the worktree.
var extraDirs = []string{"/tmp", "/var/tmp"}

// Variant is one supported agent family. Behavior differences live in
// the capability funcs, not in subtypes.
type Variant struct {
	Kind store.AgenticTool
}

// VariantFor returns the variant for a session's configured agent,
// defaulting to claude-code.
func VariantFor(kind store.AgenticTool) Variant {
	if kind == "" {
		kind = store.ToolClaudeCode
	}
	return Variant{Kind: kind}
}

// DefaultModel is used when the session does not pin one.
func (v Variant) DefaultModel() string {
	switch v.Kind {
	case store.ToolCodex:
		return "gpt-5-codex"
	case store.ToolGemini:
		return "gemini-2.5-pro"
	default:
		return "claude-sonnet-4-5"
	}
}

// Binary resolves the CLI path, honouring config overrides.
func (v Variant) Binary(cfg config.AgentsConfig) string {
	switch v.Kind {
	case store.ToolCodex:
		if cfg.CodexBinary != "" {
			return cfg.CodexBinary
		}
		return "codex"
	case store.ToolGemini:
		if cfg.GeminiBinary != "" {
			return cfg.GeminiBinary
		}
		return "gemini"
	default:
		if cfg.ClaudeBinary != "" {
			return cfg.ClaudeBinary
		}
		return "claude"
	}
}

// BuildSpawnArgs renders the CLI arguments for one prompt run.
func (v Variant) BuildSpawnArgs(p SpawnParams) ([]string, error) {
	switch v.Kind {
	case store.ToolClaudeCode:
		return v.claudeArgs(p)
	case store.ToolCodex:
		return v.codexArgs(p)
	case store.ToolGemini:
		return v.geminiArgs(p)
	default:
		return nil, fmt.Errorf("unknown agent %q", v.Kind)
	}
}

func (v Variant) claudeArgs(p SpawnParams) ([]string, error) {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
		"--permission-prompt-tool=stdio",
		"--replay-user-messages",
	}
	if p.StreamPartials {
		args = append(args, "--include-partial-messages")
	}

	model := p.Model
	if model == "" {
		model = v.DefaultModel()
	}
	args = append(args, "--model", model)
	args = append(args, "--permission-mode", v.MapPermissionMode(p.PermissionMode))

	for _, dir := range extraDirs {
		args = append(args, "--add-dir", dir)
	}

	if p.MaxThinkingTokens != nil {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(*p.MaxThinkingTokens))
	}

	if p.MCP != nil && len(p.MCP.Servers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": p.MCP.Servers})
		if err != nil {
			return nil, fmt.Errorf("marshal mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))

		for _, tool := range append(p.MCP.AllowedTools, p.ExtraAllowedTools...) {
			args = append(args, "--allowedTools", tool)
		}
	}

	if p.ResumeHandle != "" {
		args = append(args, "--resume", p.ResumeHandle)
		if p.ForkSession {
			args = append(args, "--fork-session")
		}
	}
	return args, nil
}

func (v Variant) codexArgs(p SpawnParams) ([]string, error) {
	args := []string{"exec", "--json"}

	model := p.Model
	if model == "" {
		model = v.DefaultModel()
	}
	args = append(args, "--model", model)

	sandbox := p.CodexSandboxMode
	if sandbox == "" {
		sandbox = store.CodexSandboxWorkspaceWrite
	}
	args = append(args, "--sandbox", string(sandbox))

	approval := p.CodexApprovalPolicy
	if approval == "" {
		approval = v.MapPermissionMode(p.PermissionMode)
	}
	args = append(args, "--ask-for-approval", approval)

	if p.CodexNetworkAccess != nil && *p.CodexNetworkAccess {
		args = append(args, "-c", "sandbox_workspace_write.network_access=true")
	}

	if p.ResumeHandle != "" {
		args = append(args, "resume", p.ResumeHandle)
	}
	return args, nil
}

func (v Variant) geminiArgs(p SpawnParams) ([]string, error) {
	model := p.Model
	if model == "" {
		model = v.DefaultModel()
	}
	args := []string{"--model", model, "--approval-mode", v.MapPermissionMode(p.PermissionMode)}
	for _, dir := range extraDirs {
		args = append(args, "--include-directories", dir)
	}
	if p.ResumeHandle != "" {
		args = append(args, "--resume", p.ResumeHandle)
	}
	return args, nil
}

// MapPermissionMode translates the canonical permission mode into the
// variant's own vocabulary.
func (v Variant) MapPermissionMode(mode store.PermissionMode) string {
	if mode == "" {
		mode = store.PermissionModeDefault
	}
	switch v.Kind {
	case store.ToolCodex:
		switch mode {
		case store.PermissionModeBypassPermissions:
			return "never"
		case store.PermissionModeAcceptEdits:
			return "on-failure"
		case store.PermissionModePlan:
			return "untrusted"
		default:
			return "on-request"
		}
	case store.ToolGemini:
		switch mode {
		case store.PermissionModeBypassPermissions:
			return "yolo"
		case store.PermissionModeAcceptEdits:
			return "auto_edit"
		default:
			return "default"
		}
	default:
		return string(mode)
	}
}
