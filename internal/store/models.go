// Package store defines Agor's persistent entities and the repository
// seams through which the core reads and writes them.
package store

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role is a user's role within the daemon.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// EncryptedValue is a sealed secret: base64(nonce || AES-GCM ciphertext).
// Only the secrets resolver turns these back into plaintext.
type EncryptedValue string

// User is a human account. UnixUID is assigned exactly once and never
// reused; UnixUsername is bijective with UnixUID once set.
type User struct {
	ID           string                    `json:"id" db:"id"`
	Email        string                    `json:"email" db:"email"`
	Role         Role                      `json:"role" db:"role"`
	UnixUsername string                    `json:"unix_username,omitempty" db:"unix_username"`
	UnixUID      *int                      `json:"unix_uid,omitempty" db:"unix_uid"`
	APIKeys      map[string]EncryptedValue `json:"api_keys,omitempty"`
	EnvVars      map[string]EncryptedValue `json:"env_vars,omitempty"`
	CreatedAt    time.Time                 `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at" db:"updated_at"`
}

// Repo is a git repository known to the daemon.
type Repo struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	RemoteURL string    `json:"remote_url" db:"remote_url"`
	LocalPath string    `json:"local_path" db:"local_path"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RefType describes what a worktree is checked out at.
type RefType string

const (
	RefTypeBranch RefType = "branch"
	RefTypeTag    RefType = "tag"
	RefTypeSHA    RefType = "sha"
)

// OthersCan is the interaction level granted to non-owners of a worktree.
type OthersCan string

const (
	OthersCanNone   OthersCan = "none"
	OthersCanView   OthersCan = "view"
	OthersCanPrompt OthersCan = "prompt"
	OthersCanAll    OthersCan = "all"
)

// FSAccess is the filesystem access granted to non-owners of a worktree.
type FSAccess string

const (
	FSAccessNone  FSAccess = "none"
	FSAccessRead  FSAccess = "read"
	FSAccessWrite FSAccess = "write"
)

// Worktree is a checked-out branch living in its own directory.
type Worktree struct {
	ID               string    `json:"id" db:"id"`
	RepoID           string    `json:"repo_id" db:"repo_id"`
	WorktreeUniqueID int       `json:"worktree_unique_id" db:"worktree_unique_id"`
	Name             string    `json:"name" db:"name"`
	Ref              string    `json:"ref" db:"ref"`
	RefType          RefType   `json:"ref_type" db:"ref_type"`
	Path             string    `json:"path" db:"path"`
	Archived         bool      `json:"archived" db:"archived"`
	OthersCan        OthersCan `json:"others_can" db:"others_can"`
	OthersFSAccess   FSAccess  `json:"others_fs_access" db:"others_fs_access"`
	UnixGroup        string    `json:"unix_group,omitempty" db:"unix_group"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// DirMode returns the canonical POSIX mode for the worktree's
// others_fs_access value. The SGID bit is always present so new files
// inherit the worktree group.
func (w *Worktree) DirMode() uint32 {
	switch w.OthersFSAccess {
	case FSAccessRead:
		return 0o2750
	case FSAccessWrite:
		return 0o2770
	default:
		return 0o2700
	}
}

// AgenticTool identifies the agent family driving a session.
type AgenticTool string

const (
	ToolClaudeCode AgenticTool = "claude-code"
	ToolCodex      AgenticTool = "codex"
	ToolGemini     AgenticTool = "gemini"
)

// SessionStatus is the session state machine's current state.
type SessionStatus string

const (
	SessionIdle                SessionStatus = "idle"
	SessionRunning             SessionStatus = "running"
	SessionAwaitingPermission  SessionStatus = "awaiting_permission"
	SessionCompleted           SessionStatus = "completed"
	SessionFailed              SessionStatus = "failed"
)

// PermissionMode is the agent's tool-approval policy.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
	PermissionModePlan              PermissionMode = "plan"
)

// PermissionConfig holds a session's remembered tool decisions.
type PermissionConfig struct {
	Mode         PermissionMode `json:"mode,omitempty"`
	AllowedTools []string       `json:"allowed_tools,omitempty"`
	DeniedTools  []string       `json:"denied_tools,omitempty"`
}

// Allows reports whether tool is in the remembered allow list.
func (p *PermissionConfig) Allows(tool string) bool {
	if p == nil {
		return false
	}
	for _, t := range p.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// ThinkingMode selects how the thinking budget is resolved.
type ThinkingMode string

const (
	ThinkingAuto   ThinkingMode = "auto"
	ThinkingManual ThinkingMode = "manual"
	ThinkingOff    ThinkingMode = "off"
)

// ModelConfig holds a session's model selection and thinking config.
type ModelConfig struct {
	Model        string       `json:"model,omitempty"`
	ThinkingMode ThinkingMode `json:"thinking_mode,omitempty"`
	ManualTokens int          `json:"manual_tokens,omitempty"`
}

// CodexSandboxMode is Codex's filesystem sandbox setting.
type CodexSandboxMode string

const (
	CodexSandboxReadOnly        CodexSandboxMode = "read-only"
	CodexSandboxWorkspaceWrite  CodexSandboxMode = "workspace-write"
	CodexSandboxDangerFullAccess CodexSandboxMode = "danger-full-access"
)

// AgenticConfig carries the known enumerated per-agent options.
// Unknown keys are rejected at the boundary by ValidateAgenticConfigKeys.
type AgenticConfig struct {
	Agent               AgenticTool      `json:"agent,omitempty"`
	PermissionMode      PermissionMode   `json:"permission_mode,omitempty"`
	ModelConfig         *ModelConfig     `json:"model_config,omitempty"`
	MCPServerIDs        []string         `json:"mcp_server_ids,omitempty"`
	CodexSandboxMode    CodexSandboxMode `json:"codex_sandbox_mode,omitempty"`
	CodexApprovalPolicy string           `json:"codex_approval_policy,omitempty"`
	CodexNetworkAccess  *bool            `json:"codex_network_access,omitempty"`
}

var agenticConfigKeys = map[string]bool{
	"agent":                 true,
	"permission_mode":       true,
	"model_config":          true,
	"mcp_server_ids":        true,
	"codex_sandbox_mode":    true,
	"codex_approval_policy": true,
	"codex_network_access":  true,
}

// ValidateAgenticConfigKeys rejects unknown agentic-config keys at the boundary.
func ValidateAgenticConfigKeys(raw map[string]any) error {
	for k := range raw {
		if !agenticConfigKeys[strings.ToLower(k)] {
			return &UnknownConfigKeyError{Key: k}
		}
	}
	return nil
}

// Genealogy records how a session came to exist. Exactly one of
// {fresh, spawned-from, forked-from} applies.
type Genealogy struct {
	ParentSessionID     string `json:"parent_session_id,omitempty"`
	ForkedFromSessionID string `json:"forked_from_session_id,omitempty"`
	SpawnPointTaskID    string `json:"spawn_point_task_id,omitempty"`
	ForkPointTaskID     string `json:"fork_point_task_id,omitempty"`
}

// IsFresh reports whether the session has neither a spawn parent nor a fork origin.
func (g *Genealogy) IsFresh() bool {
	return g == nil || (g.ParentSessionID == "" && g.ForkedFromSessionID == "")
}

// Session is one conversation between one user and one agent, bound to
// one worktree.
type Session struct {
	ID               string            `json:"id" db:"id"`
	WorktreeID       string            `json:"worktree_id" db:"worktree_id"`
	CreatedBy        string            `json:"created_by" db:"created_by"`
	AgenticTool      AgenticTool       `json:"agentic_tool" db:"agentic_tool"`
	Status           SessionStatus     `json:"status" db:"status"`
	PermissionConfig *PermissionConfig `json:"permission_config,omitempty"`
	ModelConfig      *ModelConfig      `json:"model_config,omitempty"`
	AgenticConfig    *AgenticConfig    `json:"agentic_config,omitempty"`
	MCPToken         string            `json:"mcp_token,omitempty" db:"mcp_token"`
	SDKSessionID     string            `json:"sdk_session_id,omitempty" db:"sdk_session_id"`
	SDKSessionAt     *time.Time        `json:"sdk_session_at,omitempty" db:"sdk_session_at"`
	Genealogy        *Genealogy        `json:"genealogy,omitempty"`
	MessageCount     int               `json:"message_count" db:"message_count"`
	ToolUseCount     int               `json:"tool_use_count" db:"tool_use_count"`
	TaskIDs          []string          `json:"task_ids,omitempty"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskRunning             TaskStatus = "running"
	TaskAwaitingPermission  TaskStatus = "awaiting_permission"
	TaskCompleted           TaskStatus = "completed"
	TaskFailed              TaskStatus = "failed"
)

// MessageRange bounds the message indices a task produced.
type MessageRange struct {
	StartIndex int        `json:"start_index"`
	EndIndex   int        `json:"end_index"`
	StartTS    time.Time  `json:"start_ts"`
	EndTS      *time.Time `json:"end_ts,omitempty"`
}

// Task is one prompt plus its agent turns, within a session.
type Task struct {
	ID           string         `json:"id" db:"id"`
	SessionID    string         `json:"session_id" db:"session_id"`
	FullPrompt   string         `json:"full_prompt" db:"full_prompt"`
	Description  string         `json:"description" db:"description"`
	Status       TaskStatus     `json:"status" db:"status"`
	MessageRange *MessageRange  `json:"message_range,omitempty"`
	GitState     map[string]any `json:"git_state,omitempty"`
	Model        string         `json:"model,omitempty" db:"model"`
	ToolUseCount int            `json:"tool_use_count" db:"tool_use_count"`
	Report       string         `json:"report,omitempty" db:"report"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// descriptionMaxLen caps a task description at the first 120 characters
// of the cleaned prompt.
const descriptionMaxLen = 120

// DescribePrompt derives a task description from a prompt: whitespace
// collapsed, truncated to 120 bytes on a rune boundary.
func DescribePrompt(prompt string) string {
	cleaned := strings.Join(strings.Fields(prompt), " ")
	if len(cleaned) <= descriptionMaxLen {
		return cleaned
	}
	cut := descriptionMaxLen
	for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
		cut--
	}
	return cleaned[:cut]
}

// MessageRole is who a message is attributed to.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageType is the content shape of a message.
type MessageType string

const (
	MessageText              MessageType = "text"
	MessageToolUse           MessageType = "tool_use"
	MessageToolResult        MessageType = "tool_result"
	MessagePermissionRequest MessageType = "permission_request"
)

// Message is one unit of a session's conversation stream. Indices are
// gap-free and strictly increasing per session, starting at 0.
type Message struct {
	ID        string         `json:"id" db:"id"`
	SessionID string         `json:"session_id" db:"session_id"`
	TaskID    string         `json:"task_id" db:"task_id"`
	Index     int            `json:"index" db:"idx"`
	Role      MessageRole    `json:"role" db:"role"`
	Type      MessageType    `json:"type" db:"type"`
	Content   map[string]any `json:"content,omitempty"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// MCPScope is where an MCP server definition applies.
type MCPScope string

const (
	MCPScopeGlobal  MCPScope = "global"
	MCPScopeRepo    MCPScope = "repo"
	MCPScopeSession MCPScope = "session"
)

// MCPTransport is how the agent reaches an MCP server.
type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportHTTP  MCPTransport = "http"
	MCPTransportSSE   MCPTransport = "sse"
)

// MCPAuthType selects the auth strategy for a remote MCP server.
type MCPAuthType string

const (
	MCPAuthNone   MCPAuthType = "none"
	MCPAuthBearer MCPAuthType = "bearer"
	MCPAuthJWT    MCPAuthType = "jwt"
	MCPAuthOAuth  MCPAuthType = "oauth2.1"
)

// MCPAuth holds the nested auth fields for each strategy.
type MCPAuth struct {
	Type MCPAuthType `json:"type"`

	// bearer
	Token string `json:"token,omitempty"`

	// jwt: POST {api_token, api_secret} to APIURL to obtain a bearer.
	APIURL    string `json:"api_url,omitempty"`
	APIToken  string `json:"api_token,omitempty"`
	APISecret string `json:"api_secret,omitempty"`

	// oauth2.1
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	AuthURL      string   `json:"auth_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	// persisted oauth tokens
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
}

// MCPDiscovery records the last capability discovery on a server.
type MCPDiscovery struct {
	Tools        []string   `json:"tools,omitempty"`
	Resources    []string   `json:"resources,omitempty"`
	Prompts      []string   `json:"prompts,omitempty"`
	DiscoveredAt *time.Time `json:"discovered_at,omitempty"`
}

// MCPServer is a scoped MCP server definition. (scope, scope_id, name)
// is unique. Servers are shared by reference; no session owns one.
type MCPServer struct {
	ID        string            `json:"id" db:"id"`
	Name      string            `json:"name" db:"name"`
	Scope     MCPScope          `json:"scope" db:"scope"`
	ScopeID   string            `json:"scope_id,omitempty" db:"scope_id"`
	Transport MCPTransport      `json:"transport" db:"transport"`
	Command   string            `json:"command,omitempty" db:"command"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty" db:"url"`
	Auth      *MCPAuth          `json:"auth,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   bool              `json:"enabled" db:"enabled"`
	Discovery *MCPDiscovery     `json:"discovery,omitempty"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// AuthType returns the server's auth strategy, defaulting to none.
func (s *MCPServer) AuthType() MCPAuthType {
	if s.Auth == nil || s.Auth.Type == "" {
		return MCPAuthNone
	}
	return s.Auth.Type
}

// PermissionStatus is a permission request's decision state.
type PermissionStatus string

const (
	PermissionPending  PermissionStatus = "pending"
	PermissionApproved PermissionStatus = "approved"
	PermissionDenied   PermissionStatus = "denied"
)

// PermissionScope is how long a remembered decision lasts.
type PermissionScope string

const (
	ScopeOnce    PermissionScope = "once"
	ScopeSession PermissionScope = "session"
	ScopeProject PermissionScope = "project"
)

// PermissionRequest is one tool-use approval prompt shown to viewers.
type PermissionRequest struct {
	ID        string           `json:"id" db:"id"`
	SessionID string           `json:"session_id" db:"session_id"`
	TaskID    string           `json:"task_id" db:"task_id"`
	ToolName  string           `json:"tool_name" db:"tool_name"`
	ToolInput map[string]any   `json:"tool_input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty" db:"tool_use_id"`
	Status    PermissionStatus `json:"status" db:"status"`
	Scope     PermissionScope  `json:"scope,omitempty" db:"scope"`
	Remember  bool             `json:"remember" db:"remember"`
	DecidedBy string           `json:"decided_by,omitempty" db:"decided_by"`
	DecidedAt *time.Time       `json:"decided_at,omitempty" db:"decided_at"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}
