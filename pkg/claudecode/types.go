// Package claudecode implements the Claude Code CLI stream-json protocol:
// newline-framed JSON over stdin/stdout, with control requests for
// permissions and a delta stream for partial output.
package claudecode

import "encoding/json"

// Message types emitted by the CLI.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains a complete assistant turn
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results back into the transcript
	MessageTypeUser = "user"
	// MessageTypeStreamEvent carries partial content deltas
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// System message subtypes.
const (
	SystemSubtypeInit            = "init"
	SystemSubtypeCompactBoundary = "compact_boundary"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback is a hook callback request
	SubtypeHookCallback = "hook_callback"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Stream event types inside a MessageTypeStreamEvent frame.
const (
	EventMessageStart      = "message_start"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
)

// Delta types inside a content_block_delta event.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// CLIMessage is one frame from the CLI's stdout. The type field
// determines which of the remaining fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// For control_request frames
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response frames; request_id lives inside the response
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system frames
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// For assistant and user frames
	Message *MessageBody `json:"message,omitempty"`

	// Replayed history during resume; the driver discards these.
	IsReplay bool `json:"isReplay,omitempty"`

	// Set on frames produced inside a subagent Task
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// For stream_event frames
	Event *StreamEvent `json:"event,omitempty"`

	// For result frames. Result is a string (error) or an object.
	Result            json.RawMessage            `json:"result,omitempty"`
	Subtype           string                     `json:"subtype,omitempty"`
	CostUSD           float64                    `json:"cost_usd,omitempty"`
	DurationMS        int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS     int64                      `json:"duration_api_ms,omitempty"`
	IsError           bool                       `json:"is_error,omitempty"`
	NumTurns          int                        `json:"num_turns,omitempty"`
	TotalInputTokens  int64                      `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                      `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"model_usage,omitempty"`

	// Raw frame, kept for callers that need fields we do not model
	RawContent json.RawMessage `json:"-"`
}

// MessageBody is the API-shaped message inside assistant and user
// frames. Content is either a plain string or an array of blocks.
type MessageBody struct {
	Role       string          `json:"role"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// Blocks parses Content as a block array. Returns nil when the content
// is a plain string or absent.
func (b *MessageBody) Blocks() []ContentBlock {
	if b == nil || len(b.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// Text returns Content when it is a plain string, else "".
func (b *MessageBody) Text() string {
	if b == nil || len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlock is one block of an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks; content may be a string or nested blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token accounting for a turn.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats is the per-model entry of a result frame.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ResultData is the object form of a result frame's result field.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData parses Result as an object. Returns nil when Result is
// empty, a string, or unparseable.
func (m *CLIMessage) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns Result when it is a plain string (the error
// form), else "".
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// StreamEvent is the payload of a stream_event frame: the raw API
// delta stream, indexed by content block.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// message_start
	Message *MessageBody `json:"message,omitempty"`

	// content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// content_block_delta
	Delta *Delta `json:"delta,omitempty"`
}

// Delta is one increment of an open content block.
type Delta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	// Accumulated by the consumer into the tool_use input JSON
	PartialJSON string `json:"partial_json,omitempty"`
}

// ControlRequest is a control request from the CLI: a permission check
// (can_use_tool) or a hook callback.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// hook_callback
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`

	// Permission suggestions from the CLI
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate is a permission rule change carried on responses.
type PermissionUpdate struct {
	Type        string   `json:"type,omitempty"`
	Rules       []string `json:"rules,omitempty"`
	Behavior    string   `json:"behavior,omitempty"`
	Destination string   `json:"destination,omitempty"`
}

// ControlResponseMessage answers a control request from the CLI.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of an outgoing control response.
type ControlResponse struct {
	Subtype string `json:"subtype"` // success or error

	Result *PermissionResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// PermissionResult resolves a can_use_tool request.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput substitutes the tool input on allow
	UpdatedInput any `json:"updatedInput,omitempty"`

	// UpdatedPermissions adds rules for future requests
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`

	// Message is feedback shown to the model on deny
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (deny only)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// IncomingControlResponse is the CLI's answer to a control request we
// sent (initialize, interrupt, set_permission_mode).
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"` // success or error
	RequestID string                  `json:"request_id"`
	Response  *InitializeResponseData `json:"response,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// InitializeResponseData describes the CLI's capabilities, returned
// from the initialize control request.
type InitializeResponseData struct {
	Commands    []CommandInfo `json:"commands,omitempty"`
	Agents      []string      `json:"agents,omitempty"`
	OutputStyle string        `json:"output_style,omitempty"`
}

// CommandInfo is one slash command advertised by the CLI.
type CommandInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody is the operation-specific body.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`

	// initialize
	Hooks map[string]any `json:"hooks,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`
}

// UserMessage delivers a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Tool names that commonly require permission.
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
)
