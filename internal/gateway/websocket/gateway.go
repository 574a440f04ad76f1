package websocket

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/permission"
	"github.com/agor-dev/agor/internal/session"
	"github.com/agor-dev/agor/internal/store"
)

// Command is a viewer request: subscribe to a session, send a prompt,
// decide a permission.
type Command struct {
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandError carries a failed command's code and message.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response answers one command.
type Response struct {
	ID     string         `json:"id,omitempty"`
	Action string         `json:"action,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  *CommandError  `json:"error,omitempty"`
}

// Viewer command actions.
const (
	ActionSubscribe        = "session.subscribe"
	ActionUnsubscribe      = "session.unsubscribe"
	ActionSubscribeUser    = "user.subscribe"
	ActionCreate           = "session.create"
	ActionPrompt           = "session.prompt"
	ActionStop             = "session.stop"
	ActionFork             = "session.fork"
	ActionSpawn            = "session.spawn"
	ActionArchive          = "session.archive"
	ActionDelete           = "session.delete"
	ActionWorktreeAccess   = "worktree.access"
	ActionWorktreeGrant    = "worktree.grant"
	ActionWorktreeRevoke   = "worktree.revoke"
	ActionPermissionDecide = "permission.decide"
	ActionPing             = "ping"
)

// SessionAPI is the kernel surface the gateway drives.
type SessionAPI interface {
	Create(ctx context.Context, p session.CreateParams) (*store.Session, error)
	SendPrompt(ctx context.Context, sessionID, text string) (string, error)
	Stop(ctx context.Context, sessionID string) error
	Fork(ctx context.Context, parentID, atTaskID string) (*store.Session, error)
	Spawn(ctx context.Context, parentID, atTaskID string) (*store.Session, error)
	Archive(ctx context.Context, sessionID string, archived bool) error
	Delete(ctx context.Context, sessionID string) error
}

// WorktreeAPI is the sharing surface the gateway drives.
type WorktreeAPI interface {
	SetAccess(ctx context.Context, worktreeID string, access store.FSAccess) (*store.Worktree, error)
	Grant(ctx context.Context, worktreeID, userID string) error
	Revoke(ctx context.Context, worktreeID, userID string) error
}

// DecisionAPI resolves pending permission requests.
type DecisionAPI interface {
	Decide(requestID string, decision permission.Decision) error
}

// Gateway routes viewer commands to the kernel, worktree service and
// arbiter.
type Gateway struct {
	hub       *Hub
	sessions  SessionAPI
	worktrees WorktreeAPI
	decisions DecisionAPI
	logger    *logger.Logger
}

// NewGateway creates a gateway over the hub.
func NewGateway(hub *Hub, sessions SessionAPI, worktrees WorktreeAPI, decisions DecisionAPI, log *logger.Logger) *Gateway {
	return &Gateway{
		hub:       hub,
		sessions:  sessions,
		worktrees: worktrees,
		decisions: decisions,
		logger:    log.WithFields(zap.String("component", "ws_gateway")),
	}
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type userRef struct {
	UserID string `json:"user_id"`
}

type promptRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type decideRequest struct {
	RequestID string              `json:"request_id"`
	Decision  permission.Decision `json:"decision"`
}

type createRequest struct {
	WorktreeID    string               `json:"worktree_id"`
	CreatedBy     string               `json:"created_by"`
	AgenticTool   store.AgenticTool    `json:"agentic_tool,omitempty"`
	ModelConfig   *store.ModelConfig   `json:"model_config,omitempty"`
	AgenticConfig *store.AgenticConfig `json:"agentic_config,omitempty"`
}

type deriveRequest struct {
	SessionID string `json:"session_id"`
	AtTaskID  string `json:"at_task_id,omitempty"`
}

type archiveRequest struct {
	SessionID string `json:"session_id"`
	Archived  *bool  `json:"archived,omitempty"`
}

type accessRequest struct {
	WorktreeID string         `json:"worktree_id"`
	Access     store.FSAccess `json:"access"`
}

type ownerRequest struct {
	WorktreeID string `json:"worktree_id"`
	UserID     string `json:"user_id"`
}

func (g *Gateway) handleCommand(ctx context.Context, client *Client, cmd *Command) {
	switch cmd.Action {
	case ActionPing:
		client.sendJSON(Response{ID: cmd.ID, Action: cmd.Action, Result: map[string]any{"status": "ok"}})

	case ActionSubscribe:
		var req sessionRef
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.SessionID != "", "session_id is required") {
			return
		}
		g.hub.SubscribeSession(client, req.SessionID)
		g.ok(client, cmd, map[string]any{"session_id": req.SessionID})

	case ActionUnsubscribe:
		var req sessionRef
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.SessionID != "", "session_id is required") {
			return
		}
		g.hub.UnsubscribeSession(client, req.SessionID)
		g.ok(client, cmd, map[string]any{"session_id": req.SessionID})

	case ActionSubscribeUser:
		var req userRef
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.UserID != "", "user_id is required") {
			return
		}
		g.hub.SubscribeUser(client, req.UserID)
		g.ok(client, cmd, map[string]any{"user_id": req.UserID})

	case ActionPrompt:
		var req promptRequest
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.SessionID != "" && req.Text != "", "session_id and text are required") {
			return
		}
		taskID, err := g.sessions.SendPrompt(ctx, req.SessionID, req.Text)
		if err != nil {
			client.sendError(cmd.ID, cmd.Action, "prompt_failed", err.Error())
			return
		}
		g.ok(client, cmd, map[string]any{"task_id": taskID})

	case ActionStop:
		var req sessionRef
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.SessionID != "", "session_id is required") {
			return
		}
		if err := g.sessions.Stop(ctx, req.SessionID); err != nil {
			client.sendError(cmd.ID, cmd.Action, "stop_failed", err.Error())
			return
		}
		g.ok(client, cmd, nil)

	case ActionCreate:
		var req createRequest
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.WorktreeID != "" && req.CreatedBy != "", "worktree_id and created_by are required") {
			return
		}
		sess, err := g.sessions.Create(ctx, session.CreateParams{
			WorktreeID:    req.WorktreeID,
			CreatedBy:     req.CreatedBy,
			AgenticTool:   req.AgenticTool,
			ModelConfig:   req.ModelConfig,
			AgenticConfig: req.AgenticConfig,
		})
		if err != nil {
			client.sendError(cmd.ID, cmd.Action, "create_failed", err.Error())
			return
		}
		g.ok(client, cmd, map[string]any{"session_id": sess.ID})

	case ActionFork, ActionSpawn:
		var req deriveRequest
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.SessionID != "", "session_id is required") {
			return
		}
		derive := g.sessions.Fork
		if cmd.Action == ActionSpawn {
			derive = g.sessions.Spawn
		}
		child, err := derive(ctx, req.SessionID, req.AtTaskID)
		if err != nil {
			client.sendError(cmd.ID, cmd.Action, "derive_failed", err.Error())
			return
		}
		g.ok(client, cmd, map[string]any{"session_id": child.ID, "genealogy": child.Genealogy})

	case ActionArchive:
		var req archiveRequest
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.SessionID != "", "session_id is required") {
			return
		}
		archived := true
		if req.Archived != nil {
			archived = *req.Archived
		}
		if err := g.sessions.Archive(ctx, req.SessionID, archived); err != nil {
			client.sendError(cmd.ID, cmd.Action, "archive_failed", err.Error())
			return
		}
		g.ok(client, cmd, map[string]any{"session_id": req.SessionID, "archived": archived})

	case ActionDelete:
		var req sessionRef
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.SessionID != "", "session_id is required") {
			return
		}
		if err := g.sessions.Delete(ctx, req.SessionID); err != nil {
			client.sendError(cmd.ID, cmd.Action, "delete_failed", err.Error())
			return
		}
		g.ok(client, cmd, map[string]any{"session_id": req.SessionID})

	case ActionWorktreeAccess:
		var req accessRequest
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.WorktreeID != "" && req.Access != "", "worktree_id and access are required") {
			return
		}
		wt, err := g.worktrees.SetAccess(ctx, req.WorktreeID, req.Access)
		if err != nil {
			client.sendError(cmd.ID, cmd.Action, "access_failed", err.Error())
			return
		}
		g.ok(client, cmd, map[string]any{"worktree_id": wt.ID, "access": wt.OthersFSAccess})

	case ActionWorktreeGrant, ActionWorktreeRevoke:
		var req ownerRequest
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.WorktreeID != "" && req.UserID != "", "worktree_id and user_id are required") {
			return
		}
		change := g.worktrees.Grant
		code := "grant_failed"
		if cmd.Action == ActionWorktreeRevoke {
			change = g.worktrees.Revoke
			code = "revoke_failed"
		}
		if err := change(ctx, req.WorktreeID, req.UserID); err != nil {
			client.sendError(cmd.ID, cmd.Action, code, err.Error())
			return
		}
		g.ok(client, cmd, map[string]any{"worktree_id": req.WorktreeID, "user_id": req.UserID})

	case ActionPermissionDecide:
		var req decideRequest
		if !g.parse(client, cmd, &req) || !g.require(client, cmd, req.RequestID != "", "request_id is required") {
			return
		}
		if err := g.decisions.Decide(req.RequestID, req.Decision); err != nil {
			client.sendError(cmd.ID, cmd.Action, "decide_failed", err.Error())
			return
		}
		g.ok(client, cmd, map[string]any{"request_id": req.RequestID})

	default:
		client.sendError(cmd.ID, cmd.Action, "unknown_action", "unknown action "+cmd.Action)
	}
}

func (g *Gateway) parse(client *Client, cmd *Command, into any) bool {
	if len(cmd.Payload) == 0 {
		client.sendError(cmd.ID, cmd.Action, "bad_request", "payload is required")
		return false
	}
	if err := json.Unmarshal(cmd.Payload, into); err != nil {
		client.sendError(cmd.ID, cmd.Action, "bad_request", "invalid payload: "+err.Error())
		return false
	}
	return true
}

func (g *Gateway) require(client *Client, cmd *Command, ok bool, message string) bool {
	if !ok {
		client.sendError(cmd.ID, cmd.Action, "validation", message)
	}
	return ok
}

func (g *Gateway) ok(client *Client, cmd *Command, result map[string]any) {
	if result == nil {
		result = map[string]any{}
	}
	result["success"] = true
	client.sendJSON(Response{ID: cmd.ID, Action: cmd.Action, Result: result})
}
