// Package permission serialises tool-use approval per session: one
// in-flight request at a time, decisions broadcast to viewers and
// optionally remembered at session or project scope.
package permission

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/pkg/claudecode"
)

// Decision is one viewer's verdict on a pending request.
type Decision struct {
	Allow     bool                  `json:"allow"`
	Remember  bool                  `json:"remember"`
	Scope     store.PermissionScope `json:"scope,omitempty"`
	DecidedBy string                `json:"decided_by"`
	Reason    string                `json:"reason,omitempty"`
}

// ErrAlreadyDecided rejects a second decision on the same request.
type ErrAlreadyDecided struct{ RequestID string }

func (e *ErrAlreadyDecided) Error() string {
	return fmt.Sprintf("already_decided: permission request %s", e.RequestID)
}

// deciding is one live request awaiting its first decision.
type deciding struct {
	sessionID string
	ch        chan Decision
}

// Arbiter owns the per-session serialisation locks and the live
// request map. Both are daemon-process singletons, created once and
// threaded in explicitly.
type Arbiter struct {
	store       store.Store
	clock       store.Clock
	broadcaster events.Broadcaster
	logger      *logger.Logger

	mu      sync.Mutex
	locks   map[string]chan struct{} // session id -> in-flight marker
	pending map[string]*deciding     // request id -> live request
}

// NewArbiter creates the arbiter.
func NewArbiter(st store.Store, clock store.Clock, broadcaster events.Broadcaster, log *logger.Logger) *Arbiter {
	return &Arbiter{
		store:       st,
		clock:       clock,
		broadcaster: broadcaster,
		logger:      log.WithFields(zap.String("component", "permission-arbiter")),
		locks:       make(map[string]chan struct{}),
		pending:     make(map[string]*deciding),
	}
}

// PreToolUse arbitrates one tool call. It blocks until a decision
// exists or ctx is cancelled, and always resolves to an explicit
// allow or deny. Internal errors deny rather than propagate.
func (a *Arbiter) PreToolUse(ctx context.Context, sessionID, taskID, toolName string, toolInput map[string]any, toolUseID string) *claudecode.PermissionResult {
	// Serialise against the session's in-flight request. After any
	// wait, re-read the config: the prior request may have granted a
	// session-scope allow for this very tool.
	for {
		a.mu.Lock()
		inFlight, busy := a.locks[sessionID]
		if !busy {
			a.mu.Unlock()
			break
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return deny("cancelled")
		case <-inFlight:
		}
	}

	sess, err := a.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return deny(fmt.Sprintf("permission_hook_internal: load session: %v", err))
	}
	if sess.PermissionConfig.Allows(toolName) {
		return allow("session config")
	}

	a.mu.Lock()
	if _, busy := a.locks[sessionID]; busy {
		// Another caller installed a lock between our check and now;
		// start over.
		a.mu.Unlock()
		return a.PreToolUse(ctx, sessionID, taskID, toolName, toolInput, toolUseID)
	}
	lock := make(chan struct{})
	a.locks[sessionID] = lock
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.locks, sessionID)
		a.mu.Unlock()
		close(lock)
	}()

	result, err := a.arbitrate(ctx, sess, taskID, toolName, toolInput, toolUseID)
	if err != nil {
		a.logger.Error("permission flow failed",
			zap.String("session_id", sessionID),
			zap.String("tool", toolName),
			zap.Error(err))
		a.failTask(taskID)
		return deny(fmt.Sprintf("permission_hook_internal: %v", err))
	}
	return result
}

// arbitrate runs steps 3-6 of the contract with the lock held.
func (a *Arbiter) arbitrate(ctx context.Context, sess *store.Session, taskID, toolName string, toolInput map[string]any, toolUseID string) (*claudecode.PermissionResult, error) {
	now := a.clock.Now()
	req := &store.PermissionRequest{
		ID:        ids.New(),
		SessionID: sess.ID,
		TaskID:    taskID,
		ToolName:  toolName,
		ToolInput: toolInput,
		ToolUseID: toolUseID,
		Status:    store.PermissionPending,
		CreatedAt: now,
	}
	if err := a.store.PermissionRequests().Create(ctx, req); err != nil {
		return nil, fmt.Errorf("persist request: %w", err)
	}

	msg := &store.Message{
		ID:        ids.New(),
		SessionID: sess.ID,
		TaskID:    taskID,
		Role:      store.RoleSystem,
		Type:      store.MessagePermissionRequest,
		Content: map[string]any{
			"request_id":  req.ID,
			"tool_name":   toolName,
			"tool_input":  toolInput,
			"tool_use_id": toolUseID,
			"status":      string(store.PermissionPending),
		},
		CreatedAt: now,
	}
	if err := a.store.Messages().Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("append request message: %w", err)
	}

	if _, err := a.store.Tasks().Update(ctx, taskID, map[string]any{"status": string(store.TaskAwaitingPermission)}); err != nil {
		return nil, fmt.Errorf("task to awaiting_permission: %w", err)
	}
	if _, err := a.store.Sessions().Update(ctx, sess.ID, map[string]any{"status": string(store.SessionAwaitingPermission)}); err != nil {
		return nil, fmt.Errorf("session to awaiting_permission: %w", err)
	}

	d := &deciding{sessionID: sess.ID, ch: make(chan Decision, 1)}
	a.mu.Lock()
	a.pending[req.ID] = d
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}()

	a.broadcaster.EmitToSession(ctx, sess.ID, events.TypePermissionRequested, map[string]any{
		"request_id":  req.ID,
		"session_id":  sess.ID,
		"task_id":     taskID,
		"tool_name":   toolName,
		"tool_input":  toolInput,
		"tool_use_id": toolUseID,
	})

	var decision Decision
	select {
	case <-ctx.Done():
		decision = Decision{Allow: false, Reason: "cancelled"}
	case decision = <-d.ch:
	}

	if err := a.settle(req, msg, taskID, sess.ID, decision); err != nil {
		return nil, err
	}

	if decision.Allow {
		return allow(decision.Reason), nil
	}
	reason := decision.Reason
	if reason == "" {
		reason = "denied by user"
	}
	return deny(reason), nil
}

// settle persists the decision outcome: request, message, task,
// session, remembered grants, and the decided broadcast.
func (a *Arbiter) settle(req *store.PermissionRequest, msg *store.Message, taskID, sessionID string, decision Decision) error {
	// The settle path must run even when the caller's ctx is gone.
	ctx := context.Background()

	status := store.PermissionDenied
	taskStatus := store.TaskFailed
	if decision.Allow {
		status = store.PermissionApproved
		taskStatus = store.TaskRunning
	}
	scope := decision.Scope
	if scope == "" {
		scope = store.ScopeOnce
	}
	now := a.clock.Now()

	if _, err := a.store.PermissionRequests().Update(ctx, req.ID, map[string]any{
		"status":     string(status),
		"scope":      string(scope),
		"remember":   decision.Remember,
		"decided_by": decision.DecidedBy,
		"decided_at": now,
	}); err != nil {
		return fmt.Errorf("patch request: %w", err)
	}

	if _, err := a.store.Messages().Update(ctx, msg.ID, map[string]any{
		"content": map[string]any{
			"status": string(status),
			"scope":  string(scope),
		},
	}); err != nil {
		return fmt.Errorf("patch request message: %w", err)
	}

	if _, err := a.store.Tasks().Update(ctx, taskID, map[string]any{"status": string(taskStatus)}); err != nil {
		return fmt.Errorf("task to %s: %w", taskStatus, err)
	}
	if _, err := a.store.Sessions().Update(ctx, sessionID, map[string]any{"status": string(store.SessionRunning)}); err != nil {
		return fmt.Errorf("session back to running: %w", err)
	}

	if decision.Allow && decision.Remember {
		if err := a.remember(ctx, sessionID, req.ToolName, scope); err != nil {
			return err
		}
	}

	a.broadcaster.EmitToSession(ctx, sessionID, events.TypePermissionDecided, map[string]any{
		"request_id": req.ID,
		"session_id": sessionID,
		"tool_name":  req.ToolName,
		"allow":      decision.Allow,
		"scope":      string(scope),
		"decided_by": decision.DecidedBy,
	})
	return nil
}

// remember persists an allow grant at session or project scope.
func (a *Arbiter) remember(ctx context.Context, sessionID, toolName string, scope store.PermissionScope) error {
	switch scope {
	case store.ScopeSession:
		// Re-read before writing: the config may have changed while
		// the decision was pending.
		sess, err := a.store.Sessions().FindByID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("re-read session: %w", err)
		}
		allowed := []string{toolName}
		if sess.PermissionConfig != nil {
			allowed = dedupe(append(append([]string{}, sess.PermissionConfig.AllowedTools...), toolName))
		}
		if _, err := a.store.Sessions().Update(ctx, sessionID, map[string]any{
			"permission_config": map[string]any{"allowed_tools": allowed},
		}); err != nil {
			return fmt.Errorf("persist session grant: %w", err)
		}

	case store.ScopeProject:
		sess, err := a.store.Sessions().FindByID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("re-read session: %w", err)
		}
		wt, err := a.store.Worktrees().FindByID(ctx, sess.WorktreeID)
		if err != nil {
			return fmt.Errorf("load worktree: %w", err)
		}
		if err := UpdateProjectSettings(wt.Path, SettingsPatch{AllowTools: []string{toolName}}); err != nil {
			return fmt.Errorf("persist project grant: %w", err)
		}
	}
	return nil
}

// Decide resolves a pending request. The first decision wins; later
// calls get ErrAlreadyDecided.
func (a *Arbiter) Decide(requestID string, decision Decision) error {
	a.mu.Lock()
	d, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	a.mu.Unlock()

	if !ok {
		return &ErrAlreadyDecided{RequestID: requestID}
	}
	d.ch <- decision
	return nil
}

// HasPending reports whether the session has an in-flight request.
func (a *Arbiter) HasPending(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, busy := a.locks[sessionID]
	return busy
}

// DenyPending force-denies the session's live request, if any. Used on
// session stop.
func (a *Arbiter) DenyPending(sessionID string, decidedBy string) {
	a.mu.Lock()
	var reqIDs []string
	for id, d := range a.pending {
		if d.sessionID == sessionID {
			reqIDs = append(reqIDs, id)
		}
	}
	a.mu.Unlock()

	for _, id := range reqIDs {
		_ = a.Decide(id, Decision{Allow: false, DecidedBy: decidedBy, Reason: "session stopped"})
	}
}

func (a *Arbiter) failTask(taskID string) {
	if _, err := a.store.Tasks().Update(context.Background(), taskID, map[string]any{"status": string(store.TaskFailed)}); err != nil {
		a.logger.Warn("failed to mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func allow(reason string) *claudecode.PermissionResult {
	return &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow, Message: reason}
}

func deny(reason string) *claudecode.PermissionResult {
	return &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: reason}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
