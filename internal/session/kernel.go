// Package session owns the session lifecycle: the per-session state
// machine, prompt execution, genealogy, and the on-disk session context
// in the worktree.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/agent"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/mcp"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/pkg/claudecode"
)

// ErrSessionBusy is returned when a prompt arrives while another is
// still in flight on the same session.
var ErrSessionBusy = errors.New("session_busy: a prompt is already running")

// PromptDriver runs one prompt against an agent subprocess.
// *agent.Driver is the production implementation.
type PromptDriver interface {
	Run(ctx context.Context, spec agent.RunSpec) (<-chan agent.Event, error)
	Stop()
	GetStderr() string
}

// DriverFactory mints a fresh driver per prompt; driver state is scoped
// to a single run.
type DriverFactory func() PromptDriver

// PermissionGate is the arbiter seam the kernel threads into drivers.
type PermissionGate interface {
	PreToolUse(ctx context.Context, sessionID, taskID, toolName string, toolInput map[string]any, toolUseID string) *claudecode.PermissionResult
	DenyPending(sessionID, decidedBy string)
}

// SecretSource resolves the subprocess environment and vendor API keys.
type SecretSource interface {
	ResolveEnv(ctx context.Context, userID string) map[string]string
	ResolveAPIKey(ctx context.Context, vendor, userID string) string
}

// MCPAssembler resolves a session's MCP server configuration.
type MCPAssembler interface {
	AssembleServers(ctx context.Context, sess *store.Session) (*mcp.Assembly, error)
}

// CredentialResolver maps a session owner to the unix credential the
// agent subprocess runs under. A nil credential means "run as the
// daemon's own identity" (unix isolation off).
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, wt *store.Worktree) (*agent.Credential, error)
}

// Deps bundles the kernel's collaborators.
type Deps struct {
	Store       store.Store
	Clock       store.Clock
	Broadcaster events.Broadcaster
	Permissions PermissionGate
	Secrets     SecretSource
	MCP         MCPAssembler
	Credentials CredentialResolver // nil disables unix credentials
	Agents      config.AgentsConfig
	NewDriver   DriverFactory
	Logger      *logger.Logger
}

// promptRun is the in-flight prompt of one session.
type promptRun struct {
	taskID string
	driver PromptDriver
	cancel context.CancelFunc
}

// Kernel drives sessions: one prompt at a time per session, any number
// of sessions in parallel.
type Kernel struct {
	store       store.Store
	clock       store.Clock
	broadcaster events.Broadcaster
	permissions PermissionGate
	secrets     SecretSource
	mcp         MCPAssembler
	credentials CredentialResolver
	cfg         config.AgentsConfig
	newDriver   DriverFactory
	logger      *logger.Logger

	mu      sync.Mutex
	running map[string]*promptRun
}

// NewKernel creates a kernel.
func NewKernel(d Deps) *Kernel {
	return &Kernel{
		store:       d.Store,
		clock:       d.Clock,
		broadcaster: d.Broadcaster,
		permissions: d.Permissions,
		secrets:     d.Secrets,
		mcp:         d.MCP,
		credentials: d.Credentials,
		cfg:         d.Agents,
		newDriver:   d.NewDriver,
		logger:      d.Logger.WithFields(zap.String("component", "session-kernel")),
	}
}

// CreateParams describes a new session.
type CreateParams struct {
	WorktreeID    string
	CreatedBy     string
	AgenticTool   store.AgenticTool
	ModelConfig   *store.ModelConfig
	AgenticConfig *store.AgenticConfig
}

// Create mints a new idle session bound to a worktree and writes the
// session context into the worktree's CLAUDE.md.
func (k *Kernel) Create(ctx context.Context, p CreateParams) (*store.Session, error) {
	wt, err := k.store.Worktrees().FindByID(ctx, p.WorktreeID)
	if err != nil {
		return nil, err
	}

	tool := p.AgenticTool
	if tool == "" {
		tool = store.ToolClaudeCode
	}
	now := k.clock.Now()
	sess := &store.Session{
		ID:            ids.New(),
		WorktreeID:    wt.ID,
		CreatedBy:     p.CreatedBy,
		AgenticTool:   tool,
		Status:        store.SessionIdle,
		ModelConfig:   p.ModelConfig,
		AgenticConfig: p.AgenticConfig,
		MCPToken:      ids.New(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := k.store.Sessions().Create(ctx, sess); err != nil {
		return nil, err
	}

	if err := AppendSessionContext(wt.Path, sess.ID); err != nil {
		k.logger.Warn("Failed to write session context",
			zap.String("session_id", sess.ID),
			zap.String("path", wt.Path),
			zap.Error(err))
	}

	k.broadcaster.EmitToSession(ctx, sess.ID, events.TypeSessionCreated, map[string]any{
		"session_id":  sess.ID,
		"worktree_id": wt.ID,
	})
	return sess, nil
}

// SendPrompt validates the session is free, mints a Task, and starts
// the prompt in the background. Progress is observed via the
// broadcaster; the returned task id identifies the run.
func (k *Kernel) SendPrompt(ctx context.Context, sessionID, text string) (string, error) {
	sess, err := k.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return "", err
	}

	now := k.clock.Now()
	task := &store.Task{
		ID:          ids.New(),
		SessionID:   sess.ID,
		FullPrompt:  text,
		Description: store.DescribePrompt(text),
		Status:      store.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &promptRun{taskID: task.ID, cancel: cancel}

	k.mu.Lock()
	if _, busy := k.running[sess.ID]; busy {
		k.mu.Unlock()
		cancel()
		return "", ErrSessionBusy
	}
	if k.running == nil {
		k.running = make(map[string]*promptRun)
	}
	k.running[sess.ID] = run
	k.mu.Unlock()

	if err := k.store.Tasks().Create(ctx, task); err != nil {
		k.release(sess.ID)
		cancel()
		return "", fmt.Errorf("create task: %w", err)
	}

	go k.runPrompt(runCtx, sess.ID, task, run)

	return task.ID, nil
}

// Stop cancels the in-flight prompt, if any. Pending permission
// requests are denied first so the driver unblocks. The terminal task
// status (completed vs failed) is decided by the runner based on
// whether a result frame arrived.
func (k *Kernel) Stop(ctx context.Context, sessionID string) error {
	sess, err := k.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return err
	}

	k.permissions.DenyPending(sess.ID, "system")

	k.mu.Lock()
	run := k.running[sess.ID]
	k.mu.Unlock()
	if run == nil {
		return nil
	}

	k.logger.Info("Stopping session", zap.String("session_id", sess.ID))
	if run.driver != nil {
		run.driver.Stop()
	}
	run.cancel()
	return nil
}

// Archive sets the owning worktree's archived flag. Session state is
// untouched.
func (k *Kernel) Archive(ctx context.Context, sessionID string, archived bool) error {
	sess, err := k.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	wt, err := k.store.Worktrees().Update(ctx, sess.WorktreeID, map[string]any{"archived": archived})
	if err != nil {
		return err
	}
	k.broadcaster.EmitToSession(ctx, sess.ID, events.TypeWorktreeUpdated, map[string]any{
		"session_id":  sess.ID,
		"worktree_id": wt.ID,
		"archived":    wt.Archived,
	})
	return nil
}

// Delete stops the session, removes its worktree session context, and
// deletes the record (cascading to tasks, messages and permission
// requests).
func (k *Kernel) Delete(ctx context.Context, sessionID string) error {
	sess, err := k.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := k.Stop(ctx, sess.ID); err != nil {
		return err
	}

	if wt, err := k.store.Worktrees().FindByID(ctx, sess.WorktreeID); err == nil {
		if err := RemoveSessionContext(wt.Path); err != nil {
			k.logger.Warn("Failed to remove session context",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	if err := k.store.Sessions().Delete(ctx, sess.ID); err != nil {
		return err
	}
	k.broadcaster.EmitToSession(ctx, sess.ID, events.TypeSessionDeleted, map[string]any{
		"session_id": sess.ID,
	})
	return nil
}

// IsRunning reports whether the session has a prompt in flight.
func (k *Kernel) IsRunning(sessionID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.running[sessionID]
	return ok
}

func (k *Kernel) release(sessionID string) {
	k.mu.Lock()
	delete(k.running, sessionID)
	k.mu.Unlock()
}

func (k *Kernel) setSessionStatus(ctx context.Context, sessionID string, status store.SessionStatus) {
	if _, err := k.store.Sessions().Update(ctx, sessionID, map[string]any{"status": status}); err != nil {
		k.logger.Error("Failed to update session status",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	k.broadcaster.EmitToSession(ctx, sessionID, events.TypeSessionStatusChanged, map[string]any{
		"session_id": sessionID,
		"status":     status,
	})
}
