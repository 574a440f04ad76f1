package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/agent"
	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/mcp"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/thinking"
	"github.com/agor-dev/agor/pkg/claudecode"
)

const defaultResumeMaxAge = 24 * time.Hour

// vendorFor maps an agent family to its API-key vendor and the env var
// the CLI reads it from.
func vendorFor(tool store.AgenticTool) (vendor, envName string) {
	switch tool {
	case store.ToolCodex:
		return "openai", "OPENAI_API_KEY"
	case store.ToolGemini:
		return "google", "GEMINI_API_KEY"
	default:
		return "anthropic", "ANTHROPIC_API_KEY"
	}
}

// runPrompt executes one prompt end to end: assemble spawn parameters,
// drive the agent, persist its output, and settle final state. It owns
// the session's running-map slot and releases it on every exit path.
func (k *Kernel) runPrompt(ctx context.Context, sessionID string, task *store.Task, run *promptRun) {
	defer k.release(sessionID)
	defer run.cancel()

	log := k.logger.WithFields(
		zap.String("session_id", sessionID),
		zap.String("task_id", task.ID))

	sess, err := k.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		k.failPrompt(ctx, sessionID, task.ID, fmt.Sprintf("load session: %v", err))
		return
	}
	wt, err := k.store.Worktrees().FindByID(ctx, sess.WorktreeID)
	if err != nil {
		k.failPrompt(ctx, sessionID, task.ID, fmt.Sprintf("load worktree: %v", err))
		return
	}

	spec, err := k.assembleRun(ctx, sess, wt, task)
	if err != nil {
		k.failPrompt(ctx, sessionID, task.ID, err.Error())
		return
	}

	driver := k.newDriver()
	k.mu.Lock()
	run.driver = driver
	k.mu.Unlock()

	k.startPrompt(ctx, sess, task, spec)

	eventCh, err := driver.Run(ctx, *spec)
	if err != nil {
		report := fmt.Sprintf("agent_spawn_failed: %v", err)
		if stderr := driver.GetStderr(); stderr != "" {
			report += "\nstderr:\n" + stderr
		}
		k.failPrompt(ctx, sessionID, task.ID, report)
		return
	}

	k.consume(ctx, sess, task, driver, eventCh, log)
}

// assembleRun resolves everything a driver needs for one prompt.
func (k *Kernel) assembleRun(ctx context.Context, sess *store.Session, wt *store.Worktree, task *store.Task) (*agent.RunSpec, error) {
	variant := agent.VariantFor(sess.AgenticTool)

	modelCfg := sess.ModelConfig
	if sess.AgenticConfig != nil && sess.AgenticConfig.ModelConfig != nil {
		modelCfg = sess.AgenticConfig.ModelConfig
	}
	model := variant.DefaultModel()
	if modelCfg != nil && modelCfg.Model != "" {
		model = modelCfg.Model
	}

	permMode := store.PermissionModeDefault
	if sess.PermissionConfig != nil && sess.PermissionConfig.Mode != "" {
		permMode = sess.PermissionConfig.Mode
	}
	if sess.AgenticConfig != nil && sess.AgenticConfig.PermissionMode != "" {
		permMode = sess.AgenticConfig.PermissionMode
	}

	assembly, err := k.mcp.AssembleServers(ctx, sess)
	if err != nil {
		// Degrade rather than fail: the agent runs without MCP servers.
		k.logger.Warn("MCP assembly failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		assembly = &mcp.Assembly{}
	}

	env := k.assembleEnv(ctx, sess)

	resume, err := k.decideResume(ctx, sess, wt)
	if err != nil {
		return nil, err
	}

	var credential *agent.Credential
	if k.credentials != nil {
		credential, err = k.credentials.Resolve(ctx, sess.CreatedBy, wt)
		if err != nil {
			return nil, fmt.Errorf("resolve unix credential: %w", err)
		}
	}

	params := agent.SpawnParams{
		Prompt:            task.FullPrompt,
		Model:             model,
		PermissionMode:    permMode,
		MaxThinkingTokens: thinking.ResolveBudget(task.FullPrompt, modelCfg),
		MCP:               assembly,
		ResumeHandle:      resume.Handle,
		ForkSession:       resume.Fork,
		StreamPartials:    k.cfg.IncludePartialMessages,
	}
	if ac := sess.AgenticConfig; ac != nil {
		params.CodexSandboxMode = ac.CodexSandboxMode
		params.CodexApprovalPolicy = ac.CodexApprovalPolicy
		params.CodexNetworkAccess = ac.CodexNetworkAccess
	}

	sessionID, taskID := sess.ID, task.ID
	return &agent.RunSpec{
		SessionID:  sessionID,
		TaskID:     taskID,
		Prompt:     task.FullPrompt,
		CWD:        wt.Path,
		Env:        env,
		Variant:    variant,
		Params:     params,
		Credential: credential,
		OnPermission: func(ctx context.Context, toolName string, input map[string]any, toolUseID string) *claudecode.PermissionResult {
			return k.permissions.PreToolUse(ctx, sessionID, taskID, toolName, input, toolUseID)
		},
	}, nil
}

// assembleEnv builds the subprocess environment: resolved user env plus
// the vendor API key for the session's agent family.
func (k *Kernel) assembleEnv(ctx context.Context, sess *store.Session) []string {
	envMap := k.secrets.ResolveEnv(ctx, sess.CreatedBy)
	vendor, envName := vendorFor(sess.AgenticTool)
	if key := k.secrets.ResolveAPIKey(ctx, vendor, sess.CreatedBy); key != "" {
		if envMap == nil {
			envMap = make(map[string]string, 1)
		}
		envMap[envName] = key
	}
	env := make([]string, 0, len(envMap))
	for name, value := range envMap {
		env = append(env, name+"="+value)
	}
	return env
}

// decideResume applies the resume decision table and clears a stale
// stored handle before the run starts.
func (k *Kernel) decideResume(ctx context.Context, sess *store.Session, wt *store.Worktree) (agent.ResumeDecision, error) {
	var parentHandle string
	if g := sess.Genealogy; g != nil && g.ForkedFromSessionID != "" {
		parent, err := k.store.Sessions().FindByID(ctx, g.ForkedFromSessionID)
		if err == nil {
			parentHandle = parent.SDKSessionID
		}
	}

	hasWorktree := false
	if info, err := os.Stat(wt.Path); err == nil && info.IsDir() {
		hasWorktree = true
	}

	maxAge := k.cfg.ResumeMaxAge()
	if maxAge <= 0 {
		maxAge = defaultResumeMaxAge
	}

	decision := agent.DecideResume(sess, parentHandle, hasWorktree, maxAge, k.clock.Now())
	if decision.ClearStored {
		patch := map[string]any{"sdk_session_id": nil, "sdk_session_at": nil}
		if _, err := k.store.Sessions().Update(ctx, sess.ID, patch); err != nil {
			return agent.ResumeDecision{}, fmt.Errorf("clear stale sdk session: %w", err)
		}
	}
	return decision, nil
}

// startPrompt transitions task and session into running and announces
// the run.
func (k *Kernel) startPrompt(ctx context.Context, sess *store.Session, task *store.Task, spec *agent.RunSpec) {
	if _, err := k.store.Tasks().Update(ctx, task.ID, map[string]any{
		"status": store.TaskRunning,
		"model":  spec.Params.Model,
	}); err != nil {
		k.logger.Error("Failed to mark task running",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	k.setSessionStatus(ctx, sess.ID, store.SessionRunning)
	k.broadcaster.EmitToSession(ctx, sess.ID, events.TypeTaskStarted, map[string]any{
		"task_id":     task.ID,
		"session_id":  sess.ID,
		"description": task.Description,
	})
}

// consume drains the driver's event stream, persisting messages and the
// captured sdk handle as they arrive, then settles final state.
func (k *Kernel) consume(ctx context.Context, sess *store.Session, task *store.Task, driver PromptDriver, eventCh <-chan agent.Event, log *logger.Logger) {
	var (
		result    *agent.ResultInfo
		endReason agent.EndReason
		endErr    error
		firstIdx  = -1
		lastIdx   = -1
		toolUses  int
		startTS   = k.clock.Now()
	)

	for ev := range eventCh {
		switch ev.Type {
		case agent.EventSessionIDCaptured:
			// Persisted before the session is released so the next
			// prompt can resume.
			patch := map[string]any{
				"sdk_session_id": ev.Handle,
				"sdk_session_at": k.clock.Now(),
			}
			if _, err := k.store.Sessions().Update(ctx, sess.ID, patch); err != nil {
				log.Warn("Failed to persist sdk session id", zap.Error(err))
			}

		case agent.EventPartial:
			k.broadcaster.EmitToSession(ctx, sess.ID, events.TypeMessagePartial, map[string]any{
				"session_id": sess.ID,
				"task_id":    task.ID,
				"text":       ev.Text,
			})

		case agent.EventToolStart:
			toolUses++

		case agent.EventComplete:
			first, last, tools := k.persistBlocks(ctx, sess.ID, task.ID, ev.Role, ev.Blocks)
			if first >= 0 {
				if firstIdx < 0 {
					firstIdx = first
				}
				lastIdx = last
			}
			toolUses += tools

		case agent.EventResult:
			result = ev.Result

		case agent.EventEnd:
			endReason = ev.Reason
			endErr = ev.Err
		}
	}

	k.settlePrompt(ctx, sess.ID, task.ID, settleInfo{
		result:    result,
		endReason: endReason,
		endErr:    endErr,
		stderr:    driver.GetStderr(),
		firstIdx:  firstIdx,
		lastIdx:   lastIdx,
		toolUses:  toolUses,
		startTS:   startTS,
	})
}

// persistBlocks appends one completed turn's content blocks as
// messages. Returns the first and last assigned index (-1 when nothing
// was persisted) and the number of tool_use blocks.
func (k *Kernel) persistBlocks(ctx context.Context, sessionID, taskID, role string, blocks []claudecode.ContentBlock) (first, last, tools int) {
	first, last = -1, -1

	msgRole := store.RoleAssistant
	if role == "user" {
		msgRole = store.RoleUser
	}

	for _, block := range blocks {
		msg := &store.Message{
			ID:        ids.New(),
			SessionID: sessionID,
			TaskID:    taskID,
			Role:      msgRole,
			CreatedAt: k.clock.Now(),
		}

		switch block.Type {
		case "text":
			msg.Type = store.MessageText
			msg.Content = map[string]any{"text": block.Text}
		case "thinking":
			msg.Type = store.MessageText
			msg.Content = map[string]any{"text": block.Thinking, "thinking": true}
		case "tool_use":
			tools++
			msg.Type = store.MessageToolUse
			msg.Content = map[string]any{
				"tool_name":   block.Name,
				"tool_use_id": block.ID,
				"input":       block.Input,
			}
		case "tool_result":
			msg.Type = store.MessageToolResult
			msg.Content = map[string]any{
				"tool_use_id": block.ToolUseID,
				"content":     decodeToolResult(block.Content),
				"is_error":    block.IsError,
			}
		default:
			continue
		}

		if err := k.store.Messages().Append(ctx, msg); err != nil {
			k.logger.Error("Failed to append message",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if first < 0 {
			first = msg.Index
		}
		last = msg.Index

		k.broadcaster.EmitToSession(ctx, sessionID, events.TypeMessageAppended, map[string]any{
			"session_id": sessionID,
			"message_id": msg.ID,
			"index":      msg.Index,
			"role":       msg.Role,
			"type":       msg.Type,
			"content":    msg.Content,
		})
	}
	return first, last, tools
}

// decodeToolResult keeps structured tool results structured; anything
// that is not valid JSON is stored as the raw text.
func decodeToolResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

type settleInfo struct {
	result    *agent.ResultInfo
	endReason agent.EndReason
	endErr    error
	stderr    string
	firstIdx  int
	lastIdx   int
	toolUses  int
	startTS   time.Time
}

// settlePrompt writes the terminal task and session state for a run and
// announces the outcome.
func (k *Kernel) settlePrompt(ctx context.Context, sessionID, taskID string, info settleInfo) {
	// The runner's own ctx may already be cancelled; persistence must
	// still land.
	ctx = context.WithoutCancel(ctx)

	status := store.TaskFailed
	report := ""

	switch info.endReason {
	case agent.EndResult:
		if info.result != nil && info.result.IsError {
			report = info.result.Text
		} else {
			status = store.TaskCompleted
			if info.result != nil {
				report = info.result.Text
			}
		}
	case agent.EndTimeout:
		report = "timeout_idle: agent produced no output within the idle timeout"
	case agent.EndStopRequested:
		// Stop after the result frame is a clean completion.
		if info.result != nil && !info.result.IsError {
			status = store.TaskCompleted
			report = info.result.Text
		} else {
			report = "cancelled: prompt stopped before a result arrived"
		}
	default:
		report = "agent_stderr_exit"
		if info.endErr != nil {
			report = fmt.Sprintf("agent_stderr_exit: %v", info.endErr)
		}
		if info.stderr != "" {
			report += "\nstderr:\n" + info.stderr
		}
	}

	taskPatch := map[string]any{
		"status":         status,
		"report":         report,
		"tool_use_count": info.toolUses,
	}
	if info.firstIdx >= 0 {
		taskPatch["message_range"] = map[string]any{
			"start_index": info.firstIdx,
			"end_index":   info.lastIdx,
			"start_ts":    info.startTS,
			"end_ts":      k.clock.Now(),
		}
	}
	if _, err := k.store.Tasks().Update(ctx, taskID, taskPatch); err != nil {
		k.logger.Error("Failed to settle task",
			zap.String("task_id", taskID), zap.Error(err))
	}

	sessionStatus := store.SessionFailed
	taskEvent := events.TypeTaskFailed
	if status == store.TaskCompleted {
		sessionStatus = store.SessionCompleted
		taskEvent = events.TypeTaskCompleted
	}

	if sess, err := k.store.Sessions().FindByID(ctx, sessionID); err == nil && info.toolUses > 0 {
		patch := map[string]any{"tool_use_count": sess.ToolUseCount + info.toolUses}
		if _, err := k.store.Sessions().Update(ctx, sessionID, patch); err != nil {
			k.logger.Error("Failed to update session tool count",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	k.setSessionStatus(ctx, sessionID, sessionStatus)

	data := map[string]any{"task_id": taskID, "session_id": sessionID}
	if report != "" {
		data["report"] = report
	}
	if info.result != nil {
		data["cost_usd"] = info.result.CostUSD
		data["duration_ms"] = info.result.DurationMS
		data["num_turns"] = info.result.NumTurns
	}
	k.broadcaster.EmitToSession(ctx, sessionID, taskEvent, data)
}

// failPrompt settles a run that never produced an event stream.
func (k *Kernel) failPrompt(ctx context.Context, sessionID, taskID, report string) {
	ctx = context.WithoutCancel(ctx)

	if _, err := k.store.Tasks().Update(ctx, taskID, map[string]any{
		"status": store.TaskFailed,
		"report": report,
	}); err != nil {
		k.logger.Error("Failed to fail task",
			zap.String("task_id", taskID), zap.Error(err))
	}
	k.setSessionStatus(ctx, sessionID, store.SessionFailed)
	k.broadcaster.EmitToSession(ctx, sessionID, events.TypeTaskFailed, map[string]any{
		"task_id":    taskID,
		"session_id": sessionID,
		"report":     report,
	})
}
