package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-dev/agor/internal/agent"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/mcp"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/pkg/claudecode"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) EmitToSession(_ context.Context, _, eventType string, _ map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *recordingBroadcaster) EmitToUser(context.Context, string, string, map[string]any) {}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.events...)
}

type allowGate struct {
	mu     sync.Mutex
	denied []string
}

func (g *allowGate) PreToolUse(context.Context, string, string, string, map[string]any, string) *claudecode.PermissionResult {
	return &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}
}

func (g *allowGate) DenyPending(sessionID, _ string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denied = append(g.denied, sessionID)
}

func (g *allowGate) deniedSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.denied...)
}

type fakeSecrets struct {
	env  map[string]string
	keys map[string]string
}

func (s *fakeSecrets) ResolveEnv(context.Context, string) map[string]string {
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

func (s *fakeSecrets) ResolveAPIKey(_ context.Context, vendor, _ string) string {
	return s.keys[vendor]
}

type fakeMCP struct{ asm *mcp.Assembly }

func (m *fakeMCP) AssembleServers(context.Context, *store.Session) (*mcp.Assembly, error) {
	if m.asm == nil {
		return &mcp.Assembly{}, nil
	}
	return m.asm, nil
}

// fakeDriver replays a scripted event stream. With waitCancel set it
// holds the stream open until the run context is cancelled, then emits
// the stop_requested end event.
type fakeDriver struct {
	mu         sync.Mutex
	script     []agent.Event
	waitCancel bool
	runErr     error
	stderr     string
	spec       agent.RunSpec
	started    chan struct{}
}

func (d *fakeDriver) Run(ctx context.Context, spec agent.RunSpec) (<-chan agent.Event, error) {
	d.mu.Lock()
	d.spec = spec
	d.mu.Unlock()
	if d.started != nil {
		close(d.started)
	}
	if d.runErr != nil {
		return nil, d.runErr
	}

	ch := make(chan agent.Event, len(d.script)+2)
	for _, ev := range d.script {
		ch <- ev
	}
	go func() {
		defer close(ch)
		if d.waitCancel {
			<-ctx.Done()
			ch <- agent.Event{Type: agent.EventEnd, Reason: agent.EndStopRequested}
		}
	}()
	return ch, nil
}

func (d *fakeDriver) Stop() {}

func (d *fakeDriver) GetStderr() string { return d.stderr }

func (d *fakeDriver) lastSpec() agent.RunSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spec
}

type kernelFixture struct {
	store       store.Store
	kernel      *Kernel
	broadcaster *recordingBroadcaster
	gate        *allowGate
	driver      *fakeDriver
	session     *store.Session
	worktree    *store.Worktree
}

func newKernelFixture(t *testing.T, driver *fakeDriver) *kernelFixture {
	t.Helper()
	ctx := context.Background()

	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory(clock)

	repo := &store.Repo{Slug: "acme/api"}
	require.NoError(t, st.Repos().Create(ctx, repo))
	wt := &store.Worktree{RepoID: repo.ID, Name: "main", Ref: "main", RefType: store.RefTypeBranch, Path: t.TempDir()}
	require.NoError(t, st.Worktrees().Create(ctx, wt))
	sess := &store.Session{WorktreeID: wt.ID, CreatedBy: "u1", AgenticTool: store.ToolClaudeCode, Status: store.SessionIdle}
	require.NoError(t, st.Sessions().Create(ctx, sess))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	broadcaster := &recordingBroadcaster{}
	gate := &allowGate{}

	kernel := NewKernel(Deps{
		Store:       st,
		Clock:       clock,
		Broadcaster: broadcaster,
		Permissions: gate,
		Secrets:     &fakeSecrets{keys: map[string]string{"anthropic": "sk-ant-test"}},
		MCP:         &fakeMCP{},
		Agents:      config.AgentsConfig{IdleTimeoutMS: 30000, ResumeMaxAgeHours: 24, TerminationGraceMS: 5000},
		NewDriver:   func() PromptDriver { return driver },
		Logger:      log,
	})

	return &kernelFixture{
		store:       st,
		kernel:      kernel,
		broadcaster: broadcaster,
		gate:        gate,
		driver:      driver,
		session:     sess,
		worktree:    wt,
	}
}

// waitSettled blocks until the task reaches a terminal status.
func (f *kernelFixture) waitSettled(t *testing.T, taskID string) *store.Task {
	t.Helper()
	ctx := context.Background()
	var task *store.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = f.store.Tasks().FindByID(ctx, taskID)
		return err == nil && (task.Status == store.TaskCompleted || task.Status == store.TaskFailed)
	}, 2*time.Second, 5*time.Millisecond)

	// Settlement patches the task before the session, so wait for the
	// session to leave running too.
	require.Eventually(t, func() bool {
		sess, err := f.store.Sessions().FindByID(ctx, f.session.ID)
		return err == nil && (sess.Status == store.SessionCompleted || sess.Status == store.SessionFailed)
	}, 2*time.Second, 5*time.Millisecond)
	return task
}

func TestSendPrompt_Completes(t *testing.T) {
	driver := &fakeDriver{script: []agent.Event{
		{Type: agent.EventSessionIDCaptured, Handle: "sdk-1"},
		{Type: agent.EventComplete, Role: "assistant", Blocks: []claudecode.ContentBlock{
			{Type: "text", Text: "listing files"},
			{Type: "tool_use", ID: "tu_1", Name: "Bash", Input: map[string]any{"command": "ls"}},
		}},
		{Type: agent.EventResult, Result: &agent.ResultInfo{Subtype: "success", Text: "done", CostUSD: 0.02, NumTurns: 1}},
		{Type: agent.EventEnd, Reason: agent.EndResult},
	}}
	f := newKernelFixture(t, driver)
	ctx := context.Background()

	taskID, err := f.kernel.SendPrompt(ctx, f.session.ID, "list files")
	require.NoError(t, err)
	task := f.waitSettled(t, taskID)

	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "done", task.Report)
	assert.Equal(t, 1, task.ToolUseCount)
	require.NotNil(t, task.MessageRange)
	assert.Equal(t, 0, task.MessageRange.StartIndex)
	assert.Equal(t, 1, task.MessageRange.EndIndex)

	sess, err := f.store.Sessions().FindByID(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, sess.Status)
	assert.Equal(t, "sdk-1", sess.SDKSessionID)
	assert.NotNil(t, sess.SDKSessionAt)
	assert.Equal(t, 1, sess.ToolUseCount)
	assert.Equal(t, 2, sess.MessageCount)

	msgs, err := f.store.Messages().FindBySession(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 0, msgs[0].Index)
	assert.Equal(t, store.MessageText, msgs[0].Type)
	assert.Equal(t, 1, msgs[1].Index)
	assert.Equal(t, store.MessageToolUse, msgs[1].Type)
	assert.Equal(t, "Bash", msgs[1].Content["tool_name"])

	spec := driver.lastSpec()
	assert.Equal(t, "list files", spec.Prompt)
	assert.Equal(t, f.worktree.Path, spec.CWD)
	assert.Contains(t, spec.Env, "ANTHROPIC_API_KEY=sk-ant-test")
	assert.Equal(t, "claude-sonnet-4-5", spec.Params.Model)

	got := f.broadcaster.types()
	assert.Contains(t, got, "task.started")
	assert.Contains(t, got, "message.appended")
	assert.Contains(t, got, "task.completed")
	assert.Contains(t, got, "session.status_changed")
}

func TestSendPrompt_Busy(t *testing.T) {
	driver := &fakeDriver{waitCancel: true, started: make(chan struct{})}
	f := newKernelFixture(t, driver)
	ctx := context.Background()

	taskID, err := f.kernel.SendPrompt(ctx, f.session.ID, "first")
	require.NoError(t, err)
	<-driver.started

	_, err = f.kernel.SendPrompt(ctx, f.session.ID, "second")
	assert.ErrorIs(t, err, ErrSessionBusy)

	require.NoError(t, f.kernel.Stop(ctx, f.session.ID))
	f.waitSettled(t, taskID)
	require.Eventually(t, func() bool {
		return !f.kernel.IsRunning(f.session.ID)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendPrompt_UnknownSession(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})

	_, err := f.kernel.SendPrompt(context.Background(), "00000000-0000-0000-0000-000000000000", "hi")
	require.Error(t, err)
}

func TestStop_BeforeResult_Fails(t *testing.T) {
	driver := &fakeDriver{waitCancel: true, started: make(chan struct{})}
	f := newKernelFixture(t, driver)
	ctx := context.Background()

	taskID, err := f.kernel.SendPrompt(ctx, f.session.ID, "long job")
	require.NoError(t, err)
	<-driver.started

	require.NoError(t, f.kernel.Stop(ctx, f.session.ID))
	task := f.waitSettled(t, taskID)

	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Contains(t, task.Report, "cancelled")

	sess, err := f.store.Sessions().FindByID(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, sess.Status)
	assert.Contains(t, f.gate.deniedSessions(), f.session.ID)
}

func TestStop_AfterResult_Completes(t *testing.T) {
	driver := &fakeDriver{
		script: []agent.Event{
			{Type: agent.EventResult, Result: &agent.ResultInfo{Subtype: "success", Text: "all good"}},
		},
		waitCancel: true,
		started:    make(chan struct{}),
	}
	f := newKernelFixture(t, driver)
	ctx := context.Background()

	taskID, err := f.kernel.SendPrompt(ctx, f.session.ID, "quick job")
	require.NoError(t, err)
	<-driver.started

	require.NoError(t, f.kernel.Stop(ctx, f.session.ID))
	task := f.waitSettled(t, taskID)

	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, "all good", task.Report)
}

func TestRunPrompt_IdleTimeoutFails(t *testing.T) {
	driver := &fakeDriver{script: []agent.Event{
		{Type: agent.EventEnd, Reason: agent.EndTimeout},
	}}
	f := newKernelFixture(t, driver)

	taskID, err := f.kernel.SendPrompt(context.Background(), f.session.ID, "hang")
	require.NoError(t, err)
	task := f.waitSettled(t, taskID)

	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Contains(t, task.Report, "timeout")
}

func TestRunPrompt_SpawnErrorCapturesStderr(t *testing.T) {
	driver := &fakeDriver{runErr: errors.New("exec: claude not found"), stderr: "boom"}
	f := newKernelFixture(t, driver)

	taskID, err := f.kernel.SendPrompt(context.Background(), f.session.ID, "hi")
	require.NoError(t, err)
	task := f.waitSettled(t, taskID)

	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Contains(t, task.Report, "agent_spawn_failed")
	assert.Contains(t, task.Report, "boom")
}

func resultScript() []agent.Event {
	return []agent.Event{
		{Type: agent.EventResult, Result: &agent.ResultInfo{Subtype: "success"}},
		{Type: agent.EventEnd, Reason: agent.EndResult},
	}
}

func TestRunPrompt_FreshHandleResumes(t *testing.T) {
	driver := &fakeDriver{script: resultScript()}
	f := newKernelFixture(t, driver)
	ctx := context.Background()

	_, err := f.store.Sessions().Update(ctx, f.session.ID, map[string]any{
		"sdk_session_id": "sdk-old",
		"sdk_session_at": time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	taskID, err := f.kernel.SendPrompt(ctx, f.session.ID, "continue")
	require.NoError(t, err)
	f.waitSettled(t, taskID)

	spec := driver.lastSpec()
	assert.Equal(t, "sdk-old", spec.Params.ResumeHandle)
	assert.False(t, spec.Params.ForkSession)
}

func TestRunPrompt_StaleHandleCleared(t *testing.T) {
	driver := &fakeDriver{script: resultScript()}
	f := newKernelFixture(t, driver)
	ctx := context.Background()

	_, err := f.store.Sessions().Update(ctx, f.session.ID, map[string]any{
		"sdk_session_id": "sdk-old",
		"sdk_session_at": time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	taskID, err := f.kernel.SendPrompt(ctx, f.session.ID, "continue")
	require.NoError(t, err)
	f.waitSettled(t, taskID)

	assert.Empty(t, driver.lastSpec().Params.ResumeHandle)

	sess, err := f.store.Sessions().FindByID(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, sess.SDKSessionID)
}

func TestRunPrompt_ForkResumesParentHandle(t *testing.T) {
	driver := &fakeDriver{script: resultScript()}
	f := newKernelFixture(t, driver)
	ctx := context.Background()

	_, err := f.store.Sessions().Update(ctx, f.session.ID, map[string]any{
		"sdk_session_id": "sdk-parent",
		"sdk_session_at": time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	child, err := f.kernel.Fork(ctx, f.session.ID, "")
	require.NoError(t, err)

	taskID, err := f.kernel.SendPrompt(ctx, child.ID, "branch off")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, err := f.store.Tasks().FindByID(ctx, taskID)
		return err == nil && task.Status != store.TaskPending && task.Status != store.TaskRunning
	}, 2*time.Second, 5*time.Millisecond)

	spec := driver.lastSpec()
	assert.Equal(t, "sdk-parent", spec.Params.ResumeHandle)
	assert.True(t, spec.Params.ForkSession)
}

func TestRunPrompt_ThinkingBudgetFromPrompt(t *testing.T) {
	driver := &fakeDriver{script: resultScript()}
	f := newKernelFixture(t, driver)

	taskID, err := f.kernel.SendPrompt(context.Background(), f.session.ID, "think hard: list files")
	require.NoError(t, err)
	f.waitSettled(t, taskID)

	budget := driver.lastSpec().Params.MaxThinkingTokens
	require.NotNil(t, budget)
	assert.Equal(t, 10000, *budget)
}

func TestCreate_WritesSessionContext(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	sess, err := f.kernel.Create(ctx, CreateParams{WorktreeID: f.worktree.ID, CreatedBy: "u2"})
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, sess.Status)
	assert.Equal(t, store.ToolClaudeCode, sess.AgenticTool)
	assert.NotEmpty(t, sess.MCPToken)

	content := readClaudeMD(t, f.worktree.Path)
	assert.Contains(t, content, "## Agor Session Context")
	assert.Contains(t, content, sess.ID)
}

func TestArchive_FlagsWorktreeOnly(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	require.NoError(t, f.kernel.Archive(ctx, f.session.ID, true))

	wt, err := f.store.Worktrees().FindByID(ctx, f.worktree.ID)
	require.NoError(t, err)
	assert.True(t, wt.Archived)

	sess, err := f.store.Sessions().FindByID(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, sess.Status)
}

func TestDelete_RemovesSessionAndContext(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	require.NoError(t, AppendSessionContext(f.worktree.Path, f.session.ID))
	require.NoError(t, f.kernel.Delete(ctx, f.session.ID))

	_, err := f.store.Sessions().FindByID(ctx, f.session.ID)
	require.Error(t, err)
	assert.NotContains(t, readClaudeMD(t, f.worktree.Path), "Agor Session Context")
}
