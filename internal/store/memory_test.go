package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(t *testing.T) Store {
	t.Helper()
	return NewMemory(newFakeClock())
}

func seedWorktree(t *testing.T, s Store) *Worktree {
	t.Helper()
	ctx := context.Background()
	repo := &Repo{Slug: "acme/api"}
	require.NoError(t, s.Repos().Create(ctx, repo))
	wt := &Worktree{RepoID: repo.ID, Name: "main", Ref: "main", RefType: RefTypeBranch}
	require.NoError(t, s.Worktrees().Create(ctx, wt))
	return wt
}

func seedSession(t *testing.T, s Store) *Session {
	t.Helper()
	wt := seedWorktree(t, s)
	sess := &Session{WorktreeID: wt.ID, CreatedBy: "u1", AgenticTool: ToolClaudeCode}
	require.NoError(t, s.Sessions().Create(context.Background(), sess))
	return sess
}

func TestShortIDResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u1 := &User{ID: "0190b5a2-1111-7000-8000-000000000001", Email: "a@x.dev"}
	u2 := &User{ID: "0190b5a2-2222-7000-8000-000000000002", Email: "b@x.dev"}
	require.NoError(t, s.Users().Create(ctx, u1))
	require.NoError(t, s.Users().Create(ctx, u2))

	t.Run("unique prefix resolves", func(t *testing.T) {
		got, err := s.Users().FindByID(ctx, "0190b5a21111")
		require.NoError(t, err)
		assert.Equal(t, u1.ID, got.ID)
	})

	t.Run("shared prefix is ambiguous", func(t *testing.T) {
		_, err := s.Users().FindByID(ctx, "0190b5a2")
		require.Error(t, err)
		var amb *AmbiguousIDError
		require.ErrorAs(t, err, &amb)
		assert.Len(t, amb.Matches, 2)
	})

	t.Run("unknown prefix is not found", func(t *testing.T) {
		_, err := s.Users().FindByID(ctx, "ffffffff")
		assert.True(t, IsNotFound(err))
	})

	t.Run("full id wins even when it prefixes others", func(t *testing.T) {
		got, err := s.Users().FindByID(ctx, u2.ID)
		require.NoError(t, err)
		assert.Equal(t, u2.ID, got.ID)
	})
}

func TestUnixIdentityAllocation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u1 := &User{Email: "a@x.dev"}
	u2 := &User{Email: "b@x.dev"}
	u3 := &User{Email: "c@x.dev"}
	require.NoError(t, s.Users().Create(ctx, u1))
	require.NoError(t, s.Users().Create(ctx, u2))
	require.NoError(t, s.Users().Create(ctx, u3))

	uid1, err := s.Users().AllocateUnixIdentity(ctx, u1.ID, "agor-aaaa1111", 10000, 10002)
	require.NoError(t, err)
	assert.Equal(t, 10000, uid1)

	uid2, err := s.Users().AllocateUnixIdentity(ctx, u2.ID, "agor-bbbb2222", 10000, 10002)
	require.NoError(t, err)
	assert.Equal(t, 10001, uid2)

	t.Run("deleted user uid is never reused", func(t *testing.T) {
		require.NoError(t, s.Users().Delete(ctx, u1.ID))

		uid3, err := s.Users().AllocateUnixIdentity(ctx, u3.ID, "agor-cccc3333", 10000, 10002)
		require.NoError(t, err)
		assert.Equal(t, 10002, uid3, "must skip the dead user's uid")

		all, err := s.Users().AllocatedUIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{10000, 10001, 10002}, all)
	})

	t.Run("exhausted range errors", func(t *testing.T) {
		u4 := &User{Email: "d@x.dev"}
		require.NoError(t, s.Users().Create(ctx, u4))
		_, err := s.Users().AllocateUnixIdentity(ctx, u4.ID, "agor-dddd4444", 10000, 10002)
		assert.ErrorIs(t, err, ErrNoUIDAvailable)
	})

	t.Run("allocation persists on the user", func(t *testing.T) {
		got, err := s.Users().FindByID(ctx, u2.ID)
		require.NoError(t, err)
		require.NotNil(t, got.UnixUID)
		assert.Equal(t, 10001, *got.UnixUID)
		assert.Equal(t, "agor-bbbb2222", got.UnixUsername)
	})
}

func TestMessageIndicesGapFree(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := seedSession(t, s)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Messages().Append(ctx, &Message{
				SessionID: sess.ID,
				Role:      RoleAssistant,
				Type:      MessageText,
				Content:   map[string]any{"text": "hi"},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := s.Messages().FindBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, i, m.Index, "index %d must be gap-free", i)
	}

	got, err := s.Sessions().FindByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.MessageCount)
}

func TestSessionUpdateDeepMerge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := seedSession(t, s)

	_, err := s.Sessions().Update(ctx, sess.ID, map[string]any{
		"permission_config": map[string]any{
			"mode":          "default",
			"allowed_tools": []any{"Read"},
		},
	})
	require.NoError(t, err)

	updated, err := s.Sessions().Update(ctx, sess.ID, map[string]any{
		"status": "running",
		"permission_config": map[string]any{
			"allowed_tools": []any{"Read", "Bash"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, SessionRunning, updated.Status)
	assert.Equal(t, PermissionModeDefault, updated.PermissionConfig.Mode, "mode survives partial patch")
	assert.Equal(t, []string{"Read", "Bash"}, updated.PermissionConfig.AllowedTools)

	t.Run("immutable fields ignored", func(t *testing.T) {
		got, err := s.Sessions().Update(ctx, sess.ID, map[string]any{"id": "evil"})
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
	})
}

func TestSessionDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := seedSession(t, s)

	task := &Task{SessionID: sess.ID, FullPrompt: "do things"}
	require.NoError(t, s.Tasks().Create(ctx, task))
	require.NoError(t, s.Messages().Append(ctx, &Message{
		SessionID: sess.ID, TaskID: task.ID, Role: RoleUser, Type: MessageText,
	}))
	require.NoError(t, s.PermissionRequests().Create(ctx, &PermissionRequest{
		SessionID: sess.ID, TaskID: task.ID, ToolName: "Bash",
	}))

	require.NoError(t, s.Sessions().Delete(ctx, sess.ID))

	_, err := s.Tasks().FindByID(ctx, task.ID)
	assert.True(t, IsNotFound(err))

	count, err := s.Messages().CountBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	pending, err := s.PermissionRequests().FindPendingBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTaskCreateLinksSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := seedSession(t, s)

	t1 := &Task{SessionID: sess.ID, FullPrompt: "first"}
	t2 := &Task{SessionID: sess.ID, FullPrompt: "second"}
	require.NoError(t, s.Tasks().Create(ctx, t1))
	require.NoError(t, s.Tasks().Create(ctx, t2))

	got, err := s.Sessions().FindByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{t1.ID, t2.ID}, got.TaskIDs)
}

func TestFindChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wt := seedWorktree(t, s)

	parent := &Session{WorktreeID: wt.ID, CreatedBy: "u1"}
	require.NoError(t, s.Sessions().Create(ctx, parent))

	spawned := &Session{WorktreeID: wt.ID, CreatedBy: "u1",
		Genealogy: &Genealogy{ParentSessionID: parent.ID}}
	forked := &Session{WorktreeID: wt.ID, CreatedBy: "u1",
		Genealogy: &Genealogy{ForkedFromSessionID: parent.ID}}
	unrelated := &Session{WorktreeID: wt.ID, CreatedBy: "u2"}
	require.NoError(t, s.Sessions().Create(ctx, spawned))
	require.NoError(t, s.Sessions().Create(ctx, forked))
	require.NoError(t, s.Sessions().Create(ctx, unrelated))

	children, err := s.Sessions().FindChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	ids := []string{children[0].ID, children[1].ID}
	assert.Contains(t, ids, spawned.ID)
	assert.Contains(t, ids, forked.ID)
}

func TestWorktreeOwners(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wt := seedWorktree(t, s)

	require.NoError(t, s.Worktrees().AddOwner(ctx, wt.ID, "u1"))
	require.NoError(t, s.Worktrees().AddOwner(ctx, wt.ID, "u2"))
	require.NoError(t, s.Worktrees().AddOwner(ctx, wt.ID, "u1")) // idempotent

	owners, err := s.Worktrees().GetOwners(ctx, wt.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, owners)

	ok, err := s.Worktrees().IsOwner(ctx, wt.ID, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Worktrees().RemoveOwner(ctx, wt.ID, "u1"))
	ok, err = s.Worktrees().IsOwner(ctx, wt.ID, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindAccessibleWorktrees(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	repo := &Repo{Slug: "acme/api"}
	require.NoError(t, s.Repos().Create(ctx, repo))

	owned := &Worktree{RepoID: repo.ID, Name: "mine"}
	shared := &Worktree{RepoID: repo.ID, Name: "shared", OthersCan: OthersCanView}
	private := &Worktree{RepoID: repo.ID, Name: "private"}
	require.NoError(t, s.Worktrees().Create(ctx, owned))
	require.NoError(t, s.Worktrees().Create(ctx, shared))
	require.NoError(t, s.Worktrees().Create(ctx, private))
	require.NoError(t, s.Worktrees().AddOwner(ctx, owned.ID, "u1"))
	require.NoError(t, s.Worktrees().AddOwner(ctx, private.ID, "u2"))

	got, err := s.Worktrees().FindAccessibleWorktrees(ctx, "u1")
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, w := range got {
		ids = append(ids, w.ID)
	}
	assert.Contains(t, ids, owned.ID)
	assert.Contains(t, ids, shared.ID)
	assert.NotContains(t, ids, private.ID)
}

func TestMCPServersFindByScope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	global := &MCPServer{Name: "github", Scope: MCPScopeGlobal, Transport: MCPTransportHTTP, Enabled: true}
	repoScoped := &MCPServer{Name: "github", Scope: MCPScopeRepo, ScopeID: "r1", Transport: MCPTransportHTTP, Enabled: true}
	other := &MCPServer{Name: "linear", Scope: MCPScopeRepo, ScopeID: "r2", Transport: MCPTransportSSE, Enabled: true}
	require.NoError(t, s.MCPServers().Create(ctx, global))
	require.NoError(t, s.MCPServers().Create(ctx, repoScoped))
	require.NoError(t, s.MCPServers().Create(ctx, other))

	got, err := s.MCPServers().FindByScope(ctx, MCPScopeRepo, "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, repoScoped.ID, got[0].ID)

	got, err = s.MCPServers().FindByScope(ctx, MCPScopeGlobal, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, global.ID, got[0].ID)
}

func TestRepositoriesReturnClones(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := seedSession(t, s)

	got, err := s.Sessions().FindByID(ctx, sess.ID)
	require.NoError(t, err)
	got.Status = SessionFailed

	again, err := s.Sessions().FindByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionIdle, again.Status, "callers must not mutate stored state")
}
