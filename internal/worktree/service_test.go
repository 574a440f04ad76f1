package worktree

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/unixenv"
)

func testUnixConfig() config.UnixConfig {
	return config.UnixConfig{
		Enabled:            true,
		AgorGroup:          "agor_users",
		HomeBase:           "/home",
		AutoManageSymlinks: true,
	}
}

type fixture struct {
	store store.Store
	fake  *unixenv.FakeExecutor
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st := store.NewMemory(store.SystemClock{})
	fake := &unixenv.FakeExecutor{}
	controller := unixenv.NewController(testUnixConfig(), fake, log)
	return &fixture{
		store: st,
		fake:  fake,
		svc:   NewService(st, controller, testUnixConfig(), log),
	}
}

func (f *fixture) seedUser(t *testing.T, username string, uid int) *store.User {
	t.Helper()
	u := &store.User{Email: username + "@example.com", UnixUsername: username, UnixUID: &uid}
	require.NoError(t, f.store.Users().Create(context.Background(), u))
	return u
}

func (f *fixture) seedWorktree(t *testing.T, access store.FSAccess) *store.Worktree {
	t.Helper()
	wt := &store.Worktree{
		RepoID:         "r1",
		Name:           "main",
		Path:           "/srv/worktrees/main",
		OthersFSAccess: access,
	}
	require.NoError(t, f.store.Worktrees().Create(context.Background(), wt))
	return wt
}

func hasCall(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func TestSetAccessAppliesCanonicalMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wt := f.seedWorktree(t, store.FSAccessNone)

	got, err := f.svc.SetAccess(ctx, wt.ID, store.FSAccessRead)
	require.NoError(t, err)
	assert.Equal(t, store.FSAccessRead, got.OthersFSAccess)

	lines := f.fake.CallLines()
	assert.True(t, hasCall(lines, "groupadd agor-wt-"), "worktree group must exist")
	assert.True(t, hasCall(lines, "chmod 2750 /srv/worktrees/main"), "read sharing maps to 2750")

	_, err = f.svc.SetAccess(ctx, wt.ID, store.FSAccessWrite)
	require.NoError(t, err)
	assert.True(t, hasCall(f.fake.CallLines(), "chmod 2770 /srv/worktrees/main"), "write sharing maps to 2770")
}

func TestSetAccessRejectsUnknownLevel(t *testing.T) {
	f := newFixture(t)
	wt := f.seedWorktree(t, store.FSAccessNone)

	_, err := f.svc.SetAccess(context.Background(), wt.ID, store.FSAccess("everyone"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid fs access")
}

func TestGrantAddsOwnerAndGroupMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.seedUser(t, "agor-u1", 10000)
	wt := f.seedWorktree(t, store.FSAccessRead)

	require.NoError(t, f.svc.Grant(ctx, wt.ID, u.ID))

	owners, err := f.store.Worktrees().GetOwners(ctx, wt.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{u.ID}, owners)

	lines := f.fake.CallLines()
	assert.True(t, hasCall(lines, "usermod -aG agor-wt-"))
	assert.True(t, hasCall(lines, "ln -sfn /srv/worktrees/main /home/agor-u1/agor/worktrees/main"))
}

func TestRevokeRemovesOwnerAndGroupMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.seedUser(t, "agor-u1", 10000)
	wt := f.seedWorktree(t, store.FSAccessRead)
	require.NoError(t, f.svc.Grant(ctx, wt.ID, u.ID))

	require.NoError(t, f.svc.Revoke(ctx, wt.ID, u.ID))

	owners, err := f.store.Worktrees().GetOwners(ctx, wt.ID)
	require.NoError(t, err)
	assert.Empty(t, owners)

	lines := f.fake.CallLines()
	assert.True(t, hasCall(lines, "gpasswd -d agor-u1"))
	assert.True(t, hasCall(lines, "rm -f /home/agor-u1/agor/worktrees/main"))
}

func TestSyncAllReconcilesFromStoredTruth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.seedUser(t, "agor-u1", 10000)
	wt := f.seedWorktree(t, store.FSAccessWrite)
	require.NoError(t, f.store.Worktrees().AddOwner(ctx, wt.ID, u.ID))

	require.NoError(t, f.svc.SyncAll(ctx))

	lines := f.fake.CallLines()
	assert.True(t, hasCall(lines, "groupadd agor_users"), "host-wide group ensured")
	assert.True(t, hasCall(lines, "useradd --uid 10000"), "stored users provisioned")
	assert.True(t, hasCall(lines, "chmod 2770 /srv/worktrees/main"), "stored mode re-applied")
	assert.True(t, hasCall(lines, "usermod -aG agor-wt-"), "stored owners re-joined")
}

func TestUnixDisabledTouchesOnlyTheStore(t *testing.T) {
	ctx := context.Background()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st := store.NewMemory(store.SystemClock{})
	fake := &unixenv.FakeExecutor{}
	cfg := testUnixConfig()
	cfg.Enabled = false
	svc := NewService(st, unixenv.NewController(cfg, fake, log), cfg, log)

	wt := &store.Worktree{RepoID: "r1", Name: "main", Path: "/srv/worktrees/main"}
	require.NoError(t, st.Worktrees().Create(ctx, wt))

	got, err := svc.SetAccess(ctx, wt.ID, store.FSAccessWrite)
	require.NoError(t, err)
	assert.Equal(t, store.FSAccessWrite, got.OthersFSAccess)
	require.NoError(t, svc.SyncAll(ctx))

	assert.Empty(t, fake.CallLines(), "no host commands in single-user mode")
}
