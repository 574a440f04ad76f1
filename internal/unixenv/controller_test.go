package unixenv

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
)

func testConfig() config.UnixConfig {
	return config.UnixConfig{
		Enabled:            true,
		AgorGroup:          "agor_users",
		HomeBase:           "/home",
		UIDRangeStart:      10000,
		UIDRangeEnd:        60000,
		AutoManageSymlinks: true,
		DefaultShell:       "/bin/bash",
	}
}

func newTestController(t *testing.T, fake *FakeExecutor) *Controller {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewController(testConfig(), fake, log)
}

func hasCall(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func countCalls(lines []string, prefix string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func TestEnsureUserIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := &FakeExecutor{ExistingChecks: map[string]bool{}}
	c := newTestController(t, fake)

	require.NoError(t, c.EnsureUser(ctx, "agor-0190b5a2", 10000))

	lines := fake.CallLines()
	assert.Equal(t, 1, countCalls(lines, "useradd"))
	assert.True(t, hasCall(lines, "useradd --uid 10000 --gid agor_users"))
	assert.True(t, hasCall(lines, "install -d -o agor-0190b5a2 -g agor_users /home/agor-0190b5a2/agor/worktrees"))

	// Second run against a host where the user now exists.
	fake2 := &FakeExecutor{ExistingChecks: map[string]bool{
		"id -u agor-0190b5a2": true,
		"test -f /home/agor-0190b5a2/.config/zellij/config.kdl": true,
	}}
	c2 := newTestController(t, fake2)
	require.NoError(t, c2.EnsureUser(ctx, "agor-0190b5a2", 10000))
	assert.Zero(t, countCalls(fake2.CallLines(), "useradd"), "existing user must not be recreated")
	assert.Zero(t, countCalls(fake2.CallLines(), "tee"), "existing zellij config must not be overwritten")
}

func TestZellijConfigWrittenOnce(t *testing.T) {
	ctx := context.Background()
	fake := &FakeExecutor{ExistingChecks: map[string]bool{"id -u agor-aaaa1111": true}}
	c := newTestController(t, fake)

	require.NoError(t, c.EnsureUser(ctx, "agor-aaaa1111", 10000))

	var wrote bool
	for _, call := range fake.Calls() {
		if call.Name == "tee" {
			wrote = true
			assert.Contains(t, call.Input, "default_shell")
		}
	}
	assert.True(t, wrote)
}

func TestSyncPasswordUsesStdinOnly(t *testing.T) {
	ctx := context.Background()
	fake := &FakeExecutor{}
	c := newTestController(t, fake)

	require.NoError(t, c.SyncPassword(ctx, "agor-aaaa1111", "s3cret"))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "chpasswd", calls[0].Name)
	assert.Empty(t, calls[0].Args, "password must never appear in argv")
	assert.Equal(t, "agor-aaaa1111:s3cret\n", calls[0].Input)
}

func TestSyncPasswordRejectsHostileUsername(t *testing.T) {
	c := newTestController(t, &FakeExecutor{})
	assert.Error(t, c.SyncPassword(context.Background(), "evil:injected", "pw"))
	assert.Error(t, c.SyncPassword(context.Background(), "evil\nroot", "pw"))
}

func TestCreateWorktreeGroupModes(t *testing.T) {
	tests := []struct {
		access store.FSAccess
		mode   string
	}{
		{store.FSAccessNone, "2700"},
		{store.FSAccessRead, "2750"},
		{store.FSAccessWrite, "2770"},
	}
	for _, tt := range tests {
		t.Run(string(tt.access), func(t *testing.T) {
			fake := &FakeExecutor{}
			c := newTestController(t, fake)
			wt := &store.Worktree{
				ID:             "0190b5a2-1111-7000-8000-000000000001",
				Name:           "main",
				Path:           "/srv/worktrees/main",
				OthersFSAccess: tt.access,
			}
			group, err := c.CreateWorktreeGroup(context.Background(), wt)
			require.NoError(t, err)
			assert.Equal(t, "agor-wt-0190b5a2", group)

			lines := fake.CallLines()
			assert.True(t, hasCall(lines, "groupadd agor-wt-0190b5a2"))
			assert.True(t, hasCall(lines, "chgrp -R agor-wt-0190b5a2 /srv/worktrees/main"))
			assert.True(t, hasCall(lines, "chmod "+tt.mode+" /srv/worktrees/main"), "mode for %s", tt.access)
		})
	}
}

func TestAddUserToWorktreeGroupManagesSymlink(t *testing.T) {
	fake := &FakeExecutor{}
	c := newTestController(t, fake)
	wt := &store.Worktree{
		ID:        "0190b5a2-1111-7000-8000-000000000001",
		Name:      "feature-x",
		Path:      "/srv/worktrees/feature-x",
		UnixGroup: "agor-wt-0190b5a2",
	}

	require.NoError(t, c.AddUserToWorktreeGroup(context.Background(), wt, "agor-bbbb2222"))

	lines := fake.CallLines()
	assert.True(t, hasCall(lines, "usermod -aG agor-wt-0190b5a2 agor-bbbb2222"))
	assert.True(t, hasCall(lines, "ln -sfn /srv/worktrees/feature-x /home/agor-bbbb2222/agor/worktrees/feature-x"))
}

func TestRemoveUserFromWorktreeGroup(t *testing.T) {
	fake := &FakeExecutor{}
	c := newTestController(t, fake)
	wt := &store.Worktree{
		ID:        "0190b5a2-1111-7000-8000-000000000001",
		Name:      "feature-x",
		Path:      "/srv/worktrees/feature-x",
		UnixGroup: "agor-wt-0190b5a2",
	}

	require.NoError(t, c.RemoveUserFromWorktreeGroup(context.Background(), wt, "agor-bbbb2222"))

	lines := fake.CallLines()
	assert.True(t, hasCall(lines, "gpasswd -d agor-bbbb2222 agor-wt-0190b5a2"))
	assert.True(t, hasCall(lines, "rm -f /home/agor-bbbb2222/agor/worktrees/feature-x"))
}

func TestRemoveUserNotAMemberIsFine(t *testing.T) {
	fake := &FakeExecutor{Failures: map[string]error{
		"gpasswd": &OpError{Op: "gpasswd", ExitCode: 3, Stderr: "user agor-bbbb2222 is not a member of agor-wt-0190b5a2"},
	}}
	c := newTestController(t, fake)
	wt := &store.Worktree{ID: "0190b5a2-1111-7000-8000-000000000001", Name: "x", UnixGroup: "agor-wt-0190b5a2"}
	assert.NoError(t, c.RemoveUserFromWorktreeGroup(context.Background(), wt, "agor-bbbb2222"))
}

func TestOpErrorSurfacesCommandFailure(t *testing.T) {
	fake := &FakeExecutor{Failures: map[string]error{
		"useradd": &OpError{Op: "useradd", ExitCode: 4, Stderr: "UID 10000 is not unique"},
	}}
	c := newTestController(t, fake)

	err := c.EnsureUser(context.Background(), "agor-cccc3333", 10000)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 4, opErr.ExitCode)
	assert.Contains(t, opErr.Stderr, "not unique")
}

func TestIsInAgorGroup(t *testing.T) {
	fake := &FakeExecutor{Outputs: map[string]string{
		"id -Gn agor-aaaa1111": "agor_users agor-wt-0190b5a2\n",
		"id -Gn outsider":      "staff wheel\n",
	}}
	c := newTestController(t, fake)

	assert.True(t, c.IsInAgorGroup(context.Background(), "agor-aaaa1111"))
	assert.False(t, c.IsInAgorGroup(context.Background(), "outsider"))
}

func TestGroupGID(t *testing.T) {
	fake := &FakeExecutor{Outputs: map[string]string{
		"getent group agor-wt-0190b5a2": "agor-wt-0190b5a2:x:10500:agor-aaaa1111\n",
	}}
	c := newTestController(t, fake)

	gid, err := c.GroupGID(context.Background(), "agor-wt-0190b5a2")
	require.NoError(t, err)
	assert.Equal(t, 10500, gid)
}

func TestSyncAllSkipsBrokenEntities(t *testing.T) {
	fake := &FakeExecutor{Failures: map[string]error{
		"chgrp -R agor-wt-": &OpError{Op: "chgrp", ExitCode: 1, Stderr: "no such directory"},
	}}
	c := newTestController(t, fake)

	uid := 10000
	users := []*store.User{
		{ID: "u1", UnixUsername: "agor-aaaa1111", UnixUID: &uid},
		{ID: "u2"}, // no unix identity yet; skipped
	}
	worktrees := []*store.Worktree{
		{ID: "0190b5a2-1111-7000-8000-000000000001", Name: "broken", Path: "/gone"},
	}
	owners := map[string][]string{worktrees[0].ID: {"u1"}}

	err := c.SyncAll(context.Background(), users, worktrees, owners)
	assert.NoError(t, err, "per-entity failures must not abort the sync")
	assert.True(t, hasCall(fake.CallLines(), "groupadd agor_users"))
}
