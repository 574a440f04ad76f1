package unixenv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
)

// zellijConfig is written once per user and never overwritten, so
// user edits survive reprovisioning.
const zellijConfig = `// Agor terminal defaults.
default_shell "bash"
pane_frames false
simplified_ui true
session_serialization false
`

// Controller applies the unix-level isolation model: one managed user
// per Agor user, one group per worktree, permission bits from the
// worktree's sharing level, and symlink fan-out into owner homes.
//
// Every operation is idempotent; sync* operations reconcile the host
// from stored truth and are safe to rerun.
type Controller struct {
	cfg    config.UnixConfig
	exec   CommandExecutor
	logger *logger.Logger
}

// NewController creates a controller driving commands through exec.
func NewController(cfg config.UnixConfig, exec CommandExecutor, log *logger.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		exec:   exec,
		logger: log.WithFields(zap.String("component", "unixenv")),
	}
}

// WorktreeGroupName derives the deterministic group name for a worktree.
func WorktreeGroupName(worktreeID string) string {
	return "agor-wt-" + ids.Short(worktreeID)
}

// HomeDir returns the managed home directory for a username.
func (c *Controller) HomeDir(username string) string {
	return filepath.Join(c.cfg.HomeBase, username)
}

// EnsureAgorGroup makes sure the host-wide group exists. Every managed
// user belongs to it, and impersonation refuses users outside it.
func (c *Controller) EnsureAgorGroup(ctx context.Context) error {
	if c.exec.Check(ctx, "getent", "group", c.cfg.AgorGroup) {
		return nil
	}
	if _, err := c.exec.Exec(ctx, "groupadd", c.cfg.AgorGroup); err != nil {
		return fmt.Errorf("ensure agor group: %w", err)
	}
	c.logger.Info("Created agor group", zap.String("group", c.cfg.AgorGroup))
	return nil
}

// EnsureUser creates the unix user if absent and prepares the home
// skeleton: ~/agor/worktrees/ and a write-once zellij config.
func (c *Controller) EnsureUser(ctx context.Context, username string, uid int) error {
	home := c.HomeDir(username)

	if !c.exec.Check(ctx, "id", "-u", username) {
		shell := c.cfg.DefaultShell
		if shell == "" {
			shell = "/bin/bash"
		}
		_, err := c.exec.Exec(ctx, "useradd",
			"--uid", strconv.Itoa(uid),
			"--gid", c.cfg.AgorGroup,
			"--create-home",
			"--home-dir", home,
			"--shell", shell,
			username)
		if err != nil {
			return fmt.Errorf("create user %s: %w", username, err)
		}
		c.logger.Info("Created unix user",
			zap.String("username", username),
			zap.Int("uid", uid))
	}

	owner := username + ":" + c.cfg.AgorGroup
	worktreesDir := filepath.Join(home, "agor", "worktrees")
	if _, err := c.exec.Exec(ctx, "install", "-d", "-o", username, "-g", c.cfg.AgorGroup, worktreesDir); err != nil {
		return fmt.Errorf("prepare worktrees dir: %w", err)
	}

	zellijDir := filepath.Join(home, ".config", "zellij")
	zellijPath := filepath.Join(zellijDir, "config.kdl")
	if !c.exec.Check(ctx, "test", "-f", zellijPath) {
		if _, err := c.exec.Exec(ctx, "install", "-d", "-o", username, "-g", c.cfg.AgorGroup, zellijDir); err != nil {
			return fmt.Errorf("prepare zellij dir: %w", err)
		}
		if _, err := c.exec.ExecWithInput(ctx, zellijConfig, "tee", zellijPath); err != nil {
			return fmt.Errorf("write zellij config: %w", err)
		}
		if _, err := c.exec.Exec(ctx, "chown", owner, zellijPath); err != nil {
			return fmt.Errorf("own zellij config: %w", err)
		}
	}
	return nil
}

// SyncPassword sets the user's password through chpasswd's stdin. The
// plaintext must never appear in argv, where ps would expose it.
func (c *Controller) SyncPassword(ctx context.Context, username, plaintext string) error {
	if strings.ContainsAny(username, ":\n") {
		return fmt.Errorf("invalid username %q", username)
	}
	input := username + ":" + plaintext + "\n"
	if _, err := c.exec.ExecWithInput(ctx, input, "chpasswd"); err != nil {
		return fmt.Errorf("sync password for %s: %w", username, err)
	}
	return nil
}

// CreateWorktreeGroup ensures the worktree's group exists and the
// worktree directory carries the group and the canonical mode for its
// sharing level. Returns the group name.
func (c *Controller) CreateWorktreeGroup(ctx context.Context, wt *store.Worktree) (string, error) {
	group := wt.UnixGroup
	if group == "" {
		group = WorktreeGroupName(wt.ID)
	}
	if !c.exec.Check(ctx, "getent", "group", group) {
		if _, err := c.exec.Exec(ctx, "groupadd", group); err != nil {
			return "", fmt.Errorf("create worktree group: %w", err)
		}
	}
	if err := c.applyMode(ctx, wt, group); err != nil {
		return "", err
	}
	return group, nil
}

// applyMode sets group ownership and the permission bits derived from
// others_fs_access. SGID is always on so new files inherit the group.
func (c *Controller) applyMode(ctx context.Context, wt *store.Worktree, group string) error {
	if wt.Path == "" {
		return nil
	}
	if _, err := c.exec.Exec(ctx, "chgrp", "-R", group, wt.Path); err != nil {
		return fmt.Errorf("chgrp worktree: %w", err)
	}
	mode := fmt.Sprintf("%04o", wt.DirMode())
	if _, err := c.exec.Exec(ctx, "chmod", mode, wt.Path); err != nil {
		return fmt.Errorf("chmod worktree: %w", err)
	}
	return nil
}

// AddUserToWorktreeGroup grants a user the worktree group and, when
// symlink management is on, links the worktree into their home.
func (c *Controller) AddUserToWorktreeGroup(ctx context.Context, wt *store.Worktree, username string) error {
	group := wt.UnixGroup
	if group == "" {
		group = WorktreeGroupName(wt.ID)
	}
	if _, err := c.exec.Exec(ctx, "usermod", "-aG", group, username); err != nil {
		return fmt.Errorf("add %s to %s: %w", username, group, err)
	}
	if c.cfg.AutoManageSymlinks {
		link := filepath.Join(c.HomeDir(username), "agor", "worktrees", wt.Name)
		if _, err := c.exec.Exec(ctx, "ln", "-sfn", wt.Path, link); err != nil {
			return fmt.Errorf("link worktree for %s: %w", username, err)
		}
	}
	return nil
}

// RemoveUserFromWorktreeGroup revokes the group and removes the symlink.
func (c *Controller) RemoveUserFromWorktreeGroup(ctx context.Context, wt *store.Worktree, username string) error {
	group := wt.UnixGroup
	if group == "" {
		group = WorktreeGroupName(wt.ID)
	}
	if _, err := c.exec.Exec(ctx, "gpasswd", "-d", username, group); err != nil {
		// Already absent is fine; gpasswd exits nonzero for non-members.
		var opErr *OpError
		if !errors.As(err, &opErr) || !strings.Contains(opErr.Stderr, "is not a member") {
			return fmt.Errorf("remove %s from %s: %w", username, group, err)
		}
	}
	if c.cfg.AutoManageSymlinks {
		link := filepath.Join(c.HomeDir(username), "agor", "worktrees", wt.Name)
		if _, err := c.exec.Exec(ctx, "rm", "-f", link); err != nil {
			return fmt.Errorf("unlink worktree for %s: %w", username, err)
		}
	}
	return nil
}

// SyncWorktree reconciles one worktree: group, mode, and membership for
// the given owner usernames.
func (c *Controller) SyncWorktree(ctx context.Context, wt *store.Worktree, ownerUsernames []string) error {
	group, err := c.CreateWorktreeGroup(ctx, wt)
	if err != nil {
		return err
	}
	for _, username := range ownerUsernames {
		if username == "" {
			continue
		}
		wtCopy := *wt
		wtCopy.UnixGroup = group
		if err := c.AddUserToWorktreeGroup(ctx, &wtCopy, username); err != nil {
			return err
		}
	}
	return nil
}

// SyncUser reconciles one user: account, home skeleton, agor group.
func (c *Controller) SyncUser(ctx context.Context, u *store.User) error {
	if u.UnixUsername == "" || u.UnixUID == nil {
		return fmt.Errorf("user %s has no unix identity", u.ID)
	}
	return c.EnsureUser(ctx, u.UnixUsername, *u.UnixUID)
}

// SyncAll reconciles the whole host from stored truth. Per-entity
// failures are logged and skipped so one bad record cannot wedge the
// rest of the sync.
func (c *Controller) SyncAll(ctx context.Context, users []*store.User, worktrees []*store.Worktree, owners map[string][]string) error {
	if err := c.EnsureAgorGroup(ctx); err != nil {
		return err
	}
	byID := make(map[string]*store.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
		if u.UnixUsername == "" {
			continue
		}
		if err := c.SyncUser(ctx, u); err != nil {
			c.logger.Error("Failed to sync user", zap.String("user_id", u.ID), zap.Error(err))
		}
	}
	for _, wt := range worktrees {
		usernames := make([]string, 0, len(owners[wt.ID]))
		for _, userID := range owners[wt.ID] {
			if u, ok := byID[userID]; ok && u.UnixUsername != "" {
				usernames = append(usernames, u.UnixUsername)
			}
		}
		if err := c.SyncWorktree(ctx, wt, usernames); err != nil {
			c.logger.Error("Failed to sync worktree", zap.String("worktree_id", wt.ID), zap.Error(err))
		}
	}
	return nil
}

// LookupUID asks the OS for an existing user's uid.
func (c *Controller) LookupUID(ctx context.Context, username string) (int, error) {
	out, err := c.exec.Exec(ctx, "id", "-u", username)
	if err != nil {
		return 0, fmt.Errorf("lookup uid for %s: %w", username, err)
	}
	uid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse uid for %s: %w", username, err)
	}
	return uid, nil
}

// UserExists reports whether the OS knows the username.
func (c *Controller) UserExists(ctx context.Context, username string) bool {
	return c.exec.Check(ctx, "id", "-u", username)
}

// IsInAgorGroup reports whether the username belongs to the agor group.
// Impersonation must refuse users outside it.
func (c *Controller) IsInAgorGroup(ctx context.Context, username string) bool {
	out, err := c.exec.Exec(ctx, "id", "-Gn", username)
	if err != nil {
		return false
	}
	for _, g := range strings.Fields(out) {
		if g == c.cfg.AgorGroup {
			return true
		}
	}
	return false
}

// GroupGID asks the OS for a group's gid.
func (c *Controller) GroupGID(ctx context.Context, group string) (int, error) {
	out, err := c.exec.Exec(ctx, "getent", "group", group)
	if err != nil {
		return 0, fmt.Errorf("getent group %s: %w", group, err)
	}
	parts := strings.Split(strings.TrimSpace(out), ":")
	if len(parts) < 3 {
		return 0, fmt.Errorf("unexpected getent output for %s", group)
	}
	gid, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, fmt.Errorf("parse gid for %s: %w", group, err)
	}
	return gid, nil
}
