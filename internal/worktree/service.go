// Package worktree manages worktree sharing: the persisted access
// level and owner set, mirrored onto the host through the unix
// controller.
package worktree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/unixenv"
)

// Service applies sharing changes to the store and keeps the host's
// groups, permission bits and symlinks in step. With unix isolation
// disabled only the store side is touched.
type Service struct {
	worktrees store.WorktreeRepository
	users     store.UserRepository
	unix      *unixenv.Controller
	cfg       config.UnixConfig
	logger    *logger.Logger
}

// NewService creates a service over the store and unix controller.
func NewService(st store.Store, unix *unixenv.Controller, cfg config.UnixConfig, log *logger.Logger) *Service {
	return &Service{
		worktrees: st.Worktrees(),
		users:     st.Users(),
		unix:      unix,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "worktree")),
	}
}

// SetAccess persists a worktree's sharing level and re-applies the
// canonical permission bits on the host.
func (s *Service) SetAccess(ctx context.Context, worktreeID string, access store.FSAccess) (*store.Worktree, error) {
	switch access {
	case store.FSAccessNone, store.FSAccessRead, store.FSAccessWrite:
	default:
		return nil, fmt.Errorf("invalid fs access %q", access)
	}

	wt, err := s.worktrees.Update(ctx, worktreeID, map[string]any{"others_fs_access": access})
	if err != nil {
		return nil, err
	}
	if err := s.syncOne(ctx, wt); err != nil {
		return nil, err
	}
	return wt, nil
}

// Grant makes the user an owner and gives their unix account access.
func (s *Service) Grant(ctx context.Context, worktreeID, userID string) error {
	wt, err := s.worktrees.FindByID(ctx, worktreeID)
	if err != nil {
		return err
	}
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.worktrees.AddOwner(ctx, wt.ID, u.ID); err != nil {
		return err
	}
	if !s.cfg.Enabled || u.UnixUsername == "" {
		return nil
	}
	if _, err := s.unix.CreateWorktreeGroup(ctx, wt); err != nil {
		return err
	}
	return s.unix.AddUserToWorktreeGroup(ctx, wt, u.UnixUsername)
}

// Revoke removes the owner link and the unix-level access.
func (s *Service) Revoke(ctx context.Context, worktreeID, userID string) error {
	wt, err := s.worktrees.FindByID(ctx, worktreeID)
	if err != nil {
		return err
	}
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.worktrees.RemoveOwner(ctx, wt.ID, u.ID); err != nil {
		return err
	}
	if !s.cfg.Enabled || u.UnixUsername == "" {
		return nil
	}
	return s.unix.RemoveUserFromWorktreeGroup(ctx, wt, u.UnixUsername)
}

// SyncAll reconciles every user and worktree from stored truth. The
// daemon runs it on startup so restarts converge the host.
func (s *Service) SyncAll(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	users, err := s.users.FindAll(ctx)
	if err != nil {
		return err
	}
	worktrees, err := s.worktrees.FindAll(ctx)
	if err != nil {
		return err
	}
	wtIDs := make([]string, 0, len(worktrees))
	for _, wt := range worktrees {
		wtIDs = append(wtIDs, wt.ID)
	}
	owners, err := s.worktrees.BulkLoadOwners(ctx, wtIDs)
	if err != nil {
		return err
	}
	s.logger.Info("Reconciling unix environment",
		zap.Int("users", len(users)), zap.Int("worktrees", len(worktrees)))
	return s.unix.SyncAll(ctx, users, worktrees, owners)
}

func (s *Service) syncOne(ctx context.Context, wt *store.Worktree) error {
	if !s.cfg.Enabled {
		return nil
	}
	ownerIDs, err := s.worktrees.GetOwners(ctx, wt.ID)
	if err != nil {
		return err
	}
	usernames := make([]string, 0, len(ownerIDs))
	for _, userID := range ownerIDs {
		u, err := s.users.FindByID(ctx, userID)
		if err != nil {
			s.logger.Warn("Skipping unknown owner",
				zap.String("worktree_id", wt.ID), zap.String("user_id", userID))
			continue
		}
		if u.UnixUsername != "" {
			usernames = append(usernames, u.UnixUsername)
		}
	}
	return s.unix.SyncWorktree(ctx, wt, usernames)
}
