package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/agent"
	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/identity"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/unixenv"
)

// UnixCredentials resolves agent subprocess credentials from the
// session owner's unix identity: uid from the identity store, primary
// gid from the agor group, and the worktree group as a supplementary
// group so the agent can write the shared checkout.
type UnixCredentials struct {
	identity *identity.Store
	unix     *unixenv.Controller
	cfg      config.UnixConfig
	logger   *logger.Logger
}

// NewUnixCredentials creates a resolver.
func NewUnixCredentials(id *identity.Store, ctrl *unixenv.Controller, cfg config.UnixConfig, log *logger.Logger) *UnixCredentials {
	return &UnixCredentials{
		identity: id,
		unix:     ctrl,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "unix-credentials")),
	}
}

// Resolve provisions the owner's unix identity and returns the
// credential the subprocess should run with. Returns nil when unix
// isolation is disabled.
func (u *UnixCredentials) Resolve(ctx context.Context, userID string, wt *store.Worktree) (*agent.Credential, error) {
	if !u.cfg.Enabled {
		return nil, nil
	}

	id, err := u.identity.Provision(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("provision unix identity: %w", err)
	}

	gid, err := u.unix.GroupGID(ctx, u.cfg.AgorGroup)
	if err != nil {
		return nil, fmt.Errorf("resolve agor group: %w", err)
	}

	cred := &agent.Credential{
		UID: uint32(id.UID),
		GID: uint32(gid),
	}

	if wt != nil && wt.UnixGroup != "" {
		wtGID, err := u.unix.GroupGID(ctx, wt.UnixGroup)
		if err != nil {
			// The worktree group may not exist yet on this host; run
			// without it rather than blocking the prompt.
			u.logger.Warn("Worktree group missing",
				zap.String("group", wt.UnixGroup), zap.Error(err))
		} else {
			cred.Groups = append(cred.Groups, uint32(wtGID))
		}
	}
	return cred, nil
}
