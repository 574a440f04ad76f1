// Package identity maps Agor users to stable unix identities. Stable
// UIDs keep file ownership correct across shared mounts where host
// machines come and go.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
	"github.com/agor-dev/agor/internal/unixenv"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// Identity is a user's unix identity.
type Identity struct {
	Username string
	UID      int
}

// Store assigns and looks up unix identities. UIDs are allocated from
// the configured range, lowest-unused first, and never reused: a
// deleted user's uid stays burned forever.
type Store struct {
	users  store.UserRepository
	ctrl   *unixenv.Controller
	cfg    config.UnixConfig
	logger *logger.Logger

	// mu serialises Ensure so two concurrent calls for the same user
	// cannot both allocate.
	mu sync.Mutex
}

// NewStore creates an identity store.
func NewStore(users store.UserRepository, ctrl *unixenv.Controller, cfg config.UnixConfig, log *logger.Logger) *Store {
	return &Store{
		users:  users,
		ctrl:   ctrl,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "identity")),
	}
}

// UsernameFor synthesises the deterministic username for a user id.
func UsernameFor(userID string) string {
	return "agor-" + ids.Short(userID)
}

// ValidateUsername checks the unix username format.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("invalid unix username %q", username)
	}
	return nil
}

// Ensure returns the user's unix identity, assigning one if needed.
//
// A user without a username gets one synthesised from their id and the
// lowest unused uid in the range. A user whose username predates the
// daemon (exists on the OS but has no recorded uid) gets the OS uid
// recorded. Returns store.ErrNoUIDAvailable when the range is full.
func (s *Store) Ensure(ctx context.Context, userID string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return Identity{}, err
	}

	if u.UnixUsername != "" && u.UnixUID != nil {
		return Identity{Username: u.UnixUsername, UID: *u.UnixUID}, nil
	}

	if u.UnixUsername != "" {
		// Username known, uid not recorded: the account predates us.
		if err := ValidateUsername(u.UnixUsername); err != nil {
			return Identity{}, err
		}
		uid, err := s.ctrl.LookupUID(ctx, u.UnixUsername)
		if err != nil {
			return Identity{}, fmt.Errorf("recover uid for %s: %w", u.UnixUsername, err)
		}
		if err := s.users.RecordUnixIdentity(ctx, u.ID, u.UnixUsername, uid); err != nil {
			return Identity{}, err
		}
		s.logger.Info("Recovered unix identity from OS",
			zap.String("user_id", u.ID),
			zap.String("username", u.UnixUsername),
			zap.Int("uid", uid))
		return Identity{Username: u.UnixUsername, UID: uid}, nil
	}

	username := UsernameFor(u.ID)
	if err := ValidateUsername(username); err != nil {
		return Identity{}, err
	}
	uid, err := s.users.AllocateUnixIdentity(ctx, u.ID, username, s.cfg.UIDRangeStart, s.cfg.UIDRangeEnd)
	if err != nil {
		return Identity{}, err
	}
	s.logger.Info("Assigned unix identity",
		zap.String("user_id", u.ID),
		zap.String("username", username),
		zap.Int("uid", uid))
	return Identity{Username: username, UID: uid}, nil
}

// Lookup returns the user's unix identity without assigning one.
// The bool reports whether an identity exists.
func (s *Store) Lookup(ctx context.Context, userID string) (Identity, bool, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return Identity{}, false, err
	}
	if u.UnixUsername == "" || u.UnixUID == nil {
		return Identity{}, false, nil
	}
	return Identity{Username: u.UnixUsername, UID: *u.UnixUID}, true, nil
}

// Provision makes sure the user's unix identity exists on the host:
// agor group, account, home skeleton. No-op when unix isolation is off.
func (s *Store) Provision(ctx context.Context, userID string) (Identity, error) {
	id, err := s.Ensure(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	if !s.cfg.Enabled {
		return id, nil
	}
	if err := s.ctrl.EnsureAgorGroup(ctx); err != nil {
		return Identity{}, err
	}
	if err := s.ctrl.EnsureUser(ctx, id.Username, id.UID); err != nil {
		return Identity{}, err
	}
	return id, nil
}
