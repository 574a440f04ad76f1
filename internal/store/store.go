package store

import (
	"context"
	"errors"
	"time"
)

// ErrNoUIDAvailable is returned when the configured UID range is exhausted.
var ErrNoUIDAvailable = errors.New("no_uid_available: unix uid range exhausted")

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// UserRepository persists users and the append-only unix identity ledger.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	// FindByID accepts a full id or a short prefix. A prefix matching
	// multiple users yields an AmbiguousIDError.
	FindByID(ctx context.Context, id string) (*User, error)
	FindAll(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, id string, patch map[string]any) (*User, error)
	Delete(ctx context.Context, id string) error

	// AllocateUnixIdentity atomically assigns the lowest unused UID in
	// [rangeStart, rangeEnd] to the user, records it in the append-only
	// allocation ledger, and persists username+uid on the user record.
	// Returns ErrNoUIDAvailable when the range is exhausted. UIDs of
	// deleted users are never freed.
	AllocateUnixIdentity(ctx context.Context, userID, username string, rangeStart, rangeEnd int) (int, error)

	// RecordUnixIdentity persists a username+uid pair discovered from
	// the OS (user existed before the daemon tracked it) and appends
	// the uid to the ledger.
	RecordUnixIdentity(ctx context.Context, userID, username string, uid int) error

	// AllocatedUIDs returns every uid ever allocated, including those
	// of deleted users.
	AllocatedUIDs(ctx context.Context) ([]int, error)
}

// RepoRepository persists git repositories.
type RepoRepository interface {
	Create(ctx context.Context, r *Repo) error
	FindByID(ctx context.Context, id string) (*Repo, error)
	FindAll(ctx context.Context) ([]*Repo, error)
	Update(ctx context.Context, id string, patch map[string]any) (*Repo, error)
	Delete(ctx context.Context, id string) error
}

// WorktreeRepository persists worktrees and their owner links.
type WorktreeRepository interface {
	Create(ctx context.Context, w *Worktree) error
	FindByID(ctx context.Context, id string) (*Worktree, error)
	FindAll(ctx context.Context) ([]*Worktree, error)
	FindByRepo(ctx context.Context, repoID string) ([]*Worktree, error)
	Update(ctx context.Context, id string, patch map[string]any) (*Worktree, error)
	Delete(ctx context.Context, id string) error

	AddOwner(ctx context.Context, worktreeID, userID string) error
	RemoveOwner(ctx context.Context, worktreeID, userID string) error
	GetOwners(ctx context.Context, worktreeID string) ([]string, error)
	IsOwner(ctx context.Context, worktreeID, userID string) (bool, error)
	// BulkLoadOwners returns worktreeID -> owner user ids for the given worktrees.
	BulkLoadOwners(ctx context.Context, worktreeIDs []string) (map[string][]string, error)
	// FindAccessibleWorktrees returns worktrees the user owns plus those
	// whose others_can grants at least view.
	FindAccessibleWorktrees(ctx context.Context, userID string) ([]*Worktree, error)
}

// SessionRepository persists sessions. Deleting a session cascades to
// its tasks, messages and permission requests.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	FindAll(ctx context.Context) ([]*Session, error)
	FindByStatus(ctx context.Context, status SessionStatus) ([]*Session, error)
	FindByWorktree(ctx context.Context, worktreeID string) ([]*Session, error)
	// FindChildren returns sessions whose genealogy points at id via
	// either the parent or the fork link.
	FindChildren(ctx context.Context, id string) ([]*Session, error)
	// FindByMCPToken resolves the session owning a self-access token.
	FindByMCPToken(ctx context.Context, token string) (*Session, error)
	Update(ctx context.Context, id string, patch map[string]any) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// TaskRepository persists tasks.
type TaskRepository interface {
	Create(ctx context.Context, t *Task) error
	FindByID(ctx context.Context, id string) (*Task, error)
	FindBySession(ctx context.Context, sessionID string) ([]*Task, error)
	Update(ctx context.Context, id string, patch map[string]any) (*Task, error)
	Delete(ctx context.Context, id string) error
}

// MessageRepository persists conversation messages. Append assigns the
// per-session index inside a critical section so indices are gap-free
// and strictly increasing even under concurrent writers.
type MessageRepository interface {
	// Append assigns msg.Index = current session message count, persists
	// the message, and increments the session's message_count, all
	// atomically with respect to other appends on the same session.
	Append(ctx context.Context, msg *Message) error
	FindByID(ctx context.Context, id string) (*Message, error)
	FindBySession(ctx context.Context, sessionID string) ([]*Message, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
	// Update patches a message's content (permission status transitions).
	Update(ctx context.Context, id string, patch map[string]any) (*Message, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// MCPServerRepository persists scoped MCP server definitions.
type MCPServerRepository interface {
	Create(ctx context.Context, s *MCPServer) error
	FindByID(ctx context.Context, id string) (*MCPServer, error)
	FindAll(ctx context.Context) ([]*MCPServer, error)
	// FindByScope returns enabled and disabled servers for the scope;
	// scopeID is ignored for the global scope.
	FindByScope(ctx context.Context, scope MCPScope, scopeID string) ([]*MCPServer, error)
	Update(ctx context.Context, id string, patch map[string]any) (*MCPServer, error)
	Delete(ctx context.Context, id string) error
}

// PermissionRequestRepository persists permission requests.
type PermissionRequestRepository interface {
	Create(ctx context.Context, r *PermissionRequest) error
	FindByID(ctx context.Context, id string) (*PermissionRequest, error)
	FindPendingBySession(ctx context.Context, sessionID string) ([]*PermissionRequest, error)
	Update(ctx context.Context, id string, patch map[string]any) (*PermissionRequest, error)
	Delete(ctx context.Context, id string) error
}

// Store bundles every repository behind one seam.
type Store interface {
	Users() UserRepository
	Repos() RepoRepository
	Worktrees() WorktreeRepository
	Sessions() SessionRepository
	Tasks() TaskRepository
	Messages() MessageRepository
	MCPServers() MCPServerRepository
	PermissionRequests() PermissionRequestRepository
	Close() error
}
