package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agor-dev/agor/internal/common/ids"
)

// Memory is an in-memory Store. It backs tests and single-shot CLI use;
// the sqlite store is the daemon default. Safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	clock Clock

	users     map[string]*User
	uidLedger []int

	repos     map[string]*Repo
	worktrees map[string]*Worktree
	owners    map[string]map[string]bool // worktree id -> owner user ids

	sessions map[string]*Session
	tasks    map[string]*Task
	messages map[string][]*Message // session id -> messages ordered by index
	msgByID  map[string]*Message

	mcpServers map[string]*MCPServer
	permReqs   map[string]*PermissionRequest
}

// NewMemory creates an empty in-memory store.
func NewMemory(clock Clock) *Memory {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Memory{
		clock:      clock,
		users:      make(map[string]*User),
		repos:      make(map[string]*Repo),
		worktrees:  make(map[string]*Worktree),
		owners:     make(map[string]map[string]bool),
		sessions:   make(map[string]*Session),
		tasks:      make(map[string]*Task),
		messages:   make(map[string][]*Message),
		msgByID:    make(map[string]*Message),
		mcpServers: make(map[string]*MCPServer),
		permReqs:   make(map[string]*PermissionRequest),
	}
}

func (m *Memory) Users() UserRepository                           { return &memUsers{m} }
func (m *Memory) Repos() RepoRepository                           { return &memRepos{m} }
func (m *Memory) Worktrees() WorktreeRepository                   { return &memWorktrees{m} }
func (m *Memory) Sessions() SessionRepository                     { return &memSessions{m} }
func (m *Memory) Tasks() TaskRepository                           { return &memTasks{m} }
func (m *Memory) Messages() MessageRepository                     { return &memMessages{m} }
func (m *Memory) MCPServers() MCPServerRepository                 { return &memMCPServers{m} }
func (m *Memory) PermissionRequests() PermissionRequestRepository { return &memPermReqs{m} }

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// resolveID resolves a full id or short prefix against known ids.
// Caller must hold at least a read lock.
func resolveID[T any](kind, idOrPrefix string, byID map[string]T) (string, error) {
	if _, ok := byID[idOrPrefix]; ok {
		return idOrPrefix, nil
	}
	var matches []string
	for id := range byID {
		if ids.MatchesPrefix(id, idOrPrefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", &NotFoundError{Kind: kind, ID: idOrPrefix}
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousIDError{Kind: kind, Prefix: idOrPrefix, Matches: matches}
	}
}

// ---- users ----

type memUsers struct{ m *Memory }

func (r *memUsers) Create(_ context.Context, u *User) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.clock.Now()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	r.m.users[u.ID] = clone(u)
	return nil
}

func (r *memUsers) FindByID(_ context.Context, id string) (*User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("user", id, r.m.users)
	if err != nil {
		return nil, err
	}
	return clone(r.m.users[full]), nil
}

func (r *memUsers) FindAll(_ context.Context) ([]*User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*User, 0, len(r.m.users))
	for _, u := range r.m.users {
		out = append(out, clone(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memUsers) Update(_ context.Context, id string, patch map[string]any) (*User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("user", id, r.m.users)
	if err != nil {
		return nil, err
	}
	u := clone(r.m.users[full])
	if err := ApplyPatch(u, patch); err != nil {
		return nil, err
	}
	u.UpdatedAt = r.m.clock.Now()
	r.m.users[full] = u
	return clone(u), nil
}

func (r *memUsers) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("user", id, r.m.users)
	if err != nil {
		return err
	}
	// The uid ledger is append-only: deletion does not free the uid.
	delete(r.m.users, full)
	return nil
}

func (r *memUsers) AllocateUnixIdentity(_ context.Context, userID, username string, rangeStart, rangeEnd int) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("user", userID, r.m.users)
	if err != nil {
		return 0, err
	}

	used := make(map[int]bool, len(r.m.uidLedger))
	for _, uid := range r.m.uidLedger {
		used[uid] = true
	}

	uid := -1
	for candidate := rangeStart; candidate <= rangeEnd; candidate++ {
		if !used[candidate] {
			uid = candidate
			break
		}
	}
	if uid < 0 {
		return 0, ErrNoUIDAvailable
	}

	r.m.uidLedger = append(r.m.uidLedger, uid)
	u := r.m.users[full]
	u.UnixUsername = username
	u.UnixUID = &uid
	u.UpdatedAt = r.m.clock.Now()
	return uid, nil
}

func (r *memUsers) RecordUnixIdentity(_ context.Context, userID, username string, uid int) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("user", userID, r.m.users)
	if err != nil {
		return err
	}
	r.m.uidLedger = append(r.m.uidLedger, uid)
	u := r.m.users[full]
	u.UnixUsername = username
	u.UnixUID = &uid
	u.UpdatedAt = r.m.clock.Now()
	return nil
}

func (r *memUsers) AllocatedUIDs(_ context.Context) ([]int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]int, len(r.m.uidLedger))
	copy(out, r.m.uidLedger)
	return out, nil
}

// ---- repos ----

type memRepos struct{ m *Memory }

func (r *memRepos) Create(_ context.Context, rp *Repo) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.clock.Now()
	if rp.ID == "" {
		rp.ID = ids.New()
	}
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = now
	}
	rp.UpdatedAt = now
	r.m.repos[rp.ID] = clone(rp)
	return nil
}

func (r *memRepos) FindByID(_ context.Context, id string) (*Repo, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("repo", id, r.m.repos)
	if err != nil {
		return nil, err
	}
	return clone(r.m.repos[full]), nil
}

func (r *memRepos) FindAll(_ context.Context) ([]*Repo, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*Repo, 0, len(r.m.repos))
	for _, rp := range r.m.repos {
		out = append(out, clone(rp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepos) Update(_ context.Context, id string, patch map[string]any) (*Repo, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("repo", id, r.m.repos)
	if err != nil {
		return nil, err
	}
	rp := clone(r.m.repos[full])
	if err := ApplyPatch(rp, patch); err != nil {
		return nil, err
	}
	rp.UpdatedAt = r.m.clock.Now()
	r.m.repos[full] = rp
	return clone(rp), nil
}

func (r *memRepos) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("repo", id, r.m.repos)
	if err != nil {
		return err
	}
	delete(r.m.repos, full)
	return nil
}

// ---- worktrees ----

type memWorktrees struct{ m *Memory }

func (r *memWorktrees) Create(_ context.Context, w *Worktree) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.clock.Now()
	if w.ID == "" {
		w.ID = ids.New()
	}
	if w.WorktreeUniqueID == 0 {
		next := 1
		for _, other := range r.m.worktrees {
			if other.RepoID == w.RepoID && other.WorktreeUniqueID >= next {
				next = other.WorktreeUniqueID + 1
			}
		}
		w.WorktreeUniqueID = next
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	r.m.worktrees[w.ID] = clone(w)
	return nil
}

func (r *memWorktrees) FindByID(_ context.Context, id string) (*Worktree, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("worktree", id, r.m.worktrees)
	if err != nil {
		return nil, err
	}
	return clone(r.m.worktrees[full]), nil
}

func (r *memWorktrees) FindAll(_ context.Context) ([]*Worktree, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*Worktree, 0, len(r.m.worktrees))
	for _, w := range r.m.worktrees {
		out = append(out, clone(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memWorktrees) FindByRepo(_ context.Context, repoID string) ([]*Worktree, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Worktree
	for _, w := range r.m.worktrees {
		if w.RepoID == repoID {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memWorktrees) Update(_ context.Context, id string, patch map[string]any) (*Worktree, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("worktree", id, r.m.worktrees)
	if err != nil {
		return nil, err
	}
	w := clone(r.m.worktrees[full])
	if err := ApplyPatch(w, patch); err != nil {
		return nil, err
	}
	w.UpdatedAt = r.m.clock.Now()
	r.m.worktrees[full] = w
	return clone(w), nil
}

func (r *memWorktrees) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("worktree", id, r.m.worktrees)
	if err != nil {
		return err
	}
	delete(r.m.worktrees, full)
	delete(r.m.owners, full)
	return nil
}

func (r *memWorktrees) AddOwner(_ context.Context, worktreeID, userID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("worktree", worktreeID, r.m.worktrees)
	if err != nil {
		return err
	}
	if r.m.owners[full] == nil {
		r.m.owners[full] = make(map[string]bool)
	}
	r.m.owners[full][userID] = true
	return nil
}

func (r *memWorktrees) RemoveOwner(_ context.Context, worktreeID, userID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("worktree", worktreeID, r.m.worktrees)
	if err != nil {
		return err
	}
	delete(r.m.owners[full], userID)
	return nil
}

func (r *memWorktrees) GetOwners(_ context.Context, worktreeID string) ([]string, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("worktree", worktreeID, r.m.worktrees)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(r.m.owners[full]))
	for id := range r.m.owners[full] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *memWorktrees) IsOwner(_ context.Context, worktreeID, userID string) (bool, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("worktree", worktreeID, r.m.worktrees)
	if err != nil {
		return false, err
	}
	return r.m.owners[full][userID], nil
}

func (r *memWorktrees) BulkLoadOwners(_ context.Context, worktreeIDs []string) (map[string][]string, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make(map[string][]string, len(worktreeIDs))
	for _, id := range worktreeIDs {
		owners := make([]string, 0, len(r.m.owners[id]))
		for uid := range r.m.owners[id] {
			owners = append(owners, uid)
		}
		sort.Strings(owners)
		out[id] = owners
	}
	return out, nil
}

func (r *memWorktrees) FindAccessibleWorktrees(_ context.Context, userID string) ([]*Worktree, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Worktree
	for id, w := range r.m.worktrees {
		if r.m.owners[id][userID] || (w.OthersCan != "" && w.OthersCan != OthersCanNone) {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- sessions ----

type memSessions struct{ m *Memory }

func (r *memSessions) Create(_ context.Context, s *Session) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.clock.Now()
	if s.ID == "" {
		s.ID = ids.New()
	}
	if s.Status == "" {
		s.Status = SessionIdle
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.m.sessions[s.ID] = clone(s)
	return nil
}

func (r *memSessions) FindByID(_ context.Context, id string) (*Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("session", id, r.m.sessions)
	if err != nil {
		return nil, err
	}
	return clone(r.m.sessions[full]), nil
}

func (r *memSessions) FindAll(_ context.Context) ([]*Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*Session, 0, len(r.m.sessions))
	for _, s := range r.m.sessions {
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memSessions) FindByStatus(_ context.Context, status SessionStatus) ([]*Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Session
	for _, s := range r.m.sessions {
		if s.Status == status {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memSessions) FindByWorktree(_ context.Context, worktreeID string) ([]*Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Session
	for _, s := range r.m.sessions {
		if s.WorktreeID == worktreeID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memSessions) FindByMCPToken(_ context.Context, token string) (*Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if token == "" {
		return nil, &NotFoundError{Kind: "session", ID: ""}
	}
	for _, s := range r.m.sessions {
		if s.MCPToken == token {
			return clone(s), nil
		}
	}
	return nil, &NotFoundError{Kind: "session", ID: token}
}

func (r *memSessions) FindChildren(_ context.Context, id string) ([]*Session, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("session", id, r.m.sessions)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, s := range r.m.sessions {
		g := s.Genealogy
		if g == nil {
			continue
		}
		if g.ParentSessionID == full || g.ForkedFromSessionID == full {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memSessions) Update(_ context.Context, id string, patch map[string]any) (*Session, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("session", id, r.m.sessions)
	if err != nil {
		return nil, err
	}
	s := clone(r.m.sessions[full])
	if err := ApplyPatch(s, patch); err != nil {
		return nil, err
	}
	s.UpdatedAt = r.m.clock.Now()
	r.m.sessions[full] = s
	return clone(s), nil
}

func (r *memSessions) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("session", id, r.m.sessions)
	if err != nil {
		return err
	}
	delete(r.m.sessions, full)
	// Cascade: a session exclusively owns its tasks, messages and
	// permission requests.
	for tid, t := range r.m.tasks {
		if t.SessionID == full {
			delete(r.m.tasks, tid)
		}
	}
	for _, msg := range r.m.messages[full] {
		delete(r.m.msgByID, msg.ID)
	}
	delete(r.m.messages, full)
	for pid, p := range r.m.permReqs {
		if p.SessionID == full {
			delete(r.m.permReqs, pid)
		}
	}
	return nil
}

// ---- tasks ----

type memTasks struct{ m *Memory }

func (r *memTasks) Create(_ context.Context, t *Task) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.clock.Now()
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	r.m.tasks[t.ID] = clone(t)
	if s, ok := r.m.sessions[t.SessionID]; ok {
		s.TaskIDs = append(s.TaskIDs, t.ID)
	}
	return nil
}

func (r *memTasks) FindByID(_ context.Context, id string) (*Task, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("task", id, r.m.tasks)
	if err != nil {
		return nil, err
	}
	return clone(r.m.tasks[full]), nil
}

func (r *memTasks) FindBySession(_ context.Context, sessionID string) ([]*Task, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Task
	for _, t := range r.m.tasks {
		if t.SessionID == sessionID {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memTasks) Update(_ context.Context, id string, patch map[string]any) (*Task, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("task", id, r.m.tasks)
	if err != nil {
		return nil, err
	}
	t := clone(r.m.tasks[full])
	if err := ApplyPatch(t, patch); err != nil {
		return nil, err
	}
	t.UpdatedAt = r.m.clock.Now()
	r.m.tasks[full] = t
	return clone(t), nil
}

func (r *memTasks) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("task", id, r.m.tasks)
	if err != nil {
		return err
	}
	delete(r.m.tasks, full)
	return nil
}

// ---- messages ----

type memMessages struct{ m *Memory }

func (r *memMessages) Append(_ context.Context, msg *Message) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = ids.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.m.clock.Now()
	}
	// Index assignment and count increment happen under the store lock,
	// so concurrent appends on one session serialise.
	msg.Index = len(r.m.messages[msg.SessionID])
	stored := clone(msg)
	r.m.messages[msg.SessionID] = append(r.m.messages[msg.SessionID], stored)
	r.m.msgByID[msg.ID] = stored
	if s, ok := r.m.sessions[msg.SessionID]; ok {
		s.MessageCount = len(r.m.messages[msg.SessionID])
	}
	return nil
}

func (r *memMessages) FindByID(_ context.Context, id string) (*Message, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("message", id, r.m.msgByID)
	if err != nil {
		return nil, err
	}
	return clone(r.m.msgByID[full]), nil
}

func (r *memMessages) FindBySession(_ context.Context, sessionID string) ([]*Message, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	msgs := r.m.messages[sessionID]
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, clone(msg))
	}
	return out, nil
}

func (r *memMessages) CountBySession(_ context.Context, sessionID string) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	return len(r.m.messages[sessionID]), nil
}

func (r *memMessages) Update(_ context.Context, id string, patch map[string]any) (*Message, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("message", id, r.m.msgByID)
	if err != nil {
		return nil, err
	}
	msg := r.m.msgByID[full]
	patched := clone(msg)
	if err := ApplyPatch(patched, patch); err != nil {
		return nil, err
	}
	*msg = *patched
	return clone(msg), nil
}

func (r *memMessages) DeleteBySession(_ context.Context, sessionID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, msg := range r.m.messages[sessionID] {
		delete(r.m.msgByID, msg.ID)
	}
	delete(r.m.messages, sessionID)
	if s, ok := r.m.sessions[sessionID]; ok {
		s.MessageCount = 0
	}
	return nil
}

// ---- mcp servers ----

type memMCPServers struct{ m *Memory }

func (r *memMCPServers) Create(_ context.Context, s *MCPServer) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.clock.Now()
	if s.ID == "" {
		s.ID = ids.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.m.mcpServers[s.ID] = clone(s)
	return nil
}

func (r *memMCPServers) FindByID(_ context.Context, id string) (*MCPServer, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("mcp_server", id, r.m.mcpServers)
	if err != nil {
		return nil, err
	}
	return clone(r.m.mcpServers[full]), nil
}

func (r *memMCPServers) FindAll(_ context.Context) ([]*MCPServer, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*MCPServer, 0, len(r.m.mcpServers))
	for _, s := range r.m.mcpServers {
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memMCPServers) FindByScope(_ context.Context, scope MCPScope, scopeID string) ([]*MCPServer, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*MCPServer
	for _, s := range r.m.mcpServers {
		if s.Scope != scope {
			continue
		}
		if scope != MCPScopeGlobal && s.ScopeID != scopeID {
			continue
		}
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memMCPServers) Update(_ context.Context, id string, patch map[string]any) (*MCPServer, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("mcp_server", id, r.m.mcpServers)
	if err != nil {
		return nil, err
	}
	s := clone(r.m.mcpServers[full])
	if err := ApplyPatch(s, patch); err != nil {
		return nil, err
	}
	s.UpdatedAt = r.m.clock.Now()
	r.m.mcpServers[full] = s
	return clone(s), nil
}

func (r *memMCPServers) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("mcp_server", id, r.m.mcpServers)
	if err != nil {
		return err
	}
	delete(r.m.mcpServers, full)
	return nil
}

// ---- permission requests ----

type memPermReqs struct{ m *Memory }

func (r *memPermReqs) Create(_ context.Context, req *PermissionRequest) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if req.ID == "" {
		req.ID = ids.New()
	}
	if req.Status == "" {
		req.Status = PermissionPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.m.clock.Now()
	}
	r.m.permReqs[req.ID] = clone(req)
	return nil
}

func (r *memPermReqs) FindByID(_ context.Context, id string) (*PermissionRequest, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	full, err := resolveID("permission_request", id, r.m.permReqs)
	if err != nil {
		return nil, err
	}
	return clone(r.m.permReqs[full]), nil
}

func (r *memPermReqs) FindPendingBySession(_ context.Context, sessionID string) ([]*PermissionRequest, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*PermissionRequest
	for _, req := range r.m.permReqs {
		if req.SessionID == sessionID && req.Status == PermissionPending {
			out = append(out, clone(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memPermReqs) Update(_ context.Context, id string, patch map[string]any) (*PermissionRequest, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("permission_request", id, r.m.permReqs)
	if err != nil {
		return nil, err
	}
	req := clone(r.m.permReqs[full])
	if err := ApplyPatch(req, patch); err != nil {
		return nil, err
	}
	r.m.permReqs[full] = req
	return clone(req), nil
}

func (r *memPermReqs) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	full, err := resolveID("permission_request", id, r.m.permReqs)
	if err != nil {
		return err
	}
	delete(r.m.permReqs, full)
	return nil
}
