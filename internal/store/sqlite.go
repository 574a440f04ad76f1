package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agor-dev/agor/internal/common/ids"
)

// SQLite implements Store on a single sqlite database file.
// Nested entity structures (configs, genealogy, auth) are stored as JSON
// text columns; queryable fields get their own columns and indexes.
type SQLite struct {
	db    *sqlx.DB
	clock Clock
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists. Foreign keys are enabled so session deletion
// cascades to tasks, messages and permission requests.
func OpenSQLite(path string, clock Clock) (*SQLite, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serialises writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent sessions.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, clock: clock}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		unix_username TEXT DEFAULT '',
		unix_uid INTEGER,
		api_keys TEXT DEFAULT '{}',
		env_vars TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_unix_uid ON users(unix_uid) WHERE unix_uid IS NOT NULL;

	CREATE TABLE IF NOT EXISTS unix_uid_allocations (
		uid INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		allocated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repos (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		remote_url TEXT DEFAULT '',
		local_path TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		worktree_unique_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		ref TEXT DEFAULT '',
		ref_type TEXT DEFAULT 'branch',
		path TEXT DEFAULT '',
		archived INTEGER DEFAULT 0,
		others_can TEXT DEFAULT 'none',
		others_fs_access TEXT DEFAULT 'none',
		unix_group TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (repo_id) REFERENCES repos(id)
	);
	CREATE INDEX IF NOT EXISTS idx_worktrees_repo_id ON worktrees(repo_id);

	CREATE TABLE IF NOT EXISTS worktree_owners (
		worktree_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (worktree_id, user_id),
		FOREIGN KEY (worktree_id) REFERENCES worktrees(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		worktree_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		agentic_tool TEXT NOT NULL DEFAULT 'claude-code',
		status TEXT NOT NULL DEFAULT 'idle',
		permission_config TEXT,
		model_config TEXT,
		agentic_config TEXT,
		mcp_token TEXT DEFAULT '',
		sdk_session_id TEXT DEFAULT '',
		sdk_session_at TIMESTAMP,
		genealogy TEXT,
		message_count INTEGER DEFAULT 0,
		tool_use_count INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (worktree_id) REFERENCES worktrees(id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_worktree_id ON sessions(worktree_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		full_prompt TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		message_range TEXT,
		git_state TEXT,
		model TEXT DEFAULT '',
		tool_use_count INTEGER DEFAULT 0,
		report TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		idx INTEGER NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (session_id, idx),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);

	CREATE TABLE IF NOT EXISTS mcp_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		scope TEXT NOT NULL,
		scope_id TEXT DEFAULT '',
		transport TEXT NOT NULL,
		command TEXT DEFAULT '',
		args TEXT DEFAULT '[]',
		url TEXT DEFAULT '',
		auth TEXT,
		env TEXT DEFAULT '{}',
		enabled INTEGER DEFAULT 1,
		discovery TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (scope, scope_id, name)
	);

	CREATE TABLE IF NOT EXISTS permission_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		tool_name TEXT NOT NULL,
		tool_input TEXT,
		tool_use_id TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		scope TEXT DEFAULT '',
		remember INTEGER DEFAULT 0,
		decided_by TEXT DEFAULT '',
		decided_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_permission_requests_session ON permission_requests(session_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Users() UserRepository                           { return &sqlUsers{s} }
func (s *SQLite) Repos() RepoRepository                           { return &sqlRepos{s} }
func (s *SQLite) Worktrees() WorktreeRepository                   { return &sqlWorktrees{s} }
func (s *SQLite) Sessions() SessionRepository                     { return &sqlSessions{s} }
func (s *SQLite) Tasks() TaskRepository                           { return &sqlTasks{s} }
func (s *SQLite) Messages() MessageRepository                     { return &sqlMessages{s} }
func (s *SQLite) MCPServers() MCPServerRepository                 { return &sqlMCPServers{s} }
func (s *SQLite) PermissionRequests() PermissionRequestRepository { return &sqlPermReqs{s} }

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// resolveSQLID resolves a full id or short prefix against table's id column.
func (s *SQLite) resolveSQLID(ctx context.Context, q sqlx.QueryerContext, kind, table, idOrPrefix string) (string, error) {
	var exact string
	err := sqlx.GetContext(ctx, q, &exact,
		"SELECT id FROM "+table+" WHERE id = ?", idOrPrefix)
	if err == nil {
		return exact, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	var matches []string
	err = sqlx.SelectContext(ctx, q, &matches,
		"SELECT id FROM "+table+" WHERE replace(id,'-','') LIKE ? ORDER BY id",
		ids.Normalize(idOrPrefix)+"%")
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", &NotFoundError{Kind: kind, ID: idOrPrefix}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousIDError{Kind: kind, Prefix: idOrPrefix, Matches: matches}
	}
}

// marshalJSON encodes v for a JSON text column; nil pointers become NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalJSON(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), v)
}

// ---- users ----

type userRow struct {
	ID           string         `db:"id"`
	Email        string         `db:"email"`
	Role         string         `db:"role"`
	UnixUsername string         `db:"unix_username"`
	UnixUID      sql.NullInt64  `db:"unix_uid"`
	APIKeys      sql.NullString `db:"api_keys"`
	EnvVars      sql.NullString `db:"env_vars"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *userRow) toModel() (*User, error) {
	u := &User{
		ID:           r.ID,
		Email:        r.Email,
		Role:         Role(r.Role),
		UnixUsername: r.UnixUsername,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.UnixUID.Valid {
		uid := int(r.UnixUID.Int64)
		u.UnixUID = &uid
	}
	if err := unmarshalJSON(r.APIKeys, &u.APIKeys); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.EnvVars, &u.EnvVars); err != nil {
		return nil, err
	}
	return u, nil
}

type sqlUsers struct{ s *SQLite }

func (r *sqlUsers) Create(ctx context.Context, u *User) error {
	now := r.s.clock.Now()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Role == "" {
		u.Role = RoleMember
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	apiKeys, err := marshalJSON(u.APIKeys)
	if err != nil {
		return err
	}
	envVars, err := marshalJSON(u.EnvVars)
	if err != nil {
		return err
	}

	var uid any
	if u.UnixUID != nil {
		uid = *u.UnixUID
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, role, unix_username, unix_uid, api_keys, env_vars, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, string(u.Role), u.UnixUsername, uid, apiKeys, envVars, u.CreatedAt, u.UpdatedAt)
	return err
}

func (r *sqlUsers) get(ctx context.Context, q sqlx.QueryerContext, id string) (*User, error) {
	full, err := r.s.resolveSQLID(ctx, q, "user", "users", id)
	if err != nil {
		return nil, err
	}
	var row userRow
	if err := sqlx.GetContext(ctx, q, &row, "SELECT * FROM users WHERE id = ?", full); err != nil {
		return nil, err
	}
	return row.toModel()
}

func (r *sqlUsers) FindByID(ctx context.Context, id string) (*User, error) {
	return r.get(ctx, r.s.db, id)
}

func (r *sqlUsers) FindAll(ctx context.Context) ([]*User, error) {
	var rows []userRow
	if err := r.s.db.SelectContext(ctx, &rows, "SELECT * FROM users ORDER BY id"); err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(rows))
	for i := range rows {
		u, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *sqlUsers) save(ctx context.Context, e sqlx.ExecerContext, u *User) error {
	apiKeys, err := marshalJSON(u.APIKeys)
	if err != nil {
		return err
	}
	envVars, err := marshalJSON(u.EnvVars)
	if err != nil {
		return err
	}
	var uid any
	if u.UnixUID != nil {
		uid = *u.UnixUID
	}
	_, err = e.ExecContext(ctx, `
		UPDATE users SET email = ?, role = ?, unix_username = ?, unix_uid = ?,
			api_keys = ?, env_vars = ?, updated_at = ?
		WHERE id = ?`,
		u.Email, string(u.Role), u.UnixUsername, uid, apiKeys, envVars, u.UpdatedAt, u.ID)
	return err
}

func (r *sqlUsers) Update(ctx context.Context, id string, patch map[string]any) (*User, error) {
	u, err := r.get(ctx, r.s.db, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPatch(u, patch); err != nil {
		return nil, err
	}
	u.UpdatedAt = r.s.clock.Now()
	if err := r.save(ctx, r.s.db, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *sqlUsers) Delete(ctx context.Context, id string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "user", "users", id)
	if err != nil {
		return err
	}
	// unix_uid_allocations rows stay: the uid is never reused.
	_, err = r.s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", full)
	return err
}

func (r *sqlUsers) AllocateUnixIdentity(ctx context.Context, userID, username string, rangeStart, rangeEnd int) (int, error) {
	tx, err := r.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	u, err := r.get(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	var used []int
	if err := tx.SelectContext(ctx, &used, "SELECT uid FROM unix_uid_allocations ORDER BY uid"); err != nil {
		return 0, err
	}
	usedSet := make(map[int]bool, len(used))
	for _, uid := range used {
		usedSet[uid] = true
	}

	uid := -1
	for candidate := rangeStart; candidate <= rangeEnd; candidate++ {
		if !usedSet[candidate] {
			uid = candidate
			break
		}
	}
	if uid < 0 {
		return 0, ErrNoUIDAvailable
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO unix_uid_allocations (uid, user_id, allocated_at) VALUES (?, ?, ?)",
		uid, u.ID, r.s.clock.Now()); err != nil {
		return 0, err
	}

	u.UnixUsername = username
	u.UnixUID = &uid
	u.UpdatedAt = r.s.clock.Now()
	if err := r.save(ctx, tx, u); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uid, nil
}

func (r *sqlUsers) RecordUnixIdentity(ctx context.Context, userID, username string, uid int) error {
	tx, err := r.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	u, err := r.get(ctx, tx, userID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO unix_uid_allocations (uid, user_id, allocated_at) VALUES (?, ?, ?)",
		uid, u.ID, r.s.clock.Now()); err != nil {
		return err
	}
	u.UnixUsername = username
	u.UnixUID = &uid
	u.UpdatedAt = r.s.clock.Now()
	if err := r.save(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqlUsers) AllocatedUIDs(ctx context.Context) ([]int, error) {
	var out []int
	err := r.s.db.SelectContext(ctx, &out, "SELECT uid FROM unix_uid_allocations ORDER BY uid")
	return out, err
}

// ---- repos ----

type sqlRepos struct{ s *SQLite }

func (r *sqlRepos) Create(ctx context.Context, rp *Repo) error {
	now := r.s.clock.Now()
	if rp.ID == "" {
		rp.ID = ids.New()
	}
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = now
	}
	rp.UpdatedAt = now
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO repos (id, slug, remote_url, local_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rp.ID, rp.Slug, rp.RemoteURL, rp.LocalPath, rp.CreatedAt, rp.UpdatedAt)
	return err
}

func (r *sqlRepos) FindByID(ctx context.Context, id string) (*Repo, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "repo", "repos", id)
	if err != nil {
		return nil, err
	}
	var rp Repo
	if err := r.s.db.GetContext(ctx, &rp, "SELECT * FROM repos WHERE id = ?", full); err != nil {
		return nil, err
	}
	return &rp, nil
}

func (r *sqlRepos) FindAll(ctx context.Context) ([]*Repo, error) {
	var out []*Repo
	err := r.s.db.SelectContext(ctx, &out, "SELECT * FROM repos ORDER BY id")
	return out, err
}

func (r *sqlRepos) Update(ctx context.Context, id string, patch map[string]any) (*Repo, error) {
	rp, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPatch(rp, patch); err != nil {
		return nil, err
	}
	rp.UpdatedAt = r.s.clock.Now()
	_, err = r.s.db.ExecContext(ctx, `
		UPDATE repos SET slug = ?, remote_url = ?, local_path = ?, updated_at = ? WHERE id = ?`,
		rp.Slug, rp.RemoteURL, rp.LocalPath, rp.UpdatedAt, rp.ID)
	if err != nil {
		return nil, err
	}
	return rp, nil
}

func (r *sqlRepos) Delete(ctx context.Context, id string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "repo", "repos", id)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, "DELETE FROM repos WHERE id = ?", full)
	return err
}

// ---- worktrees ----

type worktreeRow struct {
	ID               string    `db:"id"`
	RepoID           string    `db:"repo_id"`
	WorktreeUniqueID int       `db:"worktree_unique_id"`
	Name             string    `db:"name"`
	Ref              string    `db:"ref"`
	RefType          string    `db:"ref_type"`
	Path             string    `db:"path"`
	Archived         bool      `db:"archived"`
	OthersCan        string    `db:"others_can"`
	OthersFSAccess   string    `db:"others_fs_access"`
	UnixGroup        string    `db:"unix_group"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r *worktreeRow) toModel() *Worktree {
	return &Worktree{
		ID:               r.ID,
		RepoID:           r.RepoID,
		WorktreeUniqueID: r.WorktreeUniqueID,
		Name:             r.Name,
		Ref:              r.Ref,
		RefType:          RefType(r.RefType),
		Path:             r.Path,
		Archived:         r.Archived,
		OthersCan:        OthersCan(r.OthersCan),
		OthersFSAccess:   FSAccess(r.OthersFSAccess),
		UnixGroup:        r.UnixGroup,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type sqlWorktrees struct{ s *SQLite }

func (r *sqlWorktrees) Create(ctx context.Context, w *Worktree) error {
	tx, err := r.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := r.s.clock.Now()
	if w.ID == "" {
		w.ID = ids.New()
	}
	if w.WorktreeUniqueID == 0 {
		var max sql.NullInt64
		if err := tx.GetContext(ctx, &max,
			"SELECT MAX(worktree_unique_id) FROM worktrees WHERE repo_id = ?", w.RepoID); err != nil {
			return err
		}
		w.WorktreeUniqueID = int(max.Int64) + 1
	}
	if w.OthersCan == "" {
		w.OthersCan = OthersCanNone
	}
	if w.OthersFSAccess == "" {
		w.OthersFSAccess = FSAccessNone
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO worktrees (id, repo_id, worktree_unique_id, name, ref, ref_type, path,
			archived, others_can, others_fs_access, unix_group, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.RepoID, w.WorktreeUniqueID, w.Name, w.Ref, string(w.RefType), w.Path,
		w.Archived, string(w.OthersCan), string(w.OthersFSAccess), w.UnixGroup, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqlWorktrees) FindByID(ctx context.Context, id string) (*Worktree, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "worktree", "worktrees", id)
	if err != nil {
		return nil, err
	}
	var row worktreeRow
	if err := r.s.db.GetContext(ctx, &row, "SELECT * FROM worktrees WHERE id = ?", full); err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (r *sqlWorktrees) selectWorktrees(ctx context.Context, query string, args ...any) ([]*Worktree, error) {
	var rows []worktreeRow
	if err := r.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*Worktree, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (r *sqlWorktrees) FindAll(ctx context.Context) ([]*Worktree, error) {
	return r.selectWorktrees(ctx, "SELECT * FROM worktrees ORDER BY id")
}

func (r *sqlWorktrees) FindByRepo(ctx context.Context, repoID string) ([]*Worktree, error) {
	return r.selectWorktrees(ctx, "SELECT * FROM worktrees WHERE repo_id = ? ORDER BY id", repoID)
}

func (r *sqlWorktrees) Update(ctx context.Context, id string, patch map[string]any) (*Worktree, error) {
	w, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPatch(w, patch); err != nil {
		return nil, err
	}
	w.UpdatedAt = r.s.clock.Now()
	_, err = r.s.db.ExecContext(ctx, `
		UPDATE worktrees SET name = ?, ref = ?, ref_type = ?, path = ?, archived = ?,
			others_can = ?, others_fs_access = ?, unix_group = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, w.Ref, string(w.RefType), w.Path, w.Archived,
		string(w.OthersCan), string(w.OthersFSAccess), w.UnixGroup, w.UpdatedAt, w.ID)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *sqlWorktrees) Delete(ctx context.Context, id string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "worktree", "worktrees", id)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, "DELETE FROM worktrees WHERE id = ?", full)
	return err
}

func (r *sqlWorktrees) AddOwner(ctx context.Context, worktreeID, userID string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "worktree", "worktrees", worktreeID)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO worktree_owners (worktree_id, user_id) VALUES (?, ?)", full, userID)
	return err
}

func (r *sqlWorktrees) RemoveOwner(ctx context.Context, worktreeID, userID string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "worktree", "worktrees", worktreeID)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx,
		"DELETE FROM worktree_owners WHERE worktree_id = ? AND user_id = ?", full, userID)
	return err
}

func (r *sqlWorktrees) GetOwners(ctx context.Context, worktreeID string) ([]string, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "worktree", "worktrees", worktreeID)
	if err != nil {
		return nil, err
	}
	var out []string
	err = r.s.db.SelectContext(ctx, &out,
		"SELECT user_id FROM worktree_owners WHERE worktree_id = ? ORDER BY user_id", full)
	return out, err
}

func (r *sqlWorktrees) IsOwner(ctx context.Context, worktreeID, userID string) (bool, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "worktree", "worktrees", worktreeID)
	if err != nil {
		return false, err
	}
	var count int
	err = r.s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM worktree_owners WHERE worktree_id = ? AND user_id = ?", full, userID)
	return count > 0, err
}

func (r *sqlWorktrees) BulkLoadOwners(ctx context.Context, worktreeIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(worktreeIDs))
	if len(worktreeIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		"SELECT worktree_id, user_id FROM worktree_owners WHERE worktree_id IN (?) ORDER BY user_id", worktreeIDs)
	if err != nil {
		return nil, err
	}
	rows, err := r.s.db.QueryxContext(ctx, r.s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for _, id := range worktreeIDs {
		out[id] = []string{}
	}
	for rows.Next() {
		var wtID, userID string
		if err := rows.Scan(&wtID, &userID); err != nil {
			return nil, err
		}
		out[wtID] = append(out[wtID], userID)
	}
	return out, rows.Err()
}

func (r *sqlWorktrees) FindAccessibleWorktrees(ctx context.Context, userID string) ([]*Worktree, error) {
	return r.selectWorktrees(ctx, `
		SELECT DISTINCT w.* FROM worktrees w
		LEFT JOIN worktree_owners o ON o.worktree_id = w.id AND o.user_id = ?
		WHERE o.user_id IS NOT NULL OR w.others_can != 'none'
		ORDER BY w.id`, userID)
}

// ---- sessions ----

type sessionRow struct {
	ID               string         `db:"id"`
	WorktreeID       string         `db:"worktree_id"`
	CreatedBy        string         `db:"created_by"`
	AgenticTool      string         `db:"agentic_tool"`
	Status           string         `db:"status"`
	PermissionConfig sql.NullString `db:"permission_config"`
	ModelConfig      sql.NullString `db:"model_config"`
	AgenticConfig    sql.NullString `db:"agentic_config"`
	MCPToken         string         `db:"mcp_token"`
	SDKSessionID     string         `db:"sdk_session_id"`
	SDKSessionAt     sql.NullTime   `db:"sdk_session_at"`
	Genealogy        sql.NullString `db:"genealogy"`
	MessageCount     int            `db:"message_count"`
	ToolUseCount     int            `db:"tool_use_count"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *sessionRow) toModel(taskIDs []string) (*Session, error) {
	s := &Session{
		ID:           r.ID,
		WorktreeID:   r.WorktreeID,
		CreatedBy:    r.CreatedBy,
		AgenticTool:  AgenticTool(r.AgenticTool),
		Status:       SessionStatus(r.Status),
		MCPToken:     r.MCPToken,
		SDKSessionID: r.SDKSessionID,
		MessageCount: r.MessageCount,
		ToolUseCount: r.ToolUseCount,
		TaskIDs:      taskIDs,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.SDKSessionAt.Valid {
		t := r.SDKSessionAt.Time
		s.SDKSessionAt = &t
	}
	if err := unmarshalJSON(r.PermissionConfig, &s.PermissionConfig); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.ModelConfig, &s.ModelConfig); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.AgenticConfig, &s.AgenticConfig); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Genealogy, &s.Genealogy); err != nil {
		return nil, err
	}
	return s, nil
}

type sqlSessions struct{ s *SQLite }

func (r *sqlSessions) Create(ctx context.Context, sess *Session) error {
	now := r.s.clock.Now()
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	if sess.Status == "" {
		sess.Status = SessionIdle
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	permCfg, err := marshalJSON(sess.PermissionConfig)
	if err != nil {
		return err
	}
	modelCfg, err := marshalJSON(sess.ModelConfig)
	if err != nil {
		return err
	}
	agenticCfg, err := marshalJSON(sess.AgenticConfig)
	if err != nil {
		return err
	}
	genealogy, err := marshalJSON(sess.Genealogy)
	if err != nil {
		return err
	}
	var sdkAt any
	if sess.SDKSessionAt != nil {
		sdkAt = *sess.SDKSessionAt
	}

	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, worktree_id, created_by, agentic_tool, status,
			permission_config, model_config, agentic_config, mcp_token,
			sdk_session_id, sdk_session_at, genealogy, message_count, tool_use_count,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorktreeID, sess.CreatedBy, string(sess.AgenticTool), string(sess.Status),
		permCfg, modelCfg, agenticCfg, sess.MCPToken,
		sess.SDKSessionID, sdkAt, genealogy, sess.MessageCount, sess.ToolUseCount,
		sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (r *sqlSessions) taskIDs(ctx context.Context, sessionID string) ([]string, error) {
	var out []string
	err := r.s.db.SelectContext(ctx, &out,
		"SELECT id FROM tasks WHERE session_id = ? ORDER BY created_at, id", sessionID)
	return out, err
}

func (r *sqlSessions) FindByID(ctx context.Context, id string) (*Session, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "session", "sessions", id)
	if err != nil {
		return nil, err
	}
	var row sessionRow
	if err := r.s.db.GetContext(ctx, &row, "SELECT * FROM sessions WHERE id = ?", full); err != nil {
		return nil, err
	}
	tasks, err := r.taskIDs(ctx, full)
	if err != nil {
		return nil, err
	}
	return row.toModel(tasks)
}

func (r *sqlSessions) FindByMCPToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, &NotFoundError{Kind: "session", ID: ""}
	}
	var row sessionRow
	if err := r.s.db.GetContext(ctx, &row, "SELECT * FROM sessions WHERE mcp_token = ?", token); err != nil {
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Kind: "session", ID: token}
		}
		return nil, err
	}
	tasks, err := r.taskIDs(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	return row.toModel(tasks)
}

func (r *sqlSessions) selectSessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	var rows []sessionRow
	if err := r.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		tasks, err := r.taskIDs(ctx, rows[i].ID)
		if err != nil {
			return nil, err
		}
		s, err := rows[i].toModel(tasks)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *sqlSessions) FindAll(ctx context.Context) ([]*Session, error) {
	return r.selectSessions(ctx, "SELECT * FROM sessions ORDER BY id")
}

func (r *sqlSessions) FindByStatus(ctx context.Context, status SessionStatus) ([]*Session, error) {
	return r.selectSessions(ctx, "SELECT * FROM sessions WHERE status = ? ORDER BY id", string(status))
}

func (r *sqlSessions) FindByWorktree(ctx context.Context, worktreeID string) ([]*Session, error) {
	return r.selectSessions(ctx, "SELECT * FROM sessions WHERE worktree_id = ? ORDER BY id", worktreeID)
}

func (r *sqlSessions) FindChildren(ctx context.Context, id string) ([]*Session, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "session", "sessions", id)
	if err != nil {
		return nil, err
	}
	// Genealogy is a JSON column; match either link via json_extract.
	return r.selectSessions(ctx, `
		SELECT * FROM sessions
		WHERE json_extract(genealogy, '$.parent_session_id') = ?
		   OR json_extract(genealogy, '$.forked_from_session_id') = ?
		ORDER BY id`, full, full)
}

func (r *sqlSessions) Update(ctx context.Context, id string, patch map[string]any) (*Session, error) {
	sess, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPatch(sess, patch); err != nil {
		return nil, err
	}
	sess.UpdatedAt = r.s.clock.Now()

	permCfg, err := marshalJSON(sess.PermissionConfig)
	if err != nil {
		return nil, err
	}
	modelCfg, err := marshalJSON(sess.ModelConfig)
	if err != nil {
		return nil, err
	}
	agenticCfg, err := marshalJSON(sess.AgenticConfig)
	if err != nil {
		return nil, err
	}
	genealogy, err := marshalJSON(sess.Genealogy)
	if err != nil {
		return nil, err
	}
	var sdkAt any
	if sess.SDKSessionAt != nil {
		sdkAt = *sess.SDKSessionAt
	}

	_, err = r.s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, permission_config = ?, model_config = ?,
			agentic_config = ?, mcp_token = ?, sdk_session_id = ?, sdk_session_at = ?,
			genealogy = ?, message_count = ?, tool_use_count = ?, updated_at = ?
		WHERE id = ?`,
		string(sess.Status), permCfg, modelCfg, agenticCfg, sess.MCPToken,
		sess.SDKSessionID, sdkAt, genealogy, sess.MessageCount, sess.ToolUseCount,
		sess.UpdatedAt, sess.ID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *sqlSessions) Delete(ctx context.Context, id string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "session", "sessions", id)
	if err != nil {
		return err
	}
	// Tasks, messages and permission requests cascade via foreign keys.
	_, err = r.s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", full)
	return err
}

// ---- tasks ----

type taskRow struct {
	ID           string         `db:"id"`
	SessionID    string         `db:"session_id"`
	FullPrompt   string         `db:"full_prompt"`
	Description  string         `db:"description"`
	Status       string         `db:"status"`
	MessageRange sql.NullString `db:"message_range"`
	GitState     sql.NullString `db:"git_state"`
	Model        string         `db:"model"`
	ToolUseCount int            `db:"tool_use_count"`
	Report       string         `db:"report"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *taskRow) toModel() (*Task, error) {
	t := &Task{
		ID:           r.ID,
		SessionID:    r.SessionID,
		FullPrompt:   r.FullPrompt,
		Description:  r.Description,
		Status:       TaskStatus(r.Status),
		Model:        r.Model,
		ToolUseCount: r.ToolUseCount,
		Report:       r.Report,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if err := unmarshalJSON(r.MessageRange, &t.MessageRange); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.GitState, &t.GitState); err != nil {
		return nil, err
	}
	return t, nil
}

type sqlTasks struct{ s *SQLite }

func (r *sqlTasks) Create(ctx context.Context, t *Task) error {
	now := r.s.clock.Now()
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

	msgRange, err := marshalJSON(t.MessageRange)
	if err != nil {
		return err
	}
	gitState, err := marshalJSON(t.GitState)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, full_prompt, description, status,
			message_range, git_state, model, tool_use_count, report, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.FullPrompt, t.Description, string(t.Status),
		msgRange, gitState, t.Model, t.ToolUseCount, t.Report, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *sqlTasks) FindByID(ctx context.Context, id string) (*Task, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "task", "tasks", id)
	if err != nil {
		return nil, err
	}
	var row taskRow
	if err := r.s.db.GetContext(ctx, &row, "SELECT * FROM tasks WHERE id = ?", full); err != nil {
		return nil, err
	}
	return row.toModel()
}

func (r *sqlTasks) FindBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	var rows []taskRow
	if err := r.s.db.SelectContext(ctx, &rows,
		"SELECT * FROM tasks WHERE session_id = ? ORDER BY created_at, id", sessionID); err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *sqlTasks) Update(ctx context.Context, id string, patch map[string]any) (*Task, error) {
	t, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPatch(t, patch); err != nil {
		return nil, err
	}
	t.UpdatedAt = r.s.clock.Now()

	msgRange, err := marshalJSON(t.MessageRange)
	if err != nil {
		return nil, err
	}
	gitState, err := marshalJSON(t.GitState)
	if err != nil {
		return nil, err
	}
	_, err = r.s.db.ExecContext(ctx, `
		UPDATE tasks SET full_prompt = ?, description = ?, status = ?, message_range = ?,
			git_state = ?, model = ?, tool_use_count = ?, report = ?, updated_at = ?
		WHERE id = ?`,
		t.FullPrompt, t.Description, string(t.Status), msgRange,
		gitState, t.Model, t.ToolUseCount, t.Report, t.UpdatedAt, t.ID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *sqlTasks) Delete(ctx context.Context, id string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "task", "tasks", id)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", full)
	return err
}

// ---- messages ----

type messageRow struct {
	ID        string         `db:"id"`
	SessionID string         `db:"session_id"`
	TaskID    string         `db:"task_id"`
	Index     int            `db:"idx"`
	Role      string         `db:"role"`
	Type      string         `db:"type"`
	Content   sql.NullString `db:"content"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *messageRow) toModel() (*Message, error) {
	m := &Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		TaskID:    r.TaskID,
		Index:     r.Index,
		Role:      MessageRole(r.Role),
		Type:      MessageType(r.Type),
		CreatedAt: r.CreatedAt,
	}
	if err := unmarshalJSON(r.Content, &m.Content); err != nil {
		return nil, err
	}
	return m, nil
}

type sqlMessages struct{ s *SQLite }

func (r *sqlMessages) Append(ctx context.Context, msg *Message) error {
	tx, err := r.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if msg.ID == "" {
		msg.ID = ids.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.s.clock.Now()
	}

	// Index = current count, inside the transaction, so concurrent
	// appends cannot produce gaps or duplicates.
	var count int
	if err := tx.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", msg.SessionID); err != nil {
		return err
	}
	msg.Index = count

	content, err := marshalJSON(msg.Content)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, task_id, idx, role, type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.TaskID, msg.Index, string(msg.Role), string(msg.Type),
		content, msg.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET message_count = ? WHERE id = ?", count+1, msg.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqlMessages) FindByID(ctx context.Context, id string) (*Message, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "message", "messages", id)
	if err != nil {
		return nil, err
	}
	var row messageRow
	if err := r.s.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", full); err != nil {
		return nil, err
	}
	return row.toModel()
}

func (r *sqlMessages) FindBySession(ctx context.Context, sessionID string) ([]*Message, error) {
	var rows []messageRow
	if err := r.s.db.SelectContext(ctx, &rows,
		"SELECT * FROM messages WHERE session_id = ? ORDER BY idx", sessionID); err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *sqlMessages) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID)
	return count, err
}

func (r *sqlMessages) Update(ctx context.Context, id string, patch map[string]any) (*Message, error) {
	m, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPatch(m, patch); err != nil {
		return nil, err
	}
	content, err := marshalJSON(m.Content)
	if err != nil {
		return nil, err
	}
	_, err = r.s.db.ExecContext(ctx,
		"UPDATE messages SET role = ?, type = ?, content = ? WHERE id = ?",
		string(m.Role), string(m.Type), content, m.ID)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *sqlMessages) DeleteBySession(ctx context.Context, sessionID string) error {
	tx, err := r.s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET message_count = 0 WHERE id = ?", sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- mcp servers ----

type mcpServerRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Scope     string         `db:"scope"`
	ScopeID   string         `db:"scope_id"`
	Transport string         `db:"transport"`
	Command   string         `db:"command"`
	Args      sql.NullString `db:"args"`
	URL       string         `db:"url"`
	Auth      sql.NullString `db:"auth"`
	Env       sql.NullString `db:"env"`
	Enabled   bool           `db:"enabled"`
	Discovery sql.NullString `db:"discovery"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (r *mcpServerRow) toModel() (*MCPServer, error) {
	s := &MCPServer{
		ID:        r.ID,
		Name:      r.Name,
		Scope:     MCPScope(r.Scope),
		ScopeID:   r.ScopeID,
		Transport: MCPTransport(r.Transport),
		Command:   r.Command,
		URL:       r.URL,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := unmarshalJSON(r.Args, &s.Args); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Auth, &s.Auth); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Env, &s.Env); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.Discovery, &s.Discovery); err != nil {
		return nil, err
	}
	return s, nil
}

type sqlMCPServers struct{ s *SQLite }

func (r *sqlMCPServers) Create(ctx context.Context, srv *MCPServer) error {
	now := r.s.clock.Now()
	if srv.ID == "" {
		srv.ID = ids.New()
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	srv.UpdatedAt = now

	args, err := marshalJSON(srv.Args)
	if err != nil {
		return err
	}
	auth, err := marshalJSON(srv.Auth)
	if err != nil {
		return err
	}
	env, err := marshalJSON(srv.Env)
	if err != nil {
		return err
	}
	discovery, err := marshalJSON(srv.Discovery)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, name, scope, scope_id, transport, command, args, url,
			auth, env, enabled, discovery, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, string(srv.Scope), srv.ScopeID, string(srv.Transport), srv.Command, args,
		srv.URL, auth, env, srv.Enabled, discovery, srv.CreatedAt, srv.UpdatedAt)
	return err
}

func (r *sqlMCPServers) FindByID(ctx context.Context, id string) (*MCPServer, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "mcp_server", "mcp_servers", id)
	if err != nil {
		return nil, err
	}
	var row mcpServerRow
	if err := r.s.db.GetContext(ctx, &row, "SELECT * FROM mcp_servers WHERE id = ?", full); err != nil {
		return nil, err
	}
	return row.toModel()
}

func (r *sqlMCPServers) selectServers(ctx context.Context, query string, args ...any) ([]*MCPServer, error) {
	var rows []mcpServerRow
	if err := r.s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*MCPServer, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *sqlMCPServers) FindAll(ctx context.Context) ([]*MCPServer, error) {
	return r.selectServers(ctx, "SELECT * FROM mcp_servers ORDER BY id")
}

func (r *sqlMCPServers) FindByScope(ctx context.Context, scope MCPScope, scopeID string) ([]*MCPServer, error) {
	if scope == MCPScopeGlobal {
		return r.selectServers(ctx, "SELECT * FROM mcp_servers WHERE scope = ? ORDER BY id", string(scope))
	}
	return r.selectServers(ctx,
		"SELECT * FROM mcp_servers WHERE scope = ? AND scope_id = ? ORDER BY id", string(scope), scopeID)
}

func (r *sqlMCPServers) Update(ctx context.Context, id string, patch map[string]any) (*MCPServer, error) {
	srv, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPatch(srv, patch); err != nil {
		return nil, err
	}
	srv.UpdatedAt = r.s.clock.Now()

	args, err := marshalJSON(srv.Args)
	if err != nil {
		return nil, err
	}
	auth, err := marshalJSON(srv.Auth)
	if err != nil {
		return nil, err
	}
	env, err := marshalJSON(srv.Env)
	if err != nil {
		return nil, err
	}
	discovery, err := marshalJSON(srv.Discovery)
	if err != nil {
		return nil, err
	}
	_, err = r.s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET name = ?, transport = ?, command = ?, args = ?, url = ?,
			auth = ?, env = ?, enabled = ?, discovery = ?, updated_at = ?
		WHERE id = ?`,
		srv.Name, string(srv.Transport), srv.Command, args, srv.URL,
		auth, env, srv.Enabled, discovery, srv.UpdatedAt, srv.ID)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func (r *sqlMCPServers) Delete(ctx context.Context, id string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "mcp_server", "mcp_servers", id)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, "DELETE FROM mcp_servers WHERE id = ?", full)
	return err
}

// ---- permission requests ----

type permReqRow struct {
	ID        string         `db:"id"`
	SessionID string         `db:"session_id"`
	TaskID    string         `db:"task_id"`
	ToolName  string         `db:"tool_name"`
	ToolInput sql.NullString `db:"tool_input"`
	ToolUseID string         `db:"tool_use_id"`
	Status    string         `db:"status"`
	Scope     string         `db:"scope"`
	Remember  bool           `db:"remember"`
	DecidedBy string         `db:"decided_by"`
	DecidedAt sql.NullTime   `db:"decided_at"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *permReqRow) toModel() (*PermissionRequest, error) {
	req := &PermissionRequest{
		ID:        r.ID,
		SessionID: r.SessionID,
		TaskID:    r.TaskID,
		ToolName:  r.ToolName,
		ToolUseID: r.ToolUseID,
		Status:    PermissionStatus(r.Status),
		Scope:     PermissionScope(r.Scope),
		Remember:  r.Remember,
		DecidedBy: r.DecidedBy,
		CreatedAt: r.CreatedAt,
	}
	if r.DecidedAt.Valid {
		t := r.DecidedAt.Time
		req.DecidedAt = &t
	}
	if err := unmarshalJSON(r.ToolInput, &req.ToolInput); err != nil {
		return nil, err
	}
	return req, nil
}

type sqlPermReqs struct{ s *SQLite }

func (r *sqlPermReqs) Create(ctx context.Context, req *PermissionRequest) error {
	if req.ID == "" {
		req.ID = ids.New()
	}
	if req.Status == "" {
		req.Status = PermissionPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.s.clock.Now()
	}
	input, err := marshalJSON(req.ToolInput)
	if err != nil {
		return err
	}
	var decidedAt any
	if req.DecidedAt != nil {
		decidedAt = *req.DecidedAt
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO permission_requests (id, session_id, task_id, tool_name, tool_input,
			tool_use_id, status, scope, remember, decided_by, decided_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.TaskID, req.ToolName, input,
		req.ToolUseID, string(req.Status), string(req.Scope), req.Remember,
		req.DecidedBy, decidedAt, req.CreatedAt)
	return err
}

func (r *sqlPermReqs) FindByID(ctx context.Context, id string) (*PermissionRequest, error) {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "permission_request", "permission_requests", id)
	if err != nil {
		return nil, err
	}
	var row permReqRow
	if err := r.s.db.GetContext(ctx, &row, "SELECT * FROM permission_requests WHERE id = ?", full); err != nil {
		return nil, err
	}
	return row.toModel()
}

func (r *sqlPermReqs) FindPendingBySession(ctx context.Context, sessionID string) ([]*PermissionRequest, error) {
	var rows []permReqRow
	if err := r.s.db.SelectContext(ctx, &rows,
		"SELECT * FROM permission_requests WHERE session_id = ? AND status = 'pending' ORDER BY created_at",
		sessionID); err != nil {
		return nil, err
	}
	out := make([]*PermissionRequest, 0, len(rows))
	for i := range rows {
		req, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (r *sqlPermReqs) Update(ctx context.Context, id string, patch map[string]any) (*PermissionRequest, error) {
	req, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPatch(req, patch); err != nil {
		return nil, err
	}
	input, err := marshalJSON(req.ToolInput)
	if err != nil {
		return nil, err
	}
	var decidedAt any
	if req.DecidedAt != nil {
		decidedAt = *req.DecidedAt
	}
	_, err = r.s.db.ExecContext(ctx, `
		UPDATE permission_requests SET status = ?, scope = ?, remember = ?, tool_input = ?,
			decided_by = ?, decided_at = ?
		WHERE id = ?`,
		string(req.Status), string(req.Scope), req.Remember, input,
		req.DecidedBy, decidedAt, req.ID)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *sqlPermReqs) Delete(ctx context.Context, id string) error {
	full, err := r.s.resolveSQLID(ctx, r.s.db, "permission_request", "permission_requests", id)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, "DELETE FROM permission_requests WHERE id = ?", full)
	return err
}
