package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agor-dev/agor/internal/common/ids"
)

// sessionContextHeader delimits the section Agor appends to a
// worktree's CLAUDE.md. Everything from the header to end-of-file
// belongs to Agor; removal truncates exactly there.
const sessionContextHeader = "\n\n---\n\n## Agor Session Context"

// AppendSessionContext appends the session-context section to
// {worktreePath}/CLAUDE.md. Idempotent: a file that already carries the
// section is left untouched.
func AppendSessionContext(worktreePath, sessionID string) error {
	path := filepath.Join(worktreePath, "CLAUDE.md")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read CLAUDE.md: %w", err)
	}
	if strings.Contains(string(existing), sessionContextHeader) {
		return nil
	}

	section := fmt.Sprintf("%s\n\nThis worktree is managed by Agor.\n\n- Session ID: `%s`\n- Short ID: `%s`\n",
		sessionContextHeader, sessionID, ids.Short(sessionID))

	content := append(existing, []byte(section)...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write CLAUDE.md: %w", err)
	}
	return nil
}

// RemoveSessionContext deletes the session-context section from
// {worktreePath}/CLAUDE.md, leaving everything before it byte-exact.
// Missing file or missing section is a no-op.
func RemoveSessionContext(worktreePath string) error {
	path := filepath.Join(worktreePath, "CLAUDE.md")

	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read CLAUDE.md: %w", err)
	}

	idx := strings.Index(string(existing), sessionContextHeader)
	if idx < 0 {
		return nil
	}

	if err := os.WriteFile(path, existing[:idx], 0o644); err != nil {
		return fmt.Errorf("write CLAUDE.md: %w", err)
	}
	return nil
}
