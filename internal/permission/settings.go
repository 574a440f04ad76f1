package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SettingsPatch is the grant set merged into a worktree's project
// settings.
type SettingsPatch struct {
	AllowTools []string
	Deny       []string
}

// UpdateProjectSettings merges the patch into
// {worktreePath}/.claude/settings.json. The file shape is
// {permissions:{allow:{tools:[...]}, deny:[...]}, ...}; existing
// content is merged, never replaced, other keys are preserved
// verbatim, and lists are deduplicated. Idempotent.
func UpdateProjectSettings(worktreePath string, patch SettingsPatch) error {
	dir := filepath.Join(worktreePath, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	path := filepath.Join(dir, "settings.json")

	settings := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("parse existing settings: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read settings: %w", err)
	}

	permissions := subMap(settings, "permissions")
	settings["permissions"] = permissions

	if len(patch.AllowTools) > 0 {
		allowSection := subMap(permissions, "allow")
		permissions["allow"] = allowSection
		allowSection["tools"] = mergeList(allowSection["tools"], patch.AllowTools)
	}
	if len(patch.Deny) > 0 {
		permissions["deny"] = mergeList(permissions["deny"], patch.Deny)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// subMap returns parent[key] as a map, or a fresh map when absent or
// of the wrong type.
func subMap(parent map[string]any, key string) map[string]any {
	if m, ok := parent[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// mergeList appends additions to an existing JSON list, deduplicating
// while preserving first-seen order.
func mergeList(existing any, additions []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if list, ok := existing.([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				add(s)
			}
		}
	}
	for _, s := range additions {
		add(s)
	}
	return out
}
