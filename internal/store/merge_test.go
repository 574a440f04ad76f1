package store

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepMerge(t *testing.T) {
	tests := []struct {
		name  string
		base  map[string]any
		patch map[string]any
		want  map[string]any
	}{
		{
			name:  "top level primitive replaces",
			base:  map[string]any{"status": "idle", "mcp_token": "a"},
			patch: map[string]any{"status": "running"},
			want:  map[string]any{"status": "running", "mcp_token": "a"},
		},
		{
			name:  "nested maps merge recursively",
			base:  map[string]any{"permission_config": map[string]any{"mode": "default", "allowed_tools": []any{"Read"}}},
			patch: map[string]any{"permission_config": map[string]any{"mode": "plan"}},
			want:  map[string]any{"permission_config": map[string]any{"mode": "plan", "allowed_tools": []any{"Read"}}},
		},
		{
			name:  "arrays replace wholesale",
			base:  map[string]any{"cfg": map[string]any{"allowed_tools": []any{"Read", "Write"}}},
			patch: map[string]any{"cfg": map[string]any{"allowed_tools": []any{"Bash"}}},
			want:  map[string]any{"cfg": map[string]any{"allowed_tools": []any{"Bash"}}},
		},
		{
			name:  "nil clears a key",
			base:  map[string]any{"sdk_session_id": "abc", "status": "idle"},
			patch: map[string]any{"sdk_session_id": nil},
			want:  map[string]any{"status": "idle"},
		},
		{
			name:  "immutable fields dropped at top level",
			base:  map[string]any{"id": "one", "repo_id": "r1", "created_at": "t0", "name": "main"},
			patch: map[string]any{"id": "two", "repo_id": "r2", "created_at": "t1", "name": "dev"},
			want:  map[string]any{"id": "one", "repo_id": "r1", "created_at": "t0", "name": "dev"},
		},
		{
			name:  "immutable names pass through below top level",
			base:  map[string]any{"content": map[string]any{"id": "inner"}},
			patch: map[string]any{"content": map[string]any{"id": "replaced"}},
			want:  map[string]any{"content": map[string]any{"id": "replaced"}},
		},
		{
			name:  "map replaces non-map value",
			base:  map[string]any{"genealogy": "none"},
			patch: map[string]any{"genealogy": map[string]any{"parent_session_id": "p"}},
			want:  map[string]any{"genealogy": map[string]any{"parent_session_id": "p"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeepMerge(tt.base, tt.patch)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeepMergeDoesNotMutateBase(t *testing.T) {
	base := map[string]any{"cfg": map[string]any{"mode": "default"}}
	DeepMerge(base, map[string]any{"cfg": map[string]any{"mode": "plan"}})
	assert.Equal(t, "default", base["cfg"].(map[string]any)["mode"])
}

func TestApplyPatch(t *testing.T) {
	sess := &Session{
		ID:         "sess-1",
		WorktreeID: "wt-1",
		Status:     SessionIdle,
		PermissionConfig: &PermissionConfig{
			Mode:         PermissionModeDefault,
			AllowedTools: []string{"Read"},
		},
	}

	err := ApplyPatch(sess, map[string]any{
		"id":     "attacker",
		"status": "running",
		"permission_config": map[string]any{
			"allowed_tools": []any{"Read", "Bash"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, SessionRunning, sess.Status)
	assert.Equal(t, PermissionModeDefault, sess.PermissionConfig.Mode)
	assert.Equal(t, []string{"Read", "Bash"}, sess.PermissionConfig.AllowedTools)
}

func TestApplyPatchNilClearsStructFields(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sess := &Session{
		ID:           "sess-1",
		Status:       SessionIdle,
		SDKSessionID: "sdk-old",
		SDKSessionAt: &at,
		Genealogy:    &Genealogy{ParentSessionID: "p1"},
	}

	err := ApplyPatch(sess, map[string]any{
		"sdk_session_id": nil,
		"sdk_session_at": nil,
	})
	require.NoError(t, err)

	assert.Empty(t, sess.SDKSessionID)
	assert.Nil(t, sess.SDKSessionAt)
	// Untouched fields survive the round trip.
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, SessionIdle, sess.Status)
	require.NotNil(t, sess.Genealogy)
	assert.Equal(t, "p1", sess.Genealogy.ParentSessionID)
}

func TestValidateAgenticConfigKeys(t *testing.T) {
	require.NoError(t, ValidateAgenticConfigKeys(map[string]any{
		"agent":           "claude-code",
		"permission_mode": "acceptEdits",
	}))

	err := ValidateAgenticConfigKeys(map[string]any{"tempreture": 0.7})
	require.Error(t, err)
	var unknown *UnknownConfigKeyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "tempreture", unknown.Key)
}

func TestDescribePrompt(t *testing.T) {
	assert.Equal(t, "fix the login bug", DescribePrompt("  fix the\n\tlogin   bug  "))

	long := ""
	for i := 0; i < 40; i++ {
		long += "abcdefghij "
	}
	got := DescribePrompt(long)
	assert.Len(t, got, descriptionMaxLen)
}

func TestDescribePromptTruncatesOnRuneBoundary(t *testing.T) {
	// One ASCII byte followed by two-byte runes puts the byte cap in the
	// middle of a rune; the cut must back up instead of splitting it.
	long := "a" + strings.Repeat("é", 80)
	got := DescribePrompt(long)

	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), descriptionMaxLen)
	assert.True(t, strings.HasPrefix(long, got))
	assert.Len(t, got, descriptionMaxLen-1)
}

func TestWorktreeDirMode(t *testing.T) {
	tests := []struct {
		access FSAccess
		want   uint32
	}{
		{FSAccessNone, 0o2700},
		{FSAccessRead, 0o2750},
		{FSAccessWrite, 0o2770},
		{FSAccess(""), 0o2700},
	}
	for _, tt := range tests {
		w := &Worktree{OthersFSAccess: tt.access}
		assert.Equal(t, tt.want, w.DirMode(), "access %q", tt.access)
	}
}
