package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agor-dev/agor/internal/store"
)

func TestDecideResume(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	maxAge := 24 * time.Hour
	fresh := now.Add(-time.Hour)
	stale := now.Add(-48 * time.Hour)

	tests := []struct {
		name         string
		sess         store.Session
		parentHandle string
		hasWorktree  bool
		want         ResumeDecision
	}{
		{
			name:        "fresh handle with worktree resumes",
			sess:        store.Session{SDKSessionID: "sdk-1", SDKSessionAt: &fresh},
			hasWorktree: true,
			want:        ResumeDecision{Handle: "sdk-1"},
		},
		{
			name:        "stale handle is cleared",
			sess:        store.Session{SDKSessionID: "sdk-1", SDKSessionAt: &stale},
			hasWorktree: true,
			want:        ResumeDecision{ClearStored: true},
		},
		{
			name:        "fresh handle without worktree is cleared",
			sess:        store.Session{SDKSessionID: "sdk-1", SDKSessionAt: &fresh},
			hasWorktree: false,
			want:        ResumeDecision{ClearStored: true},
		},
		{
			name:        "handle with no timestamp is cleared",
			sess:        store.Session{SDKSessionID: "sdk-1"},
			hasWorktree: true,
			want:        ResumeDecision{ClearStored: true},
		},
		{
			name:         "fork child resumes parent handle with fork",
			sess:         store.Session{Genealogy: &store.Genealogy{ForkedFromSessionID: "parent-1"}},
			parentHandle: "sdk-parent",
			hasWorktree:  true,
			want:         ResumeDecision{Handle: "sdk-parent", Fork: true},
		},
		{
			name:        "fork child without parent handle starts fresh",
			sess:        store.Session{Genealogy: &store.Genealogy{ForkedFromSessionID: "parent-1"}},
			hasWorktree: true,
			want:        ResumeDecision{},
		},
		{
			name:         "spawn child never inherits history",
			sess:         store.Session{Genealogy: &store.Genealogy{ParentSessionID: "parent-1"}},
			parentHandle: "sdk-parent",
			hasWorktree:  true,
			want:         ResumeDecision{},
		},
		{
			name:        "plain session starts fresh",
			sess:        store.Session{},
			hasWorktree: true,
			want:        ResumeDecision{},
		},
		{
			name:         "own handle beats fork origin",
			sess:         store.Session{SDKSessionID: "sdk-own", SDKSessionAt: &fresh, Genealogy: &store.Genealogy{ForkedFromSessionID: "parent-1"}},
			parentHandle: "sdk-parent",
			hasWorktree:  true,
			want:         ResumeDecision{Handle: "sdk-own"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideResume(&tt.sess, tt.parentHandle, tt.hasWorktree, maxAge, now)
			assert.Equal(t, tt.want, got)
		})
	}
}
