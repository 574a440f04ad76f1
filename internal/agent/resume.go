package agent

import (
	"time"

	"github.com/agor-dev/agor/internal/store"
)

// ResumeDecision is the outcome of the resume/fork/spawn table.
type ResumeDecision struct {
	// Handle is the sdk_session_id to resume into; empty starts fresh.
	Handle string
	// Fork makes the agent mint a new handle off the resumed history.
	Fork bool
	// ClearStored indicates the session's stale sdk_session_id should
	// be dropped before spawning.
	ClearStored bool
}

// DecideResume applies the resume decision table for a session whose
// caller requested resume.
//
// A stored handle wins when it is fresh and the session still has its
// worktree. A fork child without its own handle resumes the parent's
// handle with fork semantics. A pure spawn child never inherits
// history.
func DecideResume(sess *store.Session, parentHandle string, hasWorktree bool, maxAge time.Duration, now time.Time) ResumeDecision {
	if sess.SDKSessionID != "" {
		fresh := sess.SDKSessionAt != nil && now.Sub(*sess.SDKSessionAt) < maxAge
		if fresh && hasWorktree {
			return ResumeDecision{Handle: sess.SDKSessionID}
		}
		return ResumeDecision{ClearStored: true}
	}

	if sess.Genealogy != nil {
		if sess.Genealogy.ForkedFromSessionID != "" && parentHandle != "" {
			return ResumeDecision{Handle: parentHandle, Fork: true}
		}
		// parent_session_id alone is a spawn: ancestry without history
	}
	return ResumeDecision{}
}
