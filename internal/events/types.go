// Package events defines Agor's event vocabulary and the broadcaster
// that fans session activity out to connected clients.
package events

// Event types published on the bus. Session-scoped events go to
// SessionSubject; user-scoped events to UserSubject.
const (
	TypeSessionCreated       = "session.created"
	TypeSessionStatusChanged = "session.status_changed"
	TypeSessionDeleted       = "session.deleted"

	TypeTaskStarted   = "task.started"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"

	TypeMessageAppended = "message.appended"
	TypeMessagePartial  = "message.partial"

	TypePermissionRequested = "permission.requested"
	TypePermissionDecided   = "permission.decided"

	TypeWorktreeUpdated = "worktree.updated"
)

// Source identifies this daemon as the event producer.
const Source = "agor"

// SessionSubject is the bus subject carrying one session's events.
func SessionSubject(sessionID string) string {
	return "agor.session." + sessionID
}

// UserSubject is the bus subject carrying one user's events.
func UserSubject(userID string) string {
	return "agor.user." + userID
}

// AllSessionsSubject matches every session subject.
const AllSessionsSubject = "agor.session.>"

// AllUsersSubject matches every user subject.
const AllUsersSubject = "agor.user.>"
