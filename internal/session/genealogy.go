package session

import (
	"context"
	"fmt"

	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/events"
	"github.com/agor-dev/agor/internal/store"
)

// Fork creates a new session that continues the parent's agent
// conversation: same worktree, forked_from link, and on first prompt a
// resume into the parent's sdk handle with fork semantics.
func (k *Kernel) Fork(ctx context.Context, parentID, atTaskID string) (*store.Session, error) {
	return k.derive(ctx, parentID, atTaskID, true)
}

// Spawn creates a new session related to the parent by ancestry only.
// No agent history is inherited; the first prompt starts fresh.
func (k *Kernel) Spawn(ctx context.Context, parentID, atTaskID string) (*store.Session, error) {
	return k.derive(ctx, parentID, atTaskID, false)
}

func (k *Kernel) derive(ctx context.Context, parentID, atTaskID string, fork bool) (*store.Session, error) {
	parent, err := k.store.Sessions().FindByID(ctx, parentID)
	if err != nil {
		return nil, err
	}

	if atTaskID != "" {
		task, err := k.store.Tasks().FindByID(ctx, atTaskID)
		if err != nil {
			return nil, err
		}
		if task.SessionID != parent.ID {
			return nil, fmt.Errorf("task %s does not belong to session %s", ids.Short(atTaskID), ids.Short(parent.ID))
		}
		atTaskID = task.ID
	}

	genealogy := &store.Genealogy{}
	if fork {
		genealogy.ForkedFromSessionID = parent.ID
		genealogy.ForkPointTaskID = atTaskID
	} else {
		genealogy.ParentSessionID = parent.ID
		genealogy.SpawnPointTaskID = atTaskID
	}

	now := k.clock.Now()
	child := &store.Session{
		ID:            ids.New(),
		WorktreeID:    parent.WorktreeID,
		CreatedBy:     parent.CreatedBy,
		AgenticTool:   parent.AgenticTool,
		Status:        store.SessionIdle,
		ModelConfig:   parent.ModelConfig,
		AgenticConfig: parent.AgenticConfig,
		MCPToken:      ids.New(),
		Genealogy:     genealogy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := k.store.Sessions().Create(ctx, child); err != nil {
		return nil, err
	}

	k.broadcaster.EmitToSession(ctx, child.ID, events.TypeSessionCreated, map[string]any{
		"session_id":  child.ID,
		"worktree_id": child.WorktreeID,
		"genealogy":   genealogy,
	})
	return child, nil
}

// FindChildren returns the sessions that were forked or spawned off the
// given session. Short ids are accepted.
func (k *Kernel) FindChildren(ctx context.Context, sessionID string) ([]*store.Session, error) {
	sess, err := k.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return k.store.Sessions().FindChildren(ctx, sess.ID)
}

// FindAncestors walks the genealogy from the given session towards its
// roots, following either the parent or the fork link, nearest first.
// A revisited session means corrupted genealogy and raises an error.
func (k *Kernel) FindAncestors(ctx context.Context, sessionID string) ([]*store.Session, error) {
	sess, err := k.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{sess.ID: true}
	var ancestors []*store.Session

	current := sess
	for {
		g := current.Genealogy
		if g == nil {
			return ancestors, nil
		}
		next := g.ParentSessionID
		if next == "" {
			next = g.ForkedFromSessionID
		}
		if next == "" {
			return ancestors, nil
		}
		if visited[next] {
			return nil, fmt.Errorf("genealogy cycle detected at session %s", ids.Short(next))
		}
		visited[next] = true

		parent, err := k.store.Sessions().FindByID(ctx, next)
		if err != nil {
			return nil, err
		}
		ancestors = append(ancestors, parent)
		current = parent
	}
}
