package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/store"
)

func TestFork_LinksAndInherits(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	task := &store.Task{SessionID: f.session.ID, FullPrompt: "seed", Status: store.TaskCompleted}
	require.NoError(t, f.store.Tasks().Create(ctx, task))

	child, err := f.kernel.Fork(ctx, f.session.ID, task.ID)
	require.NoError(t, err)

	require.NotNil(t, child.Genealogy)
	assert.Equal(t, f.session.ID, child.Genealogy.ForkedFromSessionID)
	assert.Equal(t, task.ID, child.Genealogy.ForkPointTaskID)
	assert.Empty(t, child.Genealogy.ParentSessionID)
	assert.Equal(t, f.session.WorktreeID, child.WorktreeID)
	assert.Equal(t, f.session.AgenticTool, child.AgenticTool)
	assert.Empty(t, child.SDKSessionID)
	assert.NotEqual(t, f.session.MCPToken, child.MCPToken)
}

func TestSpawn_ParentLinkOnly(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	child, err := f.kernel.Spawn(ctx, f.session.ID, "")
	require.NoError(t, err)

	require.NotNil(t, child.Genealogy)
	assert.Equal(t, f.session.ID, child.Genealogy.ParentSessionID)
	assert.Empty(t, child.Genealogy.ForkedFromSessionID)
	assert.Empty(t, child.Genealogy.SpawnPointTaskID)
	assert.Empty(t, child.SDKSessionID)
}

func TestDerive_RejectsForeignTask(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	other := &store.Session{WorktreeID: f.worktree.ID, CreatedBy: "u1", AgenticTool: store.ToolClaudeCode, Status: store.SessionIdle}
	require.NoError(t, f.store.Sessions().Create(ctx, other))
	task := &store.Task{SessionID: other.ID, FullPrompt: "elsewhere", Status: store.TaskCompleted}
	require.NoError(t, f.store.Tasks().Create(ctx, task))

	_, err := f.kernel.Fork(ctx, f.session.ID, task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong")
}

func TestFindChildren(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	forked, err := f.kernel.Fork(ctx, f.session.ID, "")
	require.NoError(t, err)
	spawned, err := f.kernel.Spawn(ctx, f.session.ID, "")
	require.NoError(t, err)

	children, err := f.kernel.FindChildren(ctx, ids.Short(f.session.ID))
	require.NoError(t, err)

	got := make(map[string]bool, len(children))
	for _, c := range children {
		got[c.ID] = true
	}
	assert.True(t, got[forked.ID])
	assert.True(t, got[spawned.ID])
	assert.Len(t, children, 2)
}

func TestFindAncestors_ChainNearestFirst(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	child, err := f.kernel.Spawn(ctx, f.session.ID, "")
	require.NoError(t, err)
	grandchild, err := f.kernel.Fork(ctx, child.ID, "")
	require.NoError(t, err)

	ancestors, err := f.kernel.FindAncestors(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, child.ID, ancestors[0].ID)
	assert.Equal(t, f.session.ID, ancestors[1].ID)
}

func TestFindAncestors_CycleIsError(t *testing.T) {
	f := newKernelFixture(t, &fakeDriver{})
	ctx := context.Background()

	child, err := f.kernel.Spawn(ctx, f.session.ID, "")
	require.NoError(t, err)

	// Corrupt the genealogy: the root now claims the child as parent.
	_, err = f.store.Sessions().Update(ctx, f.session.ID, map[string]any{
		"genealogy": map[string]any{"parent_session_id": child.ID},
	})
	require.NoError(t, err)

	_, err = f.kernel.FindAncestors(ctx, child.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
