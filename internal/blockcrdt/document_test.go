package blockcrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockweave/internal/block"
	"blockweave/internal/ids"
)

func newTestDoc() (*Document, ids.ContextId, ids.PrincipalId) {
	ctx := ids.NewContextId()
	agent := ids.NewPrincipalId()
	return NewDocument(ctx, agent), ctx, agent
}

func TestInsertBlockOrdering(t *testing.T) {
	doc, _, _ := newTestDoc()

	first, err := doc.InsertBlock(nil, block.RoleUser, block.KindText, "hello", nil)
	require.NoError(t, err)

	second, err := doc.InsertBlock(nil, block.RoleModel, block.KindText, "world", &first)
	require.NoError(t, err)

	snaps := doc.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, first, snaps[0].ID)
	assert.Equal(t, second, snaps[1].ID)
	assert.Equal(t, "hello", snaps[0].Content)
	assert.Equal(t, "world", snaps[1].Content)
}

func TestInsertBlockAtHeadOrdersBefore(t *testing.T) {
	doc, _, _ := newTestDoc()

	first, err := doc.InsertBlock(nil, block.RoleUser, block.KindText, "a", nil)
	require.NoError(t, err)
	second, err := doc.InsertBlock(nil, block.RoleUser, block.KindText, "b", nil)
	require.NoError(t, err)

	snaps := doc.Snapshots()
	require.Len(t, snaps, 2)
	// Both inserted at the head (after=nil): second insertion lands before
	// the first, since "insert at head" always means "before the current
	// first block".
	assert.Equal(t, second, snaps[0].ID)
	assert.Equal(t, first, snaps[1].ID)
}

func TestEditTextInsertAndDelete(t *testing.T) {
	doc, _, _ := newTestDoc()
	id, err := doc.InsertBlock(nil, block.RoleUser, block.KindText, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, doc.EditText(id, FieldContent, 5, " world", 0))
	snap, err := doc.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "hello world", snap.Content)

	require.NoError(t, doc.EditText(id, FieldContent, 0, "", 6))
	snap, err = doc.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "world", snap.Content)
}

func TestDeleteBlockTombstonePermanent(t *testing.T) {
	doc, _, _ := newTestDoc()
	id, err := doc.InsertBlock(nil, block.RoleUser, block.KindText, "x", nil)
	require.NoError(t, err)

	require.NoError(t, doc.DeleteBlock(id))
	assert.Empty(t, doc.Snapshots())

	_, err = doc.Snapshot(id)
	require.NoError(t, err)

	// Re-merging the original insert op must not resurrect the block.
	ops, err := doc.OpsSince(Frontier{Counters: map[string]uint64{}})
	require.NoError(t, err)
	applied, err := doc.MergeOpsOwned(ops)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Empty(t, doc.Snapshots())
}

func TestOpsSinceAndMergeOpsConverge(t *testing.T) {
	a, ctxA, _ := newTestDoc()
	_ = ctxA
	id, err := a.InsertBlock(nil, block.RoleUser, block.KindText, "hi", nil)
	require.NoError(t, err)
	require.NoError(t, a.AppendText(id, FieldContent, " there"))

	b := NewDocument(a.Context(), ids.NewPrincipalId())
	zero := Frontier{Counters: map[string]uint64{}}
	ops, err := a.OpsSince(zero)
	require.NoError(t, err)
	require.NoError(t, b.MergeOps(ops))

	assert.Equal(t, a.Snapshots(), b.Snapshots())

	// A second merge of the same ops is a no-op (idempotence).
	applied, err := b.MergeOpsOwned(ops)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMergeOpsMissingParentReturnsErrDataMissing(t *testing.T) {
	doc, ctx, agent := newTestDoc()
	other := NewDocument(ctx, ids.NewPrincipalId())
	orphanParent := ids.NewAgentSequencer(ctx, agent).Next()

	op := Op{
		Kind:      OpInsertBlock,
		Clock:     Clock{Agent: agent, Counter: 1},
		Block:     ids.NewAgentSequencer(ctx, agent).Next(),
		ParentID:  &orphanParent,
		Role:      block.RoleUser,
		BlockKind: block.KindText,
		Order:     headOrderKey(agent),
	}
	err := other.MergeOps([]Op{op})
	require.Error(t, err)
	_, ok := err.(ErrDataMissing)
	assert.True(t, ok)
	_ = doc
}

func TestCompactInvalidatesFrontier(t *testing.T) {
	doc, _, _ := newTestDoc()
	id, err := doc.InsertBlock(nil, block.RoleTool, block.KindToolResult, "done", nil)
	require.NoError(t, err)
	require.NoError(t, doc.SetStatus(id, block.StatusDone))

	f := doc.Frontier()
	doc.Compact()

	_, err = doc.OpsSince(f)
	require.Error(t, err)
	assert.IsType(t, ErrFrontierInvalidated{}, err)

	snap, err := doc.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "done", snap.Content)
}

func TestForkCopiesLiveContentWithFreshIDs(t *testing.T) {
	doc, _, _ := newTestDoc()
	id, err := doc.InsertBlock(nil, block.RoleUser, block.KindText, "carried over", nil)
	require.NoError(t, err)
	require.NoError(t, doc.DeleteBlock(doc.mustInsertForTest(t)))
	_ = id

	forked := doc.Fork(ids.NewContextId(), ids.NewPrincipalId())
	snaps := forked.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "carried over", snaps[0].Content)
	assert.NotEqual(t, doc.Snapshots()[0].ID, snaps[0].ID)
}

// mustInsertForTest inserts a throwaway block for tests exercising
// tombstoned-block exclusion from Fork; it is not part of the package API.
func (d *Document) mustInsertForTest(t *testing.T) ids.BlockId {
	t.Helper()
	id, err := d.InsertBlock(nil, block.RoleUser, block.KindText, "gone", nil)
	require.NoError(t, err)
	return id
}

func TestInsertToolCallAndResult(t *testing.T) {
	doc, _, _ := newTestDoc()
	callID, err := doc.InsertToolCall(nil, block.ToolKindShell, "ls", "call-1", "-la", nil)
	require.NoError(t, err)

	resultID, err := doc.InsertToolResult(nil, "call-1", "file1\nfile2", nil, false, &callID)
	require.NoError(t, err)

	callSnap, err := doc.Snapshot(callID)
	require.NoError(t, err)
	assert.Equal(t, block.StatusPending, callSnap.Status)
	assert.Equal(t, "-la", callSnap.ToolInput)

	resultSnap, err := doc.Snapshot(resultID)
	require.NoError(t, err)
	assert.Equal(t, block.StatusDone, resultSnap.Status)
	assert.False(t, resultSnap.IsError)
}
