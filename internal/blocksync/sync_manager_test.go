package blocksync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockweave/internal/block"
	"blockweave/internal/blockcrdt"
	"blockweave/internal/ids"
)

func TestStreamingInsertThenTextOpsThenStatus(t *testing.T) {
	contextID := ids.NewContextId()
	serverAgent := ids.NewPrincipalId()
	server := blockcrdt.NewDocument(contextID, serverAgent)

	blockID, err := server.InsertBlock(nil, block.RoleModel, block.KindText, "", nil)
	require.NoError(t, err)
	insertOps, err := server.OpsSince(blockcrdt.Frontier{})
	require.NoError(t, err)

	sm := New(contextID, ids.NewPrincipalId())
	require.NoError(t, sm.HandleEvent(Event{DocumentID: contextID, Kind: EventBlockInserted, Ops: insertOps}))
	require.NotNil(t, sm.Document())

	before := sm.Document().Frontier()
	require.NoError(t, server.AppendText(blockID, blockcrdt.FieldContent, "Hello"))
	ops1, err := server.OpsSince(before)
	require.NoError(t, err)
	require.NoError(t, sm.HandleEvent(Event{DocumentID: contextID, Kind: EventTextOps, Ops: ops1}))

	before = server.Frontier()
	require.NoError(t, server.AppendText(blockID, blockcrdt.FieldContent, " world"))
	ops2, err := server.OpsSince(before)
	require.NoError(t, err)
	require.NoError(t, sm.HandleEvent(Event{DocumentID: contextID, Kind: EventTextOps, Ops: ops2}))

	before = server.Frontier()
	require.NoError(t, server.SetStatus(blockID, block.StatusDone))
	ops3, err := server.OpsSince(before)
	require.NoError(t, err)
	require.NoError(t, sm.HandleEvent(Event{DocumentID: contextID, Kind: EventTextOps, Ops: ops3}))

	snap, err := sm.Document().Snapshot(blockID)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", snap.Content)
	assert.Equal(t, block.StatusDone, snap.Status)
}

func TestTextOpsBeforeInsertedIsSkippedNotBuffered(t *testing.T) {
	contextID := ids.NewContextId()
	serverAgent := ids.NewPrincipalId()
	server := blockcrdt.NewDocument(contextID, serverAgent)
	blockID, err := server.InsertBlock(nil, block.RoleModel, block.KindText, "", nil)
	require.NoError(t, err)

	before := server.Frontier()
	require.NoError(t, server.AppendText(blockID, blockcrdt.FieldContent, "Hello"))
	textOps, err := server.OpsSince(before)
	require.NoError(t, err)

	insertOps, err := server.OpsSince(blockcrdt.Frontier{})
	require.NoError(t, err)
	// insertOps now also contains the text insert since both share epoch 0;
	// isolate just the block-insert op to mimic TextOps arriving first.
	var onlyInsert []blockcrdt.Op
	for _, op := range insertOps {
		if op.Kind == blockcrdt.OpInsertBlock {
			onlyInsert = append(onlyInsert, op)
		}
	}

	sm := New(contextID, ids.NewPrincipalId())
	// TextOps arrives first, before any BlockInserted: doc is nil, so it
	// must be skipped outright, not buffered.
	require.NoError(t, sm.HandleEvent(Event{DocumentID: contextID, Kind: EventTextOps, Ops: textOps}))
	assert.Nil(t, sm.Document())
	assert.Equal(t, 0, sm.PendingCount())

	// The subsequent BlockInserted still bootstraps correctly and does not
	// panic or retroactively pick up the dropped TextOps.
	require.NoError(t, sm.HandleEvent(Event{DocumentID: contextID, Kind: EventBlockInserted, Ops: onlyInsert}))
	require.NotNil(t, sm.Document())
	snap, err := sm.Document().Snapshot(blockID)
	require.NoError(t, err)
	assert.Equal(t, "", snap.Content)
}

func TestMissingParentBuffersAndReplaysOnArrival(t *testing.T) {
	contextID := ids.NewContextId()
	serverAgent := ids.NewPrincipalId()
	server := blockcrdt.NewDocument(contextID, serverAgent)
	parentID, err := server.InsertBlock(nil, block.RoleUser, block.KindText, "parent", nil)
	require.NoError(t, err)
	parentOps, err := server.OpsSince(blockcrdt.Frontier{})
	require.NoError(t, err)

	before := server.Frontier()
	childID, err := server.InsertBlock(&parentID, block.RoleModel, block.KindText, "child", nil)
	require.NoError(t, err)
	childOps, err := server.OpsSince(before)
	require.NoError(t, err)

	sm := New(contextID, ids.NewPrincipalId())
	require.NoError(t, sm.HandleEvent(Event{DocumentID: contextID, Kind: EventBlockInserted, Ops: parentOps}))

	// Deliver the child insert ops out of order relative to a hypothetical
	// missing dependency by handing it a parent id the local doc doesn't
	// have yet: simulate by wiping the manager and only replaying childOps.
	sm2 := New(contextID, ids.NewPrincipalId())
	sm2.doc = blockcrdt.NewDocument(contextID, ids.NewPrincipalId())
	err = sm2.HandleEvent(Event{DocumentID: contextID, Kind: EventTextOps, Ops: childOps})
	require.Error(t, err)
	assert.Equal(t, 1, sm2.PendingCount())

	require.NoError(t, sm2.HandleEvent(Event{DocumentID: contextID, Kind: EventBlockInserted, Ops: parentOps}))
	assert.Equal(t, 0, sm2.PendingCount())
	snap, err := sm2.Document().Snapshot(childID)
	require.NoError(t, err)
	assert.Equal(t, "child", snap.Content)
}

func TestDocumentIDMismatchIsSkipped(t *testing.T) {
	contextID := ids.NewContextId()
	sm := New(contextID, ids.NewPrincipalId())
	err := sm.HandleEvent(Event{DocumentID: ids.NewContextId(), Kind: EventBlockInserted, Ops: []blockcrdt.Op{{Kind: blockcrdt.OpInsertBlock}}})
	require.Error(t, err)
	_, ok := err.(ErrDocumentIDMismatch)
	assert.True(t, ok)
}

func TestSyncResetClearsFrontierForcingFullResync(t *testing.T) {
	contextID := ids.NewContextId()
	server := blockcrdt.NewDocument(contextID, ids.NewPrincipalId())
	_, err := server.InsertBlock(nil, block.RoleUser, block.KindText, "x", nil)
	require.NoError(t, err)
	oplog, err := server.OplogBytes()
	require.NoError(t, err)

	sm := New(contextID, ids.NewPrincipalId())
	require.NoError(t, sm.HandleEvent(Event{DocumentID: contextID, Kind: EventInitialState, Oplog: oplog}))
	_, hasFrontier := sm.Frontier()
	assert.True(t, hasFrontier)

	require.NoError(t, sm.HandleEvent(Event{Kind: EventSyncReset, Generation: 7}))
	_, hasFrontier = sm.Frontier()
	assert.False(t, hasFrontier)
}

func TestMaxPendingOpsDropsOldest(t *testing.T) {
	contextID := ids.NewContextId()
	sm2 := New(contextID, ids.NewPrincipalId())
	sm2.doc = blockcrdt.NewDocument(contextID, ids.NewPrincipalId())

	for i := 0; i < MaxPendingOps+10; i++ {
		missingParent := ids.BlockId{Context: contextID, Principal: ids.NewPrincipalId(), Seq: uint64(i) + 1}
		op := blockcrdt.Op{
			Kind:     blockcrdt.OpInsertBlock,
			Clock:    blockcrdt.Clock{Agent: ids.NewPrincipalId(), Counter: uint64(i) + 1},
			Block:    ids.BlockId{Context: contextID, Principal: ids.NewPrincipalId(), Seq: uint64(i) + 1000},
			ParentID: &missingParent,
		}
		_ = sm2.HandleEvent(Event{DocumentID: contextID, Kind: EventBlockInserted, Ops: []blockcrdt.Op{op}})
	}
	assert.Equal(t, MaxPendingOps, sm2.PendingCount())
}
