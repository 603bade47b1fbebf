package kernel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"blockweave/internal/block"
	"blockweave/internal/blockcrdt"
	"blockweave/internal/flowbus"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	dir := t.TempDir()
	k, err := New(context.Background(), Config{
		DataDir:   dir,
		ConfigDir: filepath.Join(dir, "config"),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestNewWiresEverySubsystem(t *testing.T) {
	k := newTestKernel(t)
	assert.NotNil(t, k.Store())
	assert.NotNil(t, k.Mounts())
	assert.NotNil(t, k.Drift())
	assert.NotNil(t, k.Config())
	assert.NotNil(t, k.Git())
	assert.NotNil(t, k.BlockFlow())
	assert.NotNil(t, k.ConfigFlow())
	assert.False(t, k.Owner().IsZero())
}

func TestGetBlockCellStateReflectsDocument(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	doc, contextID, err := k.Store().CreateDocument(ctx, k.Owner(), "test-doc", true)
	require.NoError(t, err)
	_, err = doc.InsertBlock(nil, block.RoleUser, block.KindText, "hi", nil)
	require.NoError(t, err)

	state, err := k.GetBlockCellState(ctx, contextID, "text", "")
	require.NoError(t, err)
	assert.Equal(t, contextID, state.DocumentID)
	assert.NotEmpty(t, state.OplogBytes)
	assert.Equal(t, "text", state.Kind)
}

func TestGetBlockCellStateReflectsMutationVersion(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	_, contextID, err := k.Store().CreateDocument(ctx, k.Owner(), "test-doc", true)
	require.NoError(t, err)

	require.NoError(t, k.Store().Mutate(ctx, contextID, flowbus.OriginLocal, func(d *blockcrdt.Document) error {
		_, err := d.InsertBlock(nil, block.RoleUser, block.KindText, "hi", nil)
		return err
	}))

	state, err := k.GetBlockCellState(ctx, contextID, "text", "")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Version)
}

func TestHandleUpgradeSucceedsWhileKernelAlive(t *testing.T) {
	k := newTestKernel(t)
	h := k.Handle()

	upgraded, err := h.Upgrade()
	require.NoError(t, err)
	assert.Same(t, k, upgraded)
}
