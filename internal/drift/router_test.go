package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockweave/internal/block"
	"blockweave/internal/ids"
)

func TestRegisterIsIdempotentPerContext(t *testing.T) {
	r := New()
	ctx := ids.NewContextId()

	short1, err := r.Register(ctx, "alpha", "")
	require.NoError(t, err)
	assert.Len(t, short1, 6)

	short2, err := r.Register(ctx, "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, short1, short2)

	resolved, ok := r.Lookup(short1)
	require.True(t, ok)
	assert.Equal(t, ctx, resolved)
}

func TestConfigureLLMRequiresRegisteredShortID(t *testing.T) {
	r := New()
	err := r.ConfigureLLM("deadbe", "anthropic", "claude")
	assert.Error(t, err)
	_, ok := err.(ErrUnknownShortID)
	assert.True(t, ok)

	ctx := ids.NewContextId()
	short, err := r.Register(ctx, "alpha", "")
	require.NoError(t, err)
	require.NoError(t, r.ConfigureLLM(short, "anthropic", "claude"))
}

func TestStageQueueCancel(t *testing.T) {
	r := New()
	source := ids.NewContextId()
	target := ids.NewContextId()

	id, err := r.Stage(source, target, "hello", "claude", block.DriftKindPush)
	require.NoError(t, err)
	assert.Len(t, r.Queue(), 1)

	require.NoError(t, r.Cancel(id))
	assert.Empty(t, r.Queue())

	err = r.Cancel(id)
	assert.Error(t, err)
	_, ok := err.(ErrUnknownStagedID)
	assert.True(t, ok)
}

func TestDrainScopedToContext(t *testing.T) {
	r := New()
	a, b, c := ids.NewContextId(), ids.NewContextId(), ids.NewContextId()

	_, err := r.Stage(a, b, "one", "m", block.DriftKindPush)
	require.NoError(t, err)
	_, err = r.Stage(c, a, "two", "m", block.DriftKindPull)
	require.NoError(t, err)
	_, err = r.Stage(c, b, "three", "m", block.DriftKindMerge)
	require.NoError(t, err)

	drained := r.Drain(&a)
	assert.Len(t, drained, 2)
	remaining := r.Queue()
	require.Len(t, remaining, 1)
	assert.Equal(t, "three", remaining[0].Content)
}

func TestDrainAllWhenScopeNil(t *testing.T) {
	r := New()
	a, b := ids.NewContextId(), ids.NewContextId()
	_, err := r.Stage(a, b, "one", "m", block.DriftKindPush)
	require.NoError(t, err)
	_, err = r.Stage(b, a, "two", "m", block.DriftKindPull)
	require.NoError(t, err)

	drained := r.Drain(nil)
	assert.Len(t, drained, 2)
	assert.Empty(t, r.Queue())
}

func TestBuildDriftBlockCarriesSourceMetadata(t *testing.T) {
	r := New()
	source := ids.NewContextId()
	target := ids.NewContextId()
	author := ids.NewPrincipalId()

	id, err := r.Stage(source, target, "payload", "gpt", block.DriftKindDistill)
	require.NoError(t, err)
	drained := r.Drain(&target)
	require.Len(t, drained, 1)
	assert.Equal(t, id, drained[0].ID)

	snap := r.BuildDriftBlock(drained[0], author, nil)
	assert.Equal(t, block.KindDrift, snap.Kind)
	assert.Equal(t, "payload", snap.Content)
	assert.Equal(t, source, snap.SourceContext)
	assert.Equal(t, "gpt", snap.SourceModel)
	assert.Equal(t, block.DriftKindDistill, snap.DriftKind)
	assert.Equal(t, author, snap.Author)
}
