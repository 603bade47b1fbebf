package configbackend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockweave/internal/blockstore"
	"blockweave/internal/flowbus"
	"blockweave/internal/ids"
	"blockweave/internal/persistence"
)

func newTestBackend(t *testing.T) (*Backend, *flowbus.ConfigFlow) {
	t.Helper()
	dir := t.TempDir()
	pstore, err := persistence.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pstore.Close() })

	blockFlow := flowbus.NewBlockFlow(16)
	t.Cleanup(blockFlow.Close)
	configFlow := flowbus.NewConfigFlow(16)
	t.Cleanup(configFlow.Close)

	store := blockstore.New(pstore, blockFlow, 0)
	owner := ids.NewPrincipalId()

	backend, err := New(filepath.Join(dir, "config"), store, configFlow, owner)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return backend, configFlow
}

func waitForEvent(t *testing.T, ch <-chan flowbus.ConfigEvent, timeout time.Duration) (flowbus.ConfigEvent, bool) {
	t.Helper()
	select {
	case ev := <-ch:
		return ev, true
	case <-time.After(timeout):
		return flowbus.ConfigEvent{}, false
	}
}

func TestEnsureWritesEmbeddedDefaultWhenMissing(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	contextID, blockID, err := b.Ensure(ctx, "theme.rhai", "// default theme\n")
	require.NoError(t, err)
	assert.False(t, contextID.IsZero())
	assert.False(t, blockID.IsZero())

	data, err := os.ReadFile(filepath.Join(b.configDir, "theme.rhai"))
	require.NoError(t, err)
	assert.Equal(t, "// default theme\n", string(data))

	content, err := b.Read(ctx, "theme.rhai")
	require.NoError(t, err)
	assert.Equal(t, "// default theme\n", content)
}

func TestEnsureLoadsExistingDiskContent(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(b.configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(b.configDir, "existing.json"), []byte(`{"a":1}`), 0o644))

	_, _, err := b.Ensure(ctx, "existing.json", "{}")
	require.NoError(t, err)

	content, err := b.Read(ctx, "existing.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, content)
}

func TestWriteFlushesToDiskAfterDebounce(t *testing.T) {
	b, flow := newTestBackend(t)
	ctx := context.Background()

	contextID, _, err := b.Ensure(ctx, "a.json", "{}")
	require.NoError(t, err)

	sub := flow.Subscribe(ctx, contextID, "test")

	require.NoError(t, b.Write(ctx, "a.json", `{"x":1}`))

	ev, ok := waitForEvent(t, sub, 2*time.Second)
	require.True(t, ok, "expected a Changed event after debounce")
	assert.Equal(t, flowbus.ConfigEventChanged, ev.Kind)
	assert.Equal(t, flowbus.OriginLocal, ev.Origin)

	data, err := os.ReadFile(filepath.Join(b.configDir, "a.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(data))
}

func TestWriteInvalidJSONEmitsValidationFailedAndSkipsDisk(t *testing.T) {
	b, flow := newTestBackend(t)
	ctx := context.Background()

	contextID, _, err := b.Ensure(ctx, "bad.json", "{}")
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(b.configDir, "bad.json"))
	require.NoError(t, err)

	sub := flow.Subscribe(ctx, contextID, "test")
	require.NoError(t, b.Write(ctx, "bad.json", `{not valid`))

	ev, ok := waitForEvent(t, sub, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, flowbus.ConfigEventValidationError, ev.Kind)
	assert.Error(t, ev.Err)

	after, err := os.ReadFile(filepath.Join(b.configDir, "bad.json"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestReadUnloadedPathReturnsErrNotLoaded(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.Read(context.Background(), "nope.json")
	require.Error(t, err)
	_, ok := err.(ErrNotLoaded)
	assert.True(t, ok)
}

func TestExternalEditReloadsIntoCRDTAsRemote(t *testing.T) {
	b, flow := newTestBackend(t)
	ctx := context.Background()

	contextID, _, err := b.Ensure(ctx, "theme.rhai", "old")
	require.NoError(t, err)

	sub := flow.Subscribe(ctx, contextID, "test")

	diskPath := filepath.Join(b.configDir, "theme.rhai")
	require.NoError(t, os.WriteFile(diskPath, []byte("new"), 0o644))

	var ev flowbus.ConfigEvent
	var ok bool
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok = waitForEvent(t, sub, 3*time.Second)
		if ok && ev.Origin == flowbus.OriginRemote {
			break
		}
	}
	require.True(t, ok, "expected a remote-origin Changed event from the external edit")
	assert.Equal(t, flowbus.ConfigEventChanged, ev.Kind)
	assert.Equal(t, flowbus.OriginRemote, ev.Origin)

	content, err := b.Read(ctx, "theme.rhai")
	require.NoError(t, err)
	assert.Equal(t, "new", content)
}
