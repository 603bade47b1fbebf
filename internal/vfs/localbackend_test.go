package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackendWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "/src/main.rs", []byte("fn main() {}")))
	data, err := b.Read(ctx, "/src/main.rs")
	require.NoError(t, err)
	assert.Equal(t, "fn main() {}", string(data))
}

func TestLocalBackendRejectsParentEscape(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "proj")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc_passwd"), []byte("root:x"), 0o644))

	b, err := NewLocalBackend(projectDir)
	require.NoError(t, err)

	_, err = b.Read(context.Background(), "../etc_passwd")
	require.Error(t, err)
	_, ok := err.(ErrPathEscapesRoot)
	assert.True(t, ok)
}

func TestLocalBackendReadOnlyRejectsWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	b, err := NewReadOnlyLocalBackend(dir)
	require.NoError(t, err)

	err = b.Write(context.Background(), "/a.txt", []byte("y"))
	require.Error(t, err)
}

func TestLocalBackendRealPath(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	require.NoError(t, err)

	real, ok := b.RealPath("/file.txt")
	assert.True(t, ok)
	assert.Contains(t, real, "file.txt")
}

func TestLocalBackendStatfsReportsRealCapacity(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	require.NoError(t, err)

	st, err := b.Statfs(context.Background())
	require.NoError(t, err)
	assert.Greater(t, st.TotalBytes, uint64(0))
	assert.GreaterOrEqual(t, st.TotalBytes, st.FreeBytes)
}
