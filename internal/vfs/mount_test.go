package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountTableRoutesByLongestPrefix(t *testing.T) {
	table := NewMountTable()
	mnt := NewMemBackend()
	project := NewMemBackend()
	table.Mount("/mnt", mnt)
	table.Mount("/mnt/project", project)

	ctx := context.Background()
	require.NoError(t, project.Write(ctx, "/src/main.go", []byte("package main")))

	data, err := table.Read(ctx, "/mnt/project/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))
}

func TestMountTableRootSynthesizesEntries(t *testing.T) {
	table := NewMountTable()
	table.Mount("/mnt", NewMemBackend())
	table.Mount("/config", NewMemBackend())

	entries, err := table.Readdir(context.Background(), "/")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.ElementsMatch(t, []string{"mnt", "config"}, names)
}

func TestMountTableCrossDeviceRenameRejected(t *testing.T) {
	table := NewMountTable()
	table.Mount("/a", NewMemBackend())
	table.Mount("/b", NewMemBackend())

	err := table.Rename(context.Background(), "/a/file.txt", "/b/file.txt")
	require.Error(t, err)
	_, ok := err.(ErrCrossDeviceLink)
	assert.True(t, ok)
}

// TestMountTableEscapeVsLegitimateTraversal mirrors scenario S6: a
// request that canonicalizes outside the local backend's root is
// rejected, while one that canonicalizes back inside it (via ".." that
// stays within root) succeeds.
func TestMountTableEscapeVsLegitimateTraversal(t *testing.T) {
	base := t.TempDir()
	projectDir := filepath.Join(base, "proj")
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "src", "main.rs"), []byte("fn main() {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "etc_passwd"), []byte("root:x"), 0o644))

	local, err := NewLocalBackend(projectDir)
	require.NoError(t, err)

	table := NewMountTable()
	table.Mount("/mnt", local)

	_, err = table.Read(context.Background(), "/mnt/../etc_passwd")
	require.Error(t, err)
	_, ok := err.(ErrPathEscapesRoot)
	assert.True(t, ok, "the local backend must catch the escape even though the mount table still routed it there")

	data, err := table.Read(context.Background(), "/mnt/src/../src/main.rs")
	require.NoError(t, err)
	assert.Equal(t, "fn main() {}", string(data))
}
