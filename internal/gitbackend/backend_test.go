package gitbackend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockweave/internal/blockstore"
	"blockweave/internal/flowbus"
	"blockweave/internal/ids"
	"blockweave/internal/persistence"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.bin"), []byte{0x00, 0x01, 0x02, 0xFF}, 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(".")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)},
	})
	require.NoError(t, err)

	return dir
}

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

	backend, err := New(filepath.Join(dir, "worktrees"), store, configFlow, owner)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return backend, configFlow
}

func TestRegisterRepoCreatesWorktreeSymlinkAndDocument(t *testing.T) {
	repoPath := initTestRepo(t)
	b, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.RegisterRepo(ctx, "proj", repoPath))

	linkTarget, err := os.Readlink(filepath.Join(b.worktreesDir, "proj"))
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(repoPath)
	require.NoError(t, err)
	assert.Equal(t, resolved, linkTarget)

	rs, err := b.repoState("proj")
	require.NoError(t, err)
	assert.Equal(t, "master", rs.branch)
}

func TestReadLazilyLoadsFileIntoCRDT(t *testing.T) {
	repoPath := initTestRepo(t)
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.RegisterRepo(ctx, "proj", repoPath))

	content, err := b.Read(ctx, "proj", "README.md")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", content)

	rs, err := b.repoState("proj")
	require.NoError(t, err)
	rs.mu.Lock()
	_, loaded := rs.blockIDs["README.md"]
	rs.mu.Unlock()
	assert.True(t, loaded)
}

func TestReadDetectsBinaryAndSkipsCRDT(t *testing.T) {
	repoPath := initTestRepo(t)
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.RegisterRepo(ctx, "proj", repoPath))

	_, err := b.Read(ctx, "proj", "image.bin")
	require.NoError(t, err)

	rs, err := b.repoState("proj")
	require.NoError(t, err)
	rs.mu.Lock()
	isBin := rs.binary["image.bin"]
	_, loaded := rs.blockIDs["image.bin"]
	rs.mu.Unlock()
	assert.True(t, isBin)
	assert.False(t, loaded)

	err = b.Write(ctx, "proj", "image.bin", "replacement")
	require.Error(t, err)
	_, ok := err.(ErrBinaryFile)
	assert.True(t, ok)
}

func TestWriteFlushesToDiskAfterDebounce(t *testing.T) {
	repoPath := initTestRepo(t)
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.RegisterRepo(ctx, "proj", repoPath))

	require.NoError(t, b.Write(ctx, "proj", "README.md", "updated\n"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(repoPath, "README.md"))
		return err == nil && string(data) == "updated\n"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReadUnregisteredRepoReturnsErrRepoNotRegistered(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.Read(context.Background(), "nope", "README.md")
	require.Error(t, err)
	_, ok := err.(ErrRepoNotRegistered)
	assert.True(t, ok)
}
