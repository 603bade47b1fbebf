package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockweave/internal/ids"
)

func TestSaveAndLoadDocument(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "blockweave.db"))
	require.NoError(t, err)
	defer store.Close()

	ctxID := ids.NewContextId()
	owner := ids.NewPrincipalId()
	now := time.Now().UTC().Truncate(time.Second)

	meta := DocumentMeta{ContextID: ctxID, Owner: owner, Title: "scratch", Version: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.SaveDocument(context.Background(), meta, []byte("oplog-bytes")))

	loaded, oplog, err := store.LoadDocument(context.Background(), ctxID)
	require.NoError(t, err)
	assert.Equal(t, ctxID, loaded.ContextID)
	assert.Equal(t, owner, loaded.Owner)
	assert.Equal(t, "scratch", loaded.Title)
	assert.Equal(t, []byte("oplog-bytes"), oplog)
}

func TestLoadMissingDocumentReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "blockweave.db"))
	require.NoError(t, err)
	defer store.Close()

	_, _, err = store.LoadDocument(context.Background(), ids.NewContextId())
	require.Error(t, err)
	_, ok := err.(ErrDocumentNotFound)
	assert.True(t, ok)
}

func TestListAndDeleteDocuments(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "blockweave.db"))
	require.NoError(t, err)
	defer store.Close()

	ctxID := ids.NewContextId()
	now := time.Now().UTC()
	meta := DocumentMeta{ContextID: ctxID, Owner: ids.NewPrincipalId(), CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.SaveDocument(context.Background(), meta, []byte("x")))

	list, err := store.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.DeleteDocument(context.Background(), ctxID))
	list, err = store.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
