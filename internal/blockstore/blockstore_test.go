package blockstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockweave/internal/block"
	"blockweave/internal/blockcrdt"
	"blockweave/internal/flowbus"
	"blockweave/internal/ids"
	"blockweave/internal/persistence"
)

func newTestStore(t *testing.T) (*BlockStore, *persistence.Store, *flowbus.BlockFlow) {
	t.Helper()
	dir := t.TempDir()
	pstore, err := persistence.Open(filepath.Join(dir, "blockweave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pstore.Close() })

	flow := flowbus.NewBlockFlow(16)
	t.Cleanup(flow.Close)

	return New(pstore, flow, 0), pstore, flow
}

func TestCreateDocumentDurablePersists(t *testing.T) {
	bs, pstore, _ := newTestStore(t)
	owner := ids.NewPrincipalId()

	_, contextID, err := bs.CreateDocument(context.Background(), owner, "hello", true)
	require.NoError(t, err)

	meta, _, err := pstore.LoadDocument(context.Background(), contextID)
	require.NoError(t, err)
	assert.Equal(t, "hello", meta.Title)
}

func TestCreateDocumentNonDurableNotPersisted(t *testing.T) {
	bs, pstore, _ := newTestStore(t)
	owner := ids.NewPrincipalId()

	_, contextID, err := bs.CreateDocument(context.Background(), owner, "scratch", false)
	require.NoError(t, err)

	_, _, err = pstore.LoadDocument(context.Background(), contextID)
	require.Error(t, err)
	_, ok := err.(persistence.ErrDocumentNotFound)
	assert.True(t, ok)
}

func TestMutatePublishesInsertedAndPersists(t *testing.T) {
	bs, pstore, flow := newTestStore(t)
	owner := ids.NewPrincipalId()

	doc, contextID, err := bs.CreateDocument(context.Background(), owner, "doc", true)
	require.NoError(t, err)

	sub := flow.Subscribe(context.Background(), contextID, "watcher")

	var inserted ids.BlockId
	err = bs.Mutate(context.Background(), contextID, flowbus.OriginLocal, func(d *blockcrdt.Document) error {
		id, err := d.InsertBlock(nil, block.RoleUser, block.KindText, "hi", nil)
		if err != nil {
			return err
		}
		inserted = id
		return nil
	})
	_ = doc
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, flowbus.BlockEventInserted, ev.Kind)
		assert.Equal(t, inserted, ev.Block)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for BlockEvent")
	}

	_, oplog, err := pstore.LoadDocument(context.Background(), contextID)
	require.NoError(t, err)
	assert.NotEmpty(t, oplog)
}

func TestCompactDocumentSilentSuppressesEvents(t *testing.T) {
	bs, _, flow := newTestStore(t)
	owner := ids.NewPrincipalId()

	_, contextID, err := bs.CreateDocument(context.Background(), owner, "doc", true)
	require.NoError(t, err)

	sub := flow.Subscribe(context.Background(), contextID, "watcher")

	require.NoError(t, bs.Mutate(context.Background(), contextID, flowbus.OriginLocal, func(d *blockcrdt.Document) error {
		_, err := d.InsertBlock(nil, block.RoleUser, block.KindText, "hi", nil)
		return err
	}))
	<-sub // drain the insert event

	require.NoError(t, bs.CompactDocumentSilent(context.Background(), contextID))

	select {
	case ev := <-sub:
		t.Fatalf("expected no event from silent compaction, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGetDocumentNotLoadedReturnsNotFound(t *testing.T) {
	bs, _, _ := newTestStore(t)
	_, err := bs.GetDocument(context.Background(), ids.NewContextId(), ids.NewPrincipalId())
	require.Error(t, err)
	_, ok := err.(persistence.ErrDocumentNotFound)
	assert.True(t, ok)
}

func TestMutateBumpsVersionAndStampsEvents(t *testing.T) {
	bs, pstore, flow := newTestStore(t)
	owner := ids.NewPrincipalId()

	_, contextID, err := bs.CreateDocument(context.Background(), owner, "doc", true)
	require.NoError(t, err)

	v, ok := bs.DocumentVersion(contextID)
	require.True(t, ok)
	assert.Equal(t, 0, v)

	sub := flow.Subscribe(context.Background(), contextID, "watcher")
	require.NoError(t, bs.Mutate(context.Background(), contextID, flowbus.OriginLocal, func(d *blockcrdt.Document) error {
		_, err := d.InsertBlock(nil, block.RoleUser, block.KindText, "one", nil)
		return err
	}))

	select {
	case ev := <-sub:
		assert.Equal(t, 1, ev.Version)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for BlockEvent")
	}

	v, ok = bs.DocumentVersion(contextID)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	meta, _, err := pstore.LoadDocument(context.Background(), contextID)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Version)

	require.NoError(t, bs.Mutate(context.Background(), contextID, flowbus.OriginLocal, func(d *blockcrdt.Document) error {
		_, err := d.InsertBlock(nil, block.RoleUser, block.KindText, "two", nil)
		return err
	}))
	v, ok = bs.DocumentVersion(contextID)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestGetDocumentReloadsVersionFromPersistence(t *testing.T) {
	bs, pstore, _ := newTestStore(t)
	owner := ids.NewPrincipalId()

	_, contextID, err := bs.CreateDocument(context.Background(), owner, "doc", true)
	require.NoError(t, err)
	require.NoError(t, bs.Mutate(context.Background(), contextID, flowbus.OriginLocal, func(d *blockcrdt.Document) error {
		_, err := d.InsertBlock(nil, block.RoleUser, block.KindText, "hi", nil)
		return err
	}))

	// Simulate a restart: a fresh BlockStore over the same persistence.
	fresh := New(pstore, flowbus.NewBlockFlow(16), 0)
	_, err = fresh.GetDocument(context.Background(), contextID, owner)
	require.NoError(t, err)

	v, ok := fresh.DocumentVersion(contextID)
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestDeleteDocumentRemovesFromStoreAndMemory(t *testing.T) {
	bs, pstore, _ := newTestStore(t)
	owner := ids.NewPrincipalId()

	_, contextID, err := bs.CreateDocument(context.Background(), owner, "doc", true)
	require.NoError(t, err)

	require.NoError(t, bs.DeleteDocument(context.Background(), contextID))

	_, _, err = pstore.LoadDocument(context.Background(), contextID)
	require.Error(t, err)

	_, err = bs.GetDocument(context.Background(), contextID, owner)
	require.Error(t, err)
}
