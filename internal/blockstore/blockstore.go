// Package blockstore is the server-side concurrent collection of
// BlockDocuments: create/get/list/delete, durable persistence, and
// BlockFlow event synthesis from before/after snapshot diffs (spec.md
// §4.2).
//
// Grounded on _examples/homveloper-boss-raid-game/luvjson/crdtstorage's
// storageImpl (storage.go: `documents map[string]*Document` behind a
// single sync.RWMutex, CreateDocument/GetDocument/DeleteDocument,
// saveDocument, setupSyncManager, doc.startAutoSave) — adapted from one
// CRDT document type to blockcrdt.Document, from the teacher's
// onChangeCallbacks list to flowbus.BlockFlow, and from the teacher's
// pluggable PersistenceProvider to the concrete embedded
// internal/persistence.Store spec.md's persistence section calls for.
package blockstore

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"blockweave/internal/block"
	"blockweave/internal/blockcrdt"
	"blockweave/internal/flowbus"
	"blockweave/internal/ids"
	"blockweave/internal/persistence"
)

// docEntry is one loaded document plus the bookkeeping BlockStore needs to
// autosave it and diff its state across mutations.
type docEntry struct {
	doc     *blockcrdt.Document
	owner   ids.PrincipalId
	title   string
	durable bool

	// version is the monotonic mutation counter (spec.md §3 invariant 6,
	// §4.2 step (d)): bumped once per Mutate/compact call and stamped onto
	// every BlockEvent and persisted DocumentMeta that call produces. It
	// never participates in CRDT merge decisions — it is purely a local,
	// server-side gap-detection aid for BlockFlow subscribers.
	version atomic.Int64

	mu         sync.Mutex // guards lastAll/lastOrder below
	lastAll    []block.Snapshot
	lastOrder  []ids.BlockId
	cancelAuto context.CancelFunc
}

// BlockStore is the concurrent, persisted collection of every loaded
// document.
type BlockStore struct {
	mu          sync.RWMutex
	documents   map[ids.ContextId]*docEntry
	persistence *persistence.Store
	flow        *flowbus.BlockFlow

	autoSaveInterval time.Duration
}

// New creates a BlockStore backed by store and publishing to flow.
// autoSaveInterval <= 0 disables the periodic autosave goroutine (callers
// must then call SaveDocument explicitly, e.g. on shutdown).
func New(store *persistence.Store, flow *flowbus.BlockFlow, autoSaveInterval time.Duration) *BlockStore {
	return &BlockStore{
		documents:        make(map[ids.ContextId]*docEntry),
		persistence:      store,
		flow:             flow,
		autoSaveInterval: autoSaveInterval,
	}
}

// CreateDocument creates a brand-new document. A durable document is
// persisted immediately and autosaved periodically; a non-durable one
// (e.g. a scratch/ephemeral context) lives only in memory until the
// caller explicitly persists it, and Mutate/compact never write it to
// disk either — spec.md §6 draws this distinction for contexts that exist
// only for the lifetime of a single session.
func (bs *BlockStore) CreateDocument(ctx context.Context, owner ids.PrincipalId, title string, durable bool) (*blockcrdt.Document, ids.ContextId, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	contextID := ids.NewContextId()
	doc := blockcrdt.NewDocument(contextID, owner)
	entry := &docEntry{doc: doc, owner: owner, title: title, durable: durable}
	bs.documents[contextID] = entry

	if !durable {
		return doc, contextID, nil
	}

	bs.startAutoSave(contextID, entry)
	if err := bs.persistLocked(ctx, contextID, entry); err != nil {
		delete(bs.documents, contextID)
		return nil, ids.ContextId{}, err
	}
	return doc, contextID, nil
}

// GetDocument returns an already-loaded document, or loads it from
// persistence on first access.
func (bs *BlockStore) GetDocument(ctx context.Context, contextID ids.ContextId, localAgent ids.PrincipalId) (*blockcrdt.Document, error) {
	bs.mu.RLock()
	entry, ok := bs.documents[contextID]
	bs.mu.RUnlock()
	if ok {
		return entry.doc, nil
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if entry, ok := bs.documents[contextID]; ok {
		return entry.doc, nil
	}

	meta, oplog, err := bs.persistence.LoadDocument(ctx, contextID)
	if err != nil {
		return nil, err
	}
	var doc *blockcrdt.Document
	if len(oplog) > 0 {
		doc, err = blockcrdt.FromOplog(oplog, contextID, localAgent)
		if err != nil {
			return nil, fmt.Errorf("blockstore: replay oplog for %s: %w", contextID, err)
		}
	} else {
		doc = blockcrdt.NewDocument(contextID, localAgent)
	}
	entry = &docEntry{doc: doc, owner: meta.Owner, title: meta.Title, durable: true}
	entry.version.Store(int64(meta.Version))
	bs.documents[contextID] = entry
	bs.startAutoSave(contextID, entry)
	return doc, nil
}

// DocumentVersion returns a loaded document's current mutation counter.
// The second return value is false if contextID is not loaded.
func (bs *BlockStore) DocumentVersion(contextID ids.ContextId) (int, bool) {
	bs.mu.RLock()
	entry, ok := bs.documents[contextID]
	bs.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return int(entry.version.Load()), true
}

// ListDocuments returns every document's durable metadata.
func (bs *BlockStore) ListDocuments(ctx context.Context) ([]persistence.DocumentMeta, error) {
	return bs.persistence.ListDocuments(ctx)
}

// MarkDurable promotes a non-durable document to durable: it starts
// autosaving and is written to persistence immediately. Promoting an
// already-durable document is a no-op.
func (bs *BlockStore) MarkDurable(ctx context.Context, contextID ids.ContextId) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	entry, ok := bs.documents[contextID]
	if !ok {
		return fmt.Errorf("blockstore: document not loaded: %s", contextID)
	}
	if entry.durable {
		return nil
	}
	entry.durable = true
	bs.startAutoSave(contextID, entry)
	return bs.persistLocked(ctx, contextID, entry)
}

// DeleteDocument evicts a loaded document (if any) and removes it from
// persistence.
func (bs *BlockStore) DeleteDocument(ctx context.Context, contextID ids.ContextId) error {
	bs.mu.Lock()
	if entry, ok := bs.documents[contextID]; ok {
		if entry.cancelAuto != nil {
			entry.cancelAuto()
		}
		delete(bs.documents, contextID)
	}
	bs.mu.Unlock()
	return bs.persistence.DeleteDocument(ctx, contextID)
}

// Mutate runs fn against the document named by contextID, then diffs its
// state before and after to synthesize BlockFlow events, and persists the
// result (spec.md §4.2: "every mutating operation ends by publishing the
// blocks it touched").
func (bs *BlockStore) Mutate(ctx context.Context, contextID ids.ContextId, origin flowbus.Origin, fn func(*blockcrdt.Document) error) error {
	bs.mu.RLock()
	entry, ok := bs.documents[contextID]
	bs.mu.RUnlock()
	if !ok {
		return fmt.Errorf("blockstore: document not loaded: %s", contextID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	beforeAll := entry.doc.AllSnapshots()
	beforeOrder := liveOrder(entry.doc.Snapshots())

	if err := fn(entry.doc); err != nil {
		return err
	}

	afterAll := entry.doc.AllSnapshots()
	afterOrder := liveOrder(entry.doc.Snapshots())

	events := diff(contextID, beforeAll, afterAll, beforeOrder, afterOrder)
	entry.lastAll = afterAll
	entry.lastOrder = afterOrder
	version := int(entry.version.Add(1))

	if bs.flow != nil {
		for _, ev := range events {
			ev.Origin = origin
			ev.Version = version
			bs.flow.Publish(ev)
		}
	}

	if !entry.durable {
		return nil
	}
	bs.mu.Lock()
	err := bs.persistLocked(ctx, contextID, entry)
	bs.mu.Unlock()
	return err
}

// CompactDocument runs Document.Compact and publishes resulting updates,
// then persists. CompactDocumentSilent does the same but suppresses
// BlockFlow events, for use during bulk/background maintenance passes that
// should not wake up watching clients (spec.md §4.1 Compaction).
func (bs *BlockStore) CompactDocument(ctx context.Context, contextID ids.ContextId) error {
	return bs.compact(ctx, contextID, true)
}

func (bs *BlockStore) CompactDocumentSilent(ctx context.Context, contextID ids.ContextId) error {
	return bs.compact(ctx, contextID, false)
}

func (bs *BlockStore) compact(ctx context.Context, contextID ids.ContextId, publish bool) error {
	bs.mu.RLock()
	entry, ok := bs.documents[contextID]
	bs.mu.RUnlock()
	if !ok {
		return fmt.Errorf("blockstore: document not loaded: %s", contextID)
	}

	entry.mu.Lock()
	beforeAll := entry.doc.AllSnapshots()
	beforeOrder := liveOrder(entry.doc.Snapshots())
	entry.doc.Compact()
	afterAll := entry.doc.AllSnapshots()
	afterOrder := liveOrder(entry.doc.Snapshots())
	entry.lastAll = afterAll
	entry.lastOrder = afterOrder
	entry.mu.Unlock()
	version := int(entry.version.Add(1))

	if publish && bs.flow != nil {
		for _, ev := range diff(contextID, beforeAll, afterAll, beforeOrder, afterOrder) {
			ev.Origin = flowbus.OriginLocal
			ev.Version = version
			bs.flow.Publish(ev)
		}
	}

	if !entry.durable {
		return nil
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.persistLocked(ctx, contextID, entry)
}

// SaveDocument persists contextID's current state immediately, bypassing
// autosave timing. Callers should invoke this for every durable document
// before process shutdown; it is a no-op for non-durable documents.
func (bs *BlockStore) SaveDocument(ctx context.Context, contextID ids.ContextId) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	entry, ok := bs.documents[contextID]
	if !ok {
		return fmt.Errorf("blockstore: document not loaded: %s", contextID)
	}
	if !entry.durable {
		return nil
	}
	return bs.persistLocked(ctx, contextID, entry)
}

func (bs *BlockStore) persistLocked(ctx context.Context, contextID ids.ContextId, entry *docEntry) error {
	oplog, err := entry.doc.OplogBytes()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	meta := persistence.DocumentMeta{
		ContextID: contextID,
		Owner:     entry.owner,
		Title:     entry.title,
		Version:   int(entry.version.Load()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return bs.persistence.SaveDocument(ctx, meta, oplog)
}

func (bs *BlockStore) startAutoSave(contextID ids.ContextId, entry *docEntry) {
	if bs.autoSaveInterval <= 0 {
		return
	}
	autoCtx, cancel := context.WithCancel(context.Background())
	entry.cancelAuto = cancel
	go func() {
		ticker := time.NewTicker(bs.autoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-autoCtx.Done():
				return
			case <-ticker.C:
				_ = bs.SaveDocument(autoCtx, contextID)
			}
		}
	}()
}

func liveOrder(snaps []block.Snapshot) []ids.BlockId {
	out := make([]ids.BlockId, len(snaps))
	for i, s := range snaps {
		out[i] = s.ID
	}
	return out
}

// diff compares two (all-snapshots, live-order) pairs and synthesizes the
// BlockFlow events that explain the transition.
func diff(contextID ids.ContextId, beforeAll, afterAll []block.Snapshot, beforeOrder, afterOrder []ids.BlockId) []flowbus.BlockEvent {
	beforeMap := make(map[ids.BlockId]block.Snapshot, len(beforeAll))
	for _, s := range beforeAll {
		beforeMap[s.ID] = s
	}
	beforeIdx := make(map[ids.BlockId]int, len(beforeOrder))
	for i, id := range beforeOrder {
		beforeIdx[id] = i
	}
	afterIdx := make(map[ids.BlockId]int, len(afterOrder))
	for i, id := range afterOrder {
		afterIdx[id] = i
	}

	var events []flowbus.BlockEvent
	for _, after := range afterAll {
		before, existed := beforeMap[after.ID]
		switch {
		case !existed:
			events = append(events, flowbus.BlockEvent{Context: contextID, Block: after.ID, Kind: flowbus.BlockEventInserted})
		case !before.Tombstone && after.Tombstone:
			events = append(events, flowbus.BlockEvent{Context: contextID, Block: after.ID, Kind: flowbus.BlockEventDeleted})
		case !after.Tombstone:
			if !reflect.DeepEqual(before, after) {
				events = append(events, flowbus.BlockEvent{Context: contextID, Block: after.ID, Kind: flowbus.BlockEventUpdated})
			} else if bi, bok := beforeIdx[after.ID]; bok {
				if ai := afterIdx[after.ID]; ai != bi {
					events = append(events, flowbus.BlockEvent{Context: contextID, Block: after.ID, Kind: flowbus.BlockEventMoved})
				}
			}
		}
	}
	return events
}
