package blockcrdt

import (
	"encoding/json"

	"blockweave/internal/block"
	"blockweave/internal/ids"
)

// Frontier reports the document's current agent-counter summary. Callers
// persist this alongside whatever state they synced and present it back to
// OpsSince on the next round (spec §4.1, §4.3 incremental sync).
func (d *Document) Frontier() Frontier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	counters := make(map[string]uint64, len(d.agentCounters))
	for k, v := range d.agentCounters {
		counters[k] = v
	}
	return Frontier{Epoch: d.epoch, Counters: counters}
}

// OpsSince returns every op the document has recorded since f, or
// ErrFrontierInvalidated if f predates the last Compact.
func (d *Document) OpsSince(f Frontier) ([]Op, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if f.Epoch < d.epoch {
		return nil, ErrFrontierInvalidated{}
	}
	var out []Op
	for _, op := range d.oplog {
		if op.Clock.Counter > f.Counters[op.Clock.Agent.String()] {
			out = append(out, op)
		}
	}
	return out, nil
}

// applyOp dispatches a single remote op against current state. It is
// idempotent: applying the same op twice leaves the document unchanged the
// second time, and returns applied=false so callers (MergeOpsOwned) can
// tell which ops actually moved the state forward.
func (d *Document) applyOp(op Op) (applied bool, err error) {
	switch op.Kind {
	case OpInsertBlock:
		if _, ok := d.entries[op.Block]; ok {
			return false, nil
		}
		if op.ParentID != nil {
			if _, ok := d.entries[*op.ParentID]; !ok {
				return false, ErrDataMissing{Target: *op.ParentID}
			}
		}
		entry := &blockEntry{
			id:         op.Block,
			parentID:   op.ParentID,
			role:       op.Role,
			kind:       op.BlockKind,
			author:     op.Author,
			createdAt:  op.CreatedAt,
			header:     newHeaderNode(),
			content:    newTextNode(),
			order:      op.Order,
			orderClock: op.Clock,
		}
		if op.BlockKind == block.KindToolCall || op.BlockKind == block.KindToolResult {
			entry.toolInput = newTextNode()
		}
		d.entries[op.Block] = entry
		d.blocks.Add(op.Block, op.Clock)

	case OpSetHeader:
		entry, ok := d.entries[op.Block]
		if !ok {
			return false, ErrDataMissing{Target: op.Block}
		}
		if !entry.header.MergeSet(op.HeaderKey, op.Clock, op.HeaderValue) {
			return false, nil
		}

	case OpTextInsert:
		entry, ok := d.entries[op.Block]
		if !ok {
			return false, ErrDataMissing{Target: op.Block}
		}
		node := textNodeFor(entry, op.Field)
		if node == nil {
			return false, nil // already promoted to a register; nothing left to merge into
		}
		runes := []rune(op.Value)
		if len(runes) == 0 {
			return false, nil
		}
		before := node.Len()
		if !node.mergeInsert(op.AfterID, op.Clock, runes[0]) {
			return false, ErrDataMissing{Target: op.Block}
		}
		if node.Len() == before {
			return false, nil // rune already present
		}

	case OpTextDelete:
		entry, ok := d.entries[op.Block]
		if !ok {
			return false, ErrDataMissing{Target: op.Block}
		}
		node := textNodeFor(entry, op.Field)
		if node == nil {
			return false, nil
		}
		before := node.Len()
		if !node.mergeDelete(op.StartID, op.EndID) {
			return false, ErrDataMissing{Target: op.Block}
		}
		if node.Len() == before {
			return false, nil // range already deleted
		}

	case OpSetOrder:
		entry, ok := d.entries[op.Block]
		if !ok {
			return false, ErrDataMissing{Target: op.Block}
		}
		if op.Clock.Compare(entry.orderClock) <= 0 {
			return false, nil
		}
		entry.order = op.Order
		entry.orderClock = op.Clock

	case OpTombstone:
		if !d.blocks.Contains(op.Block) {
			return false, ErrDataMissing{Target: op.Block}
		}
		if !d.blocks.Tombstone(op.Block) {
			return false, nil
		}

	default:
		return false, ErrUnsupportedOperation{Message: string(op.Kind)}
	}

	d.recordOp(op)
	return true, nil
}

func textNodeFor(entry *blockEntry, field TextField) *TextNode {
	switch field {
	case FieldContent:
		return entry.content
	case FieldToolInput:
		return entry.toolInput
	default:
		return nil
	}
}

// MergeOps applies a batch of remote ops, stopping at the first op whose
// causal dependency is missing locally (ErrDataMissing) so the caller can
// buffer and retry once that dependency arrives (spec §4.3).
func (d *Document) MergeOps(ops []Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		if _, err := d.applyOp(op); err != nil {
			return err
		}
	}
	return nil
}

// MergeOpsOwned applies a batch of remote ops like MergeOps but returns the
// subset that actually changed document state, letting callers (e.g. a
// BlockStore synthesizing BlockFlow events) avoid re-deriving a diff.
func (d *Document) MergeOpsOwned(ops []Op) ([]Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	applied := make([]Op, 0, len(ops))
	for _, op := range ops {
		ok, err := d.applyOp(op)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, op)
		}
	}
	return applied, nil
}

// OplogBytes serializes the full oplog, e.g. for transport to a client
// performing a full resync or for cold-start persistence recovery.
func (d *Document) OplogBytes() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, err := json.Marshal(d.oplog)
	if err != nil {
		return nil, ErrSerialization{Err: err}
	}
	return b, nil
}

// FromOplog reconstructs a Document by replaying a serialized oplog.
func FromOplog(data []byte, context ids.ContextId, localAgent ids.PrincipalId) (*Document, error) {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, ErrSerialization{Err: err}
	}
	d := NewDocument(context, localAgent)
	for _, op := range ops {
		if _, err := d.applyOp(op); err != nil {
			return nil, err
		}
		d.clock.observe(op.Clock)
	}
	return d, nil
}

// Compact freezes settled blocks' text into registers and discards the
// oplog, bumping the epoch so any Frontier captured beforehand is rejected
// by OpsSince (spec §4.1 Compaction). Callers that need to keep serving
// incremental sync to a lagging replica must push it a full resync first.
func (d *Document) Compact() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, entry := range d.entries {
		if !d.blocks.IsLive(id) {
			continue
		}
		status := block.Status(entry.headerString("status"))
		if status == block.StatusDone || status == block.StatusError {
			d.tryPromote(id)
		}
	}
	d.oplog = nil
	d.epoch++
}

// Fork produces an independent new document owned by newAgent under
// newContext, containing the same live blocks in the same order but with
// fresh BlockIds — content crosses into the new document by value
// (InsertFromSnapshot), never by replaying or merging the source oplog, so
// the two documents can diverge freely afterward.
func (d *Document) Fork(newContext ids.ContextId, newAgent ids.PrincipalId) *Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nd := NewDocument(newContext, newAgent)
	idMap := make(map[ids.BlockId]ids.BlockId, len(d.entries))
	var prev *ids.BlockId
	for _, e := range d.sortedLive() {
		snap := e.snapshot(false)
		if snap.ParentID != nil {
			if mapped, ok := idMap[*snap.ParentID]; ok {
				snap.ParentID = &mapped
			} else {
				snap.ParentID = nil
			}
		}
		newID, err := nd.InsertFromSnapshot(snap, prev)
		if err != nil {
			continue
		}
		idMap[e.id] = newID
		prev = &newID
	}
	return nd
}

// ForkAtVersion forks the document as it existed at a prior Frontier,
// rather than at its current state, by first replaying only the ops that
// frontier had already observed into a scratch document and forking that.
func (d *Document) ForkAtVersion(f Frontier, newContext ids.ContextId, newAgent ids.PrincipalId) (*Document, error) {
	d.mu.RLock()
	if f.Epoch < d.epoch {
		d.mu.RUnlock()
		return nil, ErrFrontierInvalidated{}
	}
	scratch := NewDocument(d.context, d.localAgent)
	for _, op := range d.oplog {
		if op.Clock.Counter > f.Counters[op.Clock.Agent.String()] {
			continue
		}
		if _, err := scratch.applyOp(op); err != nil {
			d.mu.RUnlock()
			return nil, err
		}
	}
	d.mu.RUnlock()
	return scratch.Fork(newContext, newAgent), nil
}
