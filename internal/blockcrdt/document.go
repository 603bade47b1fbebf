package blockcrdt

import (
	"sort"
	"sync"
	"time"

	"blockweave/internal/block"
	"blockweave/internal/ids"
)

// blockEntry is a document's per-block CRDT state: a HeaderNode for its
// mutable scalar fields, one or two TextNodes for its editable text, and an
// OrderKey placing it in the document's total order. The write-once fields
// (spec §3 invariant 1) are plain struct fields rather than LWW-registered,
// since Document rejects any attempt to mutate them after creation instead
// of merging concurrent writes to them.
type blockEntry struct {
	id        ids.BlockId
	parentID  *ids.BlockId
	role      block.Role
	kind      block.Kind
	author    ids.PrincipalId
	createdAt time.Time

	header *HeaderNode

	content         *TextNode
	contentRegister *string // non-nil once content has been promoted (spec §4.1 Compaction)

	toolInput         *TextNode
	toolInputRegister *string

	order      OrderKey
	orderClock Clock // stamps the order field for LWW merge on concurrent MoveBlock
}

func (e *blockEntry) contentValue() string {
	if e.contentRegister != nil {
		return *e.contentRegister
	}
	if e.content != nil {
		return e.content.Value()
	}
	return ""
}

func (e *blockEntry) toolInputValue() string {
	if e.toolInputRegister != nil {
		return *e.toolInputRegister
	}
	if e.toolInput != nil {
		return e.toolInput.Value()
	}
	return ""
}

func (e *blockEntry) headerString(key string) string {
	v, ok := e.header.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (e *blockEntry) headerBool(key string) bool {
	v, ok := e.header.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// snapshot renders this entry's current CRDT state as an immutable
// block.Snapshot, the form everything outside blockcrdt consumes.
func (e *blockEntry) snapshot(tombstoned bool) block.Snapshot {
	s := block.Snapshot{
		ID:        e.id,
		ParentID:  e.parentID,
		Role:      e.role,
		Kind:      e.kind,
		Status:    block.Status(e.headerString("status")),
		Content:   e.contentValue(),
		Collapsed: e.headerBool("collapsed"),
		Author:    e.author,
		CreatedAt: e.createdAt,
		Tombstone: tombstoned,
	}
	if e.kind == block.KindToolCall || e.kind == block.KindToolResult {
		s.ToolKind = block.ToolKind(e.headerString("tool_kind"))
		s.ToolName = e.headerString("tool_name")
		s.ToolInput = e.toolInputValue()
		s.ToolCallID = e.headerString("tool_call_id")
		s.IsError = e.headerBool("is_error")
		if v, ok := e.header.Get("exit_code"); ok {
			if code, ok := v.(int); ok {
				s.ExitCode = &code
			}
		}
		if v, ok := e.header.Get("display_hint"); ok {
			if raw, ok := v.([]byte); ok {
				s.DisplayHint = raw
			}
		}
	}
	if e.kind == block.KindDrift {
		if v, ok := e.header.Get("source_context"); ok {
			if c, ok := v.(ids.ContextId); ok {
				s.SourceContext = c
			}
		}
		s.SourceModel = e.headerString("source_model")
		s.DriftKind = block.DriftKind(e.headerString("drift_kind"))
	}
	return s
}

// Frontier is a compact summary of every agent-counter a document has
// observed, used to compute incremental ops_since/merge_ops diffs between
// replicas instead of transferring full state (spec §4.1, §4.3).
//
// A Frontier captured before a Compact call becomes invalid: Compact
// collapses the oplog into synthetic state that no longer has individual
// per-agent-counter resolution below the compaction point, so OpsSince
// returns ErrFrontierInvalidated for any epoch older than the document's
// current one, and the caller must fall back to a full resync.
type Frontier struct {
	Epoch    uint64            `json:"epoch"`
	Counters map[string]uint64 `json:"counters"`
}

// Document is a single block document's CRDT engine: an add-wins block set
// plus per-block header/text/order sub-CRDTs, an oplog for incremental
// sync, and the local agent's clock source for issuing new Clocks.
//
// Grounded throughout on luvjson/crdt.Document
// (_examples/homveloper-boss-raid-game/luvjson/crdt/document.go), which
// plays the analogous role of owning node storage, a logical clock, and an
// applyOperation dispatch loop — generalized here from a single JSON value
// to a DAG of blocks each carrying its own header/text/order state.
type Document struct {
	mu sync.RWMutex

	context    ids.ContextId
	localAgent ids.PrincipalId

	clock    *clockSource
	blockSeq *ids.AgentSequencer

	blocks  *BlockSetNode
	entries map[ids.BlockId]*blockEntry

	oplog          []Op
	agentCounters  map[string]uint64 // agent string -> highest counter observed, any source
	epoch          uint64
}

// NewDocument creates an empty document owned locally by localAgent.
func NewDocument(context ids.ContextId, localAgent ids.PrincipalId) *Document {
	return &Document{
		context:       context,
		localAgent:    localAgent,
		clock:         newClockSource(localAgent),
		blockSeq:      ids.NewAgentSequencer(context, localAgent),
		blocks:        newBlockSetNode(),
		entries:       make(map[ids.BlockId]*blockEntry),
		agentCounters: make(map[string]uint64),
	}
}

func (d *Document) Context() ids.ContextId { return d.context }

// sortedLive returns the document's live blocks ordered by OrderKey, with
// BlockId as the tie-break (spec §3 invariant 3: total order is strict).
func (d *Document) sortedLive() []*blockEntry {
	live := d.blocks.Live()
	out := make([]*blockEntry, 0, len(live))
	for _, id := range live {
		if e, ok := d.entries[id]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].order.Compare(out[j].order); c != 0 {
			return c < 0
		}
		return out[i].id.Compare(out[j].id) < 0
	})
	return out
}

// nextOrderKey computes the OrderKey for inserting immediately after id
// (nil meaning "at the head"), per spec §4.1's ordering algorithm.
func (d *Document) nextOrderKey(after *ids.BlockId) (OrderKey, error) {
	live := d.sortedLive()
	if after == nil {
		if len(live) == 0 {
			return headOrderKey(d.localAgent), nil
		}
		return beforeFirstOrderKey(live[0].order.Value, d.localAgent), nil
	}
	afterEntry, ok := d.entries[*after]
	if !ok || !d.blocks.IsLive(*after) {
		return OrderKey{}, ErrInvalidReference{Field: "after", ID: *after}
	}
	for i, e := range live {
		if e.id == *after {
			if i == len(live)-1 {
				return afterLastOrderKey(e.order.Value, d.localAgent), nil
			}
			return betweenOrderKey(e.order.Value, live[i+1].order.Value, d.localAgent), nil
		}
	}
	return afterLastOrderKey(afterEntry.order.Value, d.localAgent), nil
}

func (d *Document) recordOp(op Op) {
	d.oplog = append(d.oplog, op)
	if op.Clock.Counter > d.agentCounters[op.Clock.Agent.String()] {
		d.agentCounters[op.Clock.Agent.String()] = op.Clock.Counter
	}
}

// insertBlockCore performs the shared InsertBlock logic used by InsertBlock,
// InsertToolCall and InsertToolResult; it returns the new block's ID.
func (d *Document) insertBlockCore(parentID *ids.BlockId, role block.Role, kind block.Kind, after *ids.BlockId) (ids.BlockId, error) {
	return d.insertBlockCoreWithID(nil, parentID, role, kind, after)
}

// insertBlockCoreWithID is insertBlockCore generalized to accept an
// explicit id (nil meaning "assign the next local-agent sequence number").
func (d *Document) insertBlockCoreWithID(explicitID *ids.BlockId, parentID *ids.BlockId, role block.Role, kind block.Kind, after *ids.BlockId) (ids.BlockId, error) {
	if parentID != nil {
		if !d.blocks.IsLive(*parentID) {
			return ids.BlockId{}, ErrInvalidReference{Field: "parent", ID: *parentID}
		}
	}
	order, err := d.nextOrderKey(after)
	if err != nil {
		return ids.BlockId{}, err
	}
	var id ids.BlockId
	if explicitID != nil {
		id = *explicitID
		if _, exists := d.entries[id]; exists {
			return ids.BlockId{}, ErrDuplicateBlock{ID: id}
		}
	} else {
		id = d.blockSeq.Next()
	}
	now := time.Now().UTC()
	ts := d.clock.next()
	entry := &blockEntry{
		id:         id,
		parentID:   parentID,
		role:       role,
		kind:       kind,
		author:     d.localAgent,
		createdAt:  now,
		header:     newHeaderNode(),
		content:    newTextNode(),
		order:      order,
		orderClock: ts,
	}
	if kind == block.KindToolCall || kind == block.KindToolResult {
		entry.toolInput = newTextNode()
	}
	d.entries[id] = entry
	d.blocks.Add(id, ts)
	d.recordOp(Op{
		Kind:      OpInsertBlock,
		Clock:     ts,
		Block:     id,
		ParentID:  parentID,
		Role:      role,
		BlockKind: kind,
		Author:    d.localAgent,
		CreatedAt: now,
		Order:     order,
	})
	return id, nil
}

// InsertBlock creates a new text/thinking block after the given block (nil
// for the head of the document).
func (d *Document) InsertBlock(parentID *ids.BlockId, role block.Role, kind block.Kind, content string, after *ids.BlockId) (ids.BlockId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.insertBlockCore(parentID, role, kind, after)
	if err != nil {
		return ids.BlockId{}, err
	}
	if content != "" {
		if err := d.appendTextLocked(id, FieldContent, content); err != nil {
			return id, err
		}
	}
	return id, nil
}

// InsertToolCall creates a tool_call block with its invocation fields set.
func (d *Document) InsertToolCall(parentID *ids.BlockId, toolKind block.ToolKind, toolName, toolCallID, toolInput string, after *ids.BlockId) (ids.BlockId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.insertBlockCore(parentID, block.RoleTool, block.KindToolCall, after)
	if err != nil {
		return ids.BlockId{}, err
	}
	d.setHeaderLocked(id, "tool_kind", string(toolKind))
	d.setHeaderLocked(id, "tool_name", toolName)
	d.setHeaderLocked(id, "tool_call_id", toolCallID)
	d.setHeaderLocked(id, "status", string(block.StatusPending))
	if toolInput != "" {
		if err := d.appendTextLocked(id, FieldToolInput, toolInput); err != nil {
			return id, err
		}
	}
	return id, nil
}

// InsertToolResult creates a tool_result block carrying the outcome of the
// tool call named by toolCallID.
func (d *Document) InsertToolResult(parentID *ids.BlockId, toolCallID, content string, exitCode *int, isError bool, after *ids.BlockId) (ids.BlockId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.insertBlockCore(parentID, block.RoleTool, block.KindToolResult, after)
	if err != nil {
		return ids.BlockId{}, err
	}
	d.setHeaderLocked(id, "tool_call_id", toolCallID)
	d.setHeaderLocked(id, "is_error", isError)
	if exitCode != nil {
		d.setHeaderLocked(id, "exit_code", *exitCode)
	}
	status := block.StatusDone
	if isError {
		status = block.StatusError
	}
	d.setHeaderLocked(id, "status", string(status))
	if content != "" {
		if err := d.appendTextLocked(id, FieldContent, content); err != nil {
			return id, err
		}
	}
	d.tryPromote(id)
	return id, nil
}

// InsertFromSnapshot materializes a fully-formed block.Snapshot as a new
// block owned by the local agent, bypassing incremental text ops. Used
// exclusively by content transfer that must never go through CRDT merge —
// drift staging and document forking at a content level (spec §4.6: "drift
// content crosses contexts by value, never by merging oplogs").
func (d *Document) InsertFromSnapshot(snap block.Snapshot, after *ids.BlockId) (ids.BlockId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.insertBlockCore(snap.ParentID, snap.Role, snap.Kind, after)
	if err != nil {
		return ids.BlockId{}, err
	}
	entry := d.entries[id]
	reg := snap.Content
	entry.content = nil
	entry.contentRegister = &reg

	d.setHeaderLocked(id, "status", string(snap.Status))
	d.setHeaderLocked(id, "collapsed", snap.Collapsed)
	if snap.Kind == block.KindToolCall || snap.Kind == block.KindToolResult {
		d.setHeaderLocked(id, "tool_kind", string(snap.ToolKind))
		d.setHeaderLocked(id, "tool_name", snap.ToolName)
		d.setHeaderLocked(id, "tool_call_id", snap.ToolCallID)
		d.setHeaderLocked(id, "is_error", snap.IsError)
		if snap.ExitCode != nil {
			d.setHeaderLocked(id, "exit_code", *snap.ExitCode)
		}
		if len(snap.DisplayHint) > 0 {
			d.setHeaderLocked(id, "display_hint", []byte(snap.DisplayHint))
		}
		toolInputReg := snap.ToolInput
		entry.toolInput = nil
		entry.toolInputRegister = &toolInputReg
	}
	if snap.Kind == block.KindDrift {
		d.setHeaderLocked(id, "source_context", snap.SourceContext)
		d.setHeaderLocked(id, "source_model", snap.SourceModel)
		d.setHeaderLocked(id, "drift_kind", string(snap.DriftKind))
	}
	return id, nil
}

// InsertBlockWithID inserts content as a new block under an explicit,
// caller-supplied id rather than the local agent sequencer — used by
// backends whose blocks need a restart-stable identity derived from
// something other than insertion order (spec §4.6: git-backed files keyed
// by a deterministic hash of their path, see ids.DeterministicBlockId).
// Returns ErrDuplicateBlock if id is already present.
func (d *Document) InsertBlockWithID(id ids.BlockId, parentID *ids.BlockId, role block.Role, kind block.Kind, content string, after *ids.BlockId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.insertBlockCoreWithID(&id, parentID, role, kind, after); err != nil {
		return err
	}
	if content != "" {
		if err := d.appendTextLocked(id, FieldContent, content); err != nil {
			return err
		}
	}
	return nil
}

// EditText replaces the range [pos, pos+deleteLen) of field with insert, as
// one logical edit (spec §4.1 edit_text(pos, insert, delete)).
func (d *Document) EditText(id ids.BlockId, field TextField, pos int, insert string, deleteLen int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, node, err := d.textTarget(id, field)
	if err != nil {
		return err
	}
	if deleteLen > 0 {
		start, end, ok := node.idsInRange(pos, deleteLen)
		if !ok {
			return ErrPositionOutOfBounds{Pos: pos + deleteLen, Len: node.Len()}
		}
		if err := node.DeleteRange(pos, deleteLen); err != nil {
			return err
		}
		ts := d.clock.next()
		d.recordOp(Op{Kind: OpTextDelete, Clock: ts, Block: id, Field: field, StartID: start, EndID: end})
	}
	if insert != "" {
		ts := d.clock.next()
		if err := node.InsertAt(pos, insert, ts); err != nil {
			return err
		}
		var afterID Clock
		if idx, ok := node.visibleIndexToElementIndex(pos); ok && idx >= 0 {
			afterID = node.elements[idx].id
		}
		for i, r := range []rune(insert) {
			rc := Clock{Agent: ts.Agent, Counter: ts.Counter + uint64(i)}
			d.recordOp(Op{Kind: OpTextInsert, Clock: rc, Block: id, Field: field, AfterID: afterID, Value: string(r)})
			afterID = rc
		}
		d.clock.observe(afterID) // reserve the counters stamped on the inserted runes
	}
	_ = entry
	return nil
}

// AppendText appends text to the end of field.
func (d *Document) AppendText(id ids.BlockId, field TextField, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appendTextLocked(id, field, text)
}

func (d *Document) appendTextLocked(id ids.BlockId, field TextField, text string) error {
	_, node, err := d.textTarget(id, field)
	if err != nil {
		return err
	}
	pos := node.Len()
	ts := d.clock.next()
	if err := node.InsertAt(pos, text, ts); err != nil {
		return err
	}
	var afterID Clock
	if idx, ok := node.visibleIndexToElementIndex(pos); ok && idx >= 0 {
		afterID = node.elements[idx].id
	}
	for i, r := range []rune(text) {
		rc := Clock{Agent: ts.Agent, Counter: ts.Counter + uint64(i)}
		d.recordOp(Op{Kind: OpTextInsert, Clock: rc, Block: id, Field: field, AfterID: afterID, Value: string(r)})
		afterID = rc
	}
	d.clock.observe(afterID) // reserve the counters stamped on the inserted runes
	return nil
}

func (d *Document) textTarget(id ids.BlockId, field TextField) (*blockEntry, *TextNode, error) {
	entry, ok := d.entries[id]
	if !ok {
		return nil, nil, ErrBlockNotFound{ID: id}
	}
	switch field {
	case FieldContent:
		if entry.content == nil {
			return nil, nil, ErrUnsupportedOperation{Message: "content already promoted to a register"}
		}
		return entry, entry.content, nil
	case FieldToolInput:
		if entry.toolInput == nil {
			return nil, nil, ErrUnsupportedOperation{Message: "tool_input not editable on this block"}
		}
		return entry, entry.toolInput, nil
	default:
		return nil, nil, ErrUnsupportedOperation{Message: "unknown text field"}
	}
}

func (d *Document) setHeaderLocked(id ids.BlockId, key string, value interface{}) {
	entry := d.entries[id]
	ts := d.clock.next()
	entry.header.Set(key, ts, value)
	d.recordOp(Op{Kind: OpSetHeader, Clock: ts, Block: id, HeaderKey: key, HeaderValue: value})
}

// SetStatus updates a block's lifecycle status, auto-promoting its text to
// an immutable register once it settles into Done or Error (spec §4.1
// Compaction: "a block whose content will not change again is a natural
// candidate").
func (d *Document) SetStatus(id ids.BlockId, status block.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; !ok {
		return ErrBlockNotFound{ID: id}
	}
	d.setHeaderLocked(id, "status", string(status))
	if status == block.StatusDone || status == block.StatusError {
		d.tryPromote(id)
	}
	return nil
}

func (d *Document) SetCollapsed(id ids.BlockId, collapsed bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; !ok {
		return ErrBlockNotFound{ID: id}
	}
	d.setHeaderLocked(id, "collapsed", collapsed)
	return nil
}

func (d *Document) SetDisplayHint(id ids.BlockId, hint []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; !ok {
		return ErrBlockNotFound{ID: id}
	}
	d.setHeaderLocked(id, "display_hint", hint)
	return nil
}

// MoveBlock relocates id to immediately after the given block (nil for the
// head). The new OrderKey is LWW-merged like any other header field so
// concurrent moves converge.
func (d *Document) MoveBlock(id ids.BlockId, after *ids.BlockId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[id]
	if !ok {
		return ErrBlockNotFound{ID: id}
	}
	if after != nil && *after == id {
		return ErrInvalidReference{Field: "after", ID: id}
	}
	order, err := d.nextOrderKey(after)
	if err != nil {
		return err
	}
	ts := d.clock.next()
	entry.order = order
	entry.orderClock = ts
	d.recordOp(Op{Kind: OpSetOrder, Clock: ts, Block: id, Order: order})
	return nil
}

// DeleteBlock tombstones id. Tombstones are permanent (spec §3 invariant
// 4): once deleted, a block never reappears even if a concurrent write to
// it merges in afterward.
func (d *Document) DeleteBlock(id ids.BlockId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.blocks.Contains(id) {
		return ErrBlockNotFound{ID: id}
	}
	ts := d.clock.next()
	d.blocks.Tombstone(id)
	d.recordOp(Op{Kind: OpTombstone, Clock: ts, Block: id})
	return nil
}

// tryPromote freezes a block's text fields into plain registers once its
// status has settled, discarding their per-character CRDT metadata (spec
// §4.1 Compaction). It is not recorded as an op and the merge path does not
// call it, so a replica that receives the status change through MergeOps or
// FromOplog keeps the block's text as an editable CRDT.
func (d *Document) tryPromote(id ids.BlockId) {
	entry, ok := d.entries[id]
	if !ok {
		return
	}
	if entry.content != nil {
		v := entry.content.toRegister()
		entry.content = nil
		entry.contentRegister = &v
	}
	if entry.toolInput != nil {
		v := entry.toolInput.toRegister()
		entry.toolInput = nil
		entry.toolInputRegister = &v
	}
}

// PromoteToRegister exposes tryPromote as an explicit, caller-triggered
// operation (e.g. a long-idle block a client wants frozen early).
func (d *Document) PromoteToRegister(id ids.BlockId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[id]; !ok {
		return ErrBlockNotFound{ID: id}
	}
	d.tryPromote(id)
	return nil
}

// Snapshot returns the current rendered state of id, including tombstoned
// blocks (callers check Tombstone/Live themselves).
func (d *Document) Snapshot(id ids.BlockId) (block.Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.entries[id]
	if !ok {
		return block.Snapshot{}, ErrBlockNotFound{ID: id}
	}
	return entry.snapshot(!d.blocks.IsLive(id)), nil
}

// Snapshots returns every live block's Snapshot in document order.
func (d *Document) Snapshots() []block.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	live := d.sortedLive()
	out := make([]block.Snapshot, len(live))
	for i, e := range live {
		out[i] = e.snapshot(false)
	}
	return out
}

// AllSnapshots returns every block including tombstoned ones, in document
// order for live blocks followed by tombstoned blocks in no particular
// order — used by persistence to write a complete recoverable state.
func (d *Document) AllSnapshots() []block.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]block.Snapshot, 0, len(d.entries))
	for _, e := range d.sortedLive() {
		out = append(out, e.snapshot(false))
	}
	for id, e := range d.entries {
		if d.blocks.IsLive(id) {
			continue
		}
		out = append(out, e.snapshot(true))
	}
	return out
}
