// Package drift implements the cross-context staging queue and short-ID
// context registry that let content move between documents by value
// (never by CRDT merge — forked and drifted content is copied, not
// synchronized; spec.md §4.6 Drift router).
//
// The router itself never touches a BlockStore: it only builds
// block.Snapshot values. A caller drains the queue and inserts the built
// snapshots into a target document via blockcrdt.Document.InsertFromSnapshot,
// exactly as spec.md §4.6 describes the division of responsibility.
package drift

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"blockweave/internal/block"
	"blockweave/internal/ids"
)

// registration is what the router remembers about one registered context.
type registration struct {
	name        string
	parentShort string
	llmProvider string
	llmModel    string
}

// Staged is one queued drift awaiting a caller to drain and insert it.
type Staged struct {
	ID       string
	Source   ids.ContextId
	Target   ids.ContextId
	Content  string
	Model    string
	Kind     block.DriftKind
	StagedAt time.Time
}

// Router is the singleton described in spec.md §4.6: a context registry by
// short ID plus an in-memory staging queue, both behind one RW lock (spec
// §5: "the DriftRouter is single-entry-point mutable state behind an RW
// lock"). Grounded on the teacher's crdtsync.StateVector
// (map-keyed-by-session-id, guarded by its own lock), generalized here to
// a bidirectional short_id <-> ContextId map plus a staging slice.
type Router struct {
	mu       sync.RWMutex
	byShort  map[string]ids.ContextId
	byCtx    map[ids.ContextId]string
	regs     map[ids.ContextId]*registration
	queue    []Staged
	stageSeq uint64
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		byShort: make(map[string]ids.ContextId),
		byCtx:   make(map[ids.ContextId]string),
		regs:    make(map[ids.ContextId]*registration),
	}
}

// Register assigns contextID a short ID: the first 6 hex characters of a
// fresh random suffix, extended one hex character at a time until it is
// unique (spec.md §4.6: "short_id is first 6 hex chars of a fresh UUID,
// extended until unique").
func (r *Router) Register(contextID ids.ContextId, name string, parentShort string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byCtx[contextID]; ok {
		return existing, nil
	}

	short, err := r.allocateShortLocked()
	if err != nil {
		return "", err
	}
	r.byShort[short] = contextID
	r.byCtx[contextID] = short
	r.regs[contextID] = &registration{name: name, parentShort: parentShort}
	return short, nil
}

func (r *Router) allocateShortLocked() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	full := hex.EncodeToString(buf)
	for length := 6; length <= 32; length++ {
		candidate := full[:length]
		if _, taken := r.byShort[candidate]; !taken {
			return candidate, nil
		}
	}
	return "", ErrShortIDSpaceExhausted{}
}

// Lookup resolves a short ID to its ContextId.
func (r *Router) Lookup(shortID string) (ids.ContextId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byShort[shortID]
	return c, ok
}

// ShortIDFor resolves a ContextId to its short ID, if registered.
func (r *Router) ShortIDFor(contextID ids.ContextId) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCtx[contextID]
	return s, ok
}

// ConfigureLLM attaches LLM provider/model metadata to a registered
// context (spec.md §4.6: "configure_llm(short_id, provider, model)").
func (r *Router) ConfigureLLM(shortID, provider, model string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	contextID, ok := r.byShort[shortID]
	if !ok {
		return ErrUnknownShortID{ShortID: shortID}
	}
	reg := r.regs[contextID]
	reg.llmProvider = provider
	reg.llmModel = model
	return nil
}

// Stage pushes a drift into the in-memory queue and returns its staged ID
// (spec.md §4.6: "stage(source, target, content, model, kind) -> staged_id").
func (r *Router) Stage(source, target ids.ContextId, content, model string, kind block.DriftKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stageSeq++
	id := "drift-" + hex.EncodeToString([]byte{
		byte(r.stageSeq >> 24), byte(r.stageSeq >> 16), byte(r.stageSeq >> 8), byte(r.stageSeq),
	})
	r.queue = append(r.queue, Staged{
		ID: id, Source: source, Target: target, Content: content,
		Model: model, Kind: kind, StagedAt: time.Now().UTC(),
	})
	return id, nil
}

// Cancel removes a staged drift by ID without inserting it anywhere.
func (r *Router) Cancel(stagedID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.queue {
		if s.ID == stagedID {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return nil
		}
	}
	return ErrUnknownStagedID{ID: stagedID}
}

// Queue returns a snapshot of the current staging queue without draining
// it (spec.md §4.6: "queue() reads it").
func (r *Router) Queue() []Staged {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Staged, len(r.queue))
	copy(out, r.queue)
	return out
}

// Drain removes and returns items from the queue. When scope is nil every
// queued item is removed; otherwise only items whose Source or Target
// equals *scope are removed (spec.md §4.6: "drain(Option<scope>) removes
// either everything or only items touching the given context").
func (r *Router) Drain(scope *ids.ContextId) []Staged {
	r.mu.Lock()
	defer r.mu.Unlock()
	if scope == nil {
		drained := r.queue
		r.queue = nil
		return drained
	}
	var drained, remaining []Staged
	for _, s := range r.queue {
		if s.Source == *scope || s.Target == *scope {
			drained = append(drained, s)
		} else {
			remaining = append(remaining, s)
		}
	}
	r.queue = remaining
	return drained
}

// BuildDriftBlock constructs the Drift block.Snapshot ready for insertion
// via blockcrdt.Document.InsertFromSnapshot (spec.md §4.6:
// "build_drift_block(staged) -> BlockSnapshot"). The router never inserts
// it itself; the caller supplies the parent block, if any, and an author.
func (r *Router) BuildDriftBlock(staged Staged, author ids.PrincipalId, parentID *ids.BlockId) block.Snapshot {
	return block.Snapshot{
		ParentID:      parentID,
		Role:          block.RoleSystem,
		Kind:          block.KindDrift,
		Status:        block.StatusDone,
		Content:       staged.Content,
		Author:        author,
		CreatedAt:     staged.StagedAt,
		SourceContext: staged.Source,
		SourceModel:   staged.Model,
		DriftKind:     staged.Kind,
	}
}
