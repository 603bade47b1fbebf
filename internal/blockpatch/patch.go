// Package blockpatch defines the wire envelope for transmitting
// blockcrdt.Op batches between a server and a client: a Patch bundles a
// batch of ops under one ID and optional metadata, with both a verbose
// JSON codec (for debugging/interop) and a compact binary codec (for the
// sync wire path).
//
// Grounded on _examples/homveloper-boss-raid-game/luvjson/crdtpatch's
// Patch/Operation split — a Patch owns an ID, metadata, and an ordered
// operation list, and knows how to Apply itself to a document — adapted
// from wrapping crdt.Document to wrapping blockcrdt.Document, and from a
// polymorphic per-op-type operation list to the flat blockcrdt.Op already
// generalized in internal/blockcrdt.
package blockpatch

import (
	"encoding/json"

	"blockweave/internal/blockcrdt"
)

// Patch is a named, orderable batch of blockcrdt.Op values.
type Patch struct {
	ID       blockcrdt.Clock        `json:"id"`
	Metadata map[string]interface{} `json:"meta,omitempty"`
	Ops      []blockcrdt.Op         `json:"ops"`
}

// NewPatch creates an empty patch stamped with id.
func NewPatch(id blockcrdt.Clock) *Patch {
	return &Patch{ID: id, Metadata: make(map[string]interface{}), Ops: make([]blockcrdt.Op, 0)}
}

// AddOp appends op to the patch.
func (p *Patch) AddOp(op blockcrdt.Op) {
	p.Ops = append(p.Ops, op)
}

// Apply merges the patch's ops into doc.
func (p *Patch) Apply(doc *blockcrdt.Document) error {
	return doc.MergeOps(p.Ops)
}

// MarshalJSON produces the verbose, human-inspectable wire form.
func (p *Patch) MarshalJSON() ([]byte, error) {
	type verbose Patch
	return json.Marshal((*verbose)(p))
}

// UnmarshalJSON parses the verbose wire form.
func (p *Patch) UnmarshalJSON(data []byte) error {
	type verbose Patch
	v := (*verbose)(p)
	return json.Unmarshal(data, v)
}

// FromOps builds a patch from an already-computed op slice, e.g. the
// output of Document.OpsSince, stamping it with id for transport logging.
func FromOps(id blockcrdt.Clock, ops []blockcrdt.Op) *Patch {
	return &Patch{ID: id, Metadata: make(map[string]interface{}), Ops: ops}
}
