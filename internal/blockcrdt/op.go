package blockcrdt

import (
	"time"

	"blockweave/internal/block"
	"blockweave/internal/ids"
)

// OpKind discriminates the operations recorded in a Document's oplog.
// Grounded on the flat op-kind-plus-switch dispatch luvjson/crdt.Document
// itself uses in applyOperation
// (_examples/homveloper-boss-raid-game/luvjson/crdt/document.go), rather
// than the more elaborate one-struct-per-kind scheme of its sibling
// crdtpatch package — the simpler shape is the one actually exercised by
// the CRDT engine's own merge path, so it is the one generalized here.
type OpKind string

const (
	OpInsertBlock OpKind = "insert_block"
	OpSetHeader   OpKind = "set_header"
	OpTextInsert  OpKind = "text_insert"
	OpTextDelete  OpKind = "text_delete"
	OpSetOrder    OpKind = "set_order"
	OpTombstone   OpKind = "tombstone"
)

// TextField names which of a block's two text CRDTs an op targets.
type TextField string

const (
	FieldContent   TextField = "content"
	FieldToolInput TextField = "tool_input"
)

// Op is one entry in a Document's oplog: a single CRDT mutation stamped
// with the Clock of the agent that issued it. Only the fields relevant to
// Kind are populated; this mirrors the teacher's practice of carrying a
// wider struct than any one operation needs (luvjson/crdt/document.go's
// patchOperation) rather than one type per kind.
type Op struct {
	Kind  OpKind `json:"kind"`
	Clock Clock  `json:"clock"`
	Block ids.BlockId `json:"block"`

	// OpInsertBlock
	ParentID  *ids.BlockId `json:"parent_id,omitempty"`
	Role      block.Role   `json:"role,omitempty"`
	BlockKind block.Kind   `json:"block_kind,omitempty"`
	Author    ids.PrincipalId `json:"author,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
	Order     OrderKey     `json:"order,omitempty"`

	// OpSetHeader
	HeaderKey   string      `json:"header_key,omitempty"`
	HeaderValue interface{} `json:"header_value,omitempty"`

	// OpTextInsert / OpTextDelete
	Field   TextField `json:"field,omitempty"`
	AfterID Clock     `json:"after_id,omitempty"`
	Value   string    `json:"value,omitempty"` // single rune, as a string for JSON friendliness
	StartID Clock     `json:"start_id,omitempty"`
	EndID   Clock     `json:"end_id,omitempty"`

	// OpSetOrder carries its new value in Order above.
}
