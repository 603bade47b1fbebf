// Package block defines the conversation block data model: the typed
// fields every block carries, and the kind-specific fields for tool and
// drift blocks (spec §3).
package block

import (
	"encoding/json"
	"time"

	"blockweave/internal/ids"
)

// Role identifies who authored a block's content conceptually (as opposed
// to Author, which is the specific PrincipalId).
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
	RoleTool   Role = "tool"
)

// Kind identifies what a block represents.
type Kind string

const (
	KindText       Kind = "text"
	KindThinking   Kind = "thinking"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindDrift      Kind = "drift"
)

// Status is the lifecycle state of a block's content.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// ToolKind distinguishes the execution surface of a tool block.
type ToolKind string

const (
	ToolKindShell   ToolKind = "shell"
	ToolKindMcp     ToolKind = "mcp"
	ToolKindBuiltin ToolKind = "builtin"
)

// DriftKind distinguishes how a Drift block's content crossed contexts.
type DriftKind string

const (
	DriftKindPush    DriftKind = "push"
	DriftKindPull    DriftKind = "pull"
	DriftKindMerge   DriftKind = "merge"
	DriftKindDistill DriftKind = "distill"
	DriftKindCommit  DriftKind = "commit"
)

// Snapshot is the read-only, fully-materialized view of a block at a point
// in time — what BlockFlow events carry and what a client renders. It is
// derived from a blockcrdt.Document's per-block CRDT state; it is not
// itself part of the CRDT.
type Snapshot struct {
	ID        ids.BlockId     `json:"id"`
	ParentID  *ids.BlockId    `json:"parent_id,omitempty"`
	Role      Role            `json:"role"`
	Kind      Kind            `json:"kind"`
	Status    Status          `json:"status"`
	Content   string          `json:"content"`
	Collapsed bool            `json:"collapsed"`
	Author    ids.PrincipalId `json:"author"`
	CreatedAt time.Time       `json:"created_at"`
	Tombstone bool            `json:"tombstone"`

	// Tool fields, present when Kind is KindToolCall or KindToolResult.
	ToolKind    ToolKind        `json:"tool_kind,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   string          `json:"tool_input,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	DisplayHint json.RawMessage `json:"display_hint,omitempty"`

	// Drift fields, present when Kind is KindDrift.
	SourceContext ids.ContextId `json:"source_context,omitempty"`
	SourceModel   string        `json:"source_model,omitempty"`
	DriftKind     DriftKind     `json:"drift_kind,omitempty"`
}

// Live reports whether the block is present in its document's ordered
// sequence (spec §3 invariant 4): its ID is in the set and not tombstoned.
func (s Snapshot) Live() bool { return !s.Tombstone }

// WriteOnceFields names the fields that may only be set once, at
// block-creation time (spec §3 invariant 1). blockcrdt.Document stores them
// as plain per-block fields and has no operation that changes them; it does
// not consult this list.
var WriteOnceFields = []string{"id", "parent_id", "kind", "role", "author"}
