// Package ids defines the typed identifiers used throughout blockweave:
// ContextId (documents), PrincipalId (participants), and BlockId (blocks).
// All three are globally unique by construction and require no coordination.
package ids

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// ContextId names a document (a conversation workspace).
type ContextId uuid.UUID

// NewContextId creates a new ContextId from a time-ordered UUIDv7, so that
// sorting contexts by ID roughly recovers creation order.
func NewContextId() ContextId {
	u, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("ids: failed to generate ContextId: %v", err))
	}
	return ContextId(u)
}

func (c ContextId) String() string { return uuid.UUID(c).String() }

// Short returns the first 6 hex characters, for CLI/log display. The drift
// router does not use it; drift.Router.Register allocates its own short IDs.
func (c ContextId) Short() string { return c.String()[:6] }

func (c ContextId) IsZero() bool { return c == ContextId{} }

func (c ContextId) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ContextId) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("ids: invalid ContextId %q: %w", text, err)
	}
	*c = ContextId(u)
	return nil
}

func ParseContextId(s string) (ContextId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ContextId{}, fmt.Errorf("ids: invalid ContextId %q: %w", s, err)
	}
	return ContextId(u), nil
}

// PrincipalId names a participant: a user, an agent instance, or the system.
type PrincipalId uuid.UUID

func NewPrincipalId() PrincipalId {
	u, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("ids: failed to generate PrincipalId: %v", err))
	}
	return PrincipalId(u)
}

func (p PrincipalId) String() string { return uuid.UUID(p).String() }

func (p PrincipalId) Short() string { return p.String()[:6] }

func (p PrincipalId) IsZero() bool { return p == PrincipalId{} }

func (p PrincipalId) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PrincipalId) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("ids: invalid PrincipalId %q: %w", text, err)
	}
	*p = PrincipalId(u)
	return nil
}

// PrincipalIdFromName derives a deterministic PrincipalId from a stable
// name, rather than a fresh random one — for a backend's synthetic "file
// owner" identity that must be reproducible across restarts (spec §4.6:
// git-backed and config-backed blocks need an identity that doesn't depend
// on process-lifetime state).
func PrincipalIdFromName(name string) PrincipalId {
	return PrincipalId(uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)))
}

func ParsePrincipalId(s string) (PrincipalId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PrincipalId{}, fmt.Errorf("ids: invalid PrincipalId %q: %w", s, err)
	}
	return PrincipalId(u), nil
}

// BlockId names a block: (ContextId, PrincipalId, seq), where seq is
// agent-local and monotonic. Uniqueness follows from the author's
// PrincipalId never issuing the same seq twice.
type BlockId struct {
	Context   ContextId   `json:"context"`
	Principal PrincipalId `json:"principal"`
	Seq       uint64      `json:"seq"`
}

func (b BlockId) String() string {
	return fmt.Sprintf("%s/%s/%d", b.Context.Short(), b.Principal.Short(), b.Seq)
}

func (b BlockId) Short() string { return b.String() }

func (b BlockId) IsZero() bool {
	return b.Context.IsZero() && b.Principal.IsZero() && b.Seq == 0
}

// Compare gives BlockId a strict total order, used as the tie-break for
// blocks sharing an order key (spec §3 invariant 3).
func (b BlockId) Compare(other BlockId) int {
	if c := compareUUID(uuid.UUID(b.Context), uuid.UUID(other.Context)); c != 0 {
		return c
	}
	if c := compareUUID(uuid.UUID(b.Principal), uuid.UUID(other.Principal)); c != 0 {
		return c
	}
	switch {
	case b.Seq < other.Seq:
		return -1
	case b.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

func (b BlockId) MarshalJSON() ([]byte, error) {
	type alias BlockId
	return json.Marshal(alias(b))
}

func (b *BlockId) UnmarshalJSON(data []byte) error {
	type alias BlockId
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = BlockId(a)
	return nil
}

// AgentSequencer issues agent-local monotonic sequence numbers for BlockId,
// analogous to the teacher's per-session logical clock
// (luvjson/crdt.Document.NextTimestamp).
type AgentSequencer struct {
	context   ContextId
	principal PrincipalId
	counter   uint64
}

func NewAgentSequencer(context ContextId, principal PrincipalId) *AgentSequencer {
	return &AgentSequencer{context: context, principal: principal}
}

func (s *AgentSequencer) Next() BlockId {
	s.counter++
	return BlockId{Context: s.context, Principal: s.principal, Seq: s.counter}
}

// DeterministicBlockId derives a BlockId from a stable string (typically a
// file path) rather than an agent sequencer, so the same input always
// produces the same id — used where a block's identity must survive
// reload from a fresh scan rather than being assigned by insertion order
// (spec §4.6: "each tracked file has a deterministic block id derived from
// a stable hash of the file path").
func DeterministicBlockId(context ContextId, principal PrincipalId, key string) BlockId {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return BlockId{Context: context, Principal: principal, Seq: h.Sum64()}
}
