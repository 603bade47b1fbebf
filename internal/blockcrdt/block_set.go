package blockcrdt

import "blockweave/internal/ids"

// setMember is one entry in the document's add-wins block set: present
// once added, permanently tombstoned once deleted (spec §3 invariant 4 —
// "tombstones never reappear"). Modeled directly on the {id, value,
// deleted} shape of luvjson/crdt.RGAElement
// (_examples/homveloper-boss-raid-game/luvjson/crdt/array_node.go) — the
// same tombstone flag an RGA element already carries is reused here as the
// add-wins-set tombstone, rather than inventing a second mechanism.
type setMember struct {
	id        ids.BlockId
	addedAt   Clock
	tombstone bool
}

// BlockSetNode is the add-wins set of block IDs live in a document.
type BlockSetNode struct {
	members map[ids.BlockId]*setMember
}

func newBlockSetNode() *BlockSetNode {
	return &BlockSetNode{members: make(map[ids.BlockId]*setMember)}
}

// Add inserts id into the set, or is a no-op if already present.
func (s *BlockSetNode) Add(id ids.BlockId, at Clock) {
	if _, ok := s.members[id]; ok {
		return
	}
	s.members[id] = &setMember{id: id, addedAt: at}
}

// Tombstone marks id as deleted. Permanent: once tombstoned, never
// un-tombstoned (add-wins applies to concurrent add-vs-add, not to
// delete-vs-add after the delete has been observed causally — see
// Document.DeleteBlock for the full delete-wins-over-concurrent-write
// semantics spec.md scenario S4 requires at the block level).
func (s *BlockSetNode) Tombstone(id ids.BlockId) bool {
	m, ok := s.members[id]
	if !ok {
		return false
	}
	if m.tombstone {
		return false
	}
	m.tombstone = true
	return true
}

func (s *BlockSetNode) IsLive(id ids.BlockId) bool {
	m, ok := s.members[id]
	return ok && !m.tombstone
}

func (s *BlockSetNode) Contains(id ids.BlockId) bool {
	_, ok := s.members[id]
	return ok
}

func (s *BlockSetNode) Live() []ids.BlockId {
	out := make([]ids.BlockId, 0, len(s.members))
	for id, m := range s.members {
		if !m.tombstone {
			out = append(out, id)
		}
	}
	return out
}

func (s *BlockSetNode) clone() *BlockSetNode {
	cp := newBlockSetNode()
	for id, m := range s.members {
		mc := *m
		cp.members[id] = &mc
	}
	return cp
}
