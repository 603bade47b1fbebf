package blockcrdt


// textElement is one RGA-inserted rune, addressed by the Clock of the
// operation that inserted it. Deleted elements are tombstoned in place
// (never physically removed) so concurrent inserts anchored to them still
// resolve (spec §8 invariant 4 applied at the character level).
//
// Grounded on luvjson/crdt.RGAElement / RGAStringNode in
// _examples/homveloper-boss-raid-game/luvjson/crdt/string_node.go.
type textElement struct {
	id      Clock
	value   rune
	deleted bool
}

// TextNode is the RGA-sequence CRDT backing a block's editable text fields
// (content, tool_input). Elements are kept in a single slice in document
// order; each insertion splices new elements immediately after their anchor.
type TextNode struct {
	elements []*textElement
}

func newTextNode() *TextNode {
	return &TextNode{elements: make([]*textElement, 0)}
}

// Value returns the current visible string.
func (n *TextNode) Value() string {
	var b []rune
	for _, e := range n.elements {
		if !e.deleted {
			b = append(b, e.value)
		}
	}
	return string(b)
}

func (n *TextNode) Len() int {
	count := 0
	for _, e := range n.elements {
		if !e.deleted {
			count++
		}
	}
	return count
}

// visibleIndexToElementIndex maps a position in the visible string (0..Len)
// to an index into n.elements, returning the slice index to insert-after.
// pos == 0 returns -1 (insert before everything).
func (n *TextNode) visibleIndexToElementIndex(pos int) (int, bool) {
	if pos == 0 {
		return -1, true
	}
	visible := 0
	for i, e := range n.elements {
		if !e.deleted {
			visible++
			if visible == pos {
				return i, true
			}
		}
	}
	return 0, false
}

// InsertAt inserts text at the given visible-string position, stamping each
// inserted rune with a successive Clock counter starting at base.
func (n *TextNode) InsertAt(pos int, text string, base Clock) error {
	if pos < 0 || pos > n.Len() {
		return ErrPositionOutOfBounds{Pos: pos, Len: n.Len()}
	}
	if text == "" {
		return nil
	}
	anchorIdx, ok := n.visibleIndexToElementIndex(pos)
	if !ok {
		return ErrPositionOutOfBounds{Pos: pos, Len: n.Len()}
	}
	runes := []rune(text)
	newElems := make([]*textElement, len(runes))
	for i, r := range runes {
		newElems[i] = &textElement{
			id:    Clock{Agent: base.Agent, Counter: base.Counter + uint64(i)},
			value: r,
		}
	}
	insertAfter := anchorIdx + 1 // anchorIdx == -1 => insertAfter == 0
	n.elements = append(n.elements[:insertAfter:insertAfter],
		append(newElems, n.elements[insertAfter:]...)...)
	return nil
}

// DeleteRange tombstones the visible characters in [pos, pos+length).
func (n *TextNode) DeleteRange(pos, length int) error {
	if length == 0 {
		return nil
	}
	if pos < 0 || pos+length > n.Len() {
		return ErrPositionOutOfBounds{Pos: pos + length, Len: n.Len()}
	}
	visible := 0
	for _, e := range n.elements {
		if e.deleted {
			continue
		}
		if visible >= pos && visible < pos+length {
			e.deleted = true
		}
		visible++
	}
	return nil
}

// mergeInsert applies a remote insertion. If an element with the same Clock
// already exists, the insert is a no-op (idempotence, spec §8 invariant 2).
// If the anchor element referenced by afterID is not present, returns false
// so the caller can surface ErrDataMissing.
func (n *TextNode) mergeInsert(afterID Clock, id Clock, value rune) bool {
	for _, e := range n.elements {
		if e.id == id {
			return true // already applied
		}
	}
	anchorIdx := -1
	if !afterID.IsZero() {
		found := false
		for i, e := range n.elements {
			if e.id == afterID {
				anchorIdx = i
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	// Respect RGA tie-break: among elements anchored at the same position,
	// order by Clock descending so concurrent inserts converge identically
	// on every replica.
	insertAt := anchorIdx + 1
	for insertAt < len(n.elements) {
		// Elements inserted after the very same anchor and not yet
		// superseded by a further insert are the contention set; compare
		// clocks to keep a deterministic order.
		if anchorIdx >= 0 && n.elements[insertAt].id.Compare(id) > 0 {
			insertAt++
			continue
		}
		break
	}
	elem := &textElement{id: id, value: value}
	n.elements = append(n.elements[:insertAt:insertAt],
		append([]*textElement{elem}, n.elements[insertAt:]...)...)
	return true
}

func (n *TextNode) mergeDelete(startID, endID Clock) bool {
	startIdx, endIdx := -1, -1
	for i, e := range n.elements {
		if e.id == startID {
			startIdx = i
		}
		if e.id == endID {
			endIdx = i
		}
	}
	if startIdx == -1 || endIdx == -1 {
		return false
	}
	if startIdx > endIdx {
		startIdx, endIdx = endIdx, startIdx
	}
	for i := startIdx; i <= endIdx; i++ {
		n.elements[i].deleted = true
	}
	return true
}

// idsInRange returns the Clocks of the visible elements covering
// [pos, pos+length), used to build delete ops against the current state.
func (n *TextNode) idsInRange(pos, length int) (start, end Clock, ok bool) {
	var ids []Clock
	visible := 0
	for _, e := range n.elements {
		if e.deleted {
			continue
		}
		if visible >= pos && visible < pos+length {
			ids = append(ids, e.id)
		}
		visible++
	}
	if len(ids) == 0 {
		return Clock{}, Clock{}, false
	}
	// ids is already in document (visible) order since we walked n.elements
	// left to right; the RGA delete-range op only needs its two endpoints.
	return ids[0], ids[len(ids)-1], true
}

func (n *TextNode) clone() *TextNode {
	cp := &TextNode{elements: make([]*textElement, len(n.elements))}
	for i, e := range n.elements {
		copy := *e
		cp.elements[i] = &copy
	}
	return cp
}

// toRegister freezes the text into a plain immutable string, used by
// Document.PromoteToRegister (spec §4.1 Compaction).
func (n *TextNode) toRegister() string { return n.Value() }
