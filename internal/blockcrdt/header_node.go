package blockcrdt

// headerField is one LWW-registered header value, keyed by field name on
// the owning HeaderNode. Grounded on luvjson/crdt.LWWObjectField in
// _examples/homveloper-boss-raid-game/luvjson/crdt/object_node.go.
type headerField struct {
	timestamp Clock
	value     interface{}
}

// HeaderNode is the LWW-object CRDT backing a block's non-text, non-order
// fields (status, collapsed, tool_*, display_hint, drift_*, ...). The
// write-once fields (role, kind, author, parent) live on blockEntry instead.
// Each field independently merges last-write-wins by Clock.
type HeaderNode struct {
	fields map[string]*headerField
}

func newHeaderNode() *HeaderNode {
	return &HeaderNode{fields: make(map[string]*headerField)}
}

func (n *HeaderNode) Get(key string) (interface{}, bool) {
	f, ok := n.fields[key]
	if !ok {
		return nil, false
	}
	return f.value, true
}

// Set applies a local write unconditionally stamped with ts (ts must be
// fresh from the document's own clock source, so it always wins against
// prior local writes).
func (n *HeaderNode) Set(key string, ts Clock, value interface{}) {
	n.fields[key] = &headerField{timestamp: ts, value: value}
}

// MergeSet applies a remote write, keeping it only if ts is newer than
// (or, to stay commutative across replicas, not older than and
// tie-broken consistently with) the current field's timestamp.
func (n *HeaderNode) MergeSet(key string, ts Clock, value interface{}) bool {
	cur, ok := n.fields[key]
	if !ok || ts.Compare(cur.timestamp) > 0 {
		n.fields[key] = &headerField{timestamp: ts, value: value}
		return true
	}
	return false
}

func (n *HeaderNode) Keys() []string {
	keys := make([]string, 0, len(n.fields))
	for k := range n.fields {
		keys = append(keys, k)
	}
	return keys
}

func (n *HeaderNode) clone() *HeaderNode {
	cp := newHeaderNode()
	for k, f := range n.fields {
		fc := *f
		cp.fields[k] = &fc
	}
	return cp
}
