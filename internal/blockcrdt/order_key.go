package blockcrdt

import (
	"blockweave/internal/ids"
)

// orderScale is the fixed-point scale for fractional indices: values are
// stored as scaled int64s so mid() is exact integer division with ample
// headroom for repeated concurrent insertions between the same neighbors.
const orderScale = int64(1) << 32

// orderMid is the fixed midpoint used for the very first block inserted
// into an empty document.
const orderMid = int64(0)

const orderHeadroom = int64(1) << 60

// OrderKey is a fractional-index order value plus a short per-agent suffix
// that guarantees two agents inserting concurrently after the same
// neighbor produce distinct keys (spec §4.1 Ordering algorithm, §9 Open
// Question 3). Modeled as an LWW register — grounded on luvjson/crdt's
// LWWValueNode (value_node.go) — holding this struct as its value.
type OrderKey struct {
	Value  int64
	Suffix string
}

// Compare gives OrderKey the strict total order spec §3 invariant 3
// requires once combined with a BlockId tie-break.
func (k OrderKey) Compare(other OrderKey) int {
	switch {
	case k.Value < other.Value:
		return -1
	case k.Value > other.Value:
		return 1
	case k.Suffix < other.Suffix:
		return -1
	case k.Suffix > other.Suffix:
		return 1
	default:
		return 0
	}
}

// headOrderKey returns the key for inserting at the head of an empty
// document.
func headOrderKey(agent ids.PrincipalId) OrderKey {
	return OrderKey{Value: orderMid, Suffix: agentSuffix(agent)}
}

// beforeFirstOrderKey returns a key ordered before the document's current
// first block.
func beforeFirstOrderKey(first int64, agent ids.PrincipalId) OrderKey {
	return OrderKey{Value: midpoint(-orderHeadroom, first), Suffix: agentSuffix(agent)}
}

// betweenOrderKey returns a key strictly between x and y.
func betweenOrderKey(x, y int64, agent ids.PrincipalId) OrderKey {
	return OrderKey{Value: midpoint(x, y), Suffix: agentSuffix(agent)}
}

// afterLastOrderKey returns a key ordered after the document's current last
// block.
func afterLastOrderKey(last int64, agent ids.PrincipalId) OrderKey {
	v := last + orderScale
	if v <= last { // overflow guard
		v = last
	}
	return OrderKey{Value: v, Suffix: agentSuffix(agent)}
}

func midpoint(lo, hi int64) int64 {
	// Average without overflow.
	return lo + (hi-lo)/2
}

// agentSuffix derives a short base62 tie-break suffix from the inserting
// agent's PrincipalId (spec §9 Open Question 3: "any scheme meeting [the
// uniqueness] requirement is acceptable" — this one needs no extra
// coordination since the agent already owns the identifier).
func agentSuffix(agent ids.PrincipalId) string {
	s := agent.String()
	// Fold the UUID's hex digits into a base62-ish string deterministically;
	// uniqueness only needs to hold *per agent*, which the UUID already
	// guarantees.
	h := fnv1a(s)
	return toBase62(h)
}

func fnv1a(s string) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func toBase62(v uint64) string {
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 0, 11)
	for v > 0 {
		buf = append(buf, base62Alphabet[v%62])
		v /= 62
	}
	// reverse
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
