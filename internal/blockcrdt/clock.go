package blockcrdt

import (
	"fmt"

	"blockweave/internal/ids"
)

// Clock is the logical timestamp stamped on every CRDT mutation: an
// agent-local counter scoped by the agent's PrincipalId. It plays the same
// role the teacher's common.LogicalTimestamp{SID, Counter} plays in
// luvjson/crdt — LWW tie-breaking and RGA element ordering both compare
// Clocks, never wall-clock time.
type Clock struct {
	Agent   ids.PrincipalId `json:"agent"`
	Counter uint64          `json:"counter"`
}

// Compare orders two clocks: first by counter, then by agent, so that
// concurrent writes from different agents at the "same" logical time still
// resolve deterministically and identically on every replica.
func (c Clock) Compare(other Clock) int {
	if c.Counter < other.Counter {
		return -1
	}
	if c.Counter > other.Counter {
		return 1
	}
	return compareAgent(c.Agent, other.Agent)
}

func compareAgent(a, b ids.PrincipalId) int {
	as, bs := a.String(), b.String()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func (c Clock) IsZero() bool { return c.Counter == 0 && c.Agent.IsZero() }

func (c Clock) String() string { return fmt.Sprintf("%s:%d", c.Agent.Short(), c.Counter) }

// clockSource issues monotonically increasing Clocks for one agent,
// analogous to the teacher's Document.NextTimestamp.
type clockSource struct {
	agent   ids.PrincipalId
	counter uint64
}

func newClockSource(agent ids.PrincipalId) *clockSource {
	return &clockSource{agent: agent}
}

func (s *clockSource) next() Clock {
	s.counter++
	return Clock{Agent: s.agent, Counter: s.counter}
}

func (s *clockSource) observe(c Clock) {
	if c.Agent == s.agent && c.Counter > s.counter {
		s.counter = c.Counter
	}
}
