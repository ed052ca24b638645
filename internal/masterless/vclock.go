// Package masterless implements leaderless replication: every node accepts
// writes, versions them with a vector clock, and spreads them by push-pull
// gossip. Causally ordered versions always win; genuinely concurrent ones are
// resolved last-writer-wins and logged as conflicts.
package masterless

// VectorClock counts the writes each node has originated for one key. A node
// only ever increments its own component; components merge by max when a
// remote version is applied.
type VectorClock map[string]uint64

// Ordering is the causal relationship between two clocks.
type Ordering int

const (
	Identical Ordering = iota
	Before             // strictly dominated: the other clock has seen everything we have, and more
	After              // strictly dominates
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Identical:
		return "identical"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// Compare classifies a against b.
func Compare(a, b VectorClock) Ordering {
	aAhead, bAhead := false, false
	for node, av := range a {
		if av > b[node] {
			aAhead = true
		}
	}
	for node, bv := range b {
		if bv > a[node] {
			bAhead = true
		}
	}
	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return After
	case bAhead:
		return Before
	default:
		return Identical
	}
}

// Merge returns the componentwise max of a and b.
func Merge(a, b VectorClock) VectorClock {
	out := make(VectorClock, len(a)+len(b))
	for node, v := range a {
		out[node] = v
	}
	for node, v := range b {
		if v > out[node] {
			out[node] = v
		}
	}
	return out
}

// Copy returns an independent copy of c.
func (c VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(c))
	for node, v := range c {
		out[node] = v
	}
	return out
}

// Tick increments this node's own component.
func (c VectorClock) Tick(node string) {
	c[node]++
}
