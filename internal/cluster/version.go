package cluster

// Causality is the relationship between two version vectors.
type Causality int

const (
	Identical Causality = iota
	Before
	After
	Concurrent
)

// VersionVector tracks per-writer logical clocks for one key. The zero
// value (nil map) is a valid empty vector.
type VersionVector map[string]uint64

// Compare returns the causal relationship of v to other.
func (v VersionVector) Compare(other VersionVector) Causality {
	allLE := true // v[i] <= other[i] for all i
	allGE := true // v[i] >= other[i] for all i

	seen := make(map[string]bool, len(v)+len(other))
	for id := range v {
		seen[id] = true
	}
	for id := range other {
		seen[id] = true
	}

	for id := range seen {
		a, b := v[id], other[id]
		if a < b {
			allGE = false
		} else if a > b {
			allLE = false
		}
	}

	switch {
	case allLE && allGE:
		return Identical
	case allLE:
		return Before
	case allGE:
		return After
	default:
		return Concurrent
	}
}

// Dominates reports whether v supersedes other (strictly after or identical).
func (v VersionVector) Dominates(other VersionVector) bool {
	c := v.Compare(other)
	return c == After || c == Identical
}

// Merge returns the entry-wise maximum of v and other.
func (v VersionVector) Merge(other VersionVector) VersionVector {
	out := make(VersionVector, len(v)+len(other))
	for id, n := range v {
		out[id] = n
	}
	for id, n := range other {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}

// Increment returns a copy of v with the given writer's clock advanced.
func (v VersionVector) Increment(nodeID string) VersionVector {
	out := make(VersionVector, len(v)+1)
	for id, n := range v {
		out[id] = n
	}
	out[nodeID]++
	return out
}

// Max returns the largest logical timestamp in the vector.
func (v VersionVector) Max() uint64 {
	var max uint64
	for _, n := range v {
		if n > max {
			max = n
		}
	}
	return max
}

// Clone returns an independent copy of v.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for id, n := range v {
		out[id] = n
	}
	return out
}
