package cluster

// Partition is one fixed slice of the hash space. Partitions are derived
// from the partition count alone, never from token positions, so any two
// nodes sharing a configuration agree on every boundary and can compare
// Merkle trees for a partition without prior coordination.
type Partition struct {
	Index int
	Lo    uint64 // inclusive
	Hi    uint64 // inclusive
}

// PartitionRange returns partition i of total. Total must be a power of two.
func PartitionRange(i, total int) Partition {
	span := (^uint64(0) / uint64(total)) + 1
	lo := uint64(i) * span

	hi := lo + span - 1
	if i == total-1 {
		hi = ^uint64(0) // absorb rounding at the top of the space
	}

	return Partition{Index: i, Lo: lo, Hi: hi}
}

// PartitionOf returns the index of the partition containing a ring position.
func PartitionOf(hash uint64, total int) int {
	span := (^uint64(0) / uint64(total)) + 1
	idx := int(hash / span)
	if idx >= total {
		idx = total - 1
	}
	return idx
}

// Contains reports whether a ring position falls inside the partition.
func (p Partition) Contains(hash uint64) bool {
	return hash >= p.Lo && hash <= p.Hi
}

// Replicas returns the n nodes responsible for a partition: the preference
// list of its lowest position. Keys within one partition can still map to
// different preference lists when a token lands inside it, so replicas of
// the partition are a superset heuristic used to pick comparison partners,
// while per-key placement always goes through Resolve.
func (r *Ring) Replicas(p Partition, n int) ([]Member, error) {
	return r.ResolveHash(p.Lo, n)
}
