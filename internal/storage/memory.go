package storage

import (
	"sort"
	"sync"

	"github.com/replikv/replikv/internal/cluster"
)

// numShards is the number of lock shards. 32 shards keep write contention
// low while the per-shard sorted index stays small enough for cheap
// binary inserts.
const numShards = 32

// entry holds the sibling set for one key.
type entry struct {
	hash     uint64
	siblings []Record // ordered by VersionTag
}

// shard is one lock-partition of the store. The index is kept sorted by
// (ring hash, key) so range scans for Merkle builds and repairs do not
// touch keys outside the requested span.
type shard struct {
	mu    sync.RWMutex
	data  map[string]*entry
	index []indexKey // sorted by (hash, key)
}

type indexKey struct {
	hash uint64
	key  string
}

// MemoryEngine is an in-memory Engine with sharded locking. It is the
// reference storage backend; durable engines plug in behind the same
// interface.
type MemoryEngine struct {
	shards [numShards]shard
}

// NewMemoryEngine creates an empty in-memory engine
func NewMemoryEngine() *MemoryEngine {
	e := &MemoryEngine{}
	for i := range e.shards {
		e.shards[i].data = make(map[string]*entry)
	}
	return e
}

func (e *MemoryEngine) shardFor(key string) *shard {
	return &e.shards[cluster.HashKey(key)%numShards]
}

// Get returns all current siblings for a key
func (e *MemoryEngine) Get(key string) ([]Record, error) {
	s := e.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]Record(nil), ent.siblings...), nil
}

// Apply performs an idempotent versioned put. Dominated siblings are
// discarded; a record dominated by an existing sibling is rejected as
// stale; an exact replay is a no-op.
func (e *MemoryEngine) Apply(rec Record) (ApplyResult, error) {
	s := e.shardFor(rec.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.data[rec.Key]
	if !ok {
		ent = &entry{hash: rec.RingHash()}
		s.data[rec.Key] = ent
		s.insertIndex(indexKey{hash: ent.hash, key: rec.Key})
	}

	tag := rec.VersionTag()
	kept := make([]Record, 0, len(ent.siblings)+1)
	for _, sib := range ent.siblings {
		switch sib.Version.Compare(rec.Version) {
		case cluster.Identical:
			if sib.VersionTag() == tag {
				return ApplyDuplicate, nil
			}
			// Same vector, different origin: keep both as siblings
			kept = append(kept, sib)
		case cluster.After:
			// An existing sibling strictly dominates the incoming record
			return ApplyStale, nil
		case cluster.Before:
			// Incoming dominates this sibling; drop it
		case cluster.Concurrent:
			kept = append(kept, sib)
		}
	}

	ent.siblings = append(kept, rec)
	sort.Slice(ent.siblings, func(i, j int) bool {
		return ent.siblings[i].VersionTag() < ent.siblings[j].VersionTag()
	})
	return ApplyAccepted, nil
}

// insertIndex adds a key to the sorted index, maintaining order
func (s *shard) insertIndex(ik indexKey) {
	idx := sort.Search(len(s.index), func(i int) bool {
		if s.index[i].hash != ik.hash {
			return s.index[i].hash > ik.hash
		}
		return s.index[i].key >= ik.key
	})
	s.index = append(s.index, indexKey{})
	copy(s.index[idx+1:], s.index[idx:])
	s.index[idx] = ik
}

// Scan returns all siblings of keys whose ring hash lies in [lo, hi]
func (e *MemoryEngine) Scan(lo, hi uint64) ([]Record, error) {
	var out []Record

	for i := range e.shards {
		s := &e.shards[i]
		s.mu.RLock()

		start := sort.Search(len(s.index), func(j int) bool {
			return s.index[j].hash >= lo
		})
		for j := start; j < len(s.index) && s.index[j].hash <= hi; j++ {
			ent := s.data[s.index[j].key]
			out = append(out, ent.siblings...)
		}

		s.mu.RUnlock()
	}

	// Shards interleave hash ranges; restore global (hash, key, tag) order
	sort.Slice(out, func(i, j int) bool {
		hi1, hj := cluster.HashKey(out[i].Key), cluster.HashKey(out[j].Key)
		if hi1 != hj {
			return hi1 < hj
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].VersionTag() < out[j].VersionTag()
	})

	return out, nil
}

// Keys returns the number of distinct keys held
func (e *MemoryEngine) Keys() int {
	total := 0
	for i := range e.shards {
		e.shards[i].mu.RLock()
		total += len(e.shards[i].data)
		e.shards[i].mu.RUnlock()
	}
	return total
}
