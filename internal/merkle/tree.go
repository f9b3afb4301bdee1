// Package merkle builds per-partition hash trees for anti-entropy. Two
// nodes that share the same Merkle configuration produce structurally
// identical trees for a partition, so comparing them needs no coordination
// beyond exchanging the serialized bytes.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/storage"
)

// Tree is an immutable hash tree over one keyspace partition. Levels run
// bottom-up: Levels[0] holds the leaf hashes, the last level holds the
// single root. An empty leaf hashes to a fixed constant so empty ranges
// compare equal on both sides.
type Tree struct {
	Partition int      `msgpack:"partition"`
	Branching int      `msgpack:"branching"`
	Lo        uint64   `msgpack:"lo"`
	Hi        uint64   `msgpack:"hi"`
	Levels    [][]byte `msgpack:"levels"` // each level is leaves*32 packed hashes
}

// Range is one contiguous slice of ring space whose contents differ
// between two trees. Both bounds are inclusive.
type Range struct {
	Lo uint64
	Hi uint64
}

const hashSize = sha256.Size

var emptyLeaf = sha256.Sum256(nil)

// Build generates the tree for a partition from the engine's current
// contents. Records are bucketed into fixed-width leaf spans by ring hash
// and digested in scan order, so two replicas holding the same records
// produce byte-identical trees.
func Build(engine storage.Engine, p cluster.Partition, cfg config.MerkleConfig) (*Tree, error) {
	records, err := engine.Scan(p.Lo, p.Hi)
	if err != nil {
		return nil, fmt.Errorf("scan partition %d: %w", p.Index, err)
	}

	span := leafSpan(p, cfg.LeafCount)
	leaves := make([][]byte, cfg.LeafCount)

	i := 0
	for leaf := 0; leaf < cfg.LeafCount; leaf++ {
		hi := leafHi(p, span, leaf)

		h := sha256.New()
		n := 0
		for i < len(records) && records[i].RingHash() <= hi {
			digestRecord(h, records[i])
			n++
			i++
		}
		if n == 0 {
			leaves[leaf] = emptyLeaf[:]
			continue
		}
		leaves[leaf] = h.Sum(nil)
	}

	t := &Tree{
		Partition: p.Index,
		Branching: cfg.BranchingFactor,
		Lo:        p.Lo,
		Hi:        p.Hi,
	}
	t.Levels = append(t.Levels, pack(leaves))

	// Reduce upward until a single root remains.
	level := leaves
	for len(level) > 1 {
		parents := make([][]byte, 0, (len(level)+cfg.BranchingFactor-1)/cfg.BranchingFactor)
		for j := 0; j < len(level); j += cfg.BranchingFactor {
			end := j + cfg.BranchingFactor
			if end > len(level) {
				end = len(level)
			}
			h := sha256.New()
			for _, child := range level[j:end] {
				h.Write(child)
			}
			parents = append(parents, h.Sum(nil))
		}
		t.Levels = append(t.Levels, pack(parents))
		level = parents
	}

	return t, nil
}

func digestRecord(h hash.Hash, rec storage.Record) {
	h.Write([]byte(rec.Key))
	h.Write([]byte{0})
	h.Write([]byte(rec.VersionTag()))
	h.Write([]byte{0})
	if rec.Tombstone {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
		h.Write(rec.Value)
	}
	h.Write([]byte{0})
}

// Root returns the root hash.
func (t *Tree) Root() []byte {
	top := t.Levels[len(t.Levels)-1]
	return top[:hashSize]
}

// LeafCount returns the number of leaves the tree was built with.
func (t *Tree) LeafCount() int {
	return len(t.Levels[0]) / hashSize
}

func (t *Tree) hash(level, idx int) []byte {
	return t.Levels[level][idx*hashSize : (idx+1)*hashSize]
}

func (t *Tree) width(level int) int {
	return len(t.Levels[level]) / hashSize
}

// Encode serializes the tree for the wire: msgpack, then snappy. Trees
// over sparse partitions compress to a few hundred bytes.
func Encode(t *Tree) ([]byte, error) {
	raw, err := msgpack.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode merkle tree: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode reverses Encode and validates the tree's shape.
func Decode(data []byte) (*Tree, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress merkle tree: %w", err)
	}
	var t Tree
	if err := msgpack.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode merkle tree: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Tree) validate() error {
	if t.Branching < 2 {
		return fmt.Errorf("merkle tree: branching factor %d below 2", t.Branching)
	}
	if len(t.Levels) == 0 {
		return fmt.Errorf("merkle tree: no levels")
	}
	for i, level := range t.Levels {
		if len(level) == 0 || len(level)%hashSize != 0 {
			return fmt.Errorf("merkle tree: level %d has invalid length %d", i, len(level))
		}
	}
	if t.width(len(t.Levels)-1) != 1 {
		return fmt.Errorf("merkle tree: top level is not a single root")
	}
	return nil
}

// Diff compares two trees top-down and returns the leaf ranges whose
// contents differ. Matching roots cost a single comparison; mismatches
// recurse only into differing subtrees. The trees must share partition
// bounds, branching factor and leaf count, which any two nodes running
// the same configuration do.
func Diff(a, b *Tree) ([]Range, error) {
	if a.Lo != b.Lo || a.Hi != b.Hi || a.Branching != b.Branching || len(a.Levels) != len(b.Levels) || a.LeafCount() != b.LeafCount() {
		return nil, fmt.Errorf("merkle trees are not structurally comparable: partition [%d,%d]x%d vs [%d,%d]x%d",
			a.Lo, a.Hi, a.LeafCount(), b.Lo, b.Hi, b.LeafCount())
	}

	var leaves []int
	var walk func(level, idx int)
	walk = func(level, idx int) {
		if !bytes.Equal(a.hash(level, idx), b.hash(level, idx)) {
			if level == 0 {
				leaves = append(leaves, idx)
				return
			}
			lo := idx * a.Branching
			hi := lo + a.Branching
			if w := a.width(level - 1); hi > w {
				hi = w
			}
			for child := lo; child < hi; child++ {
				walk(level-1, child)
			}
		}
	}
	walk(len(a.Levels)-1, 0)

	return coalesce(a, leaves), nil
}

// coalesce turns sorted leaf indices into merged inclusive hash ranges,
// joining adjacent leaves into single spans to keep repair requests few.
func coalesce(t *Tree, leaves []int) []Range {
	if len(leaves) == 0 {
		return nil
	}
	p := cluster.Partition{Index: t.Partition, Lo: t.Lo, Hi: t.Hi}
	span := leafSpan(p, t.LeafCount())

	var out []Range
	start, prev := leaves[0], leaves[0]
	for _, leaf := range leaves[1:] {
		if leaf == prev+1 {
			prev = leaf
			continue
		}
		out = append(out, Range{Lo: t.Lo + uint64(start)*span, Hi: leafHi(p, span, prev)})
		start, prev = leaf, leaf
	}
	out = append(out, Range{Lo: t.Lo + uint64(start)*span, Hi: leafHi(p, span, prev)})
	return out
}

// leafSpan returns the hash-space width of one leaf. The last leaf
// absorbs any rounding remainder so the leaves tile the partition.
func leafSpan(p cluster.Partition, leaves int) uint64 {
	return (p.Hi-p.Lo)/uint64(leaves) + 1
}

func leafHi(p cluster.Partition, span uint64, leaf int) uint64 {
	hi := p.Lo + uint64(leaf+1)*span - 1
	// A rounded-up span can run past the partition, or wrap when the
	// partition ends at the top of the hash space.
	if hi > p.Hi || hi < p.Lo {
		hi = p.Hi
	}
	return hi
}

func pack(hashes [][]byte) []byte {
	out := make([]byte, 0, len(hashes)*hashSize)
	for _, h := range hashes {
		out = append(out, h...)
	}
	return out
}
