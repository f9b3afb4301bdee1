package cluster

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
)

// ErrInsufficientNodes is returned when the ring cannot supply the requested
// number of distinct physical nodes.
var ErrInsufficientNodes = errors.New("ring has fewer distinct nodes than requested")

// Ring is an immutable, versioned snapshot of token ownership. Key placement
// is deterministic given a snapshot: the same snapshot and key always yield
// the same preference list. New snapshots are produced only by the
// membership manager and swapped in atomically; nothing mutates a Ring.
type Ring struct {
	version uint64
	tokens  []uint64          // sorted vnode positions
	owners  map[uint64]string // token -> physical node ID
	members map[string]Member
}

// Tokens derives the virtual token positions for a physical node. The
// derivation depends only on the node ID and token count, so every node in
// the cluster computes identical placements without coordination.
func Tokens(nodeID string, count int) []uint64 {
	h := fnv.New64a()
	buf := make([]byte, 0, len(nodeID)+12)
	buf = append(buf, nodeID...)
	buf = append(buf, ':')
	prefixLen := len(buf)

	tokens := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		buf = buf[:prefixLen]
		buf = strconv.AppendInt(buf, int64(i), 10)

		h.Reset()
		h.Write(buf)
		tokens = append(tokens, h.Sum64())
	}
	return tokens
}

// HashKey maps a key into ring space.
func HashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

// NewRing builds a snapshot from a member table. Members in the removed
// state contribute no tokens; everything else (including suspect and dead
// members, whose tokens are deallocated only on eviction) keeps its ring
// positions so that key placement stays stable across transient failures.
func NewRing(version uint64, members map[string]Member) *Ring {
	r := &Ring{
		version: version,
		owners:  make(map[uint64]string),
		members: make(map[string]Member, len(members)),
	}

	for id, m := range members {
		r.members[id] = m.Clone()
		if m.Health == HealthRemoved {
			continue
		}
		for _, tok := range m.Tokens {
			r.owners[tok] = id
			r.tokens = append(r.tokens, tok)
		}
	}

	sort.Slice(r.tokens, func(i, j int) bool { return r.tokens[i] < r.tokens[j] })
	return r
}

// Version returns the snapshot's monotonic version.
func (r *Ring) Version() uint64 {
	return r.version
}

// Member returns the member table entry for a node ID.
func (r *Ring) Member(id string) (Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

// Members returns all member entries ordered by node ID.
func (r *Ring) Members() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeCount returns the number of physical nodes owning tokens.
func (r *Ring) NodeCount() int {
	seen := make(map[string]bool)
	for _, id := range r.owners {
		seen[id] = true
	}
	return len(seen)
}

// Resolve returns the preference list for a key: n distinct physical nodes
// collected by walking clockwise from the first token at or after the key's
// hash, skipping physical nodes already reached through another virtual
// token. Fails with ErrInsufficientNodes when fewer than n distinct nodes
// own tokens.
func (r *Ring) Resolve(key string, n int) ([]Member, error) {
	return r.ResolveHash(HashKey(key), n)
}

// ResolveHash is Resolve for a precomputed ring position, for callers that
// work on partition boundaries rather than keys.
func (r *Ring) ResolveHash(hash uint64, n int) ([]Member, error) {
	return r.walk(hash, n, "")
}

// NextNodes returns the k distinct successors of a node, walking clockwise
// from its smallest token. Used for replica placement during repair.
func (r *Ring) NextNodes(nodeID string, k int) ([]Member, error) {
	m, ok := r.members[nodeID]
	if !ok || len(m.Tokens) == 0 {
		return nil, ErrInsufficientNodes
	}

	start := m.Tokens[0]
	for _, tok := range m.Tokens[1:] {
		if tok < start {
			start = tok
		}
	}

	// Walk from just past the node's own first token, excluding the node
	return r.walk(start+1, k, nodeID)
}

// walk collects n distinct physical nodes clockwise from hash, skipping
// exclude if non-empty.
func (r *Ring) walk(hash uint64, n int, exclude string) ([]Member, error) {
	if len(r.tokens) == 0 {
		return nil, ErrInsufficientNodes
	}

	idx := sort.Search(len(r.tokens), func(i int) bool {
		return r.tokens[i] >= hash
	})
	if idx == len(r.tokens) {
		idx = 0 // wraparound
	}

	seen := make(map[string]bool, n)
	result := make([]Member, 0, n)

	for i := 0; i < len(r.tokens) && len(result) < n; i++ {
		tok := r.tokens[(idx+i)%len(r.tokens)]
		id := r.owners[tok]

		if id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, r.members[id])
	}

	if len(result) < n {
		return nil, ErrInsufficientNodes
	}
	return result, nil
}

// ownerAt returns the physical owner of ring position hash.
func (r *Ring) ownerAt(hash uint64) string {
	if len(r.tokens) == 0 {
		return ""
	}
	idx := sort.Search(len(r.tokens), func(i int) bool {
		return r.tokens[i] >= hash
	})
	if idx == len(r.tokens) {
		idx = 0
	}
	return r.owners[r.tokens[idx]]
}

// Checksum hashes the canonical encoding of the snapshot. Two converged
// nodes holding the same ring version must produce the same checksum; a
// mismatch at equal versions indicates a protocol violation.
func (r *Ring) Checksum() string {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.version)
	h.Write(buf[:])

	for _, tok := range r.tokens {
		binary.BigEndian.PutUint64(buf[:], tok)
		h.Write(buf[:])
		h.Write([]byte(r.owners[tok]))
		h.Write([]byte{0})
	}

	for _, m := range r.Members() {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
		h.Write([]byte(m.DataAddr))
		h.Write([]byte{0, byte(m.Health)})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// RemapFraction estimates the share of the key space whose primary owner
// differs between two snapshots. Adding or removing one node's tokens
// should remap roughly tokens_changed/total_tokens of the space; anything
// close to 1.0 after a single membership change indicates a placement bug.
func RemapFraction(old, next *Ring) float64 {
	if len(old.tokens) == 0 || len(next.tokens) == 0 {
		return 1.0
	}

	// Every boundary in either ring delimits an arc with uniform ownership
	// in both rings.
	boundaries := make([]uint64, 0, len(old.tokens)+len(next.tokens))
	boundaries = append(boundaries, old.tokens...)
	boundaries = append(boundaries, next.tokens...)
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i] < boundaries[j] })

	var moved uint64
	for i := range boundaries {
		// Arc (boundaries[i-1], boundaries[i]] with wraparound for i==0
		end := boundaries[i]
		var span uint64
		if i == 0 {
			span = end - boundaries[len(boundaries)-1] // wraps modulo 2^64
		} else {
			span = end - boundaries[i-1]
		}

		if old.ownerAt(end) != next.ownerAt(end) {
			moved += span
		}
	}

	const ringSpan = float64(1 << 63) * 2
	return float64(moved) / ringSpan
}
