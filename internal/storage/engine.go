package storage

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/replikv/replikv/internal/cluster"
)

// Record is one versioned value (or tombstone) for a key. A key can hold
// several concurrent records at once — siblings — when writers raced; the
// read path surfaces those instead of merging them.
type Record struct {
	Key       string                `msgpack:"key" json:"key"`
	Value     []byte                `msgpack:"value" json:"value"`
	Version   cluster.VersionVector `msgpack:"version" json:"version"`
	Origin    string                `msgpack:"origin" json:"origin"`
	Tombstone bool                  `msgpack:"tombstone" json:"tombstone"`
	UpdatedAt time.Time             `msgpack:"updated_at" json:"updated_at"`
}

// RingHash returns the record's position in ring space.
func (r Record) RingHash() uint64 {
	return cluster.HashKey(r.Key)
}

// VersionTag is a canonical string for a (version, origin) pair, used to
// order siblings deterministically and to detect exact replays.
func (r Record) VersionTag() string {
	ids := make([]string, 0, len(r.Version))
	for id := range r.Version {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('=')
		b.WriteString(strconv.FormatUint(r.Version[id], 10))
		b.WriteByte(';')
	}
	b.WriteByte('@')
	b.WriteString(r.Origin)
	return b.String()
}

// ApplyResult reports what a versioned put did to local state.
type ApplyResult int

const (
	// ApplyAccepted: the record was stored (possibly replacing dominated siblings)
	ApplyAccepted ApplyResult = iota
	// ApplyDuplicate: same key, version and origin already applied; no-op
	ApplyDuplicate
	// ApplyStale: an existing record dominates the incoming one; no-op
	ApplyStale
)

// Engine is the local persistence boundary. Implementations must make
// Apply idempotent: replaying an already-applied (key, version, origin)
// leaves state unchanged and reports ApplyDuplicate.
type Engine interface {
	// Get returns all current siblings for a key; empty slice if the key
	// has never been written.
	Get(key string) ([]Record, error)

	// Apply performs a versioned put (value or tombstone).
	Apply(rec Record) (ApplyResult, error)

	// Scan returns every sibling of every key whose ring hash falls in
	// [lo, hi], ordered by (hash, key, version tag). Both bounds inclusive.
	Scan(lo, hi uint64) ([]Record, error)

	// Keys returns the number of distinct keys held (tombstoned included).
	Keys() int
}
