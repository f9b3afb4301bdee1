package cluster

import (
	"time"
)

// Health is the failure-detector state of a member.
type Health int

const (
	HealthJoining Health = iota
	HealthAlive
	HealthSuspect
	HealthDead
	HealthRemoved
)

// String returns the lowercase name of the health state
func (h Health) String() string {
	switch h {
	case HealthJoining:
		return "joining"
	case HealthAlive:
		return "alive"
	case HealthSuspect:
		return "suspect"
	case HealthDead:
		return "dead"
	case HealthRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Member is one physical node as seen by the membership protocol. Entries
// are merged between peers last-writer-wins by Incarnation, so every
// mutation must bump it.
type Member struct {
	ID          string    `msgpack:"id" json:"id"`
	GossipAddr  string    `msgpack:"gossip_addr" json:"gossip_addr"`
	DataAddr    string    `msgpack:"data_addr" json:"data_addr"`
	Health      Health    `msgpack:"health" json:"health"`
	Incarnation uint64    `msgpack:"incarnation" json:"incarnation"`
	Tokens      []uint64  `msgpack:"tokens" json:"tokens"`
	UpdatedAt   time.Time `msgpack:"updated_at" json:"updated_at"`
}

// Routable reports whether the member should receive reads and writes.
// Suspect members stay routable; a timed-out request is handled by quorum
// logic, not by the router.
func (m Member) Routable() bool {
	return m.Health == HealthAlive || m.Health == HealthSuspect
}

// Clone returns a deep copy (Tokens is shared state otherwise)
func (m Member) Clone() Member {
	out := m
	out.Tokens = append([]uint64(nil), m.Tokens...)
	return out
}
