package routing

import (
	"sync/atomic"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/gossip"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
)

// Router resolves keys to preference lists against a cached ring
// snapshot. Resolution is pure pointer-chasing and hashing; the snapshot
// is refreshed by gossip notifications, so routing never waits on I/O.
type Router struct {
	ring    atomic.Pointer[cluster.Ring]
	logger  *logging.Logger
	metrics *metrics.Registry
	keys    func() int
}

// NewRouter builds a router around an initial snapshot. keys reports the
// local key count, used to estimate how many keys a ring change remapped.
func NewRouter(initial *cluster.Ring, keys func() int, reg *metrics.Registry, logger *logging.Logger) *Router {
	r := &Router{
		logger:  logger.Component("routing"),
		metrics: reg,
		keys:    keys,
	}
	r.ring.Store(initial)
	return r
}

// Update swaps in a new snapshot. Wired as a gossip subscriber.
func (r *Router) Update(u gossip.RingUpdate) {
	r.ring.Store(u.Ring)

	if u.Previous == nil || u.Ring.Checksum() == u.Previous.Checksum() {
		return
	}

	frac := cluster.RemapFraction(u.Previous, u.Ring)
	remapped := int(frac * float64(r.keys()))
	if remapped > 0 {
		r.metrics.AddKeysRemapped(remapped)
	}
	r.logger.Info("ring updated",
		"version", u.Ring.Version(),
		"nodes", u.Ring.NodeCount(),
		"remap_fraction", frac)
}

// Snapshot returns the current ring.
func (r *Router) Snapshot() *cluster.Ring {
	return r.ring.Load()
}

// Preference returns the n replicas for a key under the current snapshot.
func (r *Router) Preference(key string, n int) ([]cluster.Member, error) {
	return r.Snapshot().Resolve(key, n)
}
