package replication

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/routing"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

// HintSink stores writes for replicas that could not be reached. The hint
// reconciler replays them once the target recovers.
type HintSink interface {
	Queue(target string, rec storage.Record) error
}

// ReplicaTracker hears the outcome of every remote replica write, feeding
// the anti-entropy scheduler's freshness view.
type ReplicaTracker interface {
	WriteOutcome(key, node string, ok bool)
}

// Coordinator runs sloppy-quorum writes and reads against the key's
// preference list. Any node coordinates any key; placement comes from the
// routing snapshot, never from request state.
type Coordinator struct {
	selfID   string
	router   *routing.Router
	tr       transport.Transport
	engine   storage.Engine
	hints    HintSink
	replicas ReplicaTracker
	metrics  *metrics.Registry
	logger   *logging.Logger

	cfg atomic.Pointer[config.ReplicationConfig]
}

// NewCoordinator wires the coordinator. replicas may be nil when no
// freshness tracking is wanted. cfg is hot-swappable through UpdateConfig.
func NewCoordinator(selfID string, cfg config.ReplicationConfig, router *routing.Router, tr transport.Transport, engine storage.Engine, hints HintSink, replicas ReplicaTracker, reg *metrics.Registry, logger *logging.Logger) *Coordinator {
	c := &Coordinator{
		selfID:   selfID,
		router:   router,
		tr:       tr,
		engine:   engine,
		hints:    hints,
		replicas: replicas,
		metrics:  reg,
		logger:   logger.Component("coordinator"),
	}
	c.cfg.Store(&cfg)
	return c
}

// UpdateConfig swaps the quorum parameters. In-flight requests finish
// under the parameters they started with.
func (c *Coordinator) UpdateConfig(cfg config.ReplicationConfig) {
	c.cfg.Store(&cfg)
}

// Config returns the active quorum parameters.
func (c *Coordinator) Config() config.ReplicationConfig {
	return *c.cfg.Load()
}

// Put writes a value under a version derived from base. A nil base means
// the caller did not read first; the coordinator then builds on the
// versions it holds locally. Returns the version assigned to the write.
func (c *Coordinator) Put(ctx context.Context, key string, value []byte, base cluster.VersionVector) (cluster.VersionVector, error) {
	rec := storage.Record{
		Key:       key,
		Value:     value,
		Version:   c.nextVersion(key, base),
		Origin:    c.selfID,
		UpdatedAt: time.Now(),
	}
	if err := c.write(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Version, nil
}

// Delete writes a tombstone. Tombstones are versioned records and move
// through quorums, hints and repair exactly like values.
func (c *Coordinator) Delete(ctx context.Context, key string, base cluster.VersionVector) (cluster.VersionVector, error) {
	rec := storage.Record{
		Key:       key,
		Version:   c.nextVersion(key, base),
		Origin:    c.selfID,
		Tombstone: true,
		UpdatedAt: time.Now(),
	}
	if err := c.write(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Version, nil
}

// nextVersion advances the coordinator's clock on top of base, or on top
// of every locally known sibling when the caller supplied no context.
func (c *Coordinator) nextVersion(key string, base cluster.VersionVector) cluster.VersionVector {
	if base == nil {
		if siblings, err := c.engine.Get(key); err == nil {
			for _, sib := range siblings {
				base = base.Merge(sib.Version)
			}
		}
	}
	return base.Increment(c.selfID)
}

type writeAck struct {
	target string
	err    error
}

// write fans the record out to the full preference list and returns once
// W replicas acknowledged. Stragglers are not cancelled: their writes
// still count toward durability, and their failures still queue hints.
func (c *Coordinator) write(ctx context.Context, rec storage.Record) error {
	cfg := c.Config()
	ring := c.router.Snapshot()

	replicas, err := ring.Resolve(rec.Key, cfg.Factor)
	if err != nil {
		c.metrics.IncQuorumFailure("write")
		return fmt.Errorf("write %q: %w", rec.Key, err)
	}

	acks := make(chan writeAck, len(replicas))
	for _, replica := range replicas {
		go func(m cluster.Member) {
			acks <- writeAck{target: m.ID, err: c.writeReplica(m, rec, ring.Version(), cfg.RequestTimeout)}
		}(replica)
	}

	success := 0
	for received := 0; received < len(replicas); received++ {
		select {
		case ack := <-acks:
			if ack.err == nil {
				success++
				if success >= cfg.WriteQuorum {
					return nil
				}
			} else {
				c.logger.Warn("replica write failed",
					"key", rec.Key, "replica", ack.target, "error", ack.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.metrics.IncQuorumFailure("write")
	return fmt.Errorf("write %q: %d/%d acks: %w", rec.Key, success, cfg.WriteQuorum, ErrQuorumNotReached)
}

// writeReplica delivers one record to one replica, applying locally when
// the replica is this node. Failed remote deliveries become hints.
func (c *Coordinator) writeReplica(m cluster.Member, rec storage.Record, ringVersion uint64, timeout time.Duration) error {
	if m.ID == c.selfID {
		_, err := c.engine.Apply(rec)
		return err
	}

	// Detached from the caller's context so an early quorum return does
	// not cancel the straggler.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := c.send(ctx, m.DataAddr, rec, ringVersion)
	if c.replicas != nil {
		c.replicas.WriteOutcome(rec.Key, m.ID, err == nil)
	}
	if err == nil {
		return nil
	}

	if transport.IsRemoteCode(err, transport.CodeStaleRingVersion) {
		// The target no longer replicates this key; hinting at it would
		// deliver the record to the wrong place.
		return err
	}

	if qerr := c.hints.Queue(m.ID, rec); qerr != nil {
		c.logger.Error("hint queue failed", "key", rec.Key, "target", m.ID, "error", qerr)
	} else {
		c.metrics.IncHintsQueued()
	}
	return err
}

func (c *Coordinator) send(ctx context.Context, addr string, rec storage.Record, ringVersion uint64) error {
	msg, err := transport.NewMessage(transport.TypeWrite, c.selfID, transport.WriteRequest{
		RingVersion: ringVersion,
		Record:      rec,
	})
	if err != nil {
		return err
	}

	reply, err := c.tr.Call(ctx, addr, msg)
	if err != nil {
		return err
	}
	if err := transport.ReplyError(reply); err != nil {
		return err
	}
	if reply.Type != transport.TypeWriteAck {
		return fmt.Errorf("unexpected reply type %s", reply.Type)
	}
	return nil
}

type readResult struct {
	replica cluster.Member
	records []storage.Record
	err     error
}

// Get reads from the preference list, waits for R responses, resolves the
// causal frontier and repairs stale replicas in the background. Concurrent
// siblings surface as ErrVersionConflict unless the last-writer-wins
// policy is active.
func (c *Coordinator) Get(ctx context.Context, key string) (storage.Record, error) {
	cfg := c.Config()
	ring := c.router.Snapshot()

	replicas, err := ring.Resolve(key, cfg.Factor)
	if err != nil {
		c.metrics.IncQuorumFailure("read")
		return storage.Record{}, fmt.Errorf("read %q: %w", key, err)
	}

	results := make(chan readResult, len(replicas))
	for _, replica := range replicas {
		go func(m cluster.Member) {
			records, err := c.readReplica(m, key, ring.Version(), cfg.RequestTimeout)
			results <- readResult{replica: m, records: records, err: err}
		}(replica)
	}

	var responded []readResult
	for received := 0; received < len(replicas) && len(responded) < cfg.ReadQuorum; received++ {
		select {
		case res := <-results:
			if res.err != nil {
				c.logger.Warn("replica read failed",
					"key", key, "replica", res.replica.ID, "error", res.err)
				continue
			}
			responded = append(responded, res)
		case <-ctx.Done():
			return storage.Record{}, ctx.Err()
		}
	}

	if len(responded) < cfg.ReadQuorum {
		c.metrics.IncQuorumFailure("read")
		return storage.Record{}, fmt.Errorf("read %q: %d/%d responses: %w",
			key, len(responded), cfg.ReadQuorum, ErrQuorumNotReached)
	}

	var all []storage.Record
	for _, res := range responded {
		all = append(all, res.records...)
	}
	frontier := Maximal(all)
	if len(frontier) == 0 {
		return storage.Record{}, ErrNotFound
	}

	c.readRepair(key, frontier, responded, ring.Version(), cfg.RequestTimeout)

	if len(frontier) > 1 {
		if cfg.ConflictPolicy == PolicyLWW {
			winner := PickLWW(frontier)
			if winner.Tombstone {
				return storage.Record{}, ErrNotFound
			}
			return winner, nil
		}
		c.metrics.IncConflictRead()
		return storage.Record{}, &VersionConflictError{Key: key, Siblings: frontier}
	}

	winner := frontier[0]
	if winner.Tombstone {
		return storage.Record{}, ErrNotFound
	}
	return winner, nil
}

func (c *Coordinator) readReplica(m cluster.Member, key string, ringVersion uint64, timeout time.Duration) ([]storage.Record, error) {
	if m.ID == c.selfID {
		return c.engine.Get(key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := transport.NewMessage(transport.TypeRead, c.selfID, transport.ReadRequest{
		RingVersion: ringVersion,
		Key:         key,
	})
	if err != nil {
		return nil, err
	}

	reply, err := c.tr.Call(ctx, m.DataAddr, msg)
	if err != nil {
		return nil, err
	}
	if err := transport.ReplyError(reply); err != nil {
		return nil, err
	}

	var resp transport.ReadResponse
	if err := reply.DecodePayload(&resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// readRepair pushes frontier records a responding replica is missing back
// to it. Repair is asynchronous; the read result never waits on it.
func (c *Coordinator) readRepair(key string, frontier []storage.Record, responded []readResult, ringVersion uint64, timeout time.Duration) {
	for _, res := range responded {
		missing := missingFrom(res.records, frontier)
		if len(missing) == 0 {
			continue
		}

		c.metrics.IncReadRepair()
		target := res.replica
		go func(records []storage.Record) {
			for _, rec := range records {
				var err error
				if target.ID == c.selfID {
					_, err = c.engine.Apply(rec)
				} else {
					ctx, cancel := context.WithTimeout(context.Background(), timeout)
					err = c.send(ctx, target.DataAddr, rec, ringVersion)
					cancel()
				}
				if err != nil {
					c.logger.Debug("read repair failed",
						"key", rec.Key, "replica", target.ID, "error", err)
					return
				}
			}
		}(missing)
	}
}

// missingFrom returns the frontier records absent from a replica's
// sibling set.
func missingFrom(held, frontier []storage.Record) []storage.Record {
	var missing []storage.Record
	for _, want := range frontier {
		found := false
		for _, have := range held {
			if have.Origin == want.Origin && have.Version.Compare(want.Version) == cluster.Identical {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return missing
}
