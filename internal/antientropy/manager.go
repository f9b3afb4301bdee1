// Package antientropy reconciles replicas in the background. A scheduler
// picks the (partition, peer) pairs that have gone longest without
// verification, compares Merkle trees with the peer, and pulls only the
// records in mismatched hash ranges. Transfers are rate limited so repair
// never crowds out the foreground read and write path.
package antientropy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/merkle"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/replica"
	"github.com/replikv/replikv/internal/routing"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

// Manager runs the anti-entropy scheduler and repair executor.
type Manager struct {
	selfID   string
	engine   storage.Engine
	router   *routing.Router
	replicas *replica.Store
	tr       transport.Transport
	metrics  *metrics.Registry
	logger   *logging.Logger

	mu        sync.Mutex
	cfg       config.AntiEntropyConfig
	merkleCfg config.MerkleConfig
	limiter   *rate.Limiter
	rng       *rand.Rand

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the anti-entropy manager. Call UpdateRing whenever
// the router adopts a new ring so the replica pair set stays current.
func NewManager(selfID string, engine storage.Engine, router *routing.Router, replicas *replica.Store,
	tr transport.Transport, cfg config.AntiEntropyConfig, merkleCfg config.MerkleConfig,
	reg *metrics.Registry, logger *logging.Logger) *Manager {
	return &Manager{
		selfID:    selfID,
		engine:    engine,
		router:    router,
		replicas:  replicas,
		tr:        tr,
		metrics:   reg,
		logger:    logger.Component("antientropy"),
		cfg:       cfg,
		merkleCfg: merkleCfg,
		limiter:   newLimiter(cfg.MaxBytesPerSec),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:    make(chan struct{}),
	}
}

func newLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// UpdateConfig swaps in reloaded scheduling and tree parameters. Takes
// effect on the next cycle.
func (m *Manager) UpdateConfig(cfg config.AntiEntropyConfig, merkleCfg config.MerkleConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.MaxBytesPerSec != m.cfg.MaxBytesPerSec {
		m.limiter = newLimiter(cfg.MaxBytesPerSec)
	}
	m.cfg = cfg
	m.merkleCfg = merkleCfg
}

func (m *Manager) config() (config.AntiEntropyConfig, config.MerkleConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, m.merkleCfg
}

// WriteOutcome folds a foreground replica write result into the freshness
// state of the key's partition. A failed write flags the pair stale so the
// scheduler moves it up; a success counts as contact with a current copy.
func (m *Manager) WriteOutcome(key, node string, ok bool) {
	if node == m.selfID {
		return
	}
	_, merkleCfg := m.config()
	pair := replica.Pair{
		Partition: cluster.PartitionOf(cluster.HashKey(key), merkleCfg.Partitions),
		Node:      node,
	}
	m.replicas.RecordWrite(pair, ok, time.Now())
}

// UpdateRing re-derives the tracked replica pair set from a ring snapshot:
// every (partition, peer) this node shares ownership with is tracked, pairs
// that no longer apply are tombstoned, and removed nodes are forgotten.
func (m *Manager) UpdateRing(ring *cluster.Ring, factor int) {
	_, merkleCfg := m.config()

	valid := make(map[replica.Pair]bool)
	for i := 0; i < merkleCfg.Partitions; i++ {
		p := cluster.PartitionRange(i, merkleCfg.Partitions)
		members, err := ring.Replicas(p, factor)
		if err != nil {
			continue
		}
		mine := false
		for _, member := range members {
			if member.ID == m.selfID {
				mine = true
				break
			}
		}
		if !mine {
			continue
		}
		for _, member := range members {
			if member.ID == m.selfID {
				continue
			}
			pair := replica.Pair{Partition: i, Node: member.ID}
			valid[pair] = true
			m.replicas.Track(pair)
		}
	}

	for _, ent := range m.replicas.Snapshot() {
		if ent.Status == replica.StatusTombstoned || valid[ent.Pair] {
			continue
		}
		m.replicas.MarkTombstoned(ent.Pair)
	}
	for _, member := range ring.Members() {
		if member.Health == cluster.HealthRemoved {
			m.replicas.Forget(member.ID)
		}
	}
}

// Start launches the scheduler loop.
func (m *Manager) Start() {
	cfg, _ := m.config()
	if !cfg.Enabled {
		m.logger.Info("anti-entropy disabled")
		return
	}
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("anti-entropy started",
		"interval", cfg.Interval,
		"max_concurrent", cfg.MaxConcurrent,
		"max_bytes_per_sec", cfg.MaxBytesPerSec)
}

// Stop halts the scheduler and waits for in-flight repairs.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	cfg, _ := m.config()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.pause(m.jitter()) {
				return
			}
			m.runCycle()
		}
	}
}

func (m *Manager) jitter() time.Duration {
	cfg, _ := m.config()
	if cfg.Jitter <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.rng.Int63n(int64(cfg.Jitter)))
}

// pause sleeps for d unless the manager is stopped first.
func (m *Manager) pause(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// runCycle compares the pairs that have gone longest unverified, bounded
// by MaxConcurrent outstanding comparisons.
func (m *Manager) runCycle() {
	cfg, _ := m.config()
	ring := m.router.Snapshot()

	entries := m.replicas.Oldest(cfg.MaxConcurrent)
	var cycle sync.WaitGroup
	for _, ent := range entries {
		member, ok := ring.Member(ent.Node)
		if !ok || member.Health != cluster.HealthAlive {
			continue
		}
		if !m.replicas.MarkSyncing(ent.Pair) {
			continue
		}
		cycle.Add(1)
		go func(pair replica.Pair, addr string) {
			defer cycle.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				select {
				case <-m.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			if err := m.Sync(ctx, pair, addr); err != nil {
				m.replicas.MarkStale(pair)
				m.logger.Warn("repair failed",
					"partition", pair.Partition,
					"peer", pair.Node,
					"error", err)
			}
		}(ent.Pair, member.DataAddr)
	}
	cycle.Wait()
}

// Sync runs one repair round against a peer: compare Merkle trees for the
// partition, fetch the records in mismatched ranges, and apply the ones
// the local engine does not already dominate. On success the pair is
// marked fresh; the caller handles failure bookkeeping.
func (m *Manager) Sync(ctx context.Context, pair replica.Pair, addr string) error {
	_, merkleCfg := m.config()
	m.metrics.IncRepairRound()

	partition := cluster.PartitionRange(pair.Partition, merkleCfg.Partitions)
	local, err := merkle.Build(m.engine, partition, merkleCfg)
	if err != nil {
		return fmt.Errorf("build local tree: %w", err)
	}

	remote, err := m.fetchTree(ctx, addr, pair.Partition)
	if err != nil {
		return err
	}
	if err := m.waitBytes(ctx, remote.bytes); err != nil {
		return err
	}
	m.metrics.AddRepairBytes(remote.bytes)

	ranges, err := merkle.Diff(local, remote.tree)
	if err != nil {
		return err
	}
	if len(ranges) == 0 {
		m.replicas.MarkFresh(pair, time.Now())
		return nil
	}

	repaired := 0
	for _, r := range ranges {
		n, err := m.pullRange(ctx, addr, r)
		if err != nil {
			return fmt.Errorf("pull range [%d,%d]: %w", r.Lo, r.Hi, err)
		}
		repaired += n
	}

	m.metrics.AddRepairedKeys(repaired)
	m.replicas.MarkFresh(pair, time.Now())
	m.logger.Info("repair round complete",
		"partition", pair.Partition,
		"peer", pair.Node,
		"ranges", len(ranges),
		"repaired", repaired)
	return nil
}

type remoteTree struct {
	tree  *merkle.Tree
	bytes int
}

func (m *Manager) fetchTree(ctx context.Context, addr string, partition int) (*remoteTree, error) {
	req, err := transport.NewMessage(transport.TypeMerkleReq, m.selfID, transport.MerkleRequest{
		RingVersion: m.router.Snapshot().Version(),
		Partition:   partition,
	})
	if err != nil {
		return nil, err
	}
	resp, err := m.tr.Call(ctx, addr, req)
	if err != nil {
		return nil, fmt.Errorf("merkle request: %w", err)
	}
	if err := transport.ReplyError(resp); err != nil {
		return nil, err
	}
	var payload transport.MerkleResponse
	if err := resp.DecodePayload(&payload); err != nil {
		return nil, err
	}
	tree, err := merkle.Decode(payload.Tree)
	if err != nil {
		return nil, err
	}
	return &remoteTree{tree: tree, bytes: len(payload.Tree)}, nil
}

// pullRange fetches one mismatched hash range from the peer and applies
// it locally. Apply skips anything an existing version already dominates,
// so a replica that raced ahead is never regressed.
func (m *Manager) pullRange(ctx context.Context, addr string, r merkle.Range) (int, error) {
	req, err := transport.NewMessage(transport.TypeRangeReq, m.selfID, transport.RangeRequest{
		RingVersion: m.router.Snapshot().Version(),
		Lo:          r.Lo,
		Hi:          r.Hi,
	})
	if err != nil {
		return 0, err
	}
	resp, err := m.tr.Call(ctx, addr, req)
	if err != nil {
		return 0, fmt.Errorf("range request: %w", err)
	}
	if err := transport.ReplyError(resp); err != nil {
		return 0, err
	}
	var payload transport.RangeResponse
	if err := resp.DecodePayload(&payload); err != nil {
		return 0, err
	}

	if err := m.waitBytes(ctx, len(payload.Records)); err != nil {
		return 0, err
	}
	m.metrics.AddRepairBytes(len(payload.Records))

	records, err := transport.DecodeRecords(payload.Records)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, rec := range records {
		result, err := m.engine.Apply(rec)
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", rec.Key, err)
		}
		if result == storage.ApplyAccepted {
			applied++
		}
	}
	return applied, nil
}

// waitBytes charges n bytes against the transfer budget, blocking until
// the limiter releases them. Payloads larger than the burst are charged
// in burst-sized installments.
func (m *Manager) waitBytes(ctx context.Context, n int) error {
	m.mu.Lock()
	limiter := m.limiter
	m.mu.Unlock()

	if limiter.Limit() == rate.Inf {
		return nil
	}
	burst := limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := limiter.WaitN(ctx, take); err != nil {
			return fmt.Errorf("repair rate limit: %w", err)
		}
		n -= take
	}
	return nil
}
