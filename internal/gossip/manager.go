package gossip

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/transport"
)

// RingUpdate is delivered to subscribers on every snapshot swap.
type RingUpdate struct {
	Ring     *cluster.Ring
	Previous *cluster.Ring
}

// Manager runs the membership protocol: periodic anti-entropy exchanges of
// the full member table, a phi-less timeout failure detector, and
// production of immutable ring snapshots. All snapshot swaps are atomic;
// readers never see a partially built ring.
type Manager struct {
	logger  *logging.Logger
	metrics *metrics.Registry
	tr      transport.Transport

	mu          sync.Mutex
	cfg         config.GossipConfig
	selfID      string
	members     map[string]cluster.Member
	lastSeen    map[string]time.Time
	ringVersion uint64

	ring atomic.Pointer[cluster.Ring]

	subMu       sync.Mutex
	subscribers []func(RingUpdate)

	rng    *rand.Rand
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a manager seeded with the local member, initially in
// the joining state.
func NewManager(cfg config.GossipConfig, self cluster.Member, tr transport.Transport, reg *metrics.Registry, logger *logging.Logger) *Manager {
	self.Health = cluster.HealthJoining
	self.Incarnation = 1
	self.UpdatedAt = time.Now()

	m := &Manager{
		cfg:      cfg,
		logger:   logger.Component("gossip"),
		metrics:  reg,
		tr:       tr,
		selfID:   self.ID,
		members:  map[string]cluster.Member{self.ID: self},
		lastSeen: map[string]time.Time{self.ID: time.Now()},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:   make(chan struct{}),
	}
	m.ringVersion = 1
	m.rebuildLocked()
	return m
}

// UpdateConfig swaps the gossip interval, fanout, and detector timings.
// The new values take effect from the next tick.
func (m *Manager) UpdateConfig(cfg config.GossipConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) config() config.GossipConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Ring returns the current snapshot. Safe for concurrent use; the result
// is immutable.
func (m *Manager) Ring() *cluster.Ring {
	return m.ring.Load()
}

// Members returns the current member table ordered by ID.
func (m *Manager) Members() []cluster.Member {
	return m.Ring().Members()
}

// Subscribe registers a callback invoked after every ring snapshot swap.
// Callbacks run on the gossip goroutine and must not block.
func (m *Manager) Subscribe(fn func(RingUpdate)) {
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.subMu.Unlock()
}

// Join performs the initial exchange against the seed list. With no seeds
// the node bootstraps a single-member cluster. The local member turns
// alive after its first successful exchange.
func (m *Manager) Join(ctx context.Context, seeds []string) error {
	if len(seeds) == 0 {
		m.mu.Lock()
		m.promoteSelfLocked()
		update := m.rebuildLocked()
		m.mu.Unlock()
		m.notify(update)
		m.logger.Info("bootstrapped new cluster", "node", m.selfID)
		return nil
	}

	var lastErr error
	for _, seed := range seeds {
		if seed == m.tr.Addr() {
			continue
		}
		if err := m.exchange(ctx, seed); err != nil {
			lastErr = err
			m.logger.Warn("seed exchange failed", "seed", seed, "error", err)
			continue
		}

		m.mu.Lock()
		m.promoteSelfLocked()
		update := m.rebuildLocked()
		m.mu.Unlock()
		m.notify(update)
		m.logger.Info("joined cluster", "node", m.selfID, "seed", seed)
		return nil
	}
	if lastErr == nil {
		// Every seed was our own address
		m.mu.Lock()
		m.promoteSelfLocked()
		update := m.rebuildLocked()
		m.mu.Unlock()
		m.notify(update)
		return nil
	}
	return fmt.Errorf("join: no seed reachable: %w", lastErr)
}

// Leave marks the local member removed and pushes one final round so the
// departure propagates before shutdown.
func (m *Manager) Leave(ctx context.Context) {
	m.mu.Lock()
	self := m.members[m.selfID]
	self.Health = cluster.HealthRemoved
	self.Incarnation++
	self.UpdatedAt = time.Now()
	m.members[m.selfID] = self
	peers := m.pickPeersLocked()
	m.ringVersion++
	update := m.rebuildLocked()
	m.mu.Unlock()

	m.notify(update)
	for _, peer := range peers {
		if err := m.exchange(ctx, peer.GossipAddr); err != nil {
			m.logger.Warn("departure gossip failed", "peer", peer.ID, "error", err)
		}
	}
	m.logger.Info("left cluster", "node", m.selfID)
}

// Start launches the gossip loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop terminates the gossip loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
			ticker.Reset(m.config().Interval)
		case <-m.stopCh:
			return
		}
	}
}

// tick runs one failure-detector sweep followed by one gossip round.
func (m *Manager) tick() {
	m.mu.Lock()
	timeout := m.cfg.RequestTimeout
	update := m.sweepLocked(time.Now())
	peers := m.pickPeersLocked()
	m.mu.Unlock()

	if update != nil {
		m.notify(*update)
	}

	for _, peer := range peers {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := m.exchange(ctx, peer.GossipAddr)
		cancel()
		if err != nil {
			m.logger.Debug("gossip exchange failed", "peer", peer.ID, "error", err)
		}
	}
}

// sweepLocked advances the health state machine for every peer based on
// time since last contact. Returns a ring update when anything changed.
func (m *Manager) sweepLocked(now time.Time) *RingUpdate {
	changed := false

	for id, member := range m.members {
		if id == m.selfID {
			continue
		}

		since := now.Sub(m.lastSeen[id])
		next := member.Health

		switch member.Health {
		case cluster.HealthJoining, cluster.HealthAlive:
			if since > m.cfg.DeadAfter {
				next = cluster.HealthDead
			} else if since > m.cfg.SuspectAfter {
				next = cluster.HealthSuspect
			}
		case cluster.HealthSuspect:
			if since > m.cfg.DeadAfter {
				next = cluster.HealthDead
			}
		case cluster.HealthDead:
			if since > m.cfg.DeadAfter+m.cfg.EvictAfter {
				next = cluster.HealthRemoved
			}
		}

		if next != member.Health {
			m.logger.Info("member state changed",
				"member", id, "from", member.Health.String(), "to", next.String())
			member.Health = next
			member.UpdatedAt = now
			m.members[id] = member
			changed = true
		}
	}

	if !changed {
		return nil
	}
	m.ringVersion++
	update := m.rebuildLocked()
	return &update
}

// pickPeersLocked selects up to Fanout random gossip targets.
func (m *Manager) pickPeersLocked() []cluster.Member {
	candidates := make([]cluster.Member, 0, len(m.members))
	for id, member := range m.members {
		if id == m.selfID || member.Health == cluster.HealthRemoved {
			continue
		}
		candidates = append(candidates, member)
	}

	m.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > m.cfg.Fanout {
		candidates = candidates[:m.cfg.Fanout]
	}
	return candidates
}

// exchange performs one syn/ack round trip with a peer and merges its view.
func (m *Manager) exchange(ctx context.Context, addr string) error {
	m.mu.Lock()
	syn := transport.GossipSyn{
		RingVersion: m.ringVersion,
		Checksum:    m.ring.Load().Checksum(),
		Members:     m.tableLocked(),
	}
	m.mu.Unlock()

	msg, err := transport.NewMessage(transport.TypeGossipSyn, m.selfID, syn)
	if err != nil {
		return err
	}

	reply, err := m.tr.Call(ctx, addr, msg)
	if err != nil {
		return err
	}
	if err := transport.ReplyError(reply); err != nil {
		return err
	}
	if reply.Type != transport.TypeGossipAck {
		return fmt.Errorf("unexpected reply type %s", reply.Type)
	}

	var ack transport.GossipAck
	if err := reply.DecodePayload(&ack); err != nil {
		return err
	}

	m.merge(reply.From, ack.RingVersion, ack.Checksum, ack.Members)
	return nil
}

// Handler answers inbound gossip messages.
func (m *Manager) Handler() transport.Handler {
	return func(ctx context.Context, msg *transport.Message) *transport.Message {
		if msg.Type != transport.TypeGossipSyn {
			return transport.NewErrorMessage(m.selfID, transport.CodeInternal,
				fmt.Sprintf("unexpected message type %s on gossip port", msg.Type))
		}

		var syn transport.GossipSyn
		if err := msg.DecodePayload(&syn); err != nil {
			return transport.NewErrorMessage(m.selfID, transport.CodeInternal, err.Error())
		}

		m.merge(msg.From, syn.RingVersion, syn.Checksum, syn.Members)

		m.mu.Lock()
		ack := transport.GossipAck{
			RingVersion: m.ringVersion,
			Checksum:    m.ring.Load().Checksum(),
			Members:     m.tableLocked(),
		}
		m.mu.Unlock()

		reply, err := transport.NewMessage(transport.TypeGossipAck, m.selfID, ack)
		if err != nil {
			return transport.NewErrorMessage(m.selfID, transport.CodeInternal, err.Error())
		}
		return reply
	}
}

// merge folds a peer's member table into the local one.
func (m *Manager) merge(from string, remoteVersion uint64, remoteChecksum string, remoteMembers []cluster.Member) {
	now := time.Now()

	m.mu.Lock()

	// Two nodes agreeing on a version must agree on the view. A mismatch
	// means a protocol violation somewhere; the merge below re-converges,
	// but it is worth surfacing.
	if remoteVersion == m.ringVersion && remoteChecksum != "" {
		if local := m.ring.Load().Checksum(); local != remoteChecksum {
			m.logger.Warn("conflicting ring view at equal version",
				"peer", from, "version", remoteVersion,
				"local_checksum", local, "peer_checksum", remoteChecksum)
			m.metrics.IncConflictingRing()
		}
	}

	changed := false
	for _, remote := range remoteMembers {
		if remote.ID == m.selfID {
			if m.refuteLocked(remote, now) {
				changed = true
			}
			continue
		}

		local, known := m.members[remote.ID]
		if !known {
			m.members[remote.ID] = remote.Clone()
			m.lastSeen[remote.ID] = now
			changed = true
			continue
		}

		merged, took := mergeMember(local, remote)
		if took {
			if merged.Incarnation > local.Incarnation {
				// The member itself produced this entry, so it was alive
				// recently even if our detector had given up on it.
				m.lastSeen[remote.ID] = now
			}
			m.members[remote.ID] = merged.Clone()
			changed = true
		}
	}

	if from != "" && from != m.selfID {
		m.lastSeen[from] = now
	}

	switch {
	case changed:
		// A real table change produces a strictly newer version than
		// either side held, so both converge on it.
		if remoteVersion > m.ringVersion {
			m.ringVersion = remoteVersion
		}
		m.ringVersion++
	case remoteVersion > m.ringVersion:
		// Same table, newer version number: adopt it without bumping so
		// repeated exchanges do not ratchet the version forever.
		m.ringVersion = remoteVersion
	default:
		m.mu.Unlock()
		return
	}

	update := m.rebuildLocked()
	m.mu.Unlock()
	m.notify(update)
}

// refuteLocked handles the peer's view of the local member. A node
// suspected or declared dead by others refutes by bumping its incarnation.
func (m *Manager) refuteLocked(remote cluster.Member, now time.Time) bool {
	self := m.members[m.selfID]
	if remote.Incarnation < self.Incarnation || remote.Health <= self.Health {
		return false
	}

	self.Incarnation = remote.Incarnation + 1
	if self.Health != cluster.HealthJoining {
		self.Health = cluster.HealthAlive
	}
	self.UpdatedAt = now
	m.members[m.selfID] = self
	m.logger.Info("refuted suspicion", "incarnation", self.Incarnation)
	return true
}

// mergeMember reconciles two views of one member. Higher incarnation wins
// outright; at equal incarnations the worse health wins, which lets
// suspicion and death spread without the member's cooperation.
func mergeMember(local, remote cluster.Member) (cluster.Member, bool) {
	if remote.Incarnation > local.Incarnation {
		return remote, true
	}
	if remote.Incarnation == local.Incarnation && remote.Health > local.Health {
		return remote, true
	}
	return local, false
}

// promoteSelfLocked moves the local member from joining to alive.
func (m *Manager) promoteSelfLocked() {
	self := m.members[m.selfID]
	if self.Health != cluster.HealthJoining {
		return
	}
	self.Health = cluster.HealthAlive
	self.Incarnation++
	self.UpdatedAt = time.Now()
	m.members[m.selfID] = self
	m.ringVersion++
}

// tableLocked returns a copy of the member table for the wire.
func (m *Manager) tableLocked() []cluster.Member {
	out := make([]cluster.Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, member.Clone())
	}
	return out
}

// rebuildLocked produces a new ring snapshot from the member table at the
// current ring version. Callers bump the version first for local changes.
func (m *Manager) rebuildLocked() RingUpdate {
	previous := m.ring.Load()
	next := cluster.NewRing(m.ringVersion, m.members)
	m.ring.Store(next)

	m.metrics.SetRingVersion(m.ringVersion)
	counts := make(map[string]int)
	for _, member := range m.members {
		counts[member.Health.String()]++
	}
	for _, state := range []string{"joining", "alive", "suspect", "dead", "removed"} {
		m.metrics.SetMemberCount(state, counts[state])
	}

	return RingUpdate{Ring: next, Previous: previous}
}

func (m *Manager) notify(update RingUpdate) {
	m.subMu.Lock()
	subs := append(([]func(RingUpdate))(nil), m.subscribers...)
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}
