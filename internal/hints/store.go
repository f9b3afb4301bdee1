package hints

import (
	"context"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/queue"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

// Entry is one held write: the record a replica missed and who it was for.
type Entry struct {
	Target   string         `msgpack:"target"`
	Record   storage.Record `msgpack:"record"`
	QueuedAt time.Time      `msgpack:"queued_at"`
}

// Store holds writes for unreachable replicas and replays them once the
// target is alive again. Every hint is also journaled through the queue
// backend; on startup the journal subscription re-ingests whatever a
// brokered backend retained, so replay state survives restarts.
type Store struct {
	cfg     config.HintsConfig
	selfID  string
	subject string
	journal queue.Queue
	tr      transport.Transport
	ring    func() *cluster.Ring
	metrics *metrics.Registry
	logger  *logging.Logger

	mu      sync.Mutex
	pending map[string]map[string][]Entry // target -> key -> undominated entries

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStore wires the hint store. ring supplies the current membership
// snapshot for deciding when a target is back.
func NewStore(cfg config.HintsConfig, selfID string, journal queue.Queue, tr transport.Transport, ring func() *cluster.Ring, reg *metrics.Registry, logger *logging.Logger) *Store {
	return &Store{
		cfg:     cfg,
		selfID:  selfID,
		subject: "hints." + selfID,
		journal: journal,
		tr:      tr,
		ring:    ring,
		metrics: reg,
		logger:  logger.Component("hints"),
		pending: make(map[string]map[string][]Entry),
		stopCh:  make(chan struct{}),
	}
}

// Start attaches the journal subscription and launches the reconciler.
func (s *Store) Start() error {
	if err := s.journal.Subscribe(s.subject, s.ingestJournal); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the reconciler and detaches from the journal.
func (s *Store) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.journal.Unsubscribe(s.subject); err != nil {
		s.logger.Warn("journal unsubscribe failed", "error", err)
	}
}

// Queue records a hint for a replica that missed a write. The entry is
// tracked immediately and journaled in the background.
func (s *Store) Queue(target string, rec storage.Record) error {
	entry := Entry{Target: target, Record: rec, QueuedAt: time.Now()}
	s.ingest(entry)

	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Publish(ctx, s.subject, data); err != nil {
		// The in-memory copy still replays; only restart durability is lost
		s.logger.Warn("hint journal publish failed", "target", target, "error", err)
	}
	return nil
}

// ingestJournal feeds journal deliveries back into the pending set.
// Re-deliveries of hints already tracked or already superseded fall out
// in ingest, so at-least-once journal semantics are safe.
func (s *Store) ingestJournal(data []byte) error {
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("dropping malformed journal entry", "error", err)
		return nil // acking a poison entry beats redelivering it forever
	}
	s.ingest(entry)
	return nil
}

// ingest adds an entry to the pending set, dropping it when a tracked
// hint for the same target and key already dominates it, and evicting
// tracked hints the new entry supersedes.
func (s *Store) ingest(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.pending[entry.Target]
	if !ok {
		byKey = make(map[string][]Entry)
		s.pending[entry.Target] = byKey
	}

	key := entry.Record.Key
	kept := make([]Entry, 0, len(byKey[key])+1)
	for _, existing := range byKey[key] {
		switch existing.Record.Version.Compare(entry.Record.Version) {
		case cluster.Identical:
			if existing.Record.Origin == entry.Record.Origin {
				return // duplicate
			}
			kept = append(kept, existing)
		case cluster.After:
			return // superseded before it was ever sent
		case cluster.Before:
			// entry supersedes this one
		case cluster.Concurrent:
			kept = append(kept, existing)
		}
	}
	byKey[key] = append(kept, entry)
	s.metrics.SetHintDepth(s.depthLocked())
}

func (s *Store) depthLocked() int {
	total := 0
	for _, byKey := range s.pending {
		for _, entries := range byKey {
			total += len(entries)
		}
	}
	return total
}

// Depth reports how many hints await replay.
func (s *Store) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthLocked()
}

// Targets lists the nodes with pending hints and their counts.
func (s *Store) Targets() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.pending))
	for target, byKey := range s.pending {
		n := 0
		for _, entries := range byKey {
			n += len(entries)
		}
		if n > 0 {
			out[target] = n
		}
	}
	return out
}

func (s *Store) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.replayTick()
		case <-s.stopCh:
			return
		}
	}
}

// replayTick expires old hints, then redelivers a batch to every target
// that is alive again.
func (s *Store) replayTick() {
	now := time.Now()
	s.expire(now)

	ring := s.ring()
	for target, batch := range s.takeBatches() {
		member, ok := ring.Member(target)
		if !ok || member.Health != cluster.HealthAlive {
			continue // still down; hold the hints
		}
		s.deliver(member, batch, ring.Version())
	}

	s.mu.Lock()
	s.metrics.SetHintDepth(s.depthLocked())
	s.mu.Unlock()
}

// expire drops hints older than the TTL.
func (s *Store) expire(now time.Time) {
	if s.cfg.TTL <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.TTL)
	for target, byKey := range s.pending {
		for key, entries := range byKey {
			kept := entries[:0]
			for _, entry := range entries {
				if entry.QueuedAt.Before(cutoff) {
					s.logger.Warn("hint expired undelivered",
						"target", target, "key", entry.Record.Key)
					continue
				}
				kept = append(kept, entry)
			}
			if len(kept) == 0 {
				delete(byKey, key)
			} else {
				byKey[key] = kept
			}
		}
		if len(byKey) == 0 {
			delete(s.pending, target)
		}
	}
}

// takeBatches snapshots up to ReplayBatch entries per target without
// removing them; entries leave the pending set only on delivery.
func (s *Store) takeBatches() map[string][]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]Entry, len(s.pending))
	for target, byKey := range s.pending {
		var batch []Entry
		for _, entries := range byKey {
			for _, entry := range entries {
				if len(batch) >= s.cfg.ReplayBatch {
					break
				}
				batch = append(batch, entry)
			}
			if len(batch) >= s.cfg.ReplayBatch {
				break
			}
		}
		if len(batch) > 0 {
			out[target] = batch
		}
	}
	return out
}

// deliver replays one batch to a recovered target, stopping at the first
// failure since the node has likely gone away again.
func (s *Store) deliver(member cluster.Member, batch []Entry, ringVersion uint64) {
	for _, entry := range batch {
		msg, err := transport.NewMessage(transport.TypeWrite, s.selfID, transport.WriteRequest{
			RingVersion: ringVersion,
			Record:      entry.Record,
			Hinted:      true,
		})
		if err != nil {
			s.logger.Error("hint encode failed", "key", entry.Record.Key, "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		reply, err := s.tr.Call(ctx, member.DataAddr, msg)
		cancel()
		if err == nil {
			err = transport.ReplyError(reply)
		}

		switch {
		case err == nil:
			s.remove(entry)
			s.metrics.IncHintsReplayed()
		case transport.IsRemoteCode(err, transport.CodeStaleRingVersion):
			// The target stopped replicating this key; the hint is moot
			s.logger.Info("dropping misrouted hint",
				"target", member.ID, "key", entry.Record.Key)
			s.remove(entry)
		default:
			s.logger.Debug("hint replay failed",
				"target", member.ID, "key", entry.Record.Key, "error", err)
			return
		}
	}
}

// remove deletes one delivered entry from the pending set.
func (s *Store) remove(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.pending[entry.Target]
	if !ok {
		return
	}
	key := entry.Record.Key
	kept := byKey[key][:0]
	for _, existing := range byKey[key] {
		if existing.Record.Origin == entry.Record.Origin &&
			existing.Record.Version.Compare(entry.Record.Version) == cluster.Identical {
			continue
		}
		kept = append(kept, existing)
	}
	if len(kept) == 0 {
		delete(byKey, key)
	} else {
		byKey[key] = kept
	}
	if len(byKey) == 0 {
		delete(s.pending, entry.Target)
	}
}
