package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/routing"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

type hintRecorder struct {
	mu     sync.Mutex
	queued map[string][]storage.Record
}

func newHintRecorder() *hintRecorder {
	return &hintRecorder{queued: make(map[string][]storage.Record)}
}

func (h *hintRecorder) Queue(target string, rec storage.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queued[target] = append(h.queued[target], rec)
	return nil
}

func (h *hintRecorder) count(target string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queued[target])
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes map[string][]bool // node -> write results in arrival order
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{outcomes: make(map[string][]bool)}
}

func (o *outcomeRecorder) WriteOutcome(key, node string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[node] = append(o.outcomes[node], ok)
}

func (o *outcomeRecorder) last(node string) (bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	results := o.outcomes[node]
	if len(results) == 0 {
		return false, false
	}
	return results[len(results)-1], true
}

type testNode struct {
	id       string
	engine   *storage.MemoryEngine
	router   *routing.Router
	tr       *transport.LocalTransport
	hints    *hintRecorder
	tracker  *outcomeRecorder
	registry *metrics.Registry
	coord    *Coordinator
}

func testReplicationConfig() config.ReplicationConfig {
	return config.ReplicationConfig{
		Factor:         3,
		WriteQuorum:    2,
		ReadQuorum:     2,
		RequestTimeout: 500 * time.Millisecond,
		ConflictPolicy: PolicySurface,
	}
}

// buildCluster wires n nodes with static membership over an in-process
// network. Every node runs the replica server; every node can coordinate.
func buildCluster(t *testing.T, network *transport.LocalNetwork, n int, cfg config.ReplicationConfig) map[string]*testNode {
	t.Helper()

	members := make(map[string]cluster.Member, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node-%d", i)
		members[id] = cluster.Member{
			ID:       id,
			DataAddr: id + ":data",
			Health:   cluster.HealthAlive,
			Tokens:   cluster.Tokens(id, 64),
		}
	}
	ring := cluster.NewRing(1, members)

	nodes := make(map[string]*testNode, n)
	for id := range members {
		engine := storage.NewMemoryEngine()
		reg := metrics.NewRegistry()
		router := routing.NewRouter(ring, engine.Keys, reg, logging.Nop())

		mux := transport.NewMux()
		tr := network.Register(id+":data", mux.Handler())

		factor := cfg.Factor
		server := NewServer(id, engine, router, func() int { return factor }, reg, logging.Nop())
		server.Register(mux)

		hints := newHintRecorder()
		tracker := newOutcomeRecorder()
		coord := NewCoordinator(id, cfg, router, tr, engine, hints, tracker, reg, logging.Nop())

		nodes[id] = &testNode{
			id:       id,
			engine:   engine,
			router:   router,
			tr:       tr,
			hints:    hints,
			tracker:  tracker,
			registry: reg,
			coord:    coord,
		}
	}
	return nodes
}

func TestWriteReadRoundTrip(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildCluster(t, network, 3, testReplicationConfig())
	coord := nodes["node-0"].coord

	ctx := context.Background()
	version, err := coord.Put(ctx, "user:1", []byte("alice"), nil)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if version["node-0"] != 1 {
		t.Fatalf("unexpected version: %v", version)
	}

	// Any node can coordinate the read
	got, err := nodes["node-1"].coord.Get(ctx, "user:1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Value) != "alice" {
		t.Fatalf("Get returned %q, want alice", got.Value)
	}

	// A second write builds on the first version
	v2, err := coord.Put(ctx, "user:1", []byte("alice2"), version)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if v2.Compare(version) != cluster.After {
		t.Fatalf("second version %v does not dominate first %v", v2, version)
	}
}

func TestGetMissingKey(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildCluster(t, network, 3, testReplicationConfig())

	_, err := nodes["node-0"].coord.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteWithReplicaDownQueuesHint(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildCluster(t, network, 3, testReplicationConfig())
	coord := nodes["node-0"]

	network.Partition("node-2:data")

	if _, err := coord.coord.Put(context.Background(), "k", []byte("v"), nil); err != nil {
		t.Fatalf("Put should reach quorum with one replica down: %v", err)
	}

	// The failed delivery lands in the hint queue
	deadline := time.Now().Add(time.Second)
	for coord.hints.count("node-2") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no hint queued for the unreachable replica")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if records, _ := nodes["node-2"].engine.Get("k"); len(records) != 0 {
		t.Fatal("partitioned replica unexpectedly received the write")
	}
}

func TestWriteOutcomesReachTracker(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildCluster(t, network, 3, testReplicationConfig())
	coord := nodes["node-0"]

	if _, err := coord.coord.Put(context.Background(), "k", []byte("v"), nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Both remote replicas acknowledged; stragglers report asynchronously.
	for _, peer := range []string{"node-1", "node-2"} {
		deadline := time.Now().Add(time.Second)
		for {
			if ok, seen := coord.tracker.last(peer); seen {
				if !ok {
					t.Fatalf("successful write to %s recorded as failure", peer)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("no write outcome recorded for %s", peer)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	// A partitioned replica's failed delivery is recorded too.
	network.Partition("node-2:data")
	if _, err := coord.coord.Put(context.Background(), "k", []byte("v2"), nil); err != nil {
		t.Fatalf("Put with one replica down failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if ok, seen := coord.tracker.last("node-2"); seen && !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed delivery to node-2 never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func counterValue(t *testing.T, reg *metrics.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Prometheus().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var total float64
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestHintedWriteCountsOnReplica(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildCluster(t, network, 3, testReplicationConfig())
	target := nodes["node-0"]

	msg, _ := transport.NewMessage(transport.TypeWrite, "node-1", transport.WriteRequest{
		RingVersion: target.router.Snapshot().Version(),
		Hinted:      true,
		Record: storage.Record{
			Key: "k", Value: []byte("v"),
			Version: cluster.VersionVector{"node-1": 1}, Origin: "node-1",
		},
	})
	reply, err := nodes["node-1"].tr.Call(context.Background(), "node-0:data", msg)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if err := transport.ReplyError(reply); err != nil {
		t.Fatalf("hinted write rejected: %v", err)
	}

	if got := counterValue(t, target.registry, "replikv_hinted_writes_applied_total"); got != 1 {
		t.Fatalf("hinted apply counter = %v, want 1", got)
	}
	if got := counterValue(t, nodes["node-1"].registry, "replikv_hinted_writes_applied_total"); got != 0 {
		t.Fatalf("sender's hinted apply counter = %v, want 0", got)
	}
}

func TestWriteQuorumNotReached(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildCluster(t, network, 3, testReplicationConfig())

	network.Partition("node-1:data")
	network.Partition("node-2:data")

	_, err := nodes["node-0"].coord.Put(context.Background(), "k", []byte("v"), nil)
	if !errors.Is(err, ErrQuorumNotReached) {
		t.Fatalf("expected ErrQuorumNotReached, got %v", err)
	}
}

func TestReadRepairBackfillsStaleReplica(t *testing.T) {
	network := transport.NewLocalNetwork()
	cfg := testReplicationConfig()
	cfg.ReadQuorum = 3 // force every replica to answer so the gap is seen
	nodes := buildCluster(t, network, 3, cfg)

	stale := storage.Record{
		Key:     "k",
		Value:   []byte("v"),
		Version: cluster.VersionVector{"node-0": 1},
		Origin:  "node-0",
	}
	// Only two replicas hold the record
	nodes["node-0"].engine.Apply(stale)
	nodes["node-1"].engine.Apply(stale)

	if _, err := nodes["node-0"].coord.Get(context.Background(), "k"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if records, _ := nodes["node-2"].engine.Get("k"); len(records) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("read repair did not backfill the stale replica")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentWritesSurfaceConflict(t *testing.T) {
	network := transport.NewLocalNetwork()
	cfg := testReplicationConfig()
	cfg.ReadQuorum = 3
	nodes := buildCluster(t, network, 3, cfg)

	// Two writers raced during a partition: causally unrelated versions
	left := storage.Record{
		Key: "k", Value: []byte("left"),
		Version: cluster.VersionVector{"node-0": 1}, Origin: "node-0",
	}
	right := storage.Record{
		Key: "k", Value: []byte("right"),
		Version: cluster.VersionVector{"node-1": 1}, Origin: "node-1",
	}
	nodes["node-0"].engine.Apply(left)
	nodes["node-1"].engine.Apply(right)

	_, err := nodes["node-2"].coord.Get(context.Background(), "k")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error is not a *VersionConflictError: %v", err)
	}
	if len(conflict.Siblings) != 2 {
		t.Fatalf("conflict set has %d siblings, want 2", len(conflict.Siblings))
	}

	// Writing with the merged context resolves the conflict
	base := conflict.Siblings[0].Version.Merge(conflict.Siblings[1].Version)
	if _, err := nodes["node-2"].coord.Put(context.Background(), "k", []byte("merged"), base); err != nil {
		t.Fatalf("merge Put failed: %v", err)
	}
	got, err := nodes["node-2"].coord.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get after merge failed: %v", err)
	}
	if string(got.Value) != "merged" {
		t.Fatalf("Get returned %q, want merged", got.Value)
	}
}

func TestConflictPolicyLWW(t *testing.T) {
	network := transport.NewLocalNetwork()
	cfg := testReplicationConfig()
	cfg.ReadQuorum = 3
	cfg.ConflictPolicy = PolicyLWW
	nodes := buildCluster(t, network, 3, cfg)

	older := storage.Record{
		Key: "k", Value: []byte("older"),
		Version: cluster.VersionVector{"node-0": 1}, Origin: "node-0",
	}
	newer := storage.Record{
		Key: "k", Value: []byte("newer"),
		Version: cluster.VersionVector{"node-1": 2}, Origin: "node-1",
	}
	nodes["node-0"].engine.Apply(older)
	nodes["node-1"].engine.Apply(newer)

	got, err := nodes["node-2"].coord.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get failed under lww policy: %v", err)
	}
	if string(got.Value) != "newer" {
		t.Fatalf("lww winner = %q, want newer", got.Value)
	}
}

func TestDeleteBehavesAsVersionedWrite(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildCluster(t, network, 3, testReplicationConfig())
	coord := nodes["node-0"].coord

	ctx := context.Background()
	version, err := coord.Put(ctx, "k", []byte("v"), nil)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := coord.Delete(ctx, "k", version); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := nodes["node-1"].coord.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// The tombstone is still a stored record, not an absence
	records, _ := nodes["node-0"].engine.Get("k")
	if len(records) != 1 || !records[0].Tombstone {
		t.Fatalf("expected a tombstone record, got %+v", records)
	}
}

func TestStaleRingVersionRejection(t *testing.T) {
	network := transport.NewLocalNetwork()
	cfg := testReplicationConfig()
	cfg.Factor = 1
	nodes := buildCluster(t, network, 5, cfg)

	// Find a key whose only replica is node-0, then send it a request for
	// a key it does not own under an older ring version.
	ring := nodes["node-0"].router.Snapshot()
	var owned, foreign string
	for i := 0; owned == "" || foreign == ""; i++ {
		key := fmt.Sprintf("key-%d", i)
		replicas, err := ring.Resolve(key, 1)
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if replicas[0].ID == "node-0" {
			owned = key
		} else {
			foreign = key
		}
	}

	call := func(key string, ringVersion uint64) error {
		msg, _ := transport.NewMessage(transport.TypeWrite, "tester", transport.WriteRequest{
			RingVersion: ringVersion,
			Record: storage.Record{
				Key: key, Value: []byte("v"),
				Version: cluster.VersionVector{"tester": 1}, Origin: "tester",
			},
		})
		reply, err := nodes["node-1"].tr.Call(context.Background(), "node-0:data", msg)
		if err != nil {
			return err
		}
		return transport.ReplyError(reply)
	}

	// Old ring version, but node-0 owns the key: accepted
	if err := call(owned, 0); err != nil {
		t.Fatalf("in-list write rejected: %v", err)
	}
	// Old ring version and not a replica: misroute
	if err := call(foreign, 0); !transport.IsRemoteCode(err, transport.CodeStaleRingVersion) {
		t.Fatalf("expected stale ring rejection, got %v", err)
	}
	// Current ring version: accepted even off-list (sender knows best)
	if err := call(foreign, ring.Version()); err != nil {
		t.Fatalf("current-version write rejected: %v", err)
	}
}
