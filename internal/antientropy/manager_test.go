package antientropy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/gossip"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/replica"
	"github.com/replikv/replikv/internal/routing"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

func testAntiEntropyConfig() config.AntiEntropyConfig {
	return config.AntiEntropyConfig{
		Enabled:        true,
		Interval:       20 * time.Millisecond,
		Jitter:         0,
		MaxConcurrent:  4,
		MaxBytesPerSec: 0, // unlimited in tests
	}
}

func testTreeConfig() config.MerkleConfig {
	return config.MerkleConfig{
		Partitions:      4,
		BranchingFactor: 2,
		LeafCount:       8,
	}
}

func ringUpdate(r *cluster.Ring) gossip.RingUpdate {
	return gossip.RingUpdate{Ring: r}
}

type aeNode struct {
	id       string
	engine   *storage.MemoryEngine
	replicas *replica.Store
	mgr      *Manager
}

// buildPeers wires nodes with static membership over an in-process
// network. Every node serves repair RPCs and can run its own manager.
func buildPeers(t *testing.T, network *transport.LocalNetwork, ids ...string) map[string]*aeNode {
	t.Helper()

	members := make(map[string]cluster.Member, len(ids))
	for _, id := range ids {
		members[id] = cluster.Member{
			ID:       id,
			DataAddr: id + ":data",
			Health:   cluster.HealthAlive,
			Tokens:   cluster.Tokens(id, 64),
		}
	}
	ring := cluster.NewRing(1, members)

	merkleCfg := testTreeConfig()
	nodes := make(map[string]*aeNode, len(ids))
	for _, id := range ids {
		engine := storage.NewMemoryEngine()
		reg := metrics.NewRegistry()
		router := routing.NewRouter(ring, engine.Keys, reg, logging.Nop())
		replicas := replica.NewStore()

		mux := transport.NewMux()
		tr := network.Register(id+":data", mux.Handler())

		server := NewServer(id, engine, func() config.MerkleConfig { return merkleCfg }, logging.Nop())
		server.Register(mux)

		mgr := NewManager(id, engine, router, replicas, tr,
			testAntiEntropyConfig(), merkleCfg, reg, logging.Nop())

		nodes[id] = &aeNode{id: id, engine: engine, replicas: replicas, mgr: mgr}
	}
	return nodes
}

func seed(t *testing.T, engine storage.Engine, origin string, n int) []storage.Record {
	t.Helper()
	records := make([]storage.Record, 0, n)
	for i := 0; i < n; i++ {
		rec := storage.Record{
			Key:       fmt.Sprintf("item-%04d", i),
			Value:     []byte(fmt.Sprintf("v-%d", i)),
			Version:   cluster.VersionVector{origin: 1},
			Origin:    origin,
			UpdatedAt: time.Unix(1700000000, 0),
		}
		if _, err := engine.Apply(rec); err != nil {
			t.Fatalf("apply %s: %v", rec.Key, err)
		}
		records = append(records, rec)
	}
	return records
}

func syncAllPartitions(t *testing.T, node *aeNode, peer string) {
	t.Helper()
	cfg := testTreeConfig()
	for i := 0; i < cfg.Partitions; i++ {
		pair := replica.Pair{Partition: i, Node: peer}
		if err := node.mgr.Sync(context.Background(), pair, peer+":data"); err != nil {
			t.Fatalf("sync partition %d: %v", i, err)
		}
	}
}

func TestSyncPullsMissingRecords(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")

	want := seed(t, nodes["node-b"].engine, "node-b", 60)
	// node-a holds a partial copy
	for _, rec := range want[:40] {
		if _, err := nodes["node-a"].engine.Apply(rec); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	syncAllPartitions(t, nodes["node-a"], "node-b")

	for _, rec := range want {
		got, err := nodes["node-a"].engine.Get(rec.Key)
		if err != nil {
			t.Fatalf("get %s: %v", rec.Key, err)
		}
		if len(got) != 1 || string(got[0].Value) != string(rec.Value) {
			t.Fatalf("key %s not repaired: %v", rec.Key, got)
		}
	}

	cfg := testTreeConfig()
	for i := 0; i < cfg.Partitions; i++ {
		pair := replica.Pair{Partition: i, Node: "node-b"}
		if st := nodes["node-a"].replicas.Get(pair).Status; st != replica.StatusFresh {
			t.Fatalf("partition %d status = %s, want fresh", i, st)
		}
	}
}

func TestSyncConvergesToEmptyDiff(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")

	seed(t, nodes["node-b"].engine, "node-b", 30)
	syncAllPartitions(t, nodes["node-a"], "node-b")

	// A second round finds nothing to transfer
	if nodes["node-a"].engine.Keys() != 30 {
		t.Fatalf("expected 30 keys after repair, got %d", nodes["node-a"].engine.Keys())
	}
	syncAllPartitions(t, nodes["node-a"], "node-b")
	if nodes["node-a"].engine.Keys() != 30 {
		t.Fatalf("second round changed key count to %d", nodes["node-a"].engine.Keys())
	}
}

func TestSyncNeverRegressesNewerLocal(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")

	old := storage.Record{
		Key:     "contested",
		Value:   []byte("old"),
		Version: cluster.VersionVector{"node-b": 1},
		Origin:  "node-b",
	}
	newer := storage.Record{
		Key:     "contested",
		Value:   []byte("new"),
		Version: cluster.VersionVector{"node-b": 1, "node-a": 1},
		Origin:  "node-a",
	}
	if _, err := nodes["node-b"].engine.Apply(old); err != nil {
		t.Fatalf("apply old: %v", err)
	}
	if _, err := nodes["node-a"].engine.Apply(newer); err != nil {
		t.Fatalf("apply newer: %v", err)
	}

	syncAllPartitions(t, nodes["node-a"], "node-b")

	got, err := nodes["node-a"].engine.Get("contested")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || string(got[0].Value) != "new" {
		t.Fatalf("repair regressed a dominating local version: %v", got)
	}
}

func TestSyncPropagatesTombstones(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")

	live := storage.Record{
		Key:     "doomed",
		Value:   []byte("v"),
		Version: cluster.VersionVector{"node-a": 1},
		Origin:  "node-a",
	}
	dead := storage.Record{
		Key:       "doomed",
		Version:   cluster.VersionVector{"node-a": 1, "node-b": 1},
		Origin:    "node-b",
		Tombstone: true,
	}
	if _, err := nodes["node-a"].engine.Apply(live); err != nil {
		t.Fatalf("apply live: %v", err)
	}
	if _, err := nodes["node-b"].engine.Apply(dead); err != nil {
		t.Fatalf("apply tombstone: %v", err)
	}

	syncAllPartitions(t, nodes["node-a"], "node-b")

	got, err := nodes["node-a"].engine.Get("doomed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || !got[0].Tombstone {
		t.Fatalf("tombstone did not propagate: %v", got)
	}
}

func TestSyncFailsWhenPeerUnreachable(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")
	network.Partition("node-b:data")

	pair := replica.Pair{Partition: 0, Node: "node-b"}
	err := nodes["node-a"].mgr.Sync(context.Background(), pair, "node-b:data")
	if err == nil {
		t.Fatal("expected error for unreachable peer")
	}
}

func TestUpdateRingTracksSharedPartitions(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b", "node-c")

	members := map[string]cluster.Member{}
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		members[id] = cluster.Member{
			ID:       id,
			DataAddr: id + ":data",
			Health:   cluster.HealthAlive,
			Tokens:   cluster.Tokens(id, 64),
		}
	}
	ring := cluster.NewRing(2, members)

	mgr := nodes["node-a"].mgr
	mgr.UpdateRing(ring, 3)

	tracked := nodes["node-a"].replicas.Snapshot()
	if len(tracked) == 0 {
		t.Fatal("expected tracked replica pairs after ring update")
	}
	for _, ent := range tracked {
		if ent.Node == "node-a" {
			t.Fatal("tracked a pair against self")
		}
	}

	// A removed peer's pairs are dropped on the next update
	gone := members["node-b"]
	gone.Health = cluster.HealthRemoved
	members["node-b"] = gone
	mgr.UpdateRing(cluster.NewRing(3, members), 3)

	for _, ent := range nodes["node-a"].replicas.Snapshot() {
		if ent.Node == "node-b" {
			t.Fatalf("pair against removed node survived: %+v", ent)
		}
	}
}

func TestWriteOutcomeTargetsKeyPartition(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")
	a := nodes["node-a"]

	merkleCfg := testTreeConfig()
	key := "user:42"
	partition := cluster.PartitionOf(cluster.HashKey(key), merkleCfg.Partitions)
	pair := replica.Pair{Partition: partition, Node: "node-b"}
	a.replicas.Track(pair)

	a.mgr.WriteOutcome(key, "node-b", true)
	if got := a.replicas.Get(pair).Status; got != replica.StatusFresh {
		t.Fatalf("pair is %s after successful write, want fresh", got)
	}

	a.mgr.WriteOutcome(key, "node-b", false)
	if got := a.replicas.Get(pair).Status; got != replica.StatusStale {
		t.Fatalf("pair is %s after failed write, want stale", got)
	}

	// The local replica is not a pair with itself
	a.mgr.WriteOutcome(key, "node-a", false)
	for _, ent := range a.replicas.Snapshot() {
		if ent.Node == "node-a" {
			t.Fatalf("self pair registered: %+v", ent)
		}
	}
}

func TestRunCycleSkipsNonAlivePeers(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")

	// Rebuild node-a's view with node-b dead
	members := map[string]cluster.Member{
		"node-a": {ID: "node-a", DataAddr: "node-a:data", Health: cluster.HealthAlive, Tokens: cluster.Tokens("node-a", 64)},
		"node-b": {ID: "node-b", DataAddr: "node-b:data", Health: cluster.HealthDead, Tokens: cluster.Tokens("node-b", 64)},
	}
	dead := cluster.NewRing(2, members)
	node := nodes["node-a"]
	node.mgr.router.Update(ringUpdate(dead))

	pair := replica.Pair{Partition: 0, Node: "node-b"}
	node.replicas.Track(pair)

	node.mgr.runCycle()

	if st := node.replicas.Get(pair).Status; st != replica.StatusStale {
		t.Fatalf("status = %s, want stale (no repair attempted)", st)
	}
}

func TestSchedulerConvergesInBackground(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")

	seed(t, nodes["node-b"].engine, "node-b", 40)

	node := nodes["node-a"]
	cfg := testTreeConfig()
	for i := 0; i < cfg.Partitions; i++ {
		node.replicas.Track(replica.Pair{Partition: i, Node: "node-b"})
	}

	node.mgr.Start()
	defer node.mgr.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if node.engine.Keys() == 40 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("background repair did not converge, have %d of 40 keys", node.engine.Keys())
}

func TestWaitBytesUnlimitedByDefault(t *testing.T) {
	network := transport.NewLocalNetwork()
	nodes := buildPeers(t, network, "node-a", "node-b")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := nodes["node-a"].mgr.waitBytes(ctx, 64<<20); err != nil {
		t.Fatalf("unlimited budget should not block: %v", err)
	}
}
