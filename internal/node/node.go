// Package node assembles a runnable cluster member: storage engine, both
// transport listeners, membership gossip, the replication coordinator,
// hinted handoff, anti-entropy, discovery, and the admin and metrics
// listeners. Everything here is wiring; the behavior lives in the
// component packages.
package node

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/replikv/replikv/internal/admin"
	"github.com/replikv/replikv/internal/antientropy"
	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/discovery"
	"github.com/replikv/replikv/internal/gossip"
	"github.com/replikv/replikv/internal/hints"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/queue"
	"github.com/replikv/replikv/internal/replica"
	"github.com/replikv/replikv/internal/replication"
	"github.com/replikv/replikv/internal/routing"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

// handlerProxy lets a listener start before the component that serves it
// is constructed. Frames arriving in that window get an error reply.
type handlerProxy struct {
	selfID string
	h      atomic.Pointer[transport.Handler]
}

func (p *handlerProxy) handle(ctx context.Context, msg *transport.Message) *transport.Message {
	h := p.h.Load()
	if h == nil {
		return transport.NewErrorMessage(p.selfID, transport.CodeInternal, "node starting up")
	}
	return (*h)(ctx, msg)
}

func (p *handlerProxy) set(h transport.Handler) {
	p.h.Store(&h)
}

// Node is one running cluster member.
type Node struct {
	id      string
	watcher *config.Watcher
	current atomic.Pointer[config.Config]
	logger  *logging.Logger

	engine   storage.Engine
	durable  *storage.DurableEngine
	registry *metrics.Registry
	replicas *replica.Store

	gossipTr    *transport.TCPTransport
	dataTr      *transport.TCPTransport
	gossip      *gossip.Manager
	router      *routing.Router
	journal     queue.Queue
	hints       *hints.Store
	coordinator *replication.Coordinator
	antiEntropy *antientropy.Manager
	disc        discovery.Discoverer
	adminSrv    *admin.Server
	metricsSrv  *metrics.Server
}

// New prepares a node from a config watcher. Listeners are not opened
// until Start.
func New(watcher *config.Watcher, logger *logging.Logger) (*Node, error) {
	cfg := watcher.Current()

	id := cfg.Node.ID
	if id == "" {
		id = uuid.New().String()
	}

	n := &Node{
		id:       id,
		watcher:  watcher,
		logger:   logger.With("node", id),
		registry: metrics.NewRegistry(),
		replicas: replica.NewStore(),
	}

	if cfg.Storage.DataDir != "" {
		durable, err := storage.NewDurableEngine(cfg.Storage.DataDir, cfg.Storage.MaxSegmentBytes)
		if err != nil {
			return nil, fmt.Errorf("open durable engine: %w", err)
		}
		n.durable = durable
		n.engine = durable
		n.logger.Info("durable storage enabled",
			"data_dir", cfg.Storage.DataDir,
			"keys", durable.Keys())
	} else {
		n.engine = storage.NewMemoryEngine()
	}

	n.current.Store(cfg)
	return n, nil
}

// ID returns the node's stable identity.
func (n *Node) ID() string {
	return n.id
}

// Coordinator returns the replication coordinator once Start has run.
func (n *Node) Coordinator() *replication.Coordinator {
	return n.coordinator
}

func (n *Node) factor() int {
	return n.current.Load().Replication.Factor
}

func (n *Node) merkleConfig() config.MerkleConfig {
	return n.current.Load().Merkle
}

// Start opens both listeners, joins the cluster through discovery, and
// launches every background loop. On error, anything already started is
// torn down.
func (n *Node) Start(ctx context.Context) error {
	cfg := n.current.Load()

	gossipProxy := &handlerProxy{selfID: n.id}
	gossipTr, err := transport.NewTCPTransport(cfg.GossipAddress(), gossipProxy.handle, n.logger)
	if err != nil {
		return fmt.Errorf("gossip listener: %w", err)
	}
	n.gossipTr = gossipTr

	self := cluster.Member{
		ID:         n.id,
		GossipAddr: cfg.AdvertiseGossipAddress(),
		DataAddr:   cfg.AdvertiseDataAddress(),
		Tokens:     cluster.Tokens(n.id, cfg.Ring.VirtualTokens),
	}
	n.gossip = gossip.NewManager(cfg.Gossip, self, gossipTr, n.registry, n.logger)
	gossipProxy.set(n.gossip.Handler())

	n.router = routing.NewRouter(n.gossip.Ring(), n.engine.Keys, n.registry, n.logger)

	// Every handler must be on the mux before the data listener opens;
	// peers can dial the moment discovery publishes the address.
	mux := transport.NewMux()
	repServer := replication.NewServer(n.id, n.engine, n.router, n.factor, n.registry, n.logger)
	repServer.Register(mux)
	aeServer := antientropy.NewServer(n.id, n.engine, n.merkleConfig, n.logger)
	aeServer.Register(mux)

	dataTr, err := transport.NewTCPTransport(cfg.DataAddress(), mux.Handler(), n.logger)
	if err != nil {
		n.closeTransports()
		return fmt.Errorf("data listener: %w", err)
	}
	n.dataTr = dataTr

	journal, err := queue.New(cfg.Queue)
	if err != nil {
		n.closeTransports()
		return fmt.Errorf("hint journal: %w", err)
	}
	n.journal = journal

	n.hints = hints.NewStore(cfg.Hints, n.id, journal, dataTr, n.gossip.Ring, n.registry, n.logger)
	if err := n.hints.Start(); err != nil {
		n.teardown(ctx)
		return fmt.Errorf("hint store: %w", err)
	}

	n.antiEntropy = antientropy.NewManager(n.id, n.engine, n.router, n.replicas, dataTr,
		cfg.AntiEntropy, cfg.Merkle, n.registry, n.logger)

	n.coordinator = replication.NewCoordinator(n.id, cfg.Replication, n.router, dataTr, n.engine, n.hints, n.antiEntropy, n.registry, n.logger)

	n.gossip.Subscribe(func(u gossip.RingUpdate) {
		n.router.Update(u)
		n.antiEntropy.UpdateRing(u.Ring, n.factor())
	})

	disc, err := discovery.New(cfg.Discovery, n.id, self.GossipAddr, self.DataAddr, n.logger)
	if err != nil {
		n.teardown(ctx)
		return fmt.Errorf("discovery: %w", err)
	}
	n.disc = disc

	if err := disc.Register(ctx); err != nil {
		n.teardown(ctx)
		return fmt.Errorf("discovery register: %w", err)
	}
	seeds, err := disc.Seeds(ctx)
	if err != nil {
		n.teardown(ctx)
		return fmt.Errorf("discovery seeds: %w", err)
	}

	if err := n.gossip.Join(ctx, seeds); err != nil {
		n.teardown(ctx)
		return fmt.Errorf("join: %w", err)
	}
	n.antiEntropy.UpdateRing(n.gossip.Ring(), n.factor())

	n.gossip.Start()
	n.antiEntropy.Start()

	if cfg.Metrics.Enabled {
		n.metricsSrv = metrics.NewServer(cfg.Metrics, n.registry, n.logger)
		n.metricsSrv.Start()
	}
	if cfg.Admin.Enabled {
		n.adminSrv = admin.NewServer(cfg.Admin, cfg.Auth, admin.Sources{
			NodeID:      n.id,
			Ring:        n.gossip.Ring,
			Replicas:    n.replicas.Snapshot,
			HintDepth:   n.hints.Depth,
			HintTargets: n.hints.Targets,
			Keys:        n.engine.Keys,
			Coordinator: n.coordinator,
		}, n.logger)
		n.adminSrv.Start()
	}

	n.watcher.Subscribe(n.applyConfig)

	n.logger.Info("node started",
		"gossip_addr", self.GossipAddr,
		"data_addr", self.DataAddr,
		"tokens", len(self.Tokens),
		"seeds", len(seeds))
	return nil
}

// applyConfig pushes a reloaded snapshot into the hot-reloadable
// components. Listener addresses and node identity are fixed for the
// process lifetime.
func (n *Node) applyConfig(cfg *config.Config) {
	n.current.Store(cfg)
	n.gossip.UpdateConfig(cfg.Gossip)
	n.coordinator.UpdateConfig(cfg.Replication)
	n.antiEntropy.UpdateConfig(cfg.AntiEntropy, cfg.Merkle)
	n.logger.Info("configuration reloaded",
		"replication_factor", cfg.Replication.Factor,
		"write_quorum", cfg.Replication.WriteQuorum,
		"read_quorum", cfg.Replication.ReadQuorum)
}

// Stop announces departure and shuts every loop and listener down.
func (n *Node) Stop(ctx context.Context) {
	if n.adminSrv != nil {
		if err := n.adminSrv.Stop(ctx); err != nil {
			n.logger.Warn("admin shutdown failed", "error", err)
		}
	}
	if n.metricsSrv != nil {
		if err := n.metricsSrv.Stop(ctx); err != nil {
			n.logger.Warn("metrics shutdown failed", "error", err)
		}
	}

	if n.antiEntropy != nil {
		n.antiEntropy.Stop()
	}
	if n.gossip != nil {
		n.gossip.Leave(ctx)
		n.gossip.Stop()
	}
	n.teardown(ctx)
	n.logger.Info("node stopped")
}

// teardown releases everything Start acquired, tolerating partially
// started state.
func (n *Node) teardown(ctx context.Context) {
	if n.hints != nil {
		n.hints.Stop()
		n.hints = nil
	}
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.logger.Warn("journal close failed", "error", err)
		}
		n.journal = nil
	}
	if n.disc != nil {
		if err := n.disc.Close(); err != nil {
			n.logger.Warn("discovery close failed", "error", err)
		}
		n.disc = nil
	}
	if n.durable != nil {
		if err := n.durable.Close(); err != nil {
			n.logger.Warn("durable engine close failed", "error", err)
		}
		n.durable = nil
	}
	n.closeTransports()
}

func (n *Node) closeTransports() {
	if n.dataTr != nil {
		if err := n.dataTr.Close(); err != nil {
			n.logger.Warn("data listener close failed", "error", err)
		}
		n.dataTr = nil
	}
	if n.gossipTr != nil {
		if err := n.gossipTr.Close(); err != nil {
			n.logger.Warn("gossip listener close failed", "error", err)
		}
		n.gossipTr = nil
	}
}

// WaitForMembers blocks until the ring reports at least want members or
// the context ends. Used by tests and by operators scripting rollouts.
func (n *Node) WaitForMembers(ctx context.Context, want int) error {
	for {
		if n.gossip.Ring().NodeCount() >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
