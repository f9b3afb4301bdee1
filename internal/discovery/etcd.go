package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
)

const leaseTTLSeconds = 10

// announcement is the JSON document a node publishes under
// <namespace>/nodes/<id>. The entry expires with its lease, so crashed
// nodes disappear from discovery without cleanup.
type announcement struct {
	ID           string    `json:"id"`
	GossipAddr   string    `json:"gossip_addr"`
	DataAddr     string    `json:"data_addr"`
	RegisteredAt time.Time `json:"registered_at"`
}

// EtcdDiscovery registers this node in etcd under a short-lived lease and
// lists the other registered nodes as seeds.
type EtcdDiscovery struct {
	client  *clientv3.Client
	prefix  string
	self    announcement
	leaseID clientv3.LeaseID
	logger  *logging.Logger

	cancelKeepAlive context.CancelFunc
}

// NewEtcd connects to etcd. Registration happens separately so a caller
// can list seeds before announcing itself.
func NewEtcd(cfg config.EtcdConfig, selfID, gossipAddr, dataAddr string, logger *logging.Logger) (*EtcdDiscovery, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "/replikv"
	}

	return &EtcdDiscovery{
		client: client,
		prefix: path.Join(namespace, "nodes"),
		self: announcement{
			ID:         selfID,
			GossipAddr: gossipAddr,
			DataAddr:   dataAddr,
		},
		logger: logger.Component("discovery"),
	}, nil
}

// Register puts this node's announcement under a lease and keeps the
// lease alive in the background until Close.
func (d *EtcdDiscovery) Register(ctx context.Context) error {
	lease, err := d.client.Grant(ctx, leaseTTLSeconds)
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	d.leaseID = lease.ID

	d.self.RegisteredAt = time.Now()
	data, err := json.Marshal(d.self)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}

	key := path.Join(d.prefix, d.self.ID)
	if _, err := d.client.Put(ctx, key, string(data), clientv3.WithLease(d.leaseID)); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	d.cancelKeepAlive = cancel
	go d.keepAlive(keepCtx)

	d.logger.Info("registered with etcd",
		"key", key,
		"lease_id", int64(d.leaseID),
		"ttl", leaseTTLSeconds)
	return nil
}

func (d *EtcdDiscovery) keepAlive(ctx context.Context) {
	ch, err := d.client.KeepAlive(ctx, d.leaseID)
	if err != nil {
		d.logger.Error("keep-alive failed to start", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				d.logger.Warn("keep-alive channel closed, registration will expire")
				return
			}
		}
	}
}

// Seeds lists the gossip addresses of every registered node except this
// one. Entries that fail to decode are skipped.
func (d *EtcdDiscovery) Seeds(ctx context.Context) ([]string, error) {
	resp, err := d.client.Get(ctx, d.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list nodes from etcd: %w", err)
	}

	seeds := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ann announcement
		if err := json.Unmarshal(kv.Value, &ann); err != nil {
			d.logger.Warn("skipping malformed announcement", "key", string(kv.Key), "error", err)
			continue
		}
		if ann.ID == d.self.ID {
			continue
		}
		seeds = append(seeds, ann.GossipAddr)
	}
	return seeds, nil
}

// Close stops the keep-alive, revokes the lease so the announcement
// disappears immediately, and closes the client.
func (d *EtcdDiscovery) Close() error {
	if d.cancelKeepAlive != nil {
		d.cancelKeepAlive()
	}
	if d.leaseID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := d.client.Revoke(ctx, d.leaseID); err != nil {
			d.logger.Warn("lease revoke failed", "error", err)
		}
	}
	return d.client.Close()
}
