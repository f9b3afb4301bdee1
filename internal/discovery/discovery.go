// Package discovery finds the first gossip peers for a joining node.
// Discovery only matters at bootstrap; once a node has exchanged with one
// peer, the membership protocol takes over and discovery is idle.
package discovery

import (
	"context"
	"fmt"

	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
)

// Discoverer supplies seed gossip addresses for the initial join.
type Discoverer interface {
	// Register announces this node so later joiners can find it. A no-op
	// for backends with externally managed seed lists.
	Register(ctx context.Context) error

	// Seeds returns gossip addresses of known peers, excluding this node.
	Seeds(ctx context.Context) ([]string, error)

	Close() error
}

// New builds the discoverer named by the configuration. The static
// backend is the default.
func New(cfg config.DiscoveryConfig, selfID, gossipAddr, dataAddr string, logger *logging.Logger) (Discoverer, error) {
	switch cfg.Type {
	case "static", "":
		return NewStatic(cfg.Seeds, gossipAddr), nil
	case "etcd":
		return NewEtcd(cfg.Etcd, selfID, gossipAddr, dataAddr, logger)
	default:
		return nil, fmt.Errorf("unsupported discovery type: %s", cfg.Type)
	}
}

// StaticDiscovery serves a fixed seed list from configuration.
type StaticDiscovery struct {
	seeds []string
	self  string
}

// NewStatic builds a static discoverer. The node's own gossip address is
// filtered out so a node listed among its own seeds never dials itself.
func NewStatic(seeds []string, gossipAddr string) *StaticDiscovery {
	return &StaticDiscovery{seeds: seeds, self: gossipAddr}
}

func (s *StaticDiscovery) Register(ctx context.Context) error { return nil }

func (s *StaticDiscovery) Seeds(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s.seeds))
	for _, seed := range s.seeds {
		if seed == s.self {
			continue
		}
		out = append(out, seed)
	}
	return out, nil
}

func (s *StaticDiscovery) Close() error { return nil }
