package admin

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/replication"
)

type healthResponse struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Timestamp string `json:"timestamp"`
}

type statusResponse struct {
	NodeID      string         `json:"node_id"`
	RingVersion uint64         `json:"ring_version"`
	Checksum    string         `json:"checksum"`
	Members     map[string]int `json:"members"`
	Keys        int            `json:"keys"`
	HintDepth   int            `json:"hint_depth"`
}

type memberView struct {
	ID          string `json:"id"`
	GossipAddr  string `json:"gossip_addr"`
	DataAddr    string `json:"data_addr"`
	Health      string `json:"health"`
	Incarnation uint64 `json:"incarnation"`
	Tokens      int    `json:"tokens"`
	UpdatedAt   string `json:"updated_at"`
}

type ringResponse struct {
	Version  uint64       `json:"version"`
	Checksum string       `json:"checksum"`
	Nodes    int          `json:"nodes"`
	Members  []memberView `json:"members"`
}

type replicaView struct {
	Partition  int    `json:"partition"`
	Node       string `json:"node"`
	Status     string `json:"status"`
	LastSynced string `json:"last_synced,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

type hintsResponse struct {
	Depth   int            `json:"depth"`
	Targets map[string]int `json:"targets"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type keyResponse struct {
	Key     string            `json:"key"`
	Value   string            `json:"value,omitempty"` // base64
	Version map[string]uint64 `json:"version,omitempty"`
}

type writeRequest struct {
	Value   string            `json:"value"` // base64
	Version map[string]uint64 `json:"version,omitempty"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(healthResponse{
		Status:    "healthy",
		NodeID:    s.src.NodeID,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Server) status(c *fiber.Ctx) error {
	ring := s.src.Ring()
	counts := make(map[string]int)
	for _, m := range ring.Members() {
		counts[m.Health.String()]++
	}
	return c.JSON(statusResponse{
		NodeID:      s.src.NodeID,
		RingVersion: ring.Version(),
		Checksum:    ring.Checksum(),
		Members:     counts,
		Keys:        s.src.Keys(),
		HintDepth:   s.src.HintDepth(),
	})
}

func (s *Server) ring(c *fiber.Ctx) error {
	ring := s.src.Ring()
	members := ring.Members()
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, memberView{
			ID:          m.ID,
			GossipAddr:  m.GossipAddr,
			DataAddr:    m.DataAddr,
			Health:      m.Health.String(),
			Incarnation: m.Incarnation,
			Tokens:      len(m.Tokens),
			UpdatedAt:   m.UpdatedAt.Format(time.RFC3339),
		})
	}
	return c.JSON(ringResponse{
		Version:  ring.Version(),
		Checksum: ring.Checksum(),
		Nodes:    ring.NodeCount(),
		Members:  views,
	})
}

func (s *Server) membership(c *fiber.Ctx) error {
	return c.JSON(s.src.Ring().Members())
}

func (s *Server) replicas(c *fiber.Ctx) error {
	entries := s.src.Replicas()
	views := make([]replicaView, 0, len(entries))
	for _, ent := range entries {
		v := replicaView{
			Partition: ent.Partition,
			Node:      ent.Node,
			Status:    ent.Status.String(),
			UpdatedAt: ent.UpdatedAt.Format(time.RFC3339),
		}
		if !ent.LastSynced.IsZero() {
			v.LastSynced = ent.LastSynced.Format(time.RFC3339)
		}
		views = append(views, v)
	}
	return c.JSON(views)
}

func (s *Server) hints(c *fiber.Ctx) error {
	return c.JSON(hintsResponse{
		Depth:   s.src.HintDepth(),
		Targets: s.src.HintTargets(),
	})
}

func (s *Server) getKey(c *fiber.Ctx) error {
	key := c.Params("key")
	rec, err := s.src.Coordinator.Get(c.Context(), key)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(keyResponse{
		Key:     key,
		Value:   base64.StdEncoding.EncodeToString(rec.Value),
		Version: rec.Version,
	})
}

func (s *Server) putKey(c *fiber.Ctx) error {
	key := c.Params("key")
	var req writeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
	}
	value, err := base64.StdEncoding.DecodeString(req.Value)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "value must be base64"})
	}

	version, err := s.src.Coordinator.Put(c.Context(), key, value, cluster.VersionVector(req.Version))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(keyResponse{Key: key, Version: version})
}

func (s *Server) deleteKey(c *fiber.Ctx) error {
	key := c.Params("key")
	var req writeRequest
	// A missing body deletes without causal context
	_ = c.BodyParser(&req)

	version, err := s.src.Coordinator.Delete(c.Context(), key, cluster.VersionVector(req.Version))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(keyResponse{Key: key, Version: version})
}

// writeError maps replication errors onto HTTP statuses. Conflicts carry
// the sibling versions so a client can merge and retry.
func writeError(c *fiber.Ctx, err error) error {
	var conflict *replication.VersionConflictError
	switch {
	case errors.Is(err, replication.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "key not found"})
	case errors.As(err, &conflict):
		siblings := make([]keyResponse, 0, len(conflict.Siblings))
		for _, sib := range conflict.Siblings {
			siblings = append(siblings, keyResponse{
				Key:     sib.Key,
				Value:   base64.StdEncoding.EncodeToString(sib.Value),
				Version: sib.Version,
			})
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":    "version conflict",
			"siblings": siblings,
		})
	case errors.Is(err, replication.ErrQuorumNotReached):
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorResponse{Error: err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
}
