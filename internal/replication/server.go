package replication

import (
	"context"
	"fmt"

	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/metrics"
	"github.com/replikv/replikv/internal/routing"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

// Server answers write and read RPCs on the replica side. It applies
// records through the local engine and rejects requests that were routed
// under a ring old enough to miss this node's ownership.
type Server struct {
	selfID  string
	engine  storage.Engine
	router  *routing.Router
	factor  func() int
	metrics *metrics.Registry
	logger  *logging.Logger
}

// NewServer builds the replica-side RPC surface. factor reports the
// current replication factor, so hot-reloading N changes misroute checks
// without restarting the server.
func NewServer(selfID string, engine storage.Engine, router *routing.Router, factor func() int, reg *metrics.Registry, logger *logging.Logger) *Server {
	return &Server{
		selfID:  selfID,
		engine:  engine,
		router:  router,
		factor:  factor,
		metrics: reg,
		logger:  logger.Component("replication"),
	}
}

// Register attaches the server's handlers to a mux.
func (s *Server) Register(mux *transport.Mux) {
	mux.Handle(transport.TypeWrite, s.handleWrite)
	mux.Handle(transport.TypeRead, s.handleRead)
}

func (s *Server) handleWrite(ctx context.Context, msg *transport.Message) *transport.Message {
	var req transport.WriteRequest
	if err := msg.DecodePayload(&req); err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}

	if err := s.checkRouting(req.RingVersion, req.Record.Key); err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeStaleRingVersion, err.Error())
	}

	result, err := s.engine.Apply(req.Record)
	if err != nil {
		s.logger.Error("apply failed", "key", req.Record.Key, "error", err)
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}
	if req.Hinted {
		s.metrics.IncHintedApply()
		s.logger.Debug("hinted write applied",
			"key", req.Record.Key, "from", msg.From, "result", result)
	}

	reply, err := transport.NewMessage(transport.TypeWriteAck, s.selfID, transport.WriteResponse{Result: result})
	if err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}
	return reply
}

func (s *Server) handleRead(ctx context.Context, msg *transport.Message) *transport.Message {
	var req transport.ReadRequest
	if err := msg.DecodePayload(&req); err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}

	if err := s.checkRouting(req.RingVersion, req.Key); err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeStaleRingVersion, err.Error())
	}

	records, err := s.engine.Get(req.Key)
	if err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}

	reply, err := transport.NewMessage(transport.TypeReadAck, s.selfID, transport.ReadResponse{Records: records})
	if err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}
	return reply
}

// checkRouting rejects a request only when the sender's ring is older than
// ours and, under our ring, this node is not a replica for the key. An
// in-list replica accepts regardless of version skew, so routine gossip
// lag never fails writes.
func (s *Server) checkRouting(senderVersion uint64, key string) error {
	ring := s.router.Snapshot()
	if senderVersion >= ring.Version() {
		return nil
	}

	replicas, err := ring.Resolve(key, s.factor())
	if err != nil {
		return nil // cannot judge placement; accept
	}
	for _, m := range replicas {
		if m.ID == s.selfID {
			return nil
		}
	}
	return fmt.Errorf("routed under ring version %d, current %d: %s not a replica for key",
		senderVersion, ring.Version(), s.selfID)
}
