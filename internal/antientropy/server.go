package antientropy

import (
	"context"
	"fmt"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/config"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/merkle"
	"github.com/replikv/replikv/internal/storage"
	"github.com/replikv/replikv/internal/transport"
)

// Server answers the repair-side RPCs: Merkle tree snapshots of a
// partition and bulk record fetches for mismatched hash ranges.
type Server struct {
	selfID    string
	engine    storage.Engine
	merkleCfg func() config.MerkleConfig
	logger    *logging.Logger
}

// NewServer builds the repair RPC surface. merkleCfg reports the current
// tree parameters so a hot reload changes tree shape on the next request.
func NewServer(selfID string, engine storage.Engine, merkleCfg func() config.MerkleConfig, logger *logging.Logger) *Server {
	return &Server{
		selfID:    selfID,
		engine:    engine,
		merkleCfg: merkleCfg,
		logger:    logger.Component("antientropy"),
	}
}

// Register attaches the server's handlers to a mux.
func (s *Server) Register(mux *transport.Mux) {
	mux.Handle(transport.TypeMerkleReq, s.handleMerkle)
	mux.Handle(transport.TypeRangeReq, s.handleRange)
}

func (s *Server) handleMerkle(ctx context.Context, msg *transport.Message) *transport.Message {
	var req transport.MerkleRequest
	if err := msg.DecodePayload(&req); err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}

	cfg := s.merkleCfg()
	if req.Partition < 0 || req.Partition >= cfg.Partitions {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal,
			fmt.Sprintf("partition %d out of range (have %d)", req.Partition, cfg.Partitions))
	}

	tree, err := merkle.Build(s.engine, cluster.PartitionRange(req.Partition, cfg.Partitions), cfg)
	if err != nil {
		s.logger.Error("merkle build failed", "partition", req.Partition, "error", err)
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}
	data, err := merkle.Encode(tree)
	if err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}

	reply, err := transport.NewMessage(transport.TypeMerkleResp, s.selfID, transport.MerkleResponse{Tree: data})
	if err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}
	return reply
}

func (s *Server) handleRange(ctx context.Context, msg *transport.Message) *transport.Message {
	var req transport.RangeRequest
	if err := msg.DecodePayload(&req); err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}

	records, err := s.engine.Scan(req.Lo, req.Hi)
	if err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}
	data, err := transport.EncodeRecords(records)
	if err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}

	reply, err := transport.NewMessage(transport.TypeRangeResp, s.selfID, transport.RangeResponse{
		Records: data,
		Count:   len(records),
	})
	if err != nil {
		return transport.NewErrorMessage(s.selfID, transport.CodeInternal, err.Error())
	}
	return reply
}
