package transport

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/storage"
)

// SchemaVersion is bumped on any incompatible change to the wire format.
// A node that receives a frame with an unknown schema rejects it instead
// of guessing.
const SchemaVersion = 1

// MessageType discriminates the payload of an envelope.
type MessageType uint8

const (
	TypeGossipSyn MessageType = iota + 1
	TypeGossipAck
	TypeWrite
	TypeWriteAck
	TypeRead
	TypeReadAck
	TypeMerkleReq
	TypeMerkleResp
	TypeRangeReq
	TypeRangeResp
	TypeError
)

// String returns the wire name of the message type
func (t MessageType) String() string {
	switch t {
	case TypeGossipSyn:
		return "gossip_syn"
	case TypeGossipAck:
		return "gossip_ack"
	case TypeWrite:
		return "write"
	case TypeWriteAck:
		return "write_ack"
	case TypeRead:
		return "read"
	case TypeReadAck:
		return "read_ack"
	case TypeMerkleReq:
		return "merkle_req"
	case TypeMerkleResp:
		return "merkle_resp"
	case TypeRangeReq:
		return "range_req"
	case TypeRangeResp:
		return "range_resp"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is the envelope for every frame on the data and gossip ports.
// Payload stays opaque at this layer; handlers decode it by Type.
type Message struct {
	Schema  uint32             `msgpack:"schema"`
	Type    MessageType        `msgpack:"type"`
	From    string             `msgpack:"from"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// NewMessage builds an envelope around an encoded payload.
func NewMessage(typ MessageType, from string, payload interface{}) (*Message, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return &Message{
		Schema:  SchemaVersion,
		Type:    typ,
		From:    from,
		Payload: raw,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into out.
func (m *Message) DecodePayload(out interface{}) error {
	if err := msgpack.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// GossipSyn is one round of the membership exchange: the sender's full
// member table plus its ring version and checksum. The receiver merges
// and answers with a GossipAck carrying its own view.
type GossipSyn struct {
	RingVersion uint64           `msgpack:"ring_version"`
	Checksum    string           `msgpack:"checksum"`
	Members     []cluster.Member `msgpack:"members"`
}

// GossipAck mirrors GossipSyn in the reverse direction.
type GossipAck struct {
	RingVersion uint64           `msgpack:"ring_version"`
	Checksum    string           `msgpack:"checksum"`
	Members     []cluster.Member `msgpack:"members"`
}

// WriteRequest delivers one versioned record to a replica. Hinted marks a
// replayed hint rather than a live coordinator write.
type WriteRequest struct {
	RingVersion uint64         `msgpack:"ring_version"`
	Record      storage.Record `msgpack:"record"`
	Hinted      bool           `msgpack:"hinted"`
}

// WriteResponse acknowledges a write with the local apply outcome.
type WriteResponse struct {
	Result storage.ApplyResult `msgpack:"result"`
}

// ReadRequest asks a replica for all current siblings of a key.
type ReadRequest struct {
	RingVersion uint64 `msgpack:"ring_version"`
	Key         string `msgpack:"key"`
}

// ReadResponse carries the replica's sibling set; empty means the replica
// has never seen the key.
type ReadResponse struct {
	Records []storage.Record `msgpack:"records"`
}

// MerkleRequest asks a replica for its Merkle tree of one partition.
type MerkleRequest struct {
	RingVersion uint64 `msgpack:"ring_version"`
	Partition   int    `msgpack:"partition"`
}

// MerkleResponse returns the snappy-compressed serialized tree.
type MerkleResponse struct {
	Tree []byte `msgpack:"tree"`
}

// RangeRequest asks a replica for every record hashing into [Lo, Hi].
type RangeRequest struct {
	RingVersion uint64 `msgpack:"ring_version"`
	Lo          uint64 `msgpack:"lo"`
	Hi          uint64 `msgpack:"hi"`
}

// RangeResponse carries the snappy-compressed record batch produced by
// EncodeRecords.
type RangeResponse struct {
	Records []byte `msgpack:"records"`
	Count   int    `msgpack:"count"`
}

// Error codes carried inside an ErrorResponse.
const (
	CodeStaleRingVersion = "stale_ring_version"
	CodeInternal         = "internal"
)

// ErrorResponse is the payload of a TypeError envelope.
type ErrorResponse struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// NewErrorMessage wraps an error code into a reply envelope.
func NewErrorMessage(from, code, message string) *Message {
	msg, err := NewMessage(TypeError, from, ErrorResponse{Code: code, Message: message})
	if err != nil {
		// ErrorResponse always encodes
		panic(err)
	}
	return msg
}
