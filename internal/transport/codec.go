package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikv/replikv/internal/storage"
)

// maxFrameSize caps a single frame at 64 MiB. Repair batches are chunked
// well below this; anything larger is a corrupt or hostile frame.
const maxFrameSize = 64 << 20

var (
	// ErrSchemaMismatch is returned when a peer speaks a different wire
	// schema version.
	ErrSchemaMismatch = errors.New("wire schema version mismatch")

	// ErrFrameTooLarge is returned for frames exceeding maxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// WriteFrame encodes a message as a length-prefixed msgpack frame.
func WriteFrame(w io.Writer, msg *Message) error {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame decodes one length-prefixed frame and validates its schema.
func ReadFrame(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var msg Message
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Schema != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSchemaMismatch, msg.Schema, SchemaVersion)
	}
	return &msg, nil
}

// EncodeRecords packs a record batch for bulk transfer. Repair streams
// move whole partitions, so the batch is snappy-compressed.
func EncodeRecords(records []storage.Record) ([]byte, error) {
	raw, err := msgpack.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode record batch: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeRecords unpacks a batch produced by EncodeRecords.
func DecodeRecords(data []byte) ([]storage.Record, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress record batch: %w", err)
	}
	var records []storage.Record
	if err := msgpack.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode record batch: %w", err)
	}
	return records, nil
}
