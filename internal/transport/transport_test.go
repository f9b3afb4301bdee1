package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/replikv/replikv/internal/cluster"
	"github.com/replikv/replikv/internal/logging"
	"github.com/replikv/replikv/internal/storage"
)

func TestFrameRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeRead, "node-a", ReadRequest{RingVersion: 3, Key: "user:1"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if got.Type != TypeRead || got.From != "node-a" {
		t.Fatalf("unexpected envelope: type=%s from=%s", got.Type, got.From)
	}

	var req ReadRequest
	if err := got.DecodePayload(&req); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if req.RingVersion != 3 || req.Key != "user:1" {
		t.Fatalf("unexpected payload: %+v", req)
	}
}

func TestFrameSchemaMismatch(t *testing.T) {
	msg, _ := NewMessage(TypeGossipSyn, "node-a", GossipSyn{RingVersion: 1})
	msg.Schema = SchemaVersion + 1

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	if _, err := ReadFrame(&buf); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestRecordBatchRoundTrip(t *testing.T) {
	records := []storage.Record{
		{
			Key:     "a",
			Value:   []byte("one"),
			Version: cluster.VersionVector{"node-a": 1},
			Origin:  "node-a",
		},
		{
			Key:       "b",
			Version:   cluster.VersionVector{"node-b": 2},
			Origin:    "node-b",
			Tombstone: true,
		},
	}

	data, err := EncodeRecords(records)
	if err != nil {
		t.Fatalf("EncodeRecords failed: %v", err)
	}

	got, err := DecodeRecords(data)
	if err != nil {
		t.Fatalf("DecodeRecords failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Key != "a" || string(got[0].Value) != "one" || got[0].Version["node-a"] != 1 {
		t.Fatalf("first record mangled: %+v", got[0])
	}
	if !got[1].Tombstone {
		t.Fatal("tombstone flag lost in transit")
	}
}

func TestLocalTransportCall(t *testing.T) {
	network := NewLocalNetwork()

	server := network.Register("node-b:7601", func(ctx context.Context, msg *Message) *Message {
		var req ReadRequest
		if err := msg.DecodePayload(&req); err != nil {
			return NewErrorMessage("node-b", CodeInternal, err.Error())
		}
		reply, _ := NewMessage(TypeReadAck, "node-b", ReadResponse{
			Records: []storage.Record{{Key: req.Key, Value: []byte("v")}},
		})
		return reply
	})
	defer server.Close()

	client := network.Register("node-a:7601", nil)
	req, _ := NewMessage(TypeRead, "node-a", ReadRequest{Key: "k"})

	reply, err := client.Call(context.Background(), "node-b:7601", req)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var resp ReadResponse
	if err := reply.DecodePayload(&resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(resp.Records) != 1 || resp.Records[0].Key != "k" {
		t.Fatalf("unexpected reply: %+v", resp)
	}
}

func TestLocalTransportPartition(t *testing.T) {
	network := NewLocalNetwork()
	client := network.Register("node-a:7601", nil)

	req, _ := NewMessage(TypeRead, "node-a", ReadRequest{Key: "k"})
	if _, err := client.Call(context.Background(), "node-b:7601", req); err == nil {
		t.Fatal("expected call to unregistered address to fail")
	}

	network.Register("node-b:7601", func(ctx context.Context, msg *Message) *Message {
		reply, _ := NewMessage(TypeReadAck, "node-b", ReadResponse{})
		return reply
	})
	if _, err := client.Call(context.Background(), "node-b:7601", req); err != nil {
		t.Fatalf("call after registration failed: %v", err)
	}

	network.Partition("node-b:7601")
	if _, err := client.Call(context.Background(), "node-b:7601", req); err == nil {
		t.Fatal("expected call to partitioned address to fail")
	}
}

func TestLocalTransportTimeout(t *testing.T) {
	network := NewLocalNetwork()
	network.Register("slow:1", func(ctx context.Context, msg *Message) *Message {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		reply, _ := NewMessage(TypeReadAck, "slow", ReadResponse{})
		return reply
	})
	client := network.Register("client:1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := NewMessage(TypeRead, "client", ReadRequest{Key: "k"})
	if _, err := client.Call(ctx, "slow:1", req); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTCPTransportRoundTrip(t *testing.T) {
	logger := logging.Nop()

	server, err := NewTCPTransport("127.0.0.1:0", func(ctx context.Context, msg *Message) *Message {
		var req WriteRequest
		if err := msg.DecodePayload(&req); err != nil {
			return NewErrorMessage("server", CodeInternal, err.Error())
		}
		reply, _ := NewMessage(TypeWriteAck, "server", WriteResponse{Result: storage.ApplyAccepted})
		return reply
	}, logger)
	if err != nil {
		t.Fatalf("start server transport: %v", err)
	}
	defer server.Close()

	client, err := NewTCPTransport("127.0.0.1:0", func(ctx context.Context, msg *Message) *Message {
		return NewErrorMessage("client", CodeInternal, "unexpected inbound")
	}, logger)
	if err != nil {
		t.Fatalf("start client transport: %v", err)
	}
	defer client.Close()

	req, _ := NewMessage(TypeWrite, "client", WriteRequest{
		RingVersion: 1,
		Record: storage.Record{
			Key:     "k",
			Value:   []byte("v"),
			Version: cluster.VersionVector{"client": 1},
			Origin:  "client",
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Several sequential calls reuse the pooled connection
	for i := 0; i < 3; i++ {
		reply, err := client.Call(ctx, server.Addr(), req)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if reply.Type != TypeWriteAck {
			t.Fatalf("call %d: unexpected reply type %s", i, reply.Type)
		}
		var resp WriteResponse
		if err := reply.DecodePayload(&resp); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if resp.Result != storage.ApplyAccepted {
			t.Fatalf("unexpected apply result %d", resp.Result)
		}
	}
}

func TestMuxRegisterWhileServing(t *testing.T) {
	mux := NewMux()
	mux.Handle(TypeRead, func(ctx context.Context, msg *Message) *Message {
		reply, _ := NewMessage(TypeReadAck, "server", ReadResponse{})
		return reply
	})

	network := NewLocalNetwork()
	server := network.Register("server:1", mux.Handler())
	defer server.Close()
	client := network.Register("client:1", nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		req, _ := NewMessage(TypeRead, "client", ReadRequest{Key: "k"})
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := client.Call(context.Background(), "server:1", req); err != nil {
				t.Errorf("read call failed mid-registration: %v", err)
				return
			}
		}
	}()

	// Late registrations race against the in-flight dispatch loop above.
	req, _ := NewMessage(TypeWrite, "client", WriteRequest{Record: storage.Record{Key: "k"}})
	reply, err := client.Call(context.Background(), "server:1", req)
	if err != nil {
		t.Fatalf("unregistered type call failed: %v", err)
	}
	if reply.Type != TypeError {
		t.Fatalf("expected error reply before registration, got %s", reply.Type)
	}

	mux.Handle(TypeWrite, func(ctx context.Context, msg *Message) *Message {
		reply, _ := NewMessage(TypeWriteAck, "server", WriteResponse{Result: storage.ApplyAccepted})
		return reply
	})
	mux.Handle(TypeMerkleReq, func(ctx context.Context, msg *Message) *Message {
		reply, _ := NewMessage(TypeMerkleResp, "server", MerkleResponse{})
		return reply
	})

	reply, err = client.Call(context.Background(), "server:1", req)
	if err != nil {
		t.Fatalf("call after registration failed: %v", err)
	}
	if reply.Type != TypeWriteAck {
		t.Fatalf("expected write ack after registration, got %s", reply.Type)
	}

	close(stop)
	wg.Wait()
}

func TestReplyError(t *testing.T) {
	msg := NewErrorMessage("node-b", CodeStaleRingVersion, "ring version 3 behind 5")

	err := ReplyError(msg)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsRemoteCode(err, CodeStaleRingVersion) {
		t.Fatalf("expected stale ring version code, got %v", err)
	}

	ok, _ := NewMessage(TypeReadAck, "node-b", ReadResponse{})
	if err := ReplyError(ok); err != nil {
		t.Fatalf("non-error reply produced error: %v", err)
	}
}
