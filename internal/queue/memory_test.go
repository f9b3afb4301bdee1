package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/replikv/replikv/internal/config"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	q, err := New(config.QueueConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer q.Close()

	var mu sync.Mutex
	var received []string
	err = q.Subscribe("hints.node-a", func(data []byte) error {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	for _, payload := range []string{"one", "two", "three"} {
		if err := q.Publish(ctx, "hints.node-a", []byte(payload)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d messages, want 3", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0] != "one" || received[2] != "three" {
		t.Fatalf("messages out of order: %v", received)
	}
}

func TestMemorySubjectsAreIndependent(t *testing.T) {
	q := newMemoryQueue()
	defer q.Close()

	ctx := context.Background()
	if err := q.Publish(ctx, "hints.node-a", []byte("a")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := q.Publish(ctx, "hints.node-b", []byte("b")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if q.Pending("hints.node-a") != 1 || q.Pending("hints.node-b") != 1 {
		t.Fatalf("backlogs: a=%d b=%d, want 1 each",
			q.Pending("hints.node-a"), q.Pending("hints.node-b"))
	}
}

func TestMemoryPublishBatch(t *testing.T) {
	q := newMemoryQueue()
	defer q.Close()

	accepted, err := q.PublishBatch(context.Background(), []BatchMessage{
		{Subject: "hints.node-a", Data: []byte("1")},
		{Subject: "hints.node-a", Data: []byte("2")},
		{Subject: "hints.node-b", Data: []byte("3")},
	})
	if err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}
	if accepted != 3 {
		t.Fatalf("accepted %d, want 3", accepted)
	}
	if q.Pending("hints.node-a") != 2 {
		t.Fatalf("node-a backlog %d, want 2", q.Pending("hints.node-a"))
	}
}

func TestMemoryDuplicateSubscribe(t *testing.T) {
	q := newMemoryQueue()
	defer q.Close()

	handler := func(data []byte) error { return nil }
	if err := q.Subscribe("s", handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := q.Subscribe("s", handler); err == nil {
		t.Fatal("duplicate Subscribe succeeded")
	}

	if err := q.Unsubscribe("s"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := q.Unsubscribe("s"); err == nil {
		t.Fatal("double Unsubscribe succeeded")
	}
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	if _, err := New(config.QueueConfig{Type: "zeromq"}); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	q, err := New(config.QueueConfig{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer q.Close()

	if _, ok := q.(*MemoryQueue); !ok {
		t.Fatalf("default backend is %T, want *MemoryQueue", q)
	}
}
