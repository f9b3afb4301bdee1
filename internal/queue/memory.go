package queue

import (
	"context"
	"fmt"
	"sync"
)

// channelCapacity bounds the backlog per subject. A full subject fails the
// publish rather than blocking the hint path.
const channelCapacity = 10000

// MemoryQueue is the brokerless backend: per-subject buffered channels
// with one consumer goroutine per subscription. Messages survive nothing;
// it exists for single-node deployments and tests.
type MemoryQueue struct {
	mu            sync.RWMutex
	channels      map[string]chan []byte
	subscriptions map[string]context.CancelFunc
}

func newMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		channels:      make(map[string]chan []byte),
		subscriptions: make(map[string]context.CancelFunc),
	}
}

func (q *MemoryQueue) channel(subject string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.channels[subject]
	if !ok {
		ch = make(chan []byte, channelCapacity)
		q.channels[subject] = ch
	}
	return ch
}

// Publish appends one message to the subject's channel.
func (q *MemoryQueue) Publish(ctx context.Context, subject string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case q.channel(subject) <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("subject %s backlog full", subject)
	}
}

// PublishBatch appends each message, skipping failures.
func (q *MemoryQueue) PublishBatch(ctx context.Context, messages []BatchMessage) (int, error) {
	accepted := 0
	for _, msg := range messages {
		if err := q.Publish(ctx, msg.Subject, msg.Data); err != nil {
			continue
		}
		accepted++
	}
	return accepted, nil
}

// Subscribe starts one consumer goroutine for the subject.
func (q *MemoryQueue) Subscribe(subject string, handler MessageHandler) error {
	q.mu.Lock()
	if _, ok := q.subscriptions[subject]; ok {
		q.mu.Unlock()
		return fmt.Errorf("already subscribed to %s", subject)
	}
	q.mu.Unlock()

	ch := q.channel(subject)
	ctx, cancel := context.WithCancel(context.Background())

	q.mu.Lock()
	q.subscriptions[subject] = cancel
	q.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				// No redelivery without a broker; a failed message is gone
				_ = handler(data)
			}
		}
	}()
	return nil
}

// Unsubscribe stops the subject's consumer.
func (q *MemoryQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancel, ok := q.subscriptions[subject]
	if !ok {
		return fmt.Errorf("not subscribed to %s", subject)
	}
	cancel()
	delete(q.subscriptions, subject)
	return nil
}

// Close stops every consumer and drops all backlogs.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for subject, cancel := range q.subscriptions {
		cancel()
		delete(q.subscriptions, subject)
	}
	for subject, ch := range q.channels {
		close(ch)
		delete(q.channels, subject)
	}
	return nil
}

// Pending reports the backlog depth of a subject.
func (q *MemoryQueue) Pending(subject string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if ch, ok := q.channels[subject]; ok {
		return len(ch)
	}
	return 0
}
