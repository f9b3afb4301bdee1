package queue

import "context"

// Queue is the durable journal behind hinted handoff. Hints are published
// per origin node and re-consumed on startup, so a restart never loses
// undelivered writes when a brokered backend is configured. The in-memory
// backend trades that durability away for zero dependencies.
type Queue interface {
	Publisher
	Subscriber
}

// Publisher appends messages to a subject.
type Publisher interface {
	// Publish appends one message to a subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishBatch appends several messages and waits for the backend to
	// acknowledge them, returning how many were accepted.
	PublishBatch(ctx context.Context, messages []BatchMessage) (int, error)

	// Close releases the connection.
	Close() error
}

// BatchMessage is one entry of a batch publish.
type BatchMessage struct {
	Subject string
	Data    []byte
}

// Subscriber delivers messages to a handler. A handler error leaves the
// message unacknowledged so the backend redelivers it where the backend
// supports redelivery.
type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) error
	Unsubscribe(subject string) error
	Close() error
}

// MessageHandler consumes one message; returning an error requests
// redelivery.
type MessageHandler func(data []byte) error
