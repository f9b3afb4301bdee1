package transport

import (
	"context"
	"errors"
	"fmt"
)

// Handler processes one inbound message and returns the reply envelope.
// Implementations must always reply; protocol failures are reported as
// TypeError messages, not dropped frames.
type Handler func(ctx context.Context, msg *Message) *Message

// Transport moves request/reply envelopes between nodes. Implementations
// must honor the context deadline on Call.
type Transport interface {
	Call(ctx context.Context, addr string, msg *Message) (*Message, error)
	Addr() string
	Close() error
}

// RemoteError is a TypeError reply surfaced as a Go error. Code matches
// one of the wire error codes.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// ReplyError converts a TypeError reply into a *RemoteError, or returns
// nil for any other message type.
func ReplyError(msg *Message) error {
	if msg == nil || msg.Type != TypeError {
		return nil
	}
	var payload ErrorResponse
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	return &RemoteError{Code: payload.Code, Message: payload.Message}
}

// IsRemoteCode reports whether err is a RemoteError with the given code.
func IsRemoteCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}
