package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("channel not connected")
	ErrUnauthorized      = errors.New("credential rejected by server")
	ErrDisconnected      = errors.New("manager disconnected")
	ErrOutboxFull        = errors.New("outbox full")
	ErrUnknownMessage    = errors.New("unknown message")
	ErrNotRetryable      = errors.New("message is not retryable")
	ErrNotConfirmed      = errors.New("message not yet confirmed by server")
	ErrInvalidVariant    = errors.New("invalid content variant")
	ErrEmptyConversation = errors.New("conversation id is required")
)

// TransportError reports a connect or reconnect failure.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AckTimeoutError reports a send whose outcome is unknown.
type AckTimeoutError struct {
	MessageID string
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("no acknowledgment for message %s", e.MessageID)
}

// ProtocolError reports a malformed or unexpected event payload.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError reports a rejected credential.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConflictError reports an operation on a conversation the local directory
// does not have. Callers treat it as a no-op.
type ConflictError struct {
	ConversationID string
	Op             string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conversation %s not in directory", e.Op, e.ConversationID)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
