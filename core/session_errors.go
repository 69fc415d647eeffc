package core

import (
	"context"
	"errors"
	"fmt"
)

// SessionErrorKind classifies kernel transport failures.
type SessionErrorKind string

const (
	// SessionErrorUnknown is an uncategorized failure.
	SessionErrorUnknown SessionErrorKind = "unknown"
	// SessionErrorUnavailable indicates the kernel is unreachable.
	SessionErrorUnavailable SessionErrorKind = "unavailable"
	// SessionErrorTimeout indicates the kernel did not acknowledge in time.
	SessionErrorTimeout SessionErrorKind = "timeout"
	// SessionErrorCanceled indicates the caller canceled the operation.
	SessionErrorCanceled SessionErrorKind = "canceled"
	// SessionErrorTransport indicates the socket or pipe failed.
	SessionErrorTransport SessionErrorKind = "transport"
	// SessionErrorProtocol indicates the kernel sent something we cannot parse.
	SessionErrorProtocol SessionErrorKind = "protocol"
)

// SessionError wraps kernel session failures with a stable classification.
type SessionError struct {
	Kind    SessionErrorKind
	Op      string
	Message string
	Err     error
}

// NewSessionError constructs a classified session error.
func NewSessionError(kind SessionErrorKind, op string, err error) *SessionError {
	return &SessionError{Kind: kind, Op: op, Err: err}
}

func (e *SessionError) Error() string {
	if e == nil {
		return "session error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("kernel %s: %v", e.Op, e.Err)
		}
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("kernel %s failed", e.Op)
	}
	return "session error"
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClassifySessionError returns the kind of err, inferring it from context
// errors when err is not already a SessionError.
func ClassifySessionError(err error) SessionErrorKind {
	if err == nil {
		return ""
	}
	var sessErr *SessionError
	if errors.As(err, &sessErr) && sessErr.Kind != "" {
		return sessErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return SessionErrorTimeout
	case errors.Is(err, context.Canceled):
		return SessionErrorCanceled
	default:
		return SessionErrorUnknown
	}
}
