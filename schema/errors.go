package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrDisposed indicates there is no active kernel session.
	ErrDisposed = errors.New("cannot execute code, session has been disposed")
	// ErrKernelCrashed indicates the kernel process exited unexpectedly.
	ErrKernelCrashed = errors.New("kernel crashed")
	// ErrCanceled indicates a cell was ended before natural completion.
	ErrCanceled = errors.New("execution canceled")
	// ErrEmptyCode indicates there was nothing to execute.
	ErrEmptyCode = errors.New("empty code")
	// ErrSessionUnavailable indicates the kernel transport is not connected.
	ErrSessionUnavailable = errors.New("kernel session unavailable")
	// ErrRequestClosed indicates the request handle was detached.
	ErrRequestClosed = errors.New("request closed")
	// ErrInvalidMessage indicates a malformed wire message.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidConfig indicates executor configuration failed validation.
	ErrInvalidConfig = errors.New("invalid executor config")
)

// KernelCrashedError reports a kernel exit with its exit code.
type KernelCrashedError struct {
	ExitCode int
	// Known is false when the transport could not report an exit code.
	Known bool
}

func (e *KernelCrashedError) Error() string {
	if e == nil {
		return ErrKernelCrashed.Error()
	}
	if !e.Known {
		return "kernel crashed, unable to connect"
	}
	return fmt.Sprintf("kernel crashed with code %d", e.ExitCode)
}

// Is matches ErrKernelCrashed.
func (e *KernelCrashedError) Is(target error) bool {
	return target == ErrKernelCrashed
}

// CanceledError reports which cell was canceled and why.
type CanceledError struct {
	CellID CellID
	Reason string
}

func (e *CanceledError) Error() string {
	if e == nil {
		return ErrCanceled.Error()
	}
	if e.Reason == "" {
		return fmt.Sprintf("cell %s canceled", e.CellID)
	}
	return fmt.Sprintf("cell %s canceled: %s", e.CellID, e.Reason)
}

// Is matches ErrCanceled.
func (e *CanceledError) Is(target error) bool {
	return target == ErrCanceled
}
