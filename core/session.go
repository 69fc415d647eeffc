package core

import (
	"context"
	"time"

	"pkt.systems/kernelx/schema"
)

// KernelSession is a connection to a running Jupyter-protocol kernel.
//
// Implementations must be safe for concurrent use. Blocking calls honor ctx
// and their own timeout, whichever ends first.
type KernelSession interface {
	// RequestExecute sends an execute_request and returns a handle that yields
	// the messages answering it.
	RequestExecute(ctx context.Context, req ExecuteRequest) (Request, error)
	Restart(ctx context.Context, timeout time.Duration) error
	Interrupt(ctx context.Context, timeout time.Duration) error
	WaitForIdle(ctx context.Context, timeout time.Duration) error
	// Subscribe registers for out-of-band lifecycle notifications. The returned
	// func unsubscribes and closes the channel.
	Subscribe() (<-chan SessionEvent, func())
	// ExitCode reports the kernel process exit code once it has exited.
	ExitCode() (int, bool)
	Close() error
}

// ExecuteRequest describes one execute_request.
type ExecuteRequest struct {
	Code   string
	Silent bool
	// StoreHistory controls whether the kernel bumps execution_count.
	StoreHistory bool
}

// Request yields the messages that answer one execute_request, in arrival
// order. Next returns io.EOF once the request is done.
type Request interface {
	ID() string
	Next(ctx context.Context) (schema.Message, error)
	// Close detaches the request. Messages that arrive afterwards are dropped.
	Close() error
}

// SessionEventType identifies a session lifecycle notification.
type SessionEventType string

const (
	// SessionRestarted fires when the kernel restarted without a Restart call,
	// for example when the server restarted a dead kernel on its own.
	SessionRestarted SessionEventType = "restarted"
	// SessionDisconnected fires when the kernel process or socket went away.
	SessionDisconnected SessionEventType = "disconnected"
)

// SessionEvent is an out-of-band notification from the kernel session.
type SessionEvent struct {
	Type     SessionEventType
	ExitCode int
	// HasExitCode is false when the transport cannot observe an exit code.
	HasExitCode bool
}
