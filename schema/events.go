package schema

import "time"

// InterruptResult is the outcome of an interrupt attempt.
type InterruptResult int

const (
	// InterruptSuccess means the oldest pending cell finished after the interrupt.
	InterruptSuccess InterruptResult = iota
	// InterruptTimedOut means nothing completed before the timeout.
	InterruptTimedOut
	// InterruptRestarted means the kernel restarted while interrupting.
	InterruptRestarted
)

func (r InterruptResult) String() string {
	switch r {
	case InterruptSuccess:
		return "success"
	case InterruptTimedOut:
		return "timed_out"
	case InterruptRestarted:
		return "restarted"
	default:
		return "unknown"
	}
}

// CellEvent carries a cell snapshot for subscribers.
type CellEvent struct {
	NotebookID NotebookID
	Cell       Cell
}

// KernelEventType identifies kernel lifecycle events.
type KernelEventType string

const (
	// KernelEventRestarted is emitted after the epoch is bumped for a restart.
	KernelEventRestarted KernelEventType = "restarted"
	// KernelEventInterrupted is emitted with the interrupt outcome.
	KernelEventInterrupted KernelEventType = "interrupted"
	// KernelEventCrashed is emitted when the kernel disconnects unexpectedly.
	KernelEventCrashed KernelEventType = "crashed"
	// KernelEventDisposed is emitted once when the executor is disposed.
	KernelEventDisposed KernelEventType = "disposed"
)

// KernelEvent carries kernel lifecycle notifications for subscribers.
type KernelEvent struct {
	NotebookID NotebookID
	Type       KernelEventType
	Interrupt  InterruptResult
	ExitCode   int
	Pending    int
	At         time.Time
}
