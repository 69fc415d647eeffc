package core

import (
	"context"

	"pkt.systems/kernelx/schema"
)

// EventSink receives cell snapshots and kernel lifecycle events from the
// executor. Implementations must not block.
type EventSink interface {
	OnCell(event schema.CellEvent)
	OnKernel(event schema.KernelEvent)
}

// ExecutionLogger observes code before it is sent and after its cell settles.
// Errors are logged and otherwise ignored.
type ExecutionLogger interface {
	PreExecute(ctx context.Context, cell schema.Cell, silent bool) error
	PostExecute(ctx context.Context, cell schema.Cell, silent bool) error
}
