package core

import "pkt.systems/pslog"

// ExecutorDeps captures optional dependencies for the notebook executor.
type ExecutorDeps struct {
	EventSink EventSink
	Loggers   []ExecutionLogger
	Logger    pslog.Logger
}
