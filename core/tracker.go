package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/kernelx/schema"
)

// cellSink receives snapshots for one tracked cell. Implementations must not
// block: they are called with the tracker lock held so snapshots stay ordered.
type cellSink interface {
	next(cell schema.Cell)
	fail(id schema.CellID, err error)
	done(cell schema.Cell)
}

// cellTracker owns one in-flight execution: the cell, its sink, and a
// completion future that resolves exactly once with the terminal state.
type cellTracker struct {
	mu       sync.Mutex
	cell     schema.Cell
	started  time.Time
	silent   bool
	outputs  *outputState
	sink     cellSink
	onSettle func(*cellTracker)
	settled  bool
	result   schema.CellState
	err      error
	done     chan struct{}

	cancelOnce sync.Once
	canceled   chan struct{}
}

func newCellTracker(cell schema.Cell, started time.Time, silent bool, sink cellSink, onSettle func(*cellTracker)) *cellTracker {
	cell.StartTime = started
	return &cellTracker{
		cell:     cell,
		started:  started,
		silent:   silent,
		outputs:  newOutputState(),
		sink:     sink,
		onSettle: onSettle,
		done:     make(chan struct{}),
		canceled: make(chan struct{}),
	}
}

// ID returns the tracked cell id.
func (t *cellTracker) ID() schema.CellID {
	return t.cell.ID
}

// isValid reports whether the tracker belongs to the session epoch. A zero
// epoch means there is no session yet.
func (t *cellTracker) isValid(epoch time.Time) bool {
	if epoch.IsZero() {
		return false
	}
	return !t.started.Before(epoch)
}

// Snapshot returns a copy of the current cell.
func (t *cellTracker) Snapshot() schema.Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cell.Clone()
}

// setState moves a non-terminal cell to state. Terminal states are final.
func (t *cellTracker) setState(state schema.CellState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled || t.cell.State.Terminal() {
		return
	}
	t.cell.State = state
}

// update applies fn to the cell when the tracker is still pending and valid
// for epoch, then delivers the snapshot and settles on a terminal state.
// applied is false when fn was not run.
func (t *cellTracker) update(epoch time.Time, fn func(cell *schema.Cell, outputs *outputState) (reduction, error)) (res reduction, applied bool, err error) {
	t.mu.Lock()
	if t.settled || !t.isValid(epoch) {
		t.mu.Unlock()
		return reduction{}, false, nil
	}
	res, err = fn(&t.cell, t.outputs)
	if err != nil {
		t.mu.Unlock()
		return res, true, err
	}
	t.sink.next(t.cell.Clone())
	settled := t.settleIfTerminalLocked()
	t.mu.Unlock()
	if settled {
		t.onSettle(t)
	}
	return res, true, nil
}

// advance delivers the current snapshot when valid, then settles the tracker
// if the cell reached a terminal state.
func (t *cellTracker) advance(epoch time.Time) {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return
	}
	if t.isValid(epoch) {
		t.sink.next(t.cell.Clone())
	}
	settled := t.settleIfTerminalLocked()
	t.mu.Unlock()
	if settled {
		t.onSettle(t)
	}
}

// finish is called when the request completed. A cell still executing at that
// point is considered finished.
func (t *cellTracker) finish(epoch time.Time) {
	t.mu.Lock()
	if !t.settled && !t.cell.State.Terminal() {
		t.cell.State = schema.CellFinished
	}
	t.mu.Unlock()
	t.advance(epoch)
}

// fail ends the tracker with err. It is a no-op once settled.
func (t *cellTracker) fail(epoch time.Time, err error) {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return
	}
	t.cell.State = schema.CellError
	if t.isValid(epoch) {
		t.sink.next(t.cell.Clone())
	}
	t.sink.fail(t.cell.ID, err)
	t.err = err
	t.settleLocked()
	t.mu.Unlock()
	t.onSettle(t)
}

// interrupt ends a tracker that went stale before its request was sent. The
// cell gets a KeyboardInterrupt error output and settles without a snapshot.
func (t *cellTracker) interrupt() {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return
	}
	t.cell.Outputs = append(t.cell.Outputs, keyboardInterruptOutput())
	t.cell.State = schema.CellError
	t.settleLocked()
	t.mu.Unlock()
	t.onSettle(t)
}

func keyboardInterruptOutput() schema.Output {
	return schema.Output{
		Type:   schema.OutputError,
		EName:  "KeyboardInterrupt",
		EValue: "",
		Traceback: []string{
			"\x1b[1;31m---------------------------------------------------------------------------\x1b[0m",
			"\x1b[1;31mKeyboardInterrupt\x1b[0m: ",
		},
	}
}

// cancel fires the canceled signal and, if still pending, forces the cell to
// CellError and settles it with the outputs it had so far.
func (t *cellTracker) cancel() {
	t.cancelOnce.Do(func() { close(t.canceled) })
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return
	}
	t.cell.State = schema.CellError
	t.sink.next(t.cell.Clone())
	t.settleLocked()
	t.mu.Unlock()
	t.onSettle(t)
}

// Canceled is closed once cancel has been called.
func (t *cellTracker) Canceled() <-chan struct{} {
	return t.canceled
}

// Done is closed once the tracker settles.
func (t *cellTracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the tracker settles and returns the terminal state.
func (t *cellTracker) Wait(ctx context.Context) (schema.CellState, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, nil
	}
}

// Err returns the failure recorded by fail, if any.
func (t *cellTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *cellTracker) settleIfTerminalLocked() bool {
	if t.settled || !t.cell.State.Terminal() {
		return false
	}
	t.settleLocked()
	return true
}

func (t *cellTracker) settleLocked() {
	t.settled = true
	t.result = t.cell.State
	t.sink.done(t.cell.Clone())
	close(t.done)
}
