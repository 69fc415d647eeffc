package core

import (
	"context"
	"io"
	"sync"

	"pkt.systems/kernelx/schema"
)

// CellStream yields the combined cell list of one submission each time any of
// its cells changes. A submission has one cell, or two when a markdown block is
// followed by code. Next returns io.EOF after every cell settled, or the first
// failure reported for any of them.
type CellStream struct {
	mu        sync.Mutex
	order     []schema.CellID
	latest    map[schema.CellID]schema.Cell
	completed map[schema.CellID]bool
	required  int
	queue     [][]schema.Cell
	err       error
	trackers  []*cellTracker
	notify    chan struct{}
	finished  chan struct{}
	closed    bool
}

func newCellStream(cells []schema.Cell) *CellStream {
	order := make([]schema.CellID, 0, len(cells))
	for _, cell := range cells {
		order = append(order, cell.ID)
	}
	s := &CellStream{
		order:     order,
		latest:    make(map[schema.CellID]schema.Cell, len(cells)),
		completed: make(map[schema.CellID]bool, len(cells)),
		required:  len(cells),
		notify:    make(chan struct{}, 1),
		finished:  make(chan struct{}),
	}
	if s.required == 0 {
		s.closed = true
		close(s.finished)
	}
	return s
}

// Next returns the next combined snapshot.
func (s *CellStream) Next(ctx context.Context) ([]schema.Cell, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			cells := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return cells, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Done is closed once every cell of the submission settled.
func (s *CellStream) Done() <-chan struct{} {
	return s.finished
}

// Cancel cancels every cell of the submission that is still pending. Their
// cells end in CellError with the outputs they had.
func (s *CellStream) Cancel() {
	s.mu.Lock()
	trackers := append([]*cellTracker(nil), s.trackers...)
	s.mu.Unlock()
	for _, t := range trackers {
		t.cancel()
	}
}

func (s *CellStream) attach(t *cellTracker) {
	s.mu.Lock()
	s.trackers = append(s.trackers, t)
	s.mu.Unlock()
}

func (s *CellStream) next(cell schema.Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.latest[cell.ID] = cell
	s.enqueueLocked()
}

func (s *CellStream) fail(_ schema.CellID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *CellStream) done(cell schema.Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.completed[cell.ID] {
		return
	}
	prev, seen := s.latest[cell.ID]
	s.latest[cell.ID] = cell
	s.completed[cell.ID] = true
	if !seen || prev.State != cell.State || len(prev.Outputs) != len(cell.Outputs) {
		s.enqueueLocked()
	}
	if len(s.completed) >= s.required {
		s.closed = true
		close(s.finished)
		s.signalLocked()
	}
}

func (s *CellStream) enqueueLocked() {
	cells := make([]schema.Cell, 0, len(s.order))
	for _, id := range s.order {
		if cell, ok := s.latest[id]; ok {
			cells = append(cells, cell.Clone())
		}
	}
	s.queue = append(s.queue, cells)
	s.signalLocked()
}

func (s *CellStream) signalLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
