package eventbus

import (
	"context"
	"sync"

	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventCell carries a cell snapshot.
	EventCell EventType = "cell"
	// EventKernel carries a kernel lifecycle update.
	EventKernel EventType = "kernel"
)

// Event represents an event emitted by the notebook executor.
type Event struct {
	Type   EventType
	Cell   schema.CellEvent
	Kernel schema.KernelEvent
}

// Bus fans out events to per-notebook subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.NotebookID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.NotebookID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the notebook and returns a channel + cancel.
func (b *Bus) Subscribe(notebookID schema.NotebookID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	notebookSubs := b.subs[notebookID]
	if notebookSubs == nil {
		notebookSubs = make(map[chan Event]struct{})
		b.subs[notebookID] = notebookSubs
	}
	notebookSubs[ch] = struct{}{}
	count := len(notebookSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("notebook", notebookID).Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[notebookID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, notebookID)
				}
			}
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.With("notebook", notebookID).Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnCell publishes a cell snapshot.
func (b *Bus) OnCell(event schema.CellEvent) {
	b.publish(event.NotebookID, Event{Type: EventCell, Cell: event})
}

// OnKernel publishes a kernel lifecycle event.
func (b *Bus) OnKernel(event schema.KernelEvent) {
	b.publish(event.NotebookID, Event{Type: EventKernel, Kernel: event})
}

func (b *Bus) publish(notebookID schema.NotebookID, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	notebookSubs := b.subs[notebookID]
	if len(notebookSubs) == 0 {
		return
	}
	dropped := 0
	for sub := range notebookSubs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.With("notebook", notebookID).Trace("eventbus dropped", "count", dropped)
	}
}
