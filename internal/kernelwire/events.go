package kernelwire

import (
	"sync"

	"pkt.systems/kernelx/core"
)

// Broadcaster fans session lifecycle events out to subscribers. Publishing
// never blocks; a full subscriber misses the event.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan core.SessionEvent]struct{}
	closed bool
	depth  int
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan core.SessionEvent]struct{}), depth: 16}
}

// Subscribe registers a subscriber. The returned func unsubscribes and closes
// the channel.
func (b *Broadcaster) Subscribe() (<-chan core.SessionEvent, func()) {
	ch := make(chan core.SessionEvent, b.depth)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Publish delivers event to every subscriber and returns how many missed it.
func (b *Broadcaster) Publish(event core.SessionEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	return dropped
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
