package core

import "sync"

// pendingRegistry is the live set of trackers that have not settled yet, in
// insertion order.
type pendingRegistry struct {
	mu    sync.Mutex
	items []*cellTracker
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{}
}

func (r *pendingRegistry) add(t *cellTracker) {
	r.mu.Lock()
	r.items = append(r.items, t)
	r.mu.Unlock()
}

// remove evicts t. Trackers call this through their settle callback.
func (r *pendingRegistry) remove(t *cellTracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range r.items {
		if item == t {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return
		}
	}
}

// oldest returns the first pending tracker.
func (r *pendingRegistry) oldest() (*cellTracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil, false
	}
	return r.items[0], true
}

func (r *pendingRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *pendingRegistry) snapshot() []*cellTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cellTracker(nil), r.items...)
}

// cancelAll cancels every pending tracker and returns how many there were.
func (r *pendingRegistry) cancelAll() int {
	return r.cancelExcept(nil)
}

// cancelExcept cancels every pending tracker other than keep.
func (r *pendingRegistry) cancelExcept(keep *cellTracker) int {
	count := 0
	for _, t := range r.snapshot() {
		if t == keep {
			continue
		}
		t.cancel()
		count++
	}
	return count
}

// failAll runs fail on every pending tracker and returns how many there were.
func (r *pendingRegistry) failAll(fail func(*cellTracker)) int {
	items := r.snapshot()
	for _, t := range items {
		fail(t)
	}
	return len(items)
}
