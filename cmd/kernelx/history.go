package main

import (
	"strings"
	"sync"
)

const defaultHistoryMax = 200

// cellHistory keeps the most recent submitted cells, oldest first.
type cellHistory struct {
	mu      sync.Mutex
	entries []string
	max     int
}

func newCellHistory(max int) *cellHistory {
	if max <= 0 {
		max = defaultHistoryMax
	}
	return &cellHistory{max: max}
}

// Append records code unless it is blank or repeats the latest entry.
func (h *cellHistory) Append(code string) bool {
	if strings.TrimSpace(code) == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) > 0 && h.entries[len(h.entries)-1] == code {
		return false
	}
	h.entries = append(h.entries, code)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	return true
}

// Get returns entry n, counting from 1.
func (h *cellHistory) Get(n int) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < 1 || n > len(h.entries) {
		return "", false
	}
	return h.entries[n-1], true
}

func (h *cellHistory) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.entries...)
}
