package client

import (
	"sync"
	"time"
)

type result struct {
	payload string
	err     error
}

type pendingEntry struct {
	ch    chan result
	timer *time.Timer
}

// pendingTable correlates request ids with their single waiting caller.
// Entries are removed under the lock before any outcome is delivered, so a
// response, the timeout, and a cancellation can race freely: exactly one
// wins and the rest find no entry.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

func (t *pendingTable) register(id string, timeout time.Duration) <-chan result {
	e := &pendingEntry{ch: make(chan result, 1)}

	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()

	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			t.resolve(id, result{err: ErrRequestTimeout})
		})
	}
	return e.ch
}

func (t *pendingTable) take(id string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return e
}

func (t *pendingTable) resolve(id string, r result) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.ch <- r
	return true
}

func (t *pendingTable) cancel(id string) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()

	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.ch <- result{err: err}
	}
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
