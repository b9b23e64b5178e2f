// Package syncutil provides keyed mutual exclusion for serializing
// work on a single aggregate.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex provides one mutex per key with context-aware acquisition.
// Two goroutines locking different keys never contend; entries are
// dropped once the last waiter releases, so memory stays proportional
// to the number of keys currently held or awaited.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

// keyEntry is a mutex implemented via a buffered channel, allowing
// select{} with a context cancellation channel. refs counts holders
// plus waiters.
type keyEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates a new keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// Lock acquires the mutex for the given key, respecting context
// cancellation. On success it returns an unlock function the caller
// MUST invoke when done. On cancellation it returns nil and the
// context error.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // Start unlocked.
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case <-e.ch:
		return func() {
			e.ch <- struct{}{}
			m.release(key, e)
		}, nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, e *keyEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}
