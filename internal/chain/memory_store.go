package chain

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEventStore is an in-memory event store for demo/development mode.
type MemoryEventStore struct {
	events map[int64]*Event
	nextID int64
	mu     sync.RWMutex
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[int64]*Event),
		nextID: 1,
	}
}

func (m *MemoryEventStore) Append(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event.ID = m.nextID
	m.nextID++
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	m.events[event.ID] = &cp
	return nil
}

func (m *MemoryEventStore) UnprocessedByEscrow(ctx context.Context, escrowID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if !e.Processed && e.EscrowID == escrowID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortByBlock(result)
	return result, nil
}

func (m *MemoryEventStore) UnprocessedAll(ctx context.Context) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if !e.Processed {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortByBlock(result)
	return result, nil
}

func (m *MemoryEventStore) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Processed = true
	e.ProcessedAt = &at
	e.ErrorMessage = ""
	return nil
}

func (m *MemoryEventStore) MarkFailed(ctx context.Context, id int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	e.Processed = false
	e.ErrorMessage = message
	return nil
}

// Get returns a single event by ID. Used by tests and operator tooling.
func (m *MemoryEventStore) Get(ctx context.Context, id int64) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

// sortByBlock orders events by block number, ties broken by insertion order.
func sortByBlock(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].ID < events[j].ID
	})
}

// MemoryCursorStore is an in-memory sync cursor for demo/development mode.
type MemoryCursorStore struct {
	block uint64
	mu    sync.Mutex
}

// NewMemoryCursorStore creates a cursor starting at the given block
// (typically the contract deployment block).
func NewMemoryCursorStore(start uint64) *MemoryCursorStore {
	return &MemoryCursorStore{block: start}
}

func (m *MemoryCursorStore) Get(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, nil
}

func (m *MemoryCursorStore) Advance(ctx context.Context, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if block < m.block {
		return ErrCursorBackward
	}
	m.block = block
	return nil
}

// Compile-time assertions.
var (
	_ EventStore  = (*MemoryEventStore)(nil)
	_ CursorStore = (*MemoryCursorStore)(nil)
)
