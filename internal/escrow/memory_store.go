package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(escrow), nil
}

func (m *MemoryStore) GetByEscrowID(ctx context.Context, escrowID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.EscrowID == escrowID {
			return copyEscrow(e), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) ListByOrderID(ctx context.Context, orderID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.OrderID == orderID {
			result = append(result, copyEscrow(e))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !e.Status.Terminal() {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrEscrowNotFound
	}
	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

// copyEscrow returns a deep copy so callers never share the stored
// pointer. ValidationErrors is append-only; sharing its backing array
// would let one copy's append mutate another.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.ValidationErrors != nil {
		cp.ValidationErrors = make([]string, len(e.ValidationErrors))
		copy(cp.ValidationErrors, e.ValidationErrors)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
