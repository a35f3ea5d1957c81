package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// Store abstracts order persistence.
//
// WithOrderTx serializes all mutations for a single order id: the Postgres
// implementation relies on row locks, the memory implementation on a per-order
// mutex, so operations on distinct ids never block each other.
type Store interface {
	CreateOrder(ctx context.Context, order Order) (uint64, error)
	WithOrderTx(ctx context.Context, id uint64, fn func(ctx context.Context) error) error
	GetOrderForUpdate(ctx context.Context, id uint64) (Order, error)
	GetOrder(ctx context.Context, id uint64) (Order, error)
	UpdateOrderStatus(ctx context.Context, id uint64, status Status) error
	Custody(ctx context.Context) (*big.Int, error)
}

// MemoryStore keeps orders in process. Mostly for testing and single-node
// development; the Postgres store is the durable implementation.
type MemoryStore struct {
	mu     sync.RWMutex // guards orders map and nextID
	orders map[uint64]*memOrder
	nextID uint64

	custodyMu sync.Mutex
	custody   *big.Int
}

type memOrder struct {
	txMu  sync.Mutex   // held for the duration of WithOrderTx
	valMu sync.RWMutex // held only while reading or swapping the value
	order Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[uint64]*memOrder),
		custody: new(big.Int),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, order Order) (uint64, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	order.ID = id
	m.orders[id] = &memOrder{order: order.Clone()}
	m.mu.Unlock()

	m.custodyMu.Lock()
	m.custody.Add(m.custody, order.Amount)
	m.custodyMu.Unlock()
	return id, nil
}

func (m *MemoryStore) WithOrderTx(ctx context.Context, id uint64, fn func(ctx context.Context) error) error {
	entry := m.lookup(id)
	if entry == nil {
		return ErrNotFound
	}
	entry.txMu.Lock()
	defer entry.txMu.Unlock()
	// The only mutation inside a tx is the final status swap, so a failed
	// callback leaves the order exactly as it was.
	return fn(ctx)
}

func (m *MemoryStore) GetOrderForUpdate(ctx context.Context, id uint64) (Order, error) {
	return m.GetOrder(ctx, id)
}

func (m *MemoryStore) GetOrder(_ context.Context, id uint64) (Order, error) {
	entry := m.lookup(id)
	if entry == nil {
		return Order{}, ErrNotFound
	}
	entry.valMu.RLock()
	defer entry.valMu.RUnlock()
	return entry.order.Clone(), nil
}

func (m *MemoryStore) UpdateOrderStatus(_ context.Context, id uint64, status Status) error {
	entry := m.lookup(id)
	if entry == nil {
		return ErrNotFound
	}
	entry.valMu.Lock()
	prev := entry.order.Status
	entry.order.Status = status
	entry.order.UpdatedAt = time.Now().UTC()
	amount := new(big.Int).Set(entry.order.Amount)
	entry.valMu.Unlock()

	// Custody tracks orders that are still pending or delivered.
	if !prev.Terminal() && status.Terminal() {
		m.custodyMu.Lock()
		m.custody.Sub(m.custody, amount)
		m.custodyMu.Unlock()
	}
	return nil
}

func (m *MemoryStore) Custody(_ context.Context) (*big.Int, error) {
	m.custodyMu.Lock()
	defer m.custodyMu.Unlock()
	return new(big.Int).Set(m.custody), nil
}

func (m *MemoryStore) lookup(id uint64) *memOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders[id]
}
