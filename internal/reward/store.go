package reward

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MintRecord ties minted units to the order that earned them.
type MintRecord struct {
	OriginOrderID uint64
	Beneficiary   string
	Amount        *big.Int
	MintedAt      time.Time
}

// Store abstracts reward balance persistence. ApplyMint must atomically
// record the mint and credit the balance, and must reject a duplicate origin
// order id with ErrAlreadyMinted.
type Store interface {
	ApplyMint(ctx context.Context, rec MintRecord) error
	Balance(ctx context.Context, identity string) (*big.Int, error)
}

// MemoryStore is the in-process implementation, mostly for testing and
// single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*big.Int
	mints    map[uint64]MintRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*big.Int),
		mints:    make(map[uint64]MintRecord),
	}
}

func (m *MemoryStore) ApplyMint(_ context.Context, rec MintRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.mints[rec.OriginOrderID]; exists {
		return ErrAlreadyMinted
	}
	m.mints[rec.OriginOrderID] = rec
	bal, ok := m.balances[rec.Beneficiary]
	if !ok {
		bal = new(big.Int)
		m.balances[rec.Beneficiary] = bal
	}
	bal.Add(bal, rec.Amount)
	return nil
}

func (m *MemoryStore) Balance(_ context.Context, identity string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bal, ok := m.balances[identity]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}
