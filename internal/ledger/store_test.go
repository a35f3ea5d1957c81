package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func testOrder(amount int64) Order {
	now := time.Now().UTC()
	return Order{
		Buyer:     "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Seller:    "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Amount:    big.NewInt(amount),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStoreCreateAssignsSequentialIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	for want := uint64(1); want <= 5; want++ {
		id, err := store.CreateOrder(ctx, testOrder(10))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
}

func TestMemoryStoreSnapshotsAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	id, _ := store.CreateOrder(ctx, testOrder(10))

	o, err := store.GetOrder(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	o.Amount.SetInt64(999)
	o.Status = StatusReleased

	again, _ := store.GetOrder(ctx, id)
	if again.Amount.Int64() != 10 || again.Status != StatusPending {
		t.Fatalf("snapshot mutation leaked into store: %+v", again)
	}
}

func TestMemoryStoreCustodyTracksNonTerminalOrders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	a, _ := store.CreateOrder(ctx, testOrder(10))
	b, _ := store.CreateOrder(ctx, testOrder(25))

	custody, _ := store.Custody(ctx)
	if custody.Int64() != 35 {
		t.Fatalf("custody after creates: %s", custody)
	}

	// pending -> delivered keeps the value in custody.
	if err := store.UpdateOrderStatus(ctx, a, StatusDelivered); err != nil {
		t.Fatalf("update: %v", err)
	}
	custody, _ = store.Custody(ctx)
	if custody.Int64() != 35 {
		t.Fatalf("custody after delivered: %s", custody)
	}

	// delivered -> released removes the value exactly once.
	if err := store.UpdateOrderStatus(ctx, a, StatusReleased); err != nil {
		t.Fatalf("update: %v", err)
	}
	custody, _ = store.Custody(ctx)
	if custody.Int64() != 25 {
		t.Fatalf("custody after release: %s", custody)
	}

	_ = store.UpdateOrderStatus(ctx, b, StatusReleased)
	custody, _ = store.Custody(ctx)
	if custody.Sign() != 0 {
		t.Fatalf("custody not emptied: %s", custody)
	}
}

func TestMemoryStoreUnknownID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.GetOrder(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateOrderStatus(ctx, 7, StatusDelivered); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update: expected ErrNotFound, got %v", err)
	}
	err := store.WithOrderTx(ctx, 7, func(context.Context) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("tx: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreTxFailureLeavesOrderUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	id, _ := store.CreateOrder(ctx, testOrder(10))

	boom := errors.New("boom")
	err := store.WithOrderTx(ctx, id, func(txCtx context.Context) error {
		if _, err := store.GetOrderForUpdate(txCtx, id); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	o, _ := store.GetOrder(ctx, id)
	if o.Status != StatusPending {
		t.Fatalf("failed tx moved status: %s", o.Status)
	}
	custody, _ := store.Custody(ctx)
	if custody.Int64() != 10 {
		t.Fatalf("failed tx moved custody: %s", custody)
	}
}
