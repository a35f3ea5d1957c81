package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"harvestpay/internal/ledger"
)

// LedgerStore persists escrow orders in PostgreSQL. Row locks taken by
// GetOrderForUpdate serialize transitions per order id; custody is computed
// as a sum over non-terminal orders so it can never drift from the records.
type LedgerStore struct {
	pool *pgxpool.Pool
}

const createOrdersSQL = `
CREATE TABLE IF NOT EXISTS escrow_orders (
    id BIGSERIAL PRIMARY KEY,
    buyer TEXT NOT NULL,
    seller TEXT NOT NULL,
    amount NUMERIC(78,0) NOT NULL CHECK (amount > 0),
    metadata_ref TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewLedgerStore connects with the pool and ensures the orders table exists.
func NewLedgerStore(ctx context.Context, pool *pgxpool.Pool) (*LedgerStore, error) {
	if _, err := pool.Exec(ctx, createOrdersSQL); err != nil {
		return nil, fmt.Errorf("ensure orders table: %w", err)
	}
	return &LedgerStore{pool: pool}, nil
}

func (s *LedgerStore) CreateOrder(ctx context.Context, o ledger.Order) (uint64, error) {
	const stmt = `
INSERT INTO escrow_orders (buyer, seller, amount, metadata_ref, status, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
RETURNING id`

	var id int64
	err := s.queryRow(ctx, stmt,
		o.Buyer, o.Seller, o.Amount.String(), o.MetadataRef, string(o.Status), o.CreatedAt, o.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return uint64(id), nil
}

func (s *LedgerStore) WithOrderTx(ctx context.Context, _ uint64, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

func (s *LedgerStore) GetOrderForUpdate(ctx context.Context, id uint64) (ledger.Order, error) {
	const query = `
SELECT id, buyer, seller, amount::text, metadata_ref, status, created_at, updated_at
FROM escrow_orders
WHERE id = $1
FOR UPDATE`
	return s.scanOrder(s.queryRow(ctx, query, int64(id)))
}

func (s *LedgerStore) GetOrder(ctx context.Context, id uint64) (ledger.Order, error) {
	const query = `
SELECT id, buyer, seller, amount::text, metadata_ref, status, created_at, updated_at
FROM escrow_orders
WHERE id = $1`
	return s.scanOrder(s.queryRow(ctx, query, int64(id)))
}

func (s *LedgerStore) UpdateOrderStatus(ctx context.Context, id uint64, status ledger.Status) error {
	const stmt = `UPDATE escrow_orders SET status = $2, updated_at = now() WHERE id = $1`

	tag, err := s.exec(ctx, stmt, int64(id), string(status))
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *LedgerStore) Custody(ctx context.Context) (*big.Int, error) {
	const query = `
SELECT COALESCE(SUM(amount), 0)::text
FROM escrow_orders
WHERE status IN ('pending', 'delivered')`

	var sum string
	if err := s.queryRow(ctx, query).Scan(&sum); err != nil {
		return nil, fmt.Errorf("custody sum: %w", err)
	}
	total, ok := new(big.Int).SetString(sum, 10)
	if !ok {
		return nil, fmt.Errorf("custody sum: malformed numeric %q", sum)
	}
	return total, nil
}

func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *LedgerStore) scanOrder(row pgx.Row) (ledger.Order, error) {
	var (
		o      ledger.Order
		id     int64
		amount string
		status string
	)
	err := row.Scan(&id, &o.Buyer, &o.Seller, &amount, &o.MetadataRef, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ledger.Order{}, ledger.ErrNotFound
		}
		return ledger.Order{}, fmt.Errorf("get order: %w", err)
	}
	o.ID = uint64(id)
	o.Status = ledger.Status(status)
	o.Amount, _ = new(big.Int).SetString(amount, 10)
	if o.Amount == nil {
		return ledger.Order{}, fmt.Errorf("get order: malformed amount %q", amount)
	}
	return o, nil
}

func (s *LedgerStore) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *LedgerStore) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}
