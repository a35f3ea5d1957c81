package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"harvestpay/internal/reward"
)

// RewardStore persists reward balances and the per-order mint records in
// PostgreSQL. The primary key on origin_order_id backs the exactly-once
// mint guard.
type RewardStore struct {
	pool *pgxpool.Pool
}

const createRewardSQL = `
CREATE TABLE IF NOT EXISTS reward_mints (
    origin_order_id BIGINT PRIMARY KEY,
    beneficiary TEXT NOT NULL,
    amount NUMERIC(78,0) NOT NULL CHECK (amount >= 0),
    minted_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS reward_balances (
    identity TEXT PRIMARY KEY,
    balance NUMERIC(78,0) NOT NULL DEFAULT 0
);
`

func NewRewardStore(ctx context.Context, pool *pgxpool.Pool) (*RewardStore, error) {
	if _, err := pool.Exec(ctx, createRewardSQL); err != nil {
		return nil, fmt.Errorf("ensure reward tables: %w", err)
	}
	return &RewardStore{pool: pool}, nil
}

func (s *RewardStore) ApplyMint(ctx context.Context, rec reward.MintRecord) error {
	return withTx(ctx, s.pool, func(txCtx context.Context) error {
		const insertMint = `
INSERT INTO reward_mints (origin_order_id, beneficiary, amount, minted_at)
VALUES ($1, $2, $3::numeric, $4)`

		_, err := s.exec(txCtx, insertMint,
			int64(rec.OriginOrderID), rec.Beneficiary, rec.Amount.String(), rec.MintedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return reward.ErrAlreadyMinted
			}
			return fmt.Errorf("insert mint: %w", err)
		}

		const upsertBalance = `
INSERT INTO reward_balances (identity, balance)
VALUES ($1, $2::numeric)
ON CONFLICT (identity) DO UPDATE
SET balance = reward_balances.balance + EXCLUDED.balance`

		if _, err := s.exec(txCtx, upsertBalance, rec.Beneficiary, rec.Amount.String()); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		return nil
	})
}

func (s *RewardStore) Balance(ctx context.Context, identity string) (*big.Int, error) {
	const query = `SELECT balance::text FROM reward_balances WHERE identity = $1`

	var bal string
	err := s.queryRow(ctx, query, identity).Scan(&bal)
	if err != nil {
		if err == pgx.ErrNoRows {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	out, ok := new(big.Int).SetString(bal, 10)
	if !ok {
		return nil, fmt.Errorf("get balance: malformed numeric %q", bal)
	}
	return out, nil
}

func (s *RewardStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *RewardStore) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *RewardStore) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}
