package settlement

import (
	"context"
	"math/big"
)

// Client abstracts the on-chain payout interaction. The ledger submits one
// payout per released order; the chain is the value mover, the ledger stays
// the source of truth for order state.
type Client interface {
	Payout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
}

// HealthChecker is implemented by clients that can probe their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type PayoutRequest struct {
	To      string
	Amount  *big.Int // wei
	OrderID uint64
}

type PayoutResult struct {
	TxHash string
}
