package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"harvestpay/internal/reward"
	"harvestpay/internal/settlement"
)

const bpsDenominator = 10_000

// Config holds the payout policy knobs fixed at construction.
type Config struct {
	// RewardRateBps is the reward minted per released order, in basis points
	// of the order amount. Fixed for the lifetime of the ledger so the same
	// order can never derive two different rewards.
	RewardRateBps int64
}

// Ledger owns order records and the custody account, and is the only holder
// of the reward minting capability.
type Ledger struct {
	store         Store
	settle        settlement.Client
	issuer        *reward.Issuer
	capability    reward.Capability
	rewardRateBps int64
	log           *zap.Logger
}

func New(store Store, settle settlement.Client, issuer *reward.Issuer, capability reward.Capability, cfg Config, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:         store,
		settle:        settle,
		issuer:        issuer,
		capability:    capability,
		rewardRateBps: cfg.RewardRateBps,
		log:           log,
	}
}

// CreateOrder records a new escrow order holding the attached deposit.
// The deposit is custodied by the ledger until release.
func (l *Ledger) CreateOrder(ctx context.Context, buyer, seller, metadataRef string, amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	buyer = strings.TrimSpace(buyer)
	seller = strings.TrimSpace(seller)
	if buyer == "" || seller == "" || buyer == seller {
		return 0, ErrInvalidParties
	}

	now := time.Now().UTC()
	id, err := l.store.CreateOrder(ctx, Order{
		Buyer:       buyer,
		Seller:      seller,
		Amount:      new(big.Int).Set(amount),
		MetadataRef: strings.TrimSpace(metadataRef),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}

	l.log.Info("order created",
		zap.Uint64("order_id", id),
		zap.String("buyer", buyer),
		zap.String("seller", seller),
		zap.String("amount", amount.String()),
	)
	return id, nil
}

// ConfirmDelivery moves a pending order to delivered. Buyer only. No value moves.
func (l *Ledger) ConfirmDelivery(ctx context.Context, id uint64, caller string) error {
	err := l.store.WithOrderTx(ctx, id, func(txCtx context.Context) error {
		o, err := l.store.GetOrderForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if o.Buyer != caller {
			return ErrUnauthorized
		}
		if o.Status != StatusPending {
			return ErrInvalidState
		}
		return l.store.UpdateOrderStatus(txCtx, id, StatusDelivered)
	})
	if err != nil {
		return err
	}
	l.log.Info("delivery confirmed", zap.Uint64("order_id", id), zap.String("buyer", caller))
	return nil
}

// ReleaseResult reports the outcome of a successful release. RewardMinted is
// false when the payout committed but the reward mint failed; callers may
// retry via MintReward, which is idempotent per order.
type ReleaseResult struct {
	Order        Order
	PayoutTxHash string
	RewardAmount *big.Int
	RewardMinted bool
}

// Release pays the custodied amount out to the seller and requests the reward
// mint. Seller only, delivered orders only. The payout submission and the
// state transition commit as one unit; the mint is best-effort-but-exactly-once
// and never reverses a committed payout.
func (l *Ledger) Release(ctx context.Context, id uint64, caller string) (ReleaseResult, error) {
	var res ReleaseResult
	err := l.store.WithOrderTx(ctx, id, func(txCtx context.Context) error {
		o, err := l.store.GetOrderForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if o.Seller != caller {
			return ErrUnauthorized
		}
		if o.Status != StatusDelivered {
			return ErrInvalidState
		}

		pay, err := l.settle.Payout(txCtx, settlement.PayoutRequest{
			To:      o.Seller,
			Amount:  o.Amount,
			OrderID: o.ID,
		})
		if err != nil {
			return fmt.Errorf("submit payout: %w", err)
		}
		if err := l.store.UpdateOrderStatus(txCtx, id, StatusReleased); err != nil {
			return err
		}
		o.Status = StatusReleased
		res.Order = o
		res.PayoutTxHash = pay.TxHash
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	res.RewardAmount = l.RewardFor(res.Order.Amount)
	switch err := l.issuer.Mint(ctx, l.capability, res.Order.Seller, res.RewardAmount, id); {
	case err == nil, errors.Is(err, reward.ErrAlreadyMinted):
		res.RewardMinted = true
	default:
		l.log.Warn("reward mint failed, payout stands",
			zap.Uint64("order_id", id),
			zap.String("seller", res.Order.Seller),
			zap.Error(err),
		)
	}

	l.log.Info("order released",
		zap.Uint64("order_id", id),
		zap.String("seller", caller),
		zap.String("payout_tx", res.PayoutTxHash),
		zap.Bool("reward_minted", res.RewardMinted),
	)
	return res, nil
}

// MintReward re-requests the reward mint for an already released order.
// Idempotent: an order that already minted returns nil.
func (l *Ledger) MintReward(ctx context.Context, id uint64) error {
	o, err := l.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != StatusReleased {
		return ErrInvalidState
	}
	err = l.issuer.Mint(ctx, l.capability, o.Seller, l.RewardFor(o.Amount), id)
	if errors.Is(err, reward.ErrAlreadyMinted) {
		return nil
	}
	return err
}

// GetOrder returns a snapshot of the order, never a zero-valued record.
func (l *Ledger) GetOrder(ctx context.Context, id uint64) (Order, error) {
	return l.store.GetOrder(ctx, id)
}

// Custody returns the aggregate value held for all non-terminal orders.
func (l *Ledger) Custody(ctx context.Context) (*big.Int, error) {
	return l.store.Custody(ctx)
}

// RewardFor derives the reward units for an order amount under the fixed rate.
func (l *Ledger) RewardFor(amount *big.Int) *big.Int {
	r := new(big.Int).Mul(amount, big.NewInt(l.rewardRateBps))
	return r.Quo(r, big.NewInt(bpsDenominator))
}
