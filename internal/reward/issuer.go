package reward

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized     = errors.New("caller does not hold the minting capability")
	ErrAlreadyMinted    = errors.New("origin order already triggered a mint")
	ErrCapabilityIssued = errors.New("minting capability already issued")
	ErrInvalidMint      = errors.New("mint requires a beneficiary and a positive amount")
)

// Capability is the unforgeable permission to request mints. Only the holder
// returned by GrantCapability (or a subsequent TransferCapability) passes the
// issuer's check; the zero value never does.
type Capability struct {
	token string
}

// CapabilityGrant is one entry in the capability audit trail.
type CapabilityGrant struct {
	ID        string
	From      string
	To        string
	GrantedAt time.Time
}

// Issuer is the sole minting authority for reward units. Balances are owned
// here exclusively; the escrow ledger may request mints through its
// capability but never mutates balances directly.
type Issuer struct {
	mu     sync.Mutex // guards capability state and audit trail
	secret string
	holder string
	audit  []CapabilityGrant

	store Store
	log   *zap.Logger
}

func NewIssuer(store Store, log *zap.Logger) *Issuer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Issuer{store: store, log: log}
}

// GrantCapability issues the minting capability exactly once, at system
// initialization. Subsequent grants fail; rotation goes through
// TransferCapability so every holder change is audited.
func (i *Issuer) GrantCapability(holder string) (Capability, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.secret != "" {
		return Capability{}, ErrCapabilityIssued
	}
	token, err := newToken()
	if err != nil {
		return Capability{}, err
	}
	i.secret = token
	i.holder = holder
	i.audit = append(i.audit, CapabilityGrant{
		ID:        uuid.NewString(),
		From:      "issuer",
		To:        holder,
		GrantedAt: time.Now().UTC(),
	})
	i.log.Info("minting capability granted", zap.String("holder", holder))
	return Capability{token: token}, nil
}

// TransferCapability rotates the capability to a new holder. The current
// capability must be presented; it is invalidated by the transfer.
func (i *Issuer) TransferCapability(current Capability, newHolder string) (Capability, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.checkLocked(current) {
		return Capability{}, ErrUnauthorized
	}
	token, err := newToken()
	if err != nil {
		return Capability{}, err
	}
	from := i.holder
	i.secret = token
	i.holder = newHolder
	i.audit = append(i.audit, CapabilityGrant{
		ID:        uuid.NewString(),
		From:      from,
		To:        newHolder,
		GrantedAt: time.Now().UTC(),
	})
	i.log.Info("minting capability transferred", zap.String("from", from), zap.String("to", newHolder))
	return Capability{token: token}, nil
}

// CapabilityAudit returns a copy of the grant history.
func (i *Issuer) CapabilityAudit() []CapabilityGrant {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]CapabilityGrant, len(i.audit))
	copy(out, i.audit)
	return out
}

// Mint credits the beneficiary with reward units. Each origin order id mints
// at most once, so re-invocations fail with ErrAlreadyMinted rather than
// duplicating value.
func (i *Issuer) Mint(ctx context.Context, c Capability, beneficiary string, amount *big.Int, originOrderID uint64) error {
	i.mu.Lock()
	ok := i.checkLocked(c)
	i.mu.Unlock()
	if !ok {
		return ErrUnauthorized
	}
	if beneficiary == "" || amount == nil || amount.Sign() < 0 {
		return ErrInvalidMint
	}

	rec := MintRecord{
		OriginOrderID: originOrderID,
		Beneficiary:   beneficiary,
		Amount:        new(big.Int).Set(amount),
		MintedAt:      time.Now().UTC(),
	}
	if err := i.store.ApplyMint(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyMinted) {
			return ErrAlreadyMinted
		}
		return fmt.Errorf("apply mint: %w", err)
	}

	i.log.Info("reward minted",
		zap.Uint64("origin_order_id", originOrderID),
		zap.String("beneficiary", beneficiary),
		zap.String("amount", amount.String()),
	)
	return nil
}

// BalanceOf returns the accumulated reward units for an identity, zero when
// none were ever minted.
func (i *Issuer) BalanceOf(ctx context.Context, identity string) (*big.Int, error) {
	return i.store.Balance(ctx, identity)
}

func (i *Issuer) checkLocked(c Capability) bool {
	if i.secret == "" || c.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(i.secret), []byte(c.token)) == 1
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("capability token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
