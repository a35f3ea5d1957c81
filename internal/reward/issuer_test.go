package reward

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

const beneficiary = "0xcccccccccccccccccccccccccccccccccccccccc"

func newTestIssuer(t *testing.T) (*Issuer, Capability) {
	t.Helper()
	issuer := NewIssuer(NewMemoryStore(), nil)
	c, err := issuer.GrantCapability("escrow-ledger")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	return issuer, c
}

func TestGrantCapabilityOnce(t *testing.T) {
	t.Parallel()
	issuer, _ := newTestIssuer(t)

	if _, err := issuer.GrantCapability("someone-else"); !errors.Is(err, ErrCapabilityIssued) {
		t.Fatalf("expected ErrCapabilityIssued, got %v", err)
	}

	audit := issuer.CapabilityAudit()
	if len(audit) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audit))
	}
	if audit[0].From != "issuer" || audit[0].To != "escrow-ledger" {
		t.Fatalf("unexpected audit entry: %+v", audit[0])
	}
}

func TestMintRequiresCapability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, c := newTestIssuer(t)

	// The zero value is not a capability.
	if err := issuer.Mint(ctx, Capability{}, beneficiary, big.NewInt(10), 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("zero capability: expected ErrUnauthorized, got %v", err)
	}
	// Neither is a guessed token.
	forged := Capability{token: "0000000000000000000000000000000000000000000000000000000000000000"}
	if err := issuer.Mint(ctx, forged, beneficiary, big.NewInt(10), 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("forged capability: expected ErrUnauthorized, got %v", err)
	}
	if bal, _ := issuer.BalanceOf(ctx, beneficiary); bal.Sign() != 0 {
		t.Fatalf("unauthorized mint credited balance: %s", bal)
	}

	if err := issuer.Mint(ctx, c, beneficiary, big.NewInt(10), 1); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if bal, _ := issuer.BalanceOf(ctx, beneficiary); bal.Int64() != 10 {
		t.Fatalf("balance: got %s want 10", bal)
	}
}

func TestMintOncePerOriginOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, c := newTestIssuer(t)

	if err := issuer.Mint(ctx, c, beneficiary, big.NewInt(10), 1); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := issuer.Mint(ctx, c, beneficiary, big.NewInt(10), 1); !errors.Is(err, ErrAlreadyMinted) {
		t.Fatalf("expected ErrAlreadyMinted, got %v", err)
	}
	if bal, _ := issuer.BalanceOf(ctx, beneficiary); bal.Int64() != 10 {
		t.Fatalf("duplicate mint changed balance: %s", bal)
	}

	// Distinct origin orders accumulate.
	if err := issuer.Mint(ctx, c, beneficiary, big.NewInt(5), 2); err != nil {
		t.Fatalf("second mint: %v", err)
	}
	if bal, _ := issuer.BalanceOf(ctx, beneficiary); bal.Int64() != 15 {
		t.Fatalf("balance: got %s want 15", bal)
	}
}

func TestMintValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, c := newTestIssuer(t)

	if err := issuer.Mint(ctx, c, "", big.NewInt(10), 1); !errors.Is(err, ErrInvalidMint) {
		t.Fatalf("empty beneficiary: expected ErrInvalidMint, got %v", err)
	}
	if err := issuer.Mint(ctx, c, beneficiary, big.NewInt(-1), 1); !errors.Is(err, ErrInvalidMint) {
		t.Fatalf("negative amount: expected ErrInvalidMint, got %v", err)
	}
	if err := issuer.Mint(ctx, c, beneficiary, nil, 1); !errors.Is(err, ErrInvalidMint) {
		t.Fatalf("nil amount: expected ErrInvalidMint, got %v", err)
	}
}

func TestBalanceOfDefaultsToZero(t *testing.T) {
	t.Parallel()
	issuer, _ := newTestIssuer(t)

	bal, err := issuer.BalanceOf(context.Background(), "0xdddddddddddddddddddddddddddddddddddddddd")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", bal)
	}
}

func TestTransferCapability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, old := newTestIssuer(t)

	fresh, err := issuer.TransferCapability(old, "replacement-ledger")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// The old capability is dead, the new one works.
	if err := issuer.Mint(ctx, old, beneficiary, big.NewInt(10), 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old capability after transfer: expected ErrUnauthorized, got %v", err)
	}
	if err := issuer.Mint(ctx, fresh, beneficiary, big.NewInt(10), 1); err != nil {
		t.Fatalf("mint with transferred capability: %v", err)
	}

	// A stale capability cannot transfer either.
	if _, err := issuer.TransferCapability(old, "intruder"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stale transfer: expected ErrUnauthorized, got %v", err)
	}

	audit := issuer.CapabilityAudit()
	if len(audit) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(audit))
	}
	if audit[1].From != "escrow-ledger" || audit[1].To != "replacement-ledger" {
		t.Fatalf("unexpected transfer entry: %+v", audit[1])
	}
}
