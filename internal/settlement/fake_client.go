package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FakeClient hashes the payload to deterministically emulate payout tx hashes
// in tests and keyless local runs.
type FakeClient struct{}

func (FakeClient) Payout(_ context.Context, req PayoutRequest) (PayoutResult, error) {
	if req.To == "" {
		return PayoutResult{}, fmt.Errorf("missing payout recipient")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return PayoutResult{}, fmt.Errorf("invalid payout amount")
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", req.To, req.Amount, req.OrderID)))
	return PayoutResult{TxHash: "0x" + hex.EncodeToString(sum[:])}, nil
}
