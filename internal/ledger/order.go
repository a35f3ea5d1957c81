package ledger

import (
	"math/big"
	"time"
)

// Status is the lifecycle state of an escrow order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusReleased  Status = "released"
	// StatusRefunded is a reserved terminal state. No transition produces it;
	// the ledger only renders it for records that already carry it.
	StatusRefunded Status = "refunded"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Order is one escrow transaction: deposit, delivery confirmation, payout.
// Buyer, Seller, Amount and MetadataRef are fixed at creation; only Status
// moves, and only along pending -> delivered -> released.
type Order struct {
	ID          uint64
	Buyer       string
	Seller      string
	Amount      *big.Int
	MetadataRef string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy so callers can never alias the stored amount.
func (o Order) Clone() Order {
	c := o
	if o.Amount != nil {
		c.Amount = new(big.Int).Set(o.Amount)
	}
	return c
}
