package ledger

import "errors"

var (
	ErrNotFound       = errors.New("order not found")
	ErrUnauthorized   = errors.New("caller not authorized for this transition")
	ErrInvalidState   = errors.New("operation not valid for current order status")
	ErrInvalidAmount  = errors.New("deposit amount must be positive")
	ErrInvalidParties = errors.New("buyer and seller must be distinct non-empty identities")
)
