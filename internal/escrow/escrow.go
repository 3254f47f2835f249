// Package escrow is the boundary between trades and custody. A trade locks
// the seller's crypto when it opens and settles the hold exactly once when
// it closes:
//
//  1. Lock: seller's available → escrowed, keyed by the trade id
//  2. Release: escrowed → buyer (completed trades)
//  3. Return: escrowed → seller (cancelled, expired or refunded trades)
//
// Every call is idempotent so a settlement interrupted by a crash can be
// replayed safely.
package escrow

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable wraps failures of the custody backend itself
	// (timeouts, open circuit, transport errors). Callers may retry.
	ErrUnavailable = errors.New("escrow unavailable")
	// ErrInsufficientFunds means the account cannot cover the lock.
	ErrInsufficientFunds = errors.New("insufficient funds for escrow")
	// ErrConflict means the hold was already settled the other way.
	ErrConflict = errors.New("escrow hold already settled differently")
	// ErrHoldNotFound means the ref is unknown to the backend.
	ErrHoldNotFound = errors.New("escrow hold not found")
)

// LockRequest describes funds to set aside for one trade.
type LockRequest struct {
	Reference string // trade id; repeated locks for it return the same ref
	Account   string // seller
	Asset     string
	Amount    decimal.Decimal
}

// Ledger is a custody backend.
type Ledger interface {
	Lock(ctx context.Context, req LockRequest) (ref string, err error)
	Release(ctx context.Context, ref, to string) error
	Return(ctx context.Context, ref, to string) error
}

// IsBusinessError reports whether err is a definitive answer from the
// backend rather than a failure to reach it.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrHoldNotFound)
}
