// Package ledger is the reference custody backend behind the escrow
// boundary. It tracks per-account, per-asset balances and escrow holds.
//
// Flow:
//  1. An operator deposits crypto into a seller's account
//  2. Lock moves an amount from available to escrowed under a hold
//  3. Release pays the hold to the buyer; Return gives it back to the seller
//
// Every hold is keyed by the caller's reference (the trade id), so a
// retried Lock, Release or Return never moves funds twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/peerex/internal/idgen"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrHoldNotFound        = errors.New("hold not found")
	ErrHoldSettled         = errors.New("hold already settled with a different outcome")
	ErrHoldMismatch        = errors.New("reference already holds different funds")
)

// Places is the precision of every custody amount.
const Places = 8

// HoldStatus is the lifecycle of an escrow hold.
type HoldStatus string

const (
	HoldLocked   HoldStatus = "locked"
	HoldReleased HoldStatus = "released"
	HoldReturned HoldStatus = "returned"
)

// Hold is funds set aside for one reference.
type Hold struct {
	Ref       string          `json:"ref"`
	Reference string          `json:"reference"`
	Account   string          `json:"account"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Status    HoldStatus      `json:"status"`
	SettledTo string          `json:"settledTo,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	SettledAt *time.Time      `json:"settledAt,omitempty"`
}

// Balance is one account's position in one asset.
type Balance struct {
	Account   string          `json:"account"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Escrowed  decimal.Decimal `json:"escrowed"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Entry is an append-only audit record of a balance movement.
type Entry struct {
	ID        string          `json:"id"`
	Account   string          `json:"account"`
	Asset     string          `json:"asset"`
	Kind      string          `json:"kind"` // deposit, escrow_lock, escrow_release, escrow_receive, escrow_return
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists balances, holds and entries. Implementations apply each
// method atomically.
type Store interface {
	Deposit(ctx context.Context, account, asset string, amount decimal.Decimal, reference string) error
	GetBalance(ctx context.Context, account, asset string) (*Balance, error)
	ListBalances(ctx context.Context, account string) ([]*Balance, error)

	// Lock creates hold, or returns the existing hold for hold.Reference.
	Lock(ctx context.Context, hold *Hold) (*Hold, error)
	// Settle moves a locked hold to status, paying to. Settling to the
	// status it already has is a no-op; the other status is ErrHoldSettled.
	Settle(ctx context.Context, ref string, status HoldStatus, to string) (*Hold, error)
	GetHold(ctx context.Context, ref string) (*Hold, error)
	// ListLocked returns holds still locked that were created before cutoff.
	ListLocked(ctx context.Context, cutoff time.Time, limit int) ([]*Hold, error)

	Entries(ctx context.Context, account, asset string, limit int) ([]*Entry, error)
}

// Service is the custody API.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a ledger service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(Places)) {
		return fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Places)
	}
	return nil
}

// Deposit credits account. reference makes retries harmless when non-empty.
func (s *Service) Deposit(ctx context.Context, account, asset string, amount decimal.Decimal, reference string) (*Balance, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	asset = normalizeAsset(asset)
	if err := s.store.Deposit(ctx, account, asset, amount, reference); err != nil {
		return nil, err
	}
	s.logger.Info("deposit credited", "account", account, "asset", asset, "amount", amount.String())
	return s.store.GetBalance(ctx, account, asset)
}

// Lock escrows amount of account's asset under reference and returns the
// hold ref. Repeating the call with the same arguments returns the same ref.
func (s *Service) Lock(ctx context.Context, reference, account, asset string, amount decimal.Decimal) (string, error) {
	if reference == "" {
		return "", fmt.Errorf("reference is required")
	}
	if err := validAmount(amount); err != nil {
		return "", err
	}
	asset = normalizeAsset(asset)

	hold, err := s.store.Lock(ctx, &Hold{
		Ref:       holdRef(reference),
		Reference: reference,
		Account:   account,
		Asset:     asset,
		Amount:    amount,
		Status:    HoldLocked,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", err
	}
	if hold.Account != account || hold.Asset != asset || !hold.Amount.Equal(amount) {
		return "", ErrHoldMismatch
	}
	return hold.Ref, nil
}

// Release pays a hold to the counterparty.
func (s *Service) Release(ctx context.Context, ref, to string) error {
	return s.settle(ctx, ref, HoldReleased, to)
}

// Return gives a hold back to the account that funded it. to must be that
// account; returns never redirect funds.
func (s *Service) Return(ctx context.Context, ref, to string) error {
	hold, err := s.store.GetHold(ctx, ref)
	if err != nil {
		return err
	}
	if hold.Account != to {
		return fmt.Errorf("return of %s must go to %s", ref, hold.Account)
	}
	return s.settle(ctx, ref, HoldReturned, to)
}

func (s *Service) settle(ctx context.Context, ref string, status HoldStatus, to string) error {
	hold, err := s.store.Settle(ctx, ref, status, to)
	if err != nil {
		return err
	}
	s.logger.Info("hold settled", "ref", ref, "status", status, "to", to, "amount", hold.Amount.String())
	return nil
}

// Balances lists an account's balances.
func (s *Service) Balances(ctx context.Context, account string) ([]*Balance, error) {
	return s.store.ListBalances(ctx, account)
}

// Balance returns one balance; missing balances read as zero.
func (s *Service) Balance(ctx context.Context, account, asset string) (*Balance, error) {
	return s.store.GetBalance(ctx, account, normalizeAsset(asset))
}

// Hold returns a hold by ref.
func (s *Service) Hold(ctx context.Context, ref string) (*Hold, error) {
	return s.store.GetHold(ctx, ref)
}

// LockedBefore lists holds still locked that were created before cutoff.
func (s *Service) LockedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Hold, error) {
	return s.store.ListLocked(ctx, cutoff, limit)
}

// Entries lists an account's audit entries, newest first.
func (s *Service) Entries(ctx context.Context, account, asset string, limit int) ([]*Entry, error) {
	return s.store.Entries(ctx, account, normalizeAsset(asset), limit)
}

// holdRef derives the hold ref from the reference so a Lock retried after a
// lost response lands on the same row.
func holdRef(reference string) string {
	return idgen.HoldPrefix + reference
}
