// Package order manages advertisements: standing offers to buy or sell a
// crypto asset for fiat at a fixed unit price. Trades draw on an ad's
// available amount through reservations, one per trade, so a restore can be
// retried without crediting the ad twice.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound            = errors.New("order not found")
	ErrOrderNotActive           = errors.New("order is not active")
	ErrInsufficientAvailability = errors.New("order has insufficient available amount")
	ErrNotOwner                 = errors.New("not the order owner")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationMismatch      = errors.New("trade already reserved a different amount")
)

// Side is the advertiser's side of the market.
type Side string

const (
	SideBuy  Side = "buy"  // owner buys crypto, pays fiat
	SideSell Side = "sell" // owner sells crypto, receives fiat
)

// Status of an ad.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// Decimal places for crypto and fiat amounts.
const (
	CryptoPlaces = 8
	FiatPlaces   = 2
)

// Order is an advertisement.
type Order struct {
	ID                   string          `json:"id"`
	Side                 Side            `json:"side"`
	OwnerID              string          `json:"ownerId"`
	CryptoAsset          string          `json:"cryptoAsset"`
	FiatCurrency         string          `json:"fiatCurrency"`
	UnitPrice            decimal.Decimal `json:"unitPrice"`
	AvailableAmount      decimal.Decimal `json:"availableAmount"`
	MinLimit             decimal.Decimal `json:"minLimit"`
	MaxLimit             decimal.Decimal `json:"maxLimit"`
	PaymentMethods       []string        `json:"paymentMethods"`
	PaymentWindowMinutes int             `json:"paymentWindowMinutes"`
	Status               Status          `json:"status"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// PaymentWindow is how long a buyer has to pay after a trade opens.
func (o *Order) PaymentWindow() time.Duration {
	return time.Duration(o.PaymentWindowMinutes) * time.Minute
}

// IsActive reports whether new trades may draw on the ad.
func (o *Order) IsActive() bool {
	return o.Status == StatusActive
}

// Reservation is one trade's draw on an ad.
type Reservation struct {
	OrderID    string          `json:"orderId"`
	TradeID    string          `json:"tradeId"`
	Amount     decimal.Decimal `json:"amount"`
	Released   bool            `json:"released"`
	CreatedAt  time.Time       `json:"createdAt"`
	ReleasedAt *time.Time      `json:"releasedAt,omitempty"`
}

// ListFilter narrows ListActive.
type ListFilter struct {
	Side         Side
	CryptoAsset  string
	FiatCurrency string
	Limit        int
}

// Store persists ads and reservations.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	ListActive(ctx context.Context, f ListFilter) ([]*Order, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error)
	SetStatus(ctx context.Context, id string, status Status) error

	// Reserve decrements AvailableAmount by amount if the ad is active and
	// can cover it, recording a reservation for tradeID. Reserving again
	// for the same trade and amount is a no-op.
	Reserve(ctx context.Context, orderID, tradeID string, amount decimal.Decimal) error
	// Restore gives a reservation back to the ad. Restoring a released
	// reservation is a no-op.
	Restore(ctx context.Context, orderID, tradeID string) error
	Reservations(ctx context.Context, orderID string) ([]*Reservation, error)
}
