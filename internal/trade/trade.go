// Package trade runs the lifecycle of a peer-to-peer fiat-for-crypto trade.
//
// Flow:
//  1. A taker opens a trade against an ad → seller's crypto locked in escrow
//  2. Buyer pays off-platform and confirms → payment_sent
//  3. Seller sees the fiat and releases → crypto to buyer, completed
//  4. Buyer cancels, or the payment window lapses → crypto back to seller
//  5. Either side disputes → an arbiter releases or returns
//
// Every state change is a compare-and-swap on (state, version). Transitions
// that move escrow first claim the trade, then call the ledger, then commit,
// so custody moves at most once per trade even across replicas.
package trade

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// State is a trade's lifecycle state.
type State string

const (
	StatePending     State = "pending"      // escrow locked, waiting for fiat
	StatePaymentSent State = "payment_sent" // buyer says fiat is sent
	StateCompleted   State = "completed"    // crypto released to buyer
	StateCancelled   State = "cancelled"    // crypto returned to seller
	StateDisputed    State = "disputed"     // frozen until an arbiter decides
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Action is something an actor asks a trade to do.
type Action string

const (
	ActionCreate         Action = "create"
	ActionConfirmPayment Action = "confirm_payment"
	ActionRelease        Action = "release"
	ActionCancel         Action = "cancel"
	ActionExpire         Action = "expire"
	ActionDispute        Action = "dispute"
	ActionResolveRelease Action = "resolve_release"
	ActionResolveReturn  Action = "resolve_return"
)

// Role is the part an actor plays in a particular trade.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
	RoleSystem  Role = "system"
	RoleOther   Role = "other"
)

// Effect is the custody movement a transition needs.
type Effect string

const (
	EffectNone    Effect = ""
	EffectRelease Effect = "release" // escrow → buyer
	EffectReturn  Effect = "return"  // escrow → seller
)

// Resolution outcomes an arbiter may choose.
const (
	OutcomeRelease = "release"
	OutcomeReturn  = "return"
)

// Trade is one exchange of fiat for crypto between a buyer and a seller.
// Amounts and parties are fixed at creation.
type Trade struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"orderId"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	CryptoAsset     string          `json:"cryptoAsset"`
	FiatCurrency    string          `json:"fiatCurrency"`
	CryptoAmount    decimal.Decimal `json:"cryptoAmount"`
	FiatAmount      decimal.Decimal `json:"fiatAmount"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	PaymentMethod   string          `json:"paymentMethod"`
	State           State           `json:"state"`
	EscrowRef       string          `json:"escrowRef"`
	PaymentDeadline time.Time       `json:"paymentDeadline"`
	DisputeReason   string          `json:"disputeReason,omitempty"`
	DisputedBy      string          `json:"disputedBy,omitempty"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	Resolution      string          `json:"resolution,omitempty"`
	ResolutionNote  string          `json:"resolutionNote,omitempty"`
	Settlement      *Claim          `json:"settlement,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	TerminalAt      *time.Time      `json:"terminalAt,omitempty"`
}

// Claim marks a funds-moving transition that has taken the trade but not
// yet committed. While present, every other action is refused.
type Claim struct {
	Effect         Effect    `json:"effect"`
	Action         Action    `json:"action"`
	ActorID        string    `json:"actorId"`
	Role           Role      `json:"role"`
	To             State     `json:"to"`
	IdempotencyKey string    `json:"-"`
	Note           string    `json:"note,omitempty"`
	Since          time.Time `json:"since"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (t *Trade) IsParticipant(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Participants returns buyer and seller ids.
func (t *Trade) Participants() []string {
	return []string{t.BuyerID, t.SellerID}
}

// Counterparty returns the other participant, or "" for outsiders.
func (t *Trade) Counterparty(userID string) string {
	switch userID {
	case t.BuyerID:
		return t.SellerID
	case t.SellerID:
		return t.BuyerID
	}
	return ""
}

func (t *Trade) clone() *Trade {
	cp := *t
	if t.Settlement != nil {
		c := *t.Settlement
		cp.Settlement = &c
	}
	if t.TerminalAt != nil {
		at := *t.TerminalAt
		cp.TerminalAt = &at
	}
	return &cp
}

// HistoryEntry records one committed transition. Entries are written in the
// same atomic step as the state change they describe.
type HistoryEntry struct {
	TradeID        string    `json:"tradeId"`
	Seq            int       `json:"seq"`
	Action         Action    `json:"action"`
	ActorID        string    `json:"actorId"`
	Role           Role      `json:"role"`
	From           State     `json:"from,omitempty"`
	To             State     `json:"to"`
	IdempotencyKey string    `json:"-"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID      string
	Arbiter bool
}

// SystemActor performs deadline expiry.
var SystemActor = Actor{ID: "system"} // auth refuses tokens for this id

// RoleOf resolves actor's role in t. Trade membership wins over the arbiter
// flag, so an arbiter who is also a party acts as that party.
func RoleOf(actor Actor, t *Trade) Role {
	switch {
	case actor == SystemActor:
		return RoleSystem
	case actor.ID != "" && actor.ID == t.BuyerID:
		return RoleBuyer
	case actor.ID != "" && actor.ID == t.SellerID:
		return RoleSeller
	case actor.Arbiter:
		return RoleArbiter
	default:
		return RoleOther
	}
}

// CanView reports whether actor may read t and its history.
func CanView(actor Actor, t *Trade) bool {
	return t.IsParticipant(actor.ID) || actor.Arbiter
}

// Expect is the CAS precondition of an update.
type Expect struct {
	State   State
	Version int64
}

// ListFilter narrows a participant's trade listing.
type ListFilter struct {
	State  State
	Cursor string
	Limit  int
}

// Store persists trades and their history.
type Store interface {
	// Create inserts t at version 1 together with its first history entry.
	Create(ctx context.Context, t *Trade, h *HistoryEntry) error
	Get(ctx context.Context, id string) (*Trade, error)
	// Update replaces the trade if its stored state and version match
	// expect, setting t.Version to expect.Version+1. A non-nil h is appended
	// atomically with its Seq assigned. Mismatches return ErrConflict.
	Update(ctx context.Context, t *Trade, expect Expect, h *HistoryEntry) error
	// ListByParticipant lists trades where userID is buyer or seller,
	// newest first, starting after f.Cursor, returning up to f.Limit+1 rows.
	ListByParticipant(ctx context.Context, userID string, f ListFilter) ([]*Trade, error)
	// ListExpired lists pending, unclaimed trades whose deadline is <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error)
	// ListStaleSettlements lists trades claimed before the given time.
	ListStaleSettlements(ctx context.Context, before time.Time, limit int) ([]*Trade, error)
	History(ctx context.Context, tradeID string) ([]*HistoryEntry, error)
	// FindByIdempotencyKey returns the history entry actorID wrote with key,
	// or nil if there is none.
	FindByIdempotencyKey(ctx context.Context, actorID, key string) (*HistoryEntry, error)
}

// OrderSnapshot is the part of an ad a trade needs.
type OrderSnapshot struct {
	ID              string
	OwnerID         string
	Side            string // "buy" or "sell", from the owner's view
	CryptoAsset     string
	FiatCurrency    string
	UnitPrice       decimal.Decimal
	AvailableAmount decimal.Decimal
	MinLimit        decimal.Decimal
	MaxLimit        decimal.Decimal
	PaymentMethods  []string
	PaymentWindow   time.Duration
	Active          bool
}

// OrderBook reserves and restores ad availability for trades.
type OrderBook interface {
	Snapshot(ctx context.Context, orderID string) (*OrderSnapshot, error)
	// Reserve maps failures to ErrOrderNotFound, ErrOrderNotActive or
	// ErrInsufficientAvailability.
	Reserve(ctx context.Context, orderID, tradeID string, amount decimal.Decimal) error
	// Restore is idempotent per trade.
	Restore(ctx context.Context, orderID, tradeID string) error
}
