// Package rating lets each side of a completed trade rate the other once.
package rating

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTradeNotFound  = errors.New("trade not found")
	ErrNotParticipant = errors.New("not a participant in this trade")
	ErrNotCompleted   = errors.New("trade is not completed")
	ErrAlreadyRated   = errors.New("trade already rated by this user")
	ErrInvalidScore   = errors.New("score must be between 1 and 5")
	ErrCommentTooLong = errors.New("comment too long")
)

const (
	MinScore         = 1
	MaxScore         = 5
	MaxCommentLength = 500
)

// Rating is one participant's verdict on the other.
type Rating struct {
	TradeID   string    `json:"tradeId"`
	RaterID   string    `json:"raterId"`
	RateeID   string    `json:"rateeId"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TradeInfo is what rating needs to know about a trade.
type TradeInfo struct {
	ID        string
	BuyerID   string
	SellerID  string
	Completed bool
}

// TradeLookup resolves trades. Unknown ids return ErrTradeNotFound.
type TradeLookup interface {
	TradeInfo(ctx context.Context, tradeID string) (*TradeInfo, error)
}

// Store persists ratings.
type Store interface {
	// Create fails with ErrAlreadyRated if (TradeID, RaterID) exists.
	Create(ctx context.Context, r *Rating) error
	ListByTrade(ctx context.Context, tradeID string) ([]*Rating, error)
}
