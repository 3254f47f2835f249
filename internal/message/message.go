// Package message keeps the chat log attached to each trade.
//
// Messages are append-only. Each trade's log is numbered 1, 2, 3... and
// timestamps never go backwards within a trade, so a client can page with
// "everything after seq N" and never see an entry twice.
package message

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTradeNotFound  = errors.New("trade not found")
	ErrNotParticipant = errors.New("not a participant in this trade")
	ErrTradeClosed    = errors.New("trade is closed for messages")
	ErrEmptyMessage   = errors.New("message needs a body or an attachment")
	ErrMessageTooLong = errors.New("message body too long")

	// errSeqTaken is returned by stores when a concurrent writer took the
	// next sequence number first.
	errSeqTaken = errors.New("message sequence taken")
)

// Limits.
const (
	MaxBodyLength    = 4000
	MaxAttachmentRef = 256
	DefaultLimit     = 100
	MaxLimit         = 500
)

// Message is one chat entry on a trade.
type Message struct {
	ID            string    `json:"id"`
	TradeID       string    `json:"tradeId"`
	Seq           int64     `json:"seq"`
	SenderID      string    `json:"senderId"`
	Body          string    `json:"body"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Caller is the authenticated user reading or writing a log.
type Caller struct {
	ID      string
	Arbiter bool
}

// TradeInfo is what the log needs to know about a trade.
type TradeInfo struct {
	ID         string
	BuyerID    string
	SellerID   string
	TerminalAt *time.Time
}

func (t *TradeInfo) isParticipant(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// TradeLookup resolves trades. Unknown ids return ErrTradeNotFound.
type TradeLookup interface {
	TradeInfo(ctx context.Context, tradeID string) (*TradeInfo, error)
}

// Store persists messages.
type Store interface {
	// Append assigns m.Seq = last seq + 1 and m.CreatedAt = max(now, last
	// CreatedAt), then inserts m. A lost race for the seq returns errSeqTaken.
	Append(ctx context.Context, m *Message, now time.Time) error
	// List returns up to limit messages with seq > afterSeq, ascending.
	List(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]*Message, error)
}

// Publisher is told about every stored message. Implementations must not block.
type Publisher interface {
	MessagePosted(ctx context.Context, m *Message, participants []string)
}

type nopPublisher struct{}

func (nopPublisher) MessagePosted(context.Context, *Message, []string) {}
