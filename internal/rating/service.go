package rating

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// RateRequest is a rater's score and optional comment.
type RateRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

// Service implements trade ratings.
type Service struct {
	store  Store
	trades TradeLookup
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new rating service.
func NewService(store Store, trades TradeLookup, logger *slog.Logger) *Service {
	return &Service{store: store, trades: trades, logger: logger, now: time.Now}
}

// Rate records raterID's rating of the counterparty.
func (s *Service) Rate(ctx context.Context, tradeID, raterID string, req RateRequest) (*Rating, error) {
	if req.Score < MinScore || req.Score > MaxScore {
		return nil, ErrInvalidScore
	}
	comment := strings.TrimSpace(req.Comment)
	if len([]rune(comment)) > MaxCommentLength {
		return nil, ErrCommentTooLong
	}

	t, err := s.trades.TradeInfo(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	var ratee string
	switch raterID {
	case "":
		return nil, ErrNotParticipant
	case t.BuyerID:
		ratee = t.SellerID
	case t.SellerID:
		ratee = t.BuyerID
	default:
		return nil, ErrNotParticipant
	}
	if !t.Completed {
		return nil, ErrNotCompleted
	}

	r := &Rating{
		TradeID:   tradeID,
		RaterID:   raterID,
		RateeID:   ratee,
		Score:     req.Score,
		Comment:   comment,
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info("trade rated", "tradeId", tradeID, "rater", raterID, "ratee", ratee, "score", r.Score)
	return r, nil
}

// ForTrade returns the ratings left on a trade. Only its participants may
// read them.
func (s *Service) ForTrade(ctx context.Context, tradeID, userID string) ([]*Rating, error) {
	t, err := s.trades.TradeInfo(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if userID == "" || (userID != t.BuyerID && userID != t.SellerID) {
		return nil, ErrNotParticipant
	}
	out, err := s.store.ListByTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Rating{}
	}
	return out, nil
}
