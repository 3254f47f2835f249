package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mbd888/peerex/internal/idgen"
	"github.com/mbd888/peerex/internal/metrics"
	"github.com/mbd888/peerex/internal/retry"
)

const (
	defaultGracePeriod = time.Hour
	participantCache   = 10000
	appendAttempts     = 8
)

// SendRequest is a new message.
type SendRequest struct {
	Body          string `json:"body"`
	AttachmentRef string `json:"attachmentRef"`
}

type participants struct {
	buyer, seller string
}

// Service implements the trade chat log.
type Service struct {
	store     Store
	trades    TradeLookup
	publisher Publisher
	logger    *slog.Logger
	// Buyer and seller never change once a trade exists, so they are safe
	// to cache for the hot List path.
	cache *lru.Cache
	now   func() time.Time
	grace time.Duration
}

// NewService creates a new message service.
func NewService(store Store, trades TradeLookup, logger *slog.Logger) *Service {
	cache, _ := lru.New(participantCache)
	return &Service{
		store:     store,
		trades:    trades,
		publisher: nopPublisher{},
		logger:    logger,
		cache:     cache,
		now:       time.Now,
		grace:     defaultGracePeriod,
	}
}

// WithPublisher sets where new messages are announced.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithGracePeriod sets how long a finished trade keeps accepting messages.
func (s *Service) WithGracePeriod(d time.Duration) *Service {
	if d >= 0 {
		s.grace = d
	}
	return s
}

// Send appends a message from caller to the trade's log.
func (s *Service) Send(ctx context.Context, tradeID string, caller Caller, req SendRequest) (*Message, error) {
	body := strings.TrimSpace(req.Body)
	ref := strings.TrimSpace(req.AttachmentRef)
	if body == "" && ref == "" {
		return nil, ErrEmptyMessage
	}
	if len([]rune(body)) > MaxBodyLength {
		return nil, fmt.Errorf("%w: max %d characters", ErrMessageTooLong, MaxBodyLength)
	}

	// Terminal state changes, so Send always asks for a fresh view.
	info, err := s.trades.TradeInfo(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	s.remember(info)
	if !info.isParticipant(caller.ID) && !caller.Arbiter {
		return nil, ErrNotParticipant
	}
	if info.TerminalAt != nil && s.now().After(info.TerminalAt.Add(s.grace)) {
		return nil, ErrTradeClosed
	}

	m := &Message{
		ID:            idgen.WithPrefix(idgen.MessagePrefix),
		TradeID:       tradeID,
		SenderID:      caller.ID,
		Body:          body,
		AttachmentRef: ref,
	}
	err = retry.Do(ctx, appendAttempts, 5*time.Millisecond, func() error {
		err := s.store.Append(ctx, m, s.now())
		if err == nil || errors.Is(err, errSeqTaken) {
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	metrics.MessagesTotal.Inc()
	s.publisher.MessagePosted(ctx, m, []string{info.BuyerID, info.SellerID})
	s.logger.Debug("message posted", "tradeId", tradeID, "seq", m.Seq, "sender", caller.ID)
	return m, nil
}

// List returns the messages after afterSeq, oldest first.
func (s *Service) List(ctx context.Context, tradeID string, caller Caller, afterSeq int64, limit int) ([]*Message, error) {
	p, err := s.participants(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if caller.ID == "" || (caller.ID != p.buyer && caller.ID != p.seller && !caller.Arbiter) {
		return nil, ErrNotParticipant
	}

	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	msgs, err := s.store.List(ctx, tradeID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return msgs, nil
}

func (s *Service) participants(ctx context.Context, tradeID string) (participants, error) {
	if v, ok := s.cache.Get(tradeID); ok {
		return v.(participants), nil
	}
	info, err := s.trades.TradeInfo(ctx, tradeID)
	if err != nil {
		return participants{}, err
	}
	return s.remember(info), nil
}

func (s *Service) remember(info *TradeInfo) participants {
	p := participants{buyer: info.BuyerID, seller: info.SellerID}
	s.cache.Add(info.ID, p)
	return p
}
