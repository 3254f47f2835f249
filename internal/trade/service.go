package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/peerex/internal/escrow"
	"github.com/mbd888/peerex/internal/idgen"
	"github.com/mbd888/peerex/internal/logging"
	"github.com/mbd888/peerex/internal/pagination"
	"github.com/mbd888/peerex/internal/retry"
	"github.com/mbd888/peerex/internal/syncutil"
	"github.com/mbd888/peerex/internal/traces"
	"github.com/shopspring/decimal"
)

// Amount precision.
const (
	CryptoPlaces = 8
	FiatPlaces   = 2
)

const (
	defaultCASAttempts = 5
	defaultStaleAfter  = 2 * time.Minute
)

// CreateRequest opens a trade against an ad. Exactly one of FiatAmount and
// CryptoAmount is set; the other is derived from the ad's unit price.
type CreateRequest struct {
	OrderID       string          `json:"orderId"`
	FiatAmount    decimal.Decimal `json:"fiatAmount"`
	CryptoAmount  decimal.Decimal `json:"cryptoAmount"`
	PaymentMethod string          `json:"paymentMethod"`
}

// Page is one page of a trade listing.
type Page struct {
	Trades     []*Trade `json:"trades"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Service implements trade business logic.
type Service struct {
	store       Store
	orders      OrderBook
	ledger      escrow.Ledger
	publisher   Publisher
	logger      *slog.Logger
	locks       *syncutil.KeyedMutex
	now         func() time.Time
	casAttempts int
	staleAfter  time.Duration
}

// NewService creates a new trade service.
func NewService(store Store, orders OrderBook, ledger escrow.Ledger, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		orders:      orders,
		ledger:      ledger,
		publisher:   nopPublisher{},
		logger:      logger,
		locks:       syncutil.NewKeyedMutex(0),
		now:         time.Now,
		casAttempts: defaultCASAttempts,
		staleAfter:  defaultStaleAfter,
	}
}

// WithPublisher sets where committed changes are announced.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithCASAttempts sets how often a write that lost a race is re-decided.
func (s *Service) WithCASAttempts(n int) *Service {
	if n > 0 {
		s.casAttempts = n
	}
	return s
}

// WithStaleAfter sets how old a settlement claim must be before recovery
// takes it over. It must exceed the escrow call timeout.
func (s *Service) WithStaleAfter(d time.Duration) *Service {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// StaleAfter returns the settlement recovery threshold.
func (s *Service) StaleAfter() time.Duration {
	return s.staleAfter
}

// Create opens a trade: reserve the ad amount, lock the seller's crypto,
// then record the trade. Each step is undone if a later one fails.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest, idemKey string) (_ *Trade, err error) {
	ctx = logging.EnsureLogger(ctx, s.logger)
	ctx, span := traces.StartSpan(ctx, "trade.Create", traces.OrderID(req.OrderID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	if idemKey != "" {
		if t, ok, err := s.replayCreate(ctx, actor, idemKey); ok || err != nil {
			return t, err
		}
	}

	o, err := s.orders.Snapshot(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.Active {
		return nil, ErrOrderNotActive
	}
	if o.OwnerID == actor.ID {
		return nil, ErrSelfTrade
	}

	crypto, fiat, err := quote(o, req)
	if err != nil {
		return nil, err
	}
	if fiat.LessThan(o.MinLimit) || fiat.GreaterThan(o.MaxLimit) {
		return nil, fmt.Errorf("%w: %s %s not within [%s, %s]", ErrAmountOutOfLimits,
			fiat.StringFixed(FiatPlaces), o.FiatCurrency, o.MinLimit.StringFixed(FiatPlaces), o.MaxLimit.StringFixed(FiatPlaces))
	}
	if crypto.GreaterThan(o.AvailableAmount) {
		return nil, ErrInsufficientAvailability
	}

	method, err := choosePaymentMethod(o.PaymentMethods, req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	buyer, seller := actor.ID, o.OwnerID
	if o.Side == "buy" {
		buyer, seller = o.OwnerID, actor.ID
	}

	now := s.now()
	t := &Trade{
		ID:              idgen.WithPrefix(idgen.TradePrefix),
		OrderID:         o.ID,
		BuyerID:         buyer,
		SellerID:        seller,
		CryptoAsset:     o.CryptoAsset,
		FiatCurrency:    o.FiatCurrency,
		CryptoAmount:    crypto,
		FiatAmount:      fiat,
		UnitPrice:       o.UnitPrice,
		PaymentMethod:   method,
		State:           StatePending,
		PaymentDeadline: now.Add(o.PaymentWindow),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	span.SetAttributes(traces.TradeID(t.ID))
	log := logging.L(ctx).With("tradeId", t.ID, "orderId", o.ID)

	if err := s.orders.Reserve(ctx, o.ID, t.ID, crypto); err != nil {
		return nil, err
	}

	ref, err := s.ledger.Lock(ctx, escrow.LockRequest{
		Reference: t.ID,
		Account:   seller,
		Asset:     t.CryptoAsset,
		Amount:    crypto,
	})
	if err != nil {
		s.restoreOrder(ctx, t, log)
		log.Warn("escrow lock failed", "seller", seller, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrEscrowLockFailed, err)
	}
	t.EscrowRef = ref
	t.Version = 1

	h := &HistoryEntry{
		TradeID:        t.ID,
		Action:         ActionCreate,
		ActorID:        actor.ID,
		Role:           RoleOf(actor, t),
		To:             StatePending,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, t, h); err != nil {
		if rerr := s.ledger.Return(ctx, ref, seller); rerr != nil {
			log.Error("CRITICAL: escrow locked for unrecorded trade", "escrowRef", ref, "error", rerr)
		}
		s.restoreOrder(ctx, t, log)
		if errors.Is(err, errDuplicateIdempotencyKey) {
			if prev, ok, rerr := s.replayCreate(ctx, actor, idemKey); ok || rerr != nil {
				return prev, rerr
			}
		}
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	observeCommit(t, ActionCreate, "")
	s.publisher.TradeChanged(ctx, t, ActionCreate)
	log.Info("trade created", "buyer", buyer, "seller", seller,
		"crypto", crypto.String(), "fiat", fiat.StringFixed(FiatPlaces), "escrowRef", ref)
	return t, nil
}

// quote derives the crypto and fiat amounts of a request.
func quote(o *OrderSnapshot, req CreateRequest) (crypto, fiat decimal.Decimal, err error) {
	hasFiat, hasCrypto := !req.FiatAmount.IsZero(), !req.CryptoAmount.IsZero()
	if hasFiat == hasCrypto || req.FiatAmount.IsNegative() || req.CryptoAmount.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}

	if hasFiat {
		fiat = req.FiatAmount
		if !fiat.Equal(fiat.Round(FiatPlaces)) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: fiat has more than %d decimal places", ErrInvalidAmount, FiatPlaces)
		}
		crypto = fiat.DivRound(o.UnitPrice, CryptoPlaces+4).Truncate(CryptoPlaces)
	} else {
		crypto = req.CryptoAmount
		if !crypto.Equal(crypto.Truncate(CryptoPlaces)) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: crypto has more than %d decimal places", ErrInvalidAmount, CryptoPlaces)
		}
		fiat = crypto.Mul(o.UnitPrice).Round(FiatPlaces)
	}
	if !crypto.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: amount too small", ErrInvalidAmount)
	}
	return crypto, fiat, nil
}

func choosePaymentMethod(offered []string, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		if len(offered) == 0 {
			return "", ErrInvalidPaymentMethod
		}
		return offered[0], nil
	}
	for _, m := range offered {
		if strings.EqualFold(m, requested) {
			return m, nil
		}
	}
	return "", ErrInvalidPaymentMethod
}

func (s *Service) restoreOrder(ctx context.Context, t *Trade, log *slog.Logger) {
	if err := s.orders.Restore(ctx, t.OrderID, t.ID); err != nil {
		log.Error("failed to restore order availability", "error", err)
	}
}

func (s *Service) replayCreate(ctx context.Context, actor Actor, key string) (*Trade, bool, error) {
	h, err := s.store.FindByIdempotencyKey(ctx, actor.ID, key)
	if err != nil || h == nil {
		return nil, false, err
	}
	if h.Action != ActionCreate {
		return nil, false, ErrIdempotencyKeyReuse
	}
	t, err := s.store.Get(ctx, h.TradeID)
	return t, true, err
}

// ConfirmPayment records the buyer's claim that fiat was sent.
func (s *Service) ConfirmPayment(ctx context.Context, tradeID string, actor Actor, idemKey string) (*Trade, error) {
	return s.transition(ctx, tradeID, actor, Command{Action: ActionConfirmPayment}, idemKey)
}

// Release pays the escrowed crypto to the buyer.
func (s *Service) Release(ctx context.Context, tradeID string, actor Actor, idemKey string) (*Trade, error) {
	return s.transition(ctx, tradeID, actor, Command{Action: ActionRelease}, idemKey)
}

// Cancel returns the escrowed crypto to the seller at the buyer's request.
func (s *Service) Cancel(ctx context.Context, tradeID string, actor Actor, reason, idemKey string) (*Trade, error) {
	return s.transition(ctx, tradeID, actor, Command{Action: ActionCancel, Reason: strings.TrimSpace(reason)}, idemKey)
}

// Expire cancels a pending trade whose payment window has lapsed.
func (s *Service) Expire(ctx context.Context, tradeID string) (*Trade, error) {
	return s.transition(ctx, tradeID, SystemActor, Command{Action: ActionExpire}, "")
}

// Dispute freezes the trade until an arbiter resolves it.
func (s *Service) Dispute(ctx context.Context, tradeID string, actor Actor, reason, idemKey string) (*Trade, error) {
	return s.transition(ctx, tradeID, actor, Command{Action: ActionDispute, Reason: strings.TrimSpace(reason)}, idemKey)
}

// Resolve settles a disputed trade. outcome is "release" (to the buyer) or
// "return" (to the seller).
func (s *Service) Resolve(ctx context.Context, tradeID string, actor Actor, outcome, note, idemKey string) (*Trade, error) {
	var action Action
	switch outcome {
	case OutcomeRelease:
		action = ActionResolveRelease
	case OutcomeReturn:
		action = ActionResolveReturn
	default:
		return nil, ErrInvalidOutcome
	}
	return s.transition(ctx, tradeID, actor, Command{Action: action, Reason: strings.TrimSpace(note)}, idemKey)
}

// transition runs cmd against a trade, retrying lost CAS races by
// re-reading and re-deciding.
func (s *Service) transition(ctx context.Context, tradeID string, actor Actor, cmd Command, idemKey string) (_ *Trade, err error) {
	ctx = logging.EnsureLogger(ctx, s.logger)
	ctx, span := traces.StartSpan(ctx, "trade."+string(cmd.Action),
		traces.TradeID(tradeID), traces.Actor(actor.ID), traces.Action(string(cmd.Action)))
	defer func() { traces.End(span, err) }()

	if idemKey != "" {
		if t, ok, err := s.replay(ctx, tradeID, actor, cmd.Action, idemKey); ok || err != nil {
			return t, err
		}
	}

	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *Trade
	err = retry.Do(ctx, s.casAttempts, 0, func() error {
		t, err := s.store.Get(ctx, tradeID)
		if err != nil {
			return retry.Permanent(err)
		}

		role := RoleOf(actor, t)
		now := s.now()
		d, err := Decide(t, role, cmd, now)
		if err != nil {
			var rej *RejectError
			if errors.As(err, &rej) {
				rej.Trade = t
				rejectionsTotal.WithLabelValues(string(rej.Reason)).Inc()
			}
			return retry.Permanent(err)
		}

		if d.Effect == EffectNone {
			next := t.clone()
			apply(next, cmd.Action, actor.ID, d.To, cmd.Reason, now)
			h := &HistoryEntry{
				TradeID: t.ID, Action: cmd.Action, ActorID: actor.ID, Role: role,
				From: t.State, To: d.To, IdempotencyKey: idemKey, Note: cmd.Reason, CreatedAt: now,
			}
			if err := s.store.Update(ctx, next, Expect{State: t.State, Version: t.Version}, h); err != nil {
				return s.retryable(err)
			}
			s.committed(ctx, next, cmd.Action, t.State)
			result = next
			return nil
		}

		claimed := t.clone()
		claimed.UpdatedAt = now
		claimed.Settlement = &Claim{
			Effect:         d.Effect,
			Action:         cmd.Action,
			ActorID:        actor.ID,
			Role:           role,
			To:             d.To,
			IdempotencyKey: idemKey,
			Note:           cmd.Reason,
			Since:          now,
		}
		if err := s.store.Update(ctx, claimed, Expect{State: t.State, Version: t.Version}, nil); err != nil {
			return s.retryable(err)
		}

		settled, err := s.settle(ctx, claimed, true)
		if err != nil {
			return retry.Permanent(err)
		}
		result = settled
		return nil
	})
	if err != nil {
		// A retry that waited out its original's commit replays it.
		if idemKey != "" {
			t, ok, rerr := s.replay(ctx, tradeID, actor, cmd.Action, idemKey)
			if ok || (rerr != nil && errors.Is(err, errDuplicateIdempotencyKey)) {
				return t, rerr
			}
		}
		return nil, err
	}
	return result, nil
}

// retryable keeps CAS conflicts in the retry loop and ends it on anything else.
func (s *Service) retryable(err error) error {
	if errors.Is(err, ErrConflict) {
		casConflictsTotal.Inc()
		return err
	}
	return retry.Permanent(err)
}

// replay answers a request whose idempotency key was already committed.
func (s *Service) replay(ctx context.Context, tradeID string, actor Actor, action Action, key string) (*Trade, bool, error) {
	h, err := s.store.FindByIdempotencyKey(ctx, actor.ID, key)
	if err != nil || h == nil {
		return nil, false, err
	}
	if h.TradeID != tradeID || h.Action != action {
		return nil, false, ErrIdempotencyKeyReuse
	}
	t, err := s.store.Get(ctx, tradeID)
	return t, true, err
}

// settle moves escrow for a claimed trade and commits the claimed state.
// With dropOnFailure, an escrow failure releases the claim so the trade is
// back where it started; otherwise the claim stays for the next recovery.
func (s *Service) settle(ctx context.Context, claimed *Trade, dropOnFailure bool) (*Trade, error) {
	c := claimed.Settlement
	log := logging.L(ctx).With("tradeId", claimed.ID, "action", c.Action, "escrowRef", claimed.EscrowRef)

	var err error
	switch c.Effect {
	case EffectRelease:
		err = s.ledger.Release(ctx, claimed.EscrowRef, claimed.BuyerID)
	case EffectReturn:
		err = s.ledger.Return(ctx, claimed.EscrowRef, claimed.SellerID)
	}
	if err != nil {
		if escrow.IsBusinessError(err) {
			log.Error("CRITICAL: escrow refused settlement", "effect", c.Effect, "error", err)
		} else {
			log.Warn("escrow settlement failed", "effect", c.Effect, "error", err)
		}
		if dropOnFailure {
			s.dropClaim(ctx, claimed, log)
		}
		return nil, fmt.Errorf("%w: %w", escrowFailure(c.Effect), err)
	}

	if c.Effect == EffectReturn {
		if err := s.orders.Restore(ctx, claimed.OrderID, claimed.ID); err != nil {
			log.Warn("order restore failed after escrow return, leaving claim for recovery", "error", err)
			return nil, fmt.Errorf("%w: %w", ErrSettlementPending, err)
		}
	}

	now := s.now()
	next := claimed.clone()
	next.Settlement = nil
	apply(next, c.Action, c.ActorID, c.To, c.Note, now)
	h := &HistoryEntry{
		TradeID: claimed.ID, Action: c.Action, ActorID: c.ActorID, Role: c.Role,
		From: claimed.State, To: c.To, IdempotencyKey: c.IdempotencyKey, Note: c.Note, CreatedAt: now,
	}
	if err := s.store.Update(ctx, next, Expect{State: claimed.State, Version: claimed.Version}, h); err != nil {
		if errors.Is(err, ErrConflict) {
			if cur, gerr := s.store.Get(ctx, claimed.ID); gerr == nil && cur.State == c.To && cur.Settlement == nil {
				return cur, nil
			}
		}
		log.Error("CRITICAL: escrow moved but trade commit failed, leaving claim for recovery", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSettlementPending, err)
	}

	s.committed(ctx, next, c.Action, claimed.State)
	return next, nil
}

func (s *Service) dropClaim(ctx context.Context, claimed *Trade, log *slog.Logger) {
	reverted := claimed.clone()
	reverted.Settlement = nil
	reverted.UpdatedAt = s.now()
	if err := s.store.Update(ctx, reverted, Expect{State: claimed.State, Version: claimed.Version}, nil); err != nil {
		log.Warn("failed to drop settlement claim", "error", err)
	}
}

func (s *Service) committed(ctx context.Context, t *Trade, action Action, from State) {
	observeCommit(t, action, from)
	s.publisher.TradeChanged(ctx, t, action)
	logging.L(ctx).Info("trade transition",
		"tradeId", t.ID, "action", action, "from", from, "to", t.State, "version", t.Version)
}

// RecoverStale finishes a settlement whose writer never committed it. The
// claim must be older than the stale threshold so its writer's own escrow
// call has certainly ended.
func (s *Service) RecoverStale(ctx context.Context, tradeID string) (*Trade, error) {
	ctx = logging.EnsureLogger(ctx, s.logger)
	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Settlement == nil || s.now().Sub(t.Settlement.Since) < s.staleAfter {
		return t, nil
	}

	logging.L(ctx).Info("recovering settlement", "tradeId", t.ID, "action", t.Settlement.Action,
		"since", t.Settlement.Since)
	settled, err := s.settle(ctx, t, false)
	if err != nil {
		recoveredTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	recoveredTotal.WithLabelValues("ok").Inc()
	return settled, nil
}

// Get returns a trade visible to actor.
func (s *Service) Get(ctx context.Context, tradeID string, actor Actor) (*Trade, error) {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !CanView(actor, t) {
		return nil, ErrNotParticipant
	}
	return t, nil
}

// Lookup returns a trade without an access check, for collaborators that
// enforce their own.
func (s *Service) Lookup(ctx context.Context, tradeID string) (*Trade, error) {
	return s.store.Get(ctx, tradeID)
}

// History returns a trade's committed transitions, oldest first.
func (s *Service) History(ctx context.Context, tradeID string, actor Actor) ([]*HistoryEntry, error) {
	if _, err := s.Get(ctx, tradeID, actor); err != nil {
		return nil, err
	}
	return s.store.History(ctx, tradeID)
}

// List returns a page of userID's trades, newest first.
func (s *Service) List(ctx context.Context, userID string, f ListFilter) (*Page, error) {
	if f.Cursor != "" {
		if _, err := pagination.Decode(f.Cursor); err != nil {
			return nil, ErrInvalidCursor
		}
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	trades, err := s.store.ListByParticipant(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	page, next, more := pagination.ComputePage(trades, f.Limit, func(t *Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if page == nil {
		page = []*Trade{}
	}
	return &Page{Trades: page, NextCursor: next, HasMore: more}, nil
}
