package order

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/peerex/internal/idgen"
	"github.com/mbd888/peerex/internal/logging"
	"github.com/mbd888/peerex/internal/validation"
	"github.com/shopspring/decimal"
)

// MaxPaymentWindowMinutes caps how long an ad may give buyers to pay.
const MaxPaymentWindowMinutes = 24 * 60

// CreateRequest contains the parameters for publishing an ad.
type CreateRequest struct {
	Side                 Side            `json:"side"`
	CryptoAsset          string          `json:"cryptoAsset"`
	FiatCurrency         string          `json:"fiatCurrency"`
	UnitPrice            decimal.Decimal `json:"unitPrice"`
	AvailableAmount      decimal.Decimal `json:"availableAmount"`
	MinLimit             decimal.Decimal `json:"minLimit"`
	MaxLimit             decimal.Decimal `json:"maxLimit"`
	PaymentMethods       []string        `json:"paymentMethods"`
	PaymentWindowMinutes int             `json:"paymentWindowMinutes"`
}

// Validate checks the request and returns field errors.
func (r *CreateRequest) Validate() validation.ValidationErrors {
	errs := validation.Validate(
		validation.OneOf("side", string(r.Side), string(SideBuy), string(SideSell)),
		validation.Required("cryptoAsset", r.CryptoAsset),
		validation.MaxLength("cryptoAsset", r.CryptoAsset, 16),
		validation.Required("fiatCurrency", r.FiatCurrency),
		validation.MaxLength("fiatCurrency", r.FiatCurrency, 8),
		validation.PositiveAmount("unitPrice", r.UnitPrice, CryptoPlaces),
		validation.PositiveAmount("availableAmount", r.AvailableAmount, CryptoPlaces),
		validation.PositiveAmount("minLimit", r.MinLimit, FiatPlaces),
		validation.PositiveAmount("maxLimit", r.MaxLimit, FiatPlaces),
		validation.NonEmptyList("paymentMethods", r.PaymentMethods),
		validation.IntRange("paymentWindowMinutes", r.PaymentWindowMinutes, 1, MaxPaymentWindowMinutes),
	)
	if r.MaxLimit.LessThan(r.MinLimit) {
		errs = append(errs, validation.ValidationError{Field: "maxLimit", Message: "must be at least minLimit"})
	}
	return errs
}

// Service implements ad business logic.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new order service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Create publishes an ad for ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (*Order, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}

	methods := make([]string, 0, len(req.PaymentMethods))
	seen := make(map[string]bool, len(req.PaymentMethods))
	for _, m := range req.PaymentMethods {
		m = strings.TrimSpace(m)
		if !seen[m] {
			seen[m] = true
			methods = append(methods, m)
		}
	}

	now := s.now()
	o := &Order{
		ID:                   idgen.WithPrefix(idgen.OrderPrefix),
		Side:                 req.Side,
		OwnerID:              ownerID,
		CryptoAsset:          strings.ToUpper(strings.TrimSpace(req.CryptoAsset)),
		FiatCurrency:         strings.ToUpper(strings.TrimSpace(req.FiatCurrency)),
		UnitPrice:            req.UnitPrice,
		AvailableAmount:      req.AvailableAmount,
		MinLimit:             req.MinLimit,
		MaxLimit:             req.MaxLimit,
		PaymentMethods:       methods,
		PaymentWindowMinutes: req.PaymentWindowMinutes,
		Status:               StatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	s.log(ctx).Info("order created", "orderId", o.ID, "side", o.Side, "asset", o.CryptoAsset, "available", o.AvailableAmount.String())
	return o, nil
}

// Get returns an ad by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListActive returns active ads matching f.
func (s *Service) ListActive(ctx context.Context, f ListFilter) ([]*Order, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	f.CryptoAsset = strings.ToUpper(f.CryptoAsset)
	f.FiatCurrency = strings.ToUpper(f.FiatCurrency)
	return s.store.ListActive(ctx, f)
}

// ListByOwner returns ownerID's ads, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// Cancel withdraws an ad. Open trades against it are unaffected and still
// restore their reservations when they are cancelled.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	if o.Status == StatusCancelled {
		return o, nil
	}
	if err := s.store.SetStatus(ctx, id, StatusCancelled); err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	o.Status = StatusCancelled
	o.UpdatedAt = s.now()

	s.log(ctx).Info("order cancelled", "orderId", id)
	return o, nil
}

// Reserve draws amount from an ad for tradeID.
func (s *Service) Reserve(ctx context.Context, orderID, tradeID string, amount decimal.Decimal) error {
	return s.store.Reserve(ctx, orderID, tradeID, amount)
}

// Restore gives tradeID's reservation back to its ad.
func (s *Service) Restore(ctx context.Context, orderID, tradeID string) error {
	if err := s.store.Restore(ctx, orderID, tradeID); err != nil {
		return err
	}
	s.log(ctx).Info("order availability restored", "orderId", orderID, "tradeId", tradeID)
	return nil
}

// Reservations lists an ad's reservations.
func (s *Service) Reservations(ctx context.Context, orderID string) ([]*Reservation, error) {
	return s.store.Reservations(ctx, orderID)
}

// log prefers the request's logger and falls back to the service's.
func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.L(logging.EnsureLogger(ctx, s.logger))
}
