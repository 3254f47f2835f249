package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/peerex/internal/escrow"
	"github.com/mbd888/peerex/internal/ledger"
	"github.com/mbd888/peerex/internal/message"
	"github.com/mbd888/peerex/internal/order"
	"github.com/mbd888/peerex/internal/rating"
	"github.com/mbd888/peerex/internal/trade"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Order book adapter
// -----------------------------------------------------------------------------

// orderBookAdapter adapts order.Service to trade.OrderBook
type orderBookAdapter struct {
	orders *order.Service
}

func mapOrderErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, order.ErrOrderNotFound):
		return fmt.Errorf("%w: %v", trade.ErrOrderNotFound, err)
	case errors.Is(err, order.ErrOrderNotActive):
		return fmt.Errorf("%w: %v", trade.ErrOrderNotActive, err)
	case errors.Is(err, order.ErrInsufficientAvailability):
		return fmt.Errorf("%w: %v", trade.ErrInsufficientAvailability, err)
	default:
		return err
	}
}

func (a *orderBookAdapter) Snapshot(ctx context.Context, orderID string) (*trade.OrderSnapshot, error) {
	o, err := a.orders.Get(ctx, orderID)
	if err != nil {
		return nil, mapOrderErr(err)
	}
	return &trade.OrderSnapshot{
		ID:              o.ID,
		OwnerID:         o.OwnerID,
		Side:            string(o.Side),
		CryptoAsset:     o.CryptoAsset,
		FiatCurrency:    o.FiatCurrency,
		UnitPrice:       o.UnitPrice,
		AvailableAmount: o.AvailableAmount,
		MinLimit:        o.MinLimit,
		MaxLimit:        o.MaxLimit,
		PaymentMethods:  o.PaymentMethods,
		PaymentWindow:   o.PaymentWindow(),
		Active:          o.IsActive(),
	}, nil
}

func (a *orderBookAdapter) Reserve(ctx context.Context, orderID, tradeID string, amount decimal.Decimal) error {
	return mapOrderErr(a.orders.Reserve(ctx, orderID, tradeID, amount))
}

func (a *orderBookAdapter) Restore(ctx context.Context, orderID, tradeID string) error {
	return mapOrderErr(a.orders.Restore(ctx, orderID, tradeID))
}

// -----------------------------------------------------------------------------
// Custody adapter
// -----------------------------------------------------------------------------

// escrowLedgerAdapter adapts ledger.Service to escrow.Ledger
type escrowLedgerAdapter struct {
	l *ledger.Service
}

func mapLedgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fmt.Errorf("%w: %v", escrow.ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrHoldSettled), errors.Is(err, ledger.ErrHoldMismatch):
		return fmt.Errorf("%w: %v", escrow.ErrConflict, err)
	case errors.Is(err, ledger.ErrHoldNotFound):
		return fmt.Errorf("%w: %v", escrow.ErrHoldNotFound, err)
	default:
		return err
	}
}

func (a *escrowLedgerAdapter) Lock(ctx context.Context, req escrow.LockRequest) (string, error) {
	ref, err := a.l.Lock(ctx, req.Reference, req.Account, req.Asset, req.Amount)
	return ref, mapLedgerErr(err)
}

func (a *escrowLedgerAdapter) Release(ctx context.Context, ref, to string) error {
	return mapLedgerErr(a.l.Release(ctx, ref, to))
}

func (a *escrowLedgerAdapter) Return(ctx context.Context, ref, to string) error {
	return mapLedgerErr(a.l.Return(ctx, ref, to))
}

// -----------------------------------------------------------------------------
// Trade lookups for messages and ratings
// -----------------------------------------------------------------------------

// messageTrades adapts trade.Service to message.TradeLookup
type messageTrades struct{ trades *trade.Service }

func (a messageTrades) TradeInfo(ctx context.Context, id string) (*message.TradeInfo, error) {
	t, err := a.trades.Lookup(ctx, id)
	if errors.Is(err, trade.ErrTradeNotFound) {
		return nil, message.ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &message.TradeInfo{ID: t.ID, BuyerID: t.BuyerID, SellerID: t.SellerID, TerminalAt: t.TerminalAt}, nil
}

// ratingTrades adapts trade.Service to rating.TradeLookup
type ratingTrades struct{ trades *trade.Service }

func (a ratingTrades) TradeInfo(ctx context.Context, id string) (*rating.TradeInfo, error) {
	t, err := a.trades.Lookup(ctx, id)
	if errors.Is(err, trade.ErrTradeNotFound) {
		return nil, rating.ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rating.TradeInfo{ID: t.ID, BuyerID: t.BuyerID, SellerID: t.SellerID,
		Completed: t.State == trade.StateCompleted}, nil
}

var (
	_ trade.OrderBook     = (*orderBookAdapter)(nil)
	_ escrow.Ledger       = (*escrowLedgerAdapter)(nil)
	_ message.TradeLookup = messageTrades{}
	_ rating.TradeLookup  = ratingTrades{}
)
