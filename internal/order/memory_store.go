package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders       map[string]*Order
	reservations map[string]*Reservation // orderID + "/" + tradeID
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*Order),
		reservations: make(map[string]*Reservation),
	}
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.PaymentMethods = append([]string(nil), o.PaymentMethods...)
	return &cp
}

func reservationKey(orderID, tradeID string) string { return orderID + "/" + tradeID }

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) ListActive(ctx context.Context, f ListFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.Status != StatusActive || !o.AvailableAmount.IsPositive() {
			continue
		}
		if (f.Side != "" && o.Side != f.Side) ||
			(f.CryptoAsset != "" && o.CryptoAsset != f.CryptoAsset) ||
			(f.FiatCurrency != "" && o.FiatCurrency != f.FiatCurrency) {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.OwnerID == ownerID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, orderID, tradeID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if r, ok := m.reservations[reservationKey(orderID, tradeID)]; ok {
		if !r.Amount.Equal(amount) {
			return ErrReservationMismatch
		}
		return nil
	}
	if o.Status != StatusActive {
		return ErrOrderNotActive
	}
	if o.AvailableAmount.LessThan(amount) {
		return ErrInsufficientAvailability
	}

	o.AvailableAmount = o.AvailableAmount.Sub(amount)
	o.UpdatedAt = time.Now()
	m.reservations[reservationKey(orderID, tradeID)] = &Reservation{
		OrderID:   orderID,
		TradeID:   tradeID,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) Restore(ctx context.Context, orderID, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[reservationKey(orderID, tradeID)]
	if !ok {
		return ErrReservationNotFound
	}
	if r.Released {
		return nil
	}
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}

	now := time.Now()
	o.AvailableAmount = o.AvailableAmount.Add(r.Amount)
	o.UpdatedAt = now
	r.Released = true
	r.ReleasedAt = &now
	return nil
}

func (m *MemoryStore) Reservations(ctx context.Context, orderID string) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Reservation
	for _, r := range m.reservations {
		if r.OrderID == orderID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
