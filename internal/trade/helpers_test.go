package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/peerex/internal/escrow"
	"github.com/mbd888/peerex/internal/logging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable time source shared by services under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type hold struct {
	account string
	amount  decimal.Decimal
	status  string // locked, released, returned
	to      string
}

// countingLedger is an idempotent in-memory escrow that counts settlement
// calls that actually moved funds.
type countingLedger struct {
	mu         sync.Mutex
	holds      map[string]*hold
	moves      map[string]int // ref -> release+return calls that moved funds
	lockErr    error
	settleErr  error
	settleHook func() // runs before a settlement is applied
}

func newCountingLedger() *countingLedger {
	return &countingLedger{holds: make(map[string]*hold), moves: make(map[string]int)}
}

func (l *countingLedger) Lock(ctx context.Context, req escrow.LockRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockErr != nil {
		return "", l.lockErr
	}
	ref := "hold_" + req.Reference
	if _, ok := l.holds[ref]; !ok {
		l.holds[ref] = &hold{account: req.Account, amount: req.Amount, status: "locked"}
	}
	return ref, nil
}

func (l *countingLedger) settle(ref, to, status string) error {
	if hook := l.settleHook; hook != nil {
		hook()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settleErr != nil {
		return l.settleErr
	}
	h, ok := l.holds[ref]
	if !ok {
		return escrow.ErrHoldNotFound
	}
	switch h.status {
	case status:
		return nil
	case "locked":
		h.status, h.to = status, to
		l.moves[ref]++
		return nil
	default:
		return escrow.ErrConflict
	}
}

func (l *countingLedger) Release(ctx context.Context, ref, to string) error {
	return l.settle(ref, to, "released")
}

func (l *countingLedger) Return(ctx context.Context, ref, to string) error {
	return l.settle(ref, to, "returned")
}

func (l *countingLedger) Moves(ref string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moves[ref]
}

func (l *countingLedger) Status(ref string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holds[ref]; ok {
		return h.status
	}
	return ""
}

func (l *countingLedger) setSettleErr(err error) {
	l.mu.Lock()
	l.settleErr = err
	l.mu.Unlock()
}

// fakeOrders is an in-memory OrderBook.
type fakeOrders struct {
	mu         sync.Mutex
	orders     map[string]*OrderSnapshot
	reserved   map[string]decimal.Decimal // tradeID -> amount still reserved
	restoreErr error
	reserves   int
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[string]*OrderSnapshot), reserved: make(map[string]decimal.Decimal)}
}

func (f *fakeOrders) add(o *OrderSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
}

func (f *fakeOrders) Snapshot(ctx context.Context, id string) (*OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) Reserve(ctx context.Context, orderID, tradeID string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	o, ok := f.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !o.Active {
		return ErrOrderNotActive
	}
	if o.AvailableAmount.LessThan(amount) {
		return ErrInsufficientAvailability
	}
	o.AvailableAmount = o.AvailableAmount.Sub(amount)
	f.reserved[tradeID] = amount
	return nil
}

func (f *fakeOrders) Restore(ctx context.Context, orderID, tradeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	amt, ok := f.reserved[tradeID]
	if !ok {
		return nil
	}
	f.orders[orderID].AvailableAmount = f.orders[orderID].AvailableAmount.Add(amt)
	delete(f.reserved, tradeID)
	return nil
}

func (f *fakeOrders) available(id string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id].AvailableAmount
}

func (f *fakeOrders) setRestoreErr(err error) {
	f.mu.Lock()
	f.restoreErr = err
	f.mu.Unlock()
}

// sellBTC is an ad selling 0.1 BTC at $50,000 with $10-$500 limits and a
// 30 minute payment window.
func sellBTC(owner string) *OrderSnapshot {
	return &OrderSnapshot{
		ID:              "ord_sell",
		OwnerID:         owner,
		Side:            "sell",
		CryptoAsset:     "BTC",
		FiatCurrency:    "USD",
		UnitPrice:       dec("50000"),
		AvailableAmount: dec("0.1"),
		MinLimit:        dec("10"),
		MaxLimit:        dec("500"),
		PaymentMethods:  []string{"bank_transfer", "wise"},
		PaymentWindow:   30 * time.Minute,
		Active:          true,
	}
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	ledger *countingLedger
	orders *fakeOrders
	clock  *fakeClock
}

var (
	buyer   = Actor{ID: "bob"}
	seller  = Actor{ID: "alice"}
	arbiter = Actor{ID: "judy", Arbiter: true}
	outside = Actor{ID: "mallory"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		ledger: newCountingLedger(),
		orders: newFakeOrders(),
		clock:  newClock(t0),
	}
	f.orders.add(sellBTC(seller.ID))
	f.svc = NewService(f.store, f.orders, f.ledger, logging.Discard()).WithClock(f.clock.Now)
	return f
}

// open creates a $100 trade bought by bob from alice.
func (f *fixture) open(t *testing.T) *Trade {
	t.Helper()
	tr, err := f.svc.Create(context.Background(), buyer, CreateRequest{OrderID: "ord_sell", FiatAmount: dec("100")}, "")
	require.NoError(t, err)
	return tr
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, KindOf(err), "error %v", err)
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	var rej *RejectError
	require.True(t, errors.As(err, &rej), "expected RejectError, got %v", err)
	require.Equal(t, want, rej.Reason)
}
