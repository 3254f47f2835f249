package order

import (
	"context"
	"sync"
	"testing"

	"github.com/mbd888/peerex/internal/logging"
	"github.com/mbd888/peerex/internal/validation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sellBTC() CreateRequest {
	return CreateRequest{
		Side:                 SideSell,
		CryptoAsset:          "btc",
		FiatCurrency:         "usd",
		UnitPrice:            dec("50000"),
		AvailableAmount:      dec("0.1"),
		MinLimit:             dec("10"),
		MaxLimit:             dec("500"),
		PaymentMethods:       []string{"bank_transfer", "wise", "bank_transfer"},
		PaymentWindowMinutes: 30,
	}
}

func newService() *Service {
	return NewService(NewMemoryStore(), logging.Discard())
}

func TestCreate_NormalizesAd(t *testing.T) {
	svc := newService()

	o, err := svc.Create(context.Background(), "alice", sellBTC())
	require.NoError(t, err)
	assert.Equal(t, "BTC", o.CryptoAsset)
	assert.Equal(t, "USD", o.FiatCurrency)
	assert.Equal(t, []string{"bank_transfer", "wise"}, o.PaymentMethods)
	assert.Equal(t, StatusActive, o.Status)
	assert.Contains(t, o.ID, "ord_")
}

func TestCreate_Validation(t *testing.T) {
	svc := newService()

	cases := map[string]func(r *CreateRequest){
		"bad side":          func(r *CreateRequest) { r.Side = "hold" },
		"no asset":          func(r *CreateRequest) { r.CryptoAsset = "" },
		"zero price":        func(r *CreateRequest) { r.UnitPrice = decimal.Zero },
		"max below min":     func(r *CreateRequest) { r.MaxLimit = dec("5") },
		"no methods":        func(r *CreateRequest) { r.PaymentMethods = nil },
		"window too long":   func(r *CreateRequest) { r.PaymentWindowMinutes = MaxPaymentWindowMinutes + 1 },
		"fiat sub-cent min": func(r *CreateRequest) { r.MinLimit = dec("10.001") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := sellBTC()
			mutate(&req)
			_, err := svc.Create(context.Background(), "alice", req)
			var verrs validation.ValidationErrors
			require.ErrorAs(t, err, &verrs)
		})
	}
}

func TestReserveRestore_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	o, err := svc.Create(ctx, "alice", sellBTC())
	require.NoError(t, err)

	require.NoError(t, svc.Reserve(ctx, o.ID, "trd_1", dec("0.002")))
	require.NoError(t, svc.Reserve(ctx, o.ID, "trd_1", dec("0.002")))
	require.ErrorIs(t, svc.Reserve(ctx, o.ID, "trd_1", dec("0.003")), ErrReservationMismatch)

	got, _ := svc.Get(ctx, o.ID)
	assert.True(t, got.AvailableAmount.Equal(dec("0.098")), "available %s", got.AvailableAmount)

	require.NoError(t, svc.Restore(ctx, o.ID, "trd_1"))
	require.NoError(t, svc.Restore(ctx, o.ID, "trd_1"))

	got, _ = svc.Get(ctx, o.ID)
	assert.True(t, got.AvailableAmount.Equal(dec("0.1")), "available %s", got.AvailableAmount)

	require.ErrorIs(t, svc.Restore(ctx, o.ID, "trd_unknown"), ErrReservationNotFound)
}

func TestReserve_Rejections(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	o, _ := svc.Create(ctx, "alice", sellBTC())

	require.ErrorIs(t, svc.Reserve(ctx, o.ID, "trd_big", dec("0.2")), ErrInsufficientAvailability)
	require.ErrorIs(t, svc.Reserve(ctx, "ord_missing", "trd_1", dec("0.01")), ErrOrderNotFound)

	_, err := svc.Cancel(ctx, o.ID, "alice")
	require.NoError(t, err)
	require.ErrorIs(t, svc.Reserve(ctx, o.ID, "trd_late", dec("0.01")), ErrOrderNotActive)
}

func TestRestore_AfterCancelStillCredits(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	o, _ := svc.Create(ctx, "alice", sellBTC())

	require.NoError(t, svc.Reserve(ctx, o.ID, "trd_1", dec("0.05")))
	_, err := svc.Cancel(ctx, o.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, svc.Restore(ctx, o.ID, "trd_1"))

	got, _ := svc.Get(ctx, o.ID)
	assert.True(t, got.AvailableAmount.Equal(dec("0.1")))
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestCancel_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	o, _ := svc.Create(ctx, "alice", sellBTC())

	_, err := svc.Cancel(ctx, o.ID, "mallory")
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	o, _ := svc.Create(ctx, "alice", sellBTC())

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if svc.Reserve(ctx, o.ID, "trd_"+decimal.NewFromInt(int64(i)).String(), dec("0.003")) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 33, ok)
	got, _ := svc.Get(ctx, o.ID)
	assert.False(t, got.AvailableAmount.IsNegative())
}
