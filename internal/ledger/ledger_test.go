package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLockReleaseMovesFundsOnce(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	if _, err := svc.Deposit(ctx, "seller", "usdt", d("100"), "dep-1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	ref, err := svc.Lock(ctx, "trd_1", "seller", "USDT", d("40"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	bal, _ := svc.Balance(ctx, "seller", "USDT")
	if !bal.Available.Equal(d("60")) || !bal.Escrowed.Equal(d("40")) {
		t.Fatalf("after lock: available=%s escrowed=%s", bal.Available, bal.Escrowed)
	}

	for i := 0; i < 3; i++ {
		if err := svc.Release(ctx, ref, "buyer"); err != nil {
			t.Fatalf("release #%d: %v", i, err)
		}
	}

	buyer, _ := svc.Balance(ctx, "buyer", "USDT")
	if !buyer.Available.Equal(d("40")) {
		t.Fatalf("buyer available = %s, want 40", buyer.Available)
	}
	seller, _ := svc.Balance(ctx, "seller", "USDT")
	if !seller.Escrowed.IsZero() || !seller.Available.Equal(d("60")) {
		t.Fatalf("seller after release: available=%s escrowed=%s", seller.Available, seller.Escrowed)
	}
}

func TestLockIsIdempotentByReference(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	_, _ = svc.Deposit(ctx, "seller", "BTC", d("1"), "")

	ref1, err := svc.Lock(ctx, "trd_1", "seller", "BTC", d("0.5"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ref2, err := svc.Lock(ctx, "trd_1", "seller", "BTC", d("0.5"))
	if err != nil {
		t.Fatalf("repeat lock: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("refs differ: %s vs %s", ref1, ref2)
	}
	bal, _ := svc.Balance(ctx, "seller", "BTC")
	if !bal.Escrowed.Equal(d("0.5")) {
		t.Fatalf("escrowed = %s, want 0.5", bal.Escrowed)
	}

	if _, err := svc.Lock(ctx, "trd_1", "seller", "BTC", d("0.4")); !errors.Is(err, ErrHoldMismatch) {
		t.Fatalf("expected ErrHoldMismatch, got %v", err)
	}
}

func TestLockInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	_, _ = svc.Deposit(ctx, "seller", "USDT", d("10"), "")

	if _, err := svc.Lock(ctx, "trd_1", "seller", "USDT", d("10.00000001")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	bal, _ := svc.Balance(ctx, "seller", "USDT")
	if !bal.Available.Equal(d("10")) {
		t.Fatalf("available changed to %s", bal.Available)
	}
}

func TestReturnRestoresSeller(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	_, _ = svc.Deposit(ctx, "seller", "USDT", d("25"), "")
	ref, _ := svc.Lock(ctx, "trd_1", "seller", "USDT", d("25"))

	if err := svc.Return(ctx, ref, "buyer"); err == nil {
		t.Fatal("expected return to a non-funder to fail")
	}
	if err := svc.Return(ctx, ref, "seller"); err != nil {
		t.Fatalf("return: %v", err)
	}
	if err := svc.Return(ctx, ref, "seller"); err != nil {
		t.Fatalf("repeat return: %v", err)
	}
	if err := svc.Release(ctx, ref, "buyer"); !errors.Is(err, ErrHoldSettled) {
		t.Fatalf("expected ErrHoldSettled, got %v", err)
	}

	bal, _ := svc.Balance(ctx, "seller", "USDT")
	if !bal.Available.Equal(d("25")) || !bal.Escrowed.IsZero() {
		t.Fatalf("seller after return: available=%s escrowed=%s", bal.Available, bal.Escrowed)
	}
}

func TestSettleUnknownHold(t *testing.T) {
	svc := newTestService()
	if err := svc.Release(context.Background(), "hold_missing", "buyer"); !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("expected ErrHoldNotFound, got %v", err)
	}
}

func TestDepositValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	for _, amt := range []string{"0", "-1", "0.000000001"} {
		if _, err := svc.Deposit(ctx, "a", "USDT", d(amt), ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("deposit %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}

	_, _ = svc.Deposit(ctx, "a", "USDT", d("5"), "tx-1")
	_, _ = svc.Deposit(ctx, "a", "USDT", d("5"), "tx-1")
	bal, _ := svc.Balance(ctx, "a", "USDT")
	if !bal.Available.Equal(d("5")) {
		t.Fatalf("duplicate deposit credited twice: %s", bal.Available)
	}
}

func TestConcurrentLocksNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	_, _ = svc.Deposit(ctx, "seller", "USDT", d("100"), "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	locked := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Lock(ctx, "trd_"+string(rune('a'+i)), "seller", "USDT", d("30")); err == nil {
				mu.Lock()
				locked++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if locked != 3 {
		t.Fatalf("locked %d holds of 30 from 100, want 3", locked)
	}
}

func TestEntriesNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	_, _ = svc.Deposit(ctx, "seller", "USDT", d("10"), "")
	_, _ = svc.Lock(ctx, "trd_1", "seller", "USDT", d("4"))

	entries, err := svc.Entries(ctx, "seller", "", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != "escrow_lock" || entries[1].Kind != "deposit" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
