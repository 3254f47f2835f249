package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/peerex/internal/coord"
	"golang.org/x/sync/errgroup"
)

const (
	sweepLockKey   = "trade-watcher"
	sweepBatchSize = 100
	sweepWorkers   = 4
)

// Timer periodically expires pending trades past their payment deadline
// and finishes settlements whose writer never committed.
type Timer struct {
	service  *Service
	store    Store
	locker   coord.Locker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new deadline watcher. locker keeps replicas from
// sweeping at the same time; correctness does not depend on it.
func NewTimer(service *Service, store Store, locker coord.Locker, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		locker:   locker,
		interval: 15 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// WithInterval sets the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in trade watcher", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass: expire overdue trades, then recover stale claims.
func (t *Timer) Sweep(ctx context.Context) {
	unlock, err := t.locker.Acquire(ctx, sweepLockKey, 2*t.interval)
	if errors.Is(err, coord.ErrLockHeld) {
		t.logger.Debug("trade watcher skipped, another replica is sweeping")
		return
	}
	if err != nil {
		// Sweeping without the lock only costs CAS conflicts.
		t.logger.Warn("trade watcher lock unavailable, sweeping anyway", "error", err)
		unlock = func() {}
	}
	defer unlock()

	t.expireOverdue(ctx)
	t.recoverStale(ctx)
}

func (t *Timer) expireOverdue(ctx context.Context) {
	expired, err := t.store.ListExpired(ctx, t.service.now(), sweepBatchSize)
	if err != nil {
		t.logger.Warn("failed to list expired trades", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers)
	for _, tr := range expired {
		g.Go(func() error {
			if _, err := t.service.Expire(gctx, tr.ID); err != nil {
				// Confirmed, cancelled or disputed in the meantime.
				if KindOf(err) == KindStateConflict {
					t.logger.Debug("trade no longer expirable", "tradeId", tr.ID, "error", err)
					return nil
				}
				t.logger.Warn("failed to expire trade", "tradeId", tr.ID, "error", err)
				return nil
			}
			t.logger.Info("expired trade", "tradeId", tr.ID, "buyer", tr.BuyerID, "seller", tr.SellerID,
				"deadline", tr.PaymentDeadline)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Timer) recoverStale(ctx context.Context) {
	stale, err := t.store.ListStaleSettlements(ctx, t.service.now().Add(-t.service.StaleAfter()), sweepBatchSize)
	if err != nil {
		t.logger.Warn("failed to list stale settlements", "error", err)
		return
	}

	for _, tr := range stale {
		if _, err := t.service.RecoverStale(ctx, tr.ID); err != nil {
			t.logger.Warn("failed to recover settlement", "tradeId", tr.ID, "error", err)
			continue
		}
		t.logger.Info("recovered settlement", "tradeId", tr.ID, "action", tr.Settlement.Action)
	}
}
