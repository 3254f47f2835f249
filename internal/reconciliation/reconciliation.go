// Package reconciliation cross-checks escrow custody against trade state.
//
// It reports, never repairs: the trade watcher owns expiry and claim
// recovery, and an orphaned hold needs a human to decide where the funds
// belong.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/peerex/internal/ledger"
	"github.com/mbd888/peerex/internal/trade"
)

const (
	defaultHoldGrace  = 10 * time.Minute
	defaultStaleAfter = 2 * time.Minute
	defaultOverdue    = 5 * time.Minute
	scanLimit         = 500
)

// HoldLister lists holds still locked.
type HoldLister interface {
	LockedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*ledger.Hold, error)
}

// TradeReader is the part of the trade store reconciliation reads.
type TradeReader interface {
	Get(ctx context.Context, id string) (*trade.Trade, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*trade.Trade, error)
	ListStaleSettlements(ctx context.Context, before time.Time, limit int) ([]*trade.Trade, error)
}

// Finding is one inconsistency.
type Finding struct {
	TradeID string `json:"tradeId"`
	HoldRef string `json:"holdRef,omitempty"`
	State   string `json:"state,omitempty"`
	Detail  string `json:"detail"`
}

// Report summarizes one reconciliation run.
type Report struct {
	OrphanedHolds  []Finding     `json:"orphanedHolds"`
	StaleClaims    []Finding     `json:"staleClaims"`
	OverduePending []Finding     `json:"overduePending"`
	Healthy        bool          `json:"healthy"`
	Duration       time.Duration `json:"durationMs"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Runner performs the checks.
type Runner struct {
	holds  HoldLister
	trades TradeReader
	logger *slog.Logger
	now    func() time.Time

	holdGrace  time.Duration
	staleAfter time.Duration
	overdue    time.Duration
}

// NewRunner creates a reconciliation runner.
func NewRunner(holds HoldLister, trades TradeReader, logger *slog.Logger) *Runner {
	return &Runner{
		holds:      holds,
		trades:     trades,
		logger:     logger,
		now:        time.Now,
		holdGrace:  defaultHoldGrace,
		staleAfter: defaultStaleAfter,
		overdue:    defaultOverdue,
	}
}

// WithClock replaces the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// WithStaleAfter sets how old a settlement claim must be to be reported.
// It should exceed the trade watcher's own threshold so only claims the
// watcher failed to finish show up.
func (r *Runner) WithStaleAfter(d time.Duration) *Runner {
	if d > 0 {
		r.staleAfter = d
	}
	return r
}

// RunAll runs every check. A failing check is logged and counted; the
// others still run, and the error returned joins all failures.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := r.now()
	report := &Report{Timestamp: now}

	var errs []error
	var err error
	if report.OrphanedHolds, err = r.orphanedHolds(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("orphaned holds: %w", err))
	}
	if report.StaleClaims, err = r.staleClaims(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("stale claims: %w", err))
	}
	if report.OverduePending, err = r.overduePending(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("overdue trades: %w", err))
	}

	report.Duration = time.Since(start)
	report.Healthy = len(errs) == 0 &&
		len(report.OrphanedHolds) == 0 && len(report.StaleClaims) == 0 && len(report.OverduePending) == 0

	orphanedHolds.Set(float64(len(report.OrphanedHolds)))
	staleClaims.Set(float64(len(report.StaleClaims)))
	overduePending.Set(float64(len(report.OverduePending)))
	runDuration.Observe(report.Duration.Seconds())
	if len(errs) > 0 {
		runErrors.Add(float64(len(errs)))
	}

	if report.Healthy {
		r.logger.Debug("reconciliation clean", "duration", report.Duration)
	} else {
		r.logger.Warn("reconciliation found problems",
			"orphanedHolds", len(report.OrphanedHolds),
			"staleClaims", len(report.StaleClaims),
			"overduePending", len(report.OverduePending),
			"errors", len(errs))
	}
	return report, errors.Join(errs...)
}

// orphanedHolds finds locked holds whose trade is missing or already
// terminal. A terminal trade always settles its hold before committing, so
// either case means custody and trade state disagree.
func (r *Runner) orphanedHolds(ctx context.Context, now time.Time) ([]Finding, error) {
	holds, err := r.holds.LockedBefore(ctx, now.Add(-r.holdGrace), scanLimit)
	if err != nil {
		return nil, err
	}
	findings := []Finding{}
	for _, h := range holds {
		t, err := r.trades.Get(ctx, h.Reference)
		switch {
		case errors.Is(err, trade.ErrTradeNotFound):
			findings = append(findings, Finding{TradeID: h.Reference, HoldRef: h.Ref,
				Detail: "hold locked for a trade that does not exist"})
		case err != nil:
			return findings, err
		case t.State.IsTerminal():
			findings = append(findings, Finding{TradeID: t.ID, HoldRef: h.Ref, State: string(t.State),
				Detail: "hold still locked after the trade ended"})
		}
	}
	return findings, nil
}

func (r *Runner) staleClaims(ctx context.Context, now time.Time) ([]Finding, error) {
	trades, err := r.trades.ListStaleSettlements(ctx, now.Add(-r.staleAfter), scanLimit)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(trades))
	for _, t := range trades {
		findings = append(findings, Finding{TradeID: t.ID, HoldRef: t.EscrowRef, State: string(t.State),
			Detail: fmt.Sprintf("%s claim open since %s", t.Settlement.Action, t.Settlement.Since.Format(time.RFC3339))})
	}
	return findings, nil
}

// overduePending finds pending trades the watcher should already have
// expired.
func (r *Runner) overduePending(ctx context.Context, now time.Time) ([]Finding, error) {
	trades, err := r.trades.ListExpired(ctx, now.Add(-r.overdue), scanLimit)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(trades))
	for _, t := range trades {
		findings = append(findings, Finding{TradeID: t.ID, HoldRef: t.EscrowRef, State: string(t.State),
			Detail: "payment deadline passed at " + t.PaymentDeadline.Format(time.RFC3339)})
	}
	return findings, nil
}
