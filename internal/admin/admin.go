// Package admin provides arbiter-only endpoints for resolving stuck trades.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/peerex/internal/reconciliation"
	"github.com/mbd888/peerex/internal/trade"
)

// ClaimLister lists trades whose settlement claim was taken before a time.
type ClaimLister interface {
	ListStaleSettlements(ctx context.Context, before time.Time, limit int) ([]*trade.Trade, error)
}

// SettlementRecoverer finishes a stale settlement claim.
type SettlementRecoverer interface {
	RecoverStale(ctx context.Context, tradeID string) (*trade.Trade, error)
	StaleAfter() time.Duration
}

// Sweeper runs one pass of the deadline watcher.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// ReconciliationRunner runs the custody/trade consistency checks.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}
