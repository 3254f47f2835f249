package reconciliation

import (
	"github.com/mbd888/peerex/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	orphanedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "orphaned_holds",
		Help:      "Locked escrow holds whose trade is missing or terminal, as of the last run.",
	})

	staleClaims = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "stale_claims",
		Help:      "Trades with a settlement claim the watcher has not finished, as of the last run.",
	})

	overduePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "overdue_pending",
		Help:      "Pending trades well past their payment deadline, as of the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		orphanedHolds,
		staleClaims,
		overduePending,
		runDuration,
		runErrors,
	)
}
