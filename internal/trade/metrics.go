package trade

import (
	"github.com/mbd888/peerex/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "trade",
		Name:      "transitions_total",
		Help:      "Committed trade transitions by action, from-state and to-state.",
	}, []string{"action", "from", "to"})

	rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "trade",
		Name:      "rejections_total",
		Help:      "Refused trade actions by reason.",
	}, []string{"reason"})

	casConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "trade",
		Name:      "cas_conflicts_total",
		Help:      "Trade writes that lost a compare-and-swap race.",
	})

	expiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "trade",
		Name:      "expired_total",
		Help:      "Trades cancelled by the deadline watcher.",
	})

	recoveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "trade",
		Name:      "settlement_recoveries_total",
		Help:      "Stale settlement claims finished by the watcher, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectionsTotal, casConflictsTotal, expiredTotal, recoveredTotal)
}

func observeCommit(t *Trade, action Action, from State) {
	transitionsTotal.WithLabelValues(string(action), string(from), string(t.State)).Inc()
	if t.State.IsTerminal() {
		metrics.TradesTotal.WithLabelValues(string(t.State)).Inc()
		metrics.TradeDuration.Observe(t.UpdatedAt.Sub(t.CreatedAt).Seconds())
	}
	if action == ActionExpire {
		expiredTotal.Inc()
	}
}
