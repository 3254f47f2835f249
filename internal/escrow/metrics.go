package escrow

import (
	"github.com/mbd888/peerex/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "calls_total",
		Help:      "Custody backend calls by operation and result.",
	}, []string{"op", "result"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "call_duration_seconds",
		Help:      "Custody backend call latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"op"})

	lateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "late_completions_total",
		Help:      "Custody backend calls that finished after the guard gave up on them, by operation and result.",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration, lateTotal)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsBusinessError(err):
		return "rejected"
	default:
		return "error"
	}
}
