package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/peerex/internal/circuitbreaker"
	"github.com/mbd888/peerex/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	opLock    = "lock"
	opRelease = "release"
	opReturn  = "return"
)

// Guard wraps a Ledger with a per-call timeout, a circuit breaker per
// operation, tracing and metrics. Backend failures come back wrapping
// ErrUnavailable; business errors pass through unchanged.
type Guard struct {
	inner   Ledger
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ Ledger = (*Guard)(nil)

// NewGuard wraps inner. A non-positive timeout defaults to 5s.
func NewGuard(inner Ledger, timeout time.Duration, logger *slog.Logger) *Guard {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	g := &Guard{
		inner:   inner,
		timeout: timeout,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
	g.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("escrow circuit changed", "op", key, "from", from.String(), "to", to.String())
	})
	return g
}

// WithBreaker replaces the circuit breaker.
func (g *Guard) WithBreaker(b *circuitbreaker.Breaker) *Guard {
	g.breaker = b
	return g
}

func (g *Guard) Lock(ctx context.Context, req LockRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Lock",
		traces.TradeID(req.Reference), traces.Amount(req.Amount.String()))
	var ref string
	err := g.call(ctx, opLock, func(ctx context.Context) error {
		var err error
		ref, err = g.inner.Lock(ctx, req)
		return err
	})
	if err == nil {
		span.SetAttributes(traces.EscrowRef(ref))
	}
	traces.End(span, err)
	return ref, err
}

func (g *Guard) Release(ctx context.Context, ref, to string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowRef(ref))
	err := g.call(ctx, opRelease, func(ctx context.Context) error {
		return g.inner.Release(ctx, ref, to)
	})
	traces.End(span, err)
	return err
}

func (g *Guard) Return(ctx context.Context, ref, to string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.Return", traces.EscrowRef(ref))
	err := g.call(ctx, opReturn, func(ctx context.Context) error {
		return g.inner.Return(ctx, ref, to)
	})
	traces.End(span, err)
	return err
}

// call runs fn under the breaker with a deadline. fn runs on its own
// goroutine so a backend that ignores ctx still cannot hold the caller past
// the timeout.
func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	timer := prometheus.NewTimer(callDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	err := g.breaker.Do(op, func() error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- fn(ctx) }()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			go g.watchLate(op, done)
			return ctx.Err()
		}
	}, func(err error) bool { return !IsBusinessError(err) })

	callsTotal.WithLabelValues(op, result(err)).Inc()
	if err == nil || IsBusinessError(err) {
		return err
	}
	g.logger.Warn("escrow call failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// watchLate records how an abandoned call ended. A late success means funds
// moved while the caller saw a failure; only a retry of the same effect
// agrees with it.
func (g *Guard) watchLate(op string, done <-chan error) {
	err := <-done
	lateTotal.WithLabelValues(op, result(err)).Inc()
	if err == nil {
		g.logger.Error("CRITICAL: escrow call succeeded after its timeout", "op", op)
		return
	}
	g.logger.Debug("abandoned escrow call failed", "op", op, "error", err)
}
