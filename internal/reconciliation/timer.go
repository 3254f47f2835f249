package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/peerex/internal/coord"
)

const lockKey = "peerex:reconcile"

// Timer runs the checks every interval. With a Locker, one replica per
// interval does the work; the rest skip.
type Timer struct {
	runner   *Runner
	locker   coord.Locker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu   sync.Mutex
	last *Report
}

// NewTimer creates a reconciliation timer that runs every 5 minutes.
func NewTimer(runner *Runner, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// WithInterval sets how often checks run.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithLocker makes replicas take turns.
func (t *Timer) WithLocker(l coord.Locker) *Timer {
	t.locker = l
	return t
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the most recent report this replica produced, or nil.
func (t *Timer) LastReport() *Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Start runs checks until ctx is done or Stop is called. Call in a goroutine.
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
			t.tick(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if t.locker != nil {
		// Never released: the TTL spaces runs one interval apart across replicas.
		_, err := t.locker.Acquire(ctx, lockKey, t.interval*9/10)
		if errors.Is(err, coord.ErrLockHeld) {
			t.logger.Debug("reconciliation skipped, another replica ran recently")
			return
		}
		if err != nil {
			t.logger.Warn("reconciliation lock unavailable, running anyway", "error", err)
		}
	}

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
	if report != nil {
		t.mu.Lock()
		t.last = report
		t.mu.Unlock()
	}
}
