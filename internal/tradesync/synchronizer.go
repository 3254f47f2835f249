// Package tradesync keeps a client's view of one trade current.
//
// A Synchronizer polls the trade and its message log on a fixed interval.
// Push hints from the realtime feed call Nudge to poll early. Every request
// is tagged with a generation; a response is applied only if no newer one
// has been applied already, so slow responses can never roll the view back.
package tradesync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/peerex/internal/message"
	"github.com/mbd888/peerex/internal/trade"
	"golang.org/x/time/rate"
)

// DefaultInterval is the polling period.
const DefaultInterval = 5 * time.Second

// ErrClosed is returned by Refresh after Close.
var ErrClosed = errors.New("tradesync: closed")

// View is a point-in-time copy of the synchronized state.
type View struct {
	Trade     *trade.Trade
	Messages  []*message.Message
	LastError error
	// Generation of the last applied response; 0 before the first.
	Generation uint64
}

// Synchronizer polls one trade. Create with New, then Start.
type Synchronizer struct {
	source   Source
	tradeID  string
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	onChange func(View)

	issued atomic.Uint64

	mu      sync.Mutex
	trade   *trade.Trade
	msgs    []*message.Message
	seen    map[string]struct{}
	lastSeq int64
	lastErr error
	applied uint64
	closed  bool

	nudge   chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// New creates a synchronizer for tradeID.
func New(source Source, tradeID string, logger *slog.Logger) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		source:   source,
		tradeID:  tradeID,
		interval: DefaultInterval,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		logger:   logger,
		seen:     make(map[string]struct{}),
		nudge:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// WithInterval sets the polling period.
func (s *Synchronizer) WithInterval(d time.Duration) *Synchronizer {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithNudgeRate caps how often nudges may trigger an early poll.
func (s *Synchronizer) WithNudgeRate(r rate.Limit, burst int) *Synchronizer {
	s.limiter = rate.NewLimiter(r, burst)
	return s
}

// OnChange registers fn to run after every applied response. It runs on
// the polling goroutine and must not block.
func (s *Synchronizer) OnChange(fn func(View)) *Synchronizer {
	s.onChange = fn
	return s
}

// Start begins polling. It returns immediately; polling ends when ctx is
// done, Close is called, or the trade reaches a terminal state.
func (s *Synchronizer) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Done is closed when the polling loop has exited.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// Nudge asks for an early poll. Nudges beyond the configured rate are
// dropped; the regular tick picks up whatever they announced.
func (s *Synchronizer) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Close stops polling and cancels in-flight requests. Responses arriving
// afterwards are discarded.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if !s.started.Load() {
		// No loop will ever close done.
		if s.started.CompareAndSwap(false, true) {
			close(s.done)
		}
	}
}

// View returns a copy of the current state.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Synchronizer) viewLocked() View {
	v := View{LastError: s.lastErr, Generation: s.applied}
	if s.trade != nil {
		cp := *s.trade
		v.Trade = &cp
	}
	v.Messages = make([]*message.Message, len(s.msgs))
	for i, m := range s.msgs {
		cp := *m
		v.Messages[i] = &cp
	}
	return v
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); errors.Is(err, ErrClosed) {
			return
		}
		if s.terminal() {
			s.logger.Debug("trade finished, polling stopped", "tradeId", s.tradeID)
			return
		}
		if !s.wait(ctx, ticker) {
			return
		}
	}
}

func (s *Synchronizer) wait(ctx context.Context, ticker *time.Ticker) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.ctx.Done():
			return false
		case <-ticker.C:
			return true
		case <-s.nudge:
			if s.limiter.Allow() {
				return true
			}
		}
	}
}

func (s *Synchronizer) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trade != nil && s.trade.State.IsTerminal()
}

// Refresh fetches the trade and any new messages once and merges them into
// the view. A failed fetch leaves the view as it was and is recorded as
// LastError.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	gen := s.issued.Add(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	afterSeq := s.lastSeq
	s.mu.Unlock()

	t, err := s.source.FetchTrade(ctx, s.tradeID)
	var msgs []*message.Message
	if err == nil {
		msgs, err = s.source.FetchMessages(ctx, s.tradeID, afterSeq)
	}
	s.apply(gen, t, msgs, err)
	return err
}

func (s *Synchronizer) apply(gen uint64, t *trade.Trade, msgs []*message.Message, fetchErr error) {
	s.mu.Lock()
	if s.closed || gen <= s.applied {
		s.mu.Unlock()
		return
	}

	if fetchErr != nil {
		s.lastErr = fetchErr
		view := s.viewLocked()
		s.mu.Unlock()
		s.logger.Debug("trade refresh failed", "tradeId", s.tradeID, "error", fetchErr)
		s.notify(view)
		return
	}

	s.applied = gen
	s.lastErr = nil
	if newer(t, s.trade) {
		s.trade = t
	}
	added := false
	for _, m := range msgs {
		if _, ok := s.seen[m.ID]; ok {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.msgs = append(s.msgs, m)
		added = true
		if m.Seq > s.lastSeq {
			s.lastSeq = m.Seq
		}
	}
	if added {
		sort.SliceStable(s.msgs, func(i, j int) bool { return s.msgs[i].Seq < s.msgs[j].Seq })
	}
	view := s.viewLocked()
	s.mu.Unlock()

	s.notify(view)
}

func (s *Synchronizer) notify(v View) {
	if s.onChange != nil {
		s.onChange(v)
	}
}

// newer reports whether incoming should replace current.
func newer(incoming, current *trade.Trade) bool {
	switch {
	case incoming == nil:
		return false
	case current == nil:
		return true
	case incoming.Version != current.Version:
		return incoming.Version > current.Version
	default:
		return incoming.UpdatedAt.After(current.UpdatedAt)
	}
}
