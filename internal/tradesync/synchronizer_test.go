package tradesync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/peerex/internal/logging"
	"github.com/mbd888/peerex/internal/message"
	"github.com/mbd888/peerex/internal/trade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type reply struct {
	trade *trade.Trade
	msgs  []*message.Message
	err   error
	gate  chan struct{} // when set, FetchTrade waits for it or ctx
}

// scriptedSource answers FetchTrade from a queue and repeats the last
// reply once the queue runs dry. Each reply's messages are served by the
// FetchMessages call that follows it.
type scriptedSource struct {
	mu        sync.Mutex
	replies   []reply
	last      reply
	msgs      [][]*message.Message
	calls     atomic.Int32
	afterSeqs []int64
}

func (s *scriptedSource) push(r reply) {
	s.mu.Lock()
	s.replies = append(s.replies, r)
	s.mu.Unlock()
}

func (s *scriptedSource) FetchTrade(ctx context.Context, id string) (*trade.Trade, error) {
	s.calls.Add(1)
	s.mu.Lock()
	r := s.last
	if len(s.replies) > 0 {
		r = s.replies[0]
		s.replies = s.replies[1:]
		s.last = reply{trade: r.trade, err: r.err}
	}
	if r.err == nil {
		s.msgs = append(s.msgs, r.msgs)
	}
	s.mu.Unlock()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.trade, nil
}

func (s *scriptedSource) FetchMessages(ctx context.Context, id string, afterSeq int64) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterSeqs = append(s.afterSeqs, afterSeq)
	if len(s.msgs) == 0 {
		return nil, nil
	}
	out := s.msgs[0]
	s.msgs = s.msgs[1:]
	return out, nil
}

func tr(state trade.State, version int64) *trade.Trade {
	return &trade.Trade{ID: "trd_1", State: state, Version: version,
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, int(version), 0, time.UTC)}
}

func msg(seq int64) *message.Message {
	return &message.Message{ID: "msg_" + strconv.FormatInt(seq, 10), TradeID: "trd_1", Seq: seq}
}

func TestSynchronizer_MergesTradeAndMessages(t *testing.T) {
	src := &scriptedSource{}
	src.push(reply{trade: tr(trade.StatePending, 1), msgs: []*message.Message{msg(1), msg(2)}})
	src.push(reply{trade: tr(trade.StatePaymentSent, 2), msgs: []*message.Message{msg(2), msg(3)}})
	s := New(src, "trd_1", logging.Discard())
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	require.NoError(t, s.Refresh(ctx))

	v := s.View()
	assert.Equal(t, trade.StatePaymentSent, v.Trade.State)
	require.Len(t, v.Messages, 3)
	for i, m := range v.Messages {
		assert.Equal(t, int64(i+1), m.Seq)
	}
	assert.Equal(t, []int64{0, 2}, src.afterSeqs)
	assert.Equal(t, uint64(2), v.Generation)
}

func TestSynchronizer_OlderTradeNeverReplacesNewer(t *testing.T) {
	src := &scriptedSource{}
	src.push(reply{trade: tr(trade.StatePaymentSent, 2)})
	src.push(reply{trade: tr(trade.StatePending, 1)}) // a lagging replica
	s := New(src, "trd_1", logging.Discard())

	require.NoError(t, s.Refresh(context.Background()))
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, int64(2), s.View().Trade.Version)
}

func TestSynchronizer_DiscardsStaleResponses(t *testing.T) {
	src := &scriptedSource{}
	gate := make(chan struct{})
	src.push(reply{trade: tr(trade.StatePending, 1), gate: gate})
	src.push(reply{trade: tr(trade.StatePaymentSent, 2)})
	s := New(src, "trd_1", logging.Discard())
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() { slow <- s.Refresh(ctx) }()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Refresh(ctx))
	close(gate)
	require.NoError(t, <-slow)

	v := s.View()
	assert.Equal(t, trade.StatePaymentSent, v.Trade.State)
	assert.Equal(t, uint64(2), v.Generation)
}

func TestSynchronizer_StaleErrorDoesNotClobberFreshView(t *testing.T) {
	src := &scriptedSource{}
	gate := make(chan struct{})
	src.push(reply{err: errors.New("timeout"), gate: gate})
	src.push(reply{trade: tr(trade.StatePending, 1)})
	s := New(src, "trd_1", logging.Discard())
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() { slow <- s.Refresh(ctx) }()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Refresh(ctx))
	close(gate)
	require.Error(t, <-slow)

	assert.NoError(t, s.View().LastError)
}

func TestSynchronizer_ErrorKeepsLastKnownGood(t *testing.T) {
	src := &scriptedSource{}
	src.push(reply{trade: tr(trade.StatePending, 1), msgs: []*message.Message{msg(1)}})
	src.push(reply{err: errors.New("connection refused")})
	src.push(reply{trade: tr(trade.StatePending, 1)})
	s := New(src, "trd_1", logging.Discard())
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx))
	require.Error(t, s.Refresh(ctx))

	v := s.View()
	require.NotNil(t, v.Trade)
	assert.Len(t, v.Messages, 1)
	assert.EqualError(t, v.LastError, "connection refused")

	require.NoError(t, s.Refresh(ctx))
	assert.NoError(t, s.View().LastError)
}

func TestSynchronizer_StopsOnTerminal(t *testing.T) {
	src := &scriptedSource{}
	src.push(reply{trade: tr(trade.StatePaymentSent, 2)})
	src.push(reply{trade: tr(trade.StateCompleted, 4)})
	s := New(src, "trd_1", logging.Discard()).WithInterval(5 * time.Millisecond)

	s.Start(context.Background())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("synchronizer kept polling a completed trade")
	}
	calls := src.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, src.calls.Load())
	assert.Equal(t, trade.StateCompleted, s.View().Trade.State)
}

func TestSynchronizer_CloseCancelsInFlight(t *testing.T) {
	src := &scriptedSource{}
	src.push(reply{trade: tr(trade.StatePending, 1), gate: make(chan struct{})}) // never opens
	s := New(src, "trd_1", logging.Discard())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight request was not cancelled")
	}

	v := s.View()
	assert.Nil(t, v.Trade)
	assert.NoError(t, v.LastError, "responses after Close are discarded")
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrClosed)
}

func TestSynchronizer_CloseBeforeStart(t *testing.T) {
	s := New(&scriptedSource{}, "trd_1", logging.Discard())
	s.Close()
	s.Start(context.Background())
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
}

func TestSynchronizer_NudgeIsPaced(t *testing.T) {
	src := &scriptedSource{}
	src.push(reply{trade: tr(trade.StatePending, 1)})
	s := New(src, "trd_1", logging.Discard()).
		WithInterval(time.Hour).
		WithNudgeRate(rate.Every(time.Hour), 1)
	defer s.Close()

	s.Start(context.Background())
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	s.Nudge()
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, time.Millisecond)

	// The bucket is empty now; further nudges wait for the tick.
	s.Nudge()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestSynchronizer_OnChange(t *testing.T) {
	src := &scriptedSource{}
	src.push(reply{trade: tr(trade.StatePending, 1)})
	var got []View
	s := New(src, "trd_1", logging.Discard()).OnChange(func(v View) { got = append(got, v) })

	require.NoError(t, s.Refresh(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, trade.StatePending, got[0].Trade.State)
}
