package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "trade-watcher", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "trade-watcher", time.Minute)
	assert.True(t, errors.Is(err, ErrLockHeld))

	unlock()
	unlock() // second call is a no-op

	unlock2, err := l.Acquire(ctx, "trade-watcher", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestMemoryLocker_Expires(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	// The lapsed holder must not release the new lease.
	stale()
	_, err = l.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
	fresh()
}

func TestMemoryBus_FanOut(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := b.Subscribe(ctx, EventsChannel)
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, EventsChannel)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, EventsChannel, []byte(`{"type":"trade_updated"}`)))

	for _, ch := range []<-chan []byte{a, c} {
		select {
		case msg := <-ch:
			assert.JSONEq(t, `{"type":"trade_updated"}`, string(msg))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive payload")
		}
	}
}

func TestMemoryBus_ClosesOnCancel(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "x")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
