package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("escrow.lock")
	b.RecordFailure("escrow.lock")
	if !b.Allow("escrow.lock") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("escrow.lock")
	if b.Allow("escrow.lock") {
		t.Fatal("should be open after 3 failures")
	}
	if !b.Allow("escrow.release") {
		t.Fatal("other keys are unaffected")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(2, 30*time.Second).WithClock(clock.Now)

	b.RecordFailure("k")
	b.RecordFailure("k")
	if b.Allow("k") {
		t.Fatal("should be open")
	}

	clock.Advance(31 * time.Second)
	if !b.Allow("k") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("k") != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.State("k"))
	}
	if b.Allow("k") {
		t.Fatal("only one probe while half-open")
	}

	b.RecordSuccess("k")
	if b.State("k") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("k"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(1, time.Second).WithClock(clock.Now)

	b.RecordFailure("k")
	clock.Advance(2 * time.Second)
	b.Allow("k")
	b.RecordFailure("k")

	if b.State("k") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("k"))
	}
}

func TestBreaker_Do(t *testing.T) {
	b := New(1, time.Minute)
	boom := errors.New("boom")
	ignored := errors.New("business rule")

	// Errors the caller does not count leave the circuit closed.
	if err := b.Do("k", func() error { return ignored }, func(err error) bool { return err == boom }); err != ignored {
		t.Fatalf("expected passthrough, got %v", err)
	}
	if b.State("k") != StateClosed {
		t.Fatal("uncounted error must not trip the circuit")
	}

	if err := b.Do("k", func() error { return boom }, nil); err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Do("k", func() error { t.Fatal("must not run"); return nil }, nil); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b := New(1, time.Minute)
	got := make(chan State, 1)
	b.OnTransition(func(key string, from, to State) { got <- to })

	b.RecordFailure("k")

	select {
	case s := <-got:
		if s != StateOpen {
			t.Fatalf("expected open, got %v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}
