// Package coord provides cross-replica coordination: a TTL lock so only one
// replica runs a sweep at a time, and a fan-out bus for realtime events.
// Redis backs both in multi-replica deployments; the in-memory versions
// serve single-process runs and tests.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned by Acquire when another holder owns the key.
var ErrLockHeld = errors.New("coord: lock held")

// Locker hands out TTL-bounded exclusive locks.
type Locker interface {
	// Acquire returns an unlock func, or ErrLockHeld. The lock lapses after
	// ttl even if unlock is never called.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Bus is a best-effort publish/subscribe channel. Delivery is at most once.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe streams payloads until ctx ends; the channel is then closed.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// EventsChannel carries trade and message events between replicas.
const EventsChannel = "peerex:events"
