package message

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory message store for demo/development mode.
type MemoryStore struct {
	logs map[string][]*Message // tradeID -> messages in seq order
	mu   sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]*Message)}
}

func (m *MemoryStore) Append(ctx context.Context, msg *Message, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logs[msg.TradeID]
	msg.Seq = int64(len(log)) + 1
	msg.CreatedAt = now
	if n := len(log); n > 0 && log[n-1].CreatedAt.After(now) {
		msg.CreatedAt = log[n-1].CreatedAt
	}
	cp := *msg
	m.logs[msg.TradeID] = append(log, &cp)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logs[tradeID]
	if afterSeq >= int64(len(log)) {
		return nil, nil
	}
	// Seq n lives at index n-1.
	tail := log[afterSeq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]*Message, len(tail))
	for i, msg := range tail {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}
