package rating

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory rating store for demo/development mode.
type MemoryStore struct {
	ratings map[string]*Rating // tradeID + "/" + raterID
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory rating store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ratings: make(map[string]*Rating)}
}

func (m *MemoryStore) Create(ctx context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.TradeID + "/" + r.RaterID
	if _, ok := m.ratings[key]; ok {
		return ErrAlreadyRated
	}
	cp := *r
	m.ratings[key] = &cp
	return nil
}

func (m *MemoryStore) ListByTrade(ctx context.Context, tradeID string) ([]*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Rating
	for _, r := range m.ratings {
		if r.TradeID == tradeID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
