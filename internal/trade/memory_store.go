package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/peerex/internal/pagination"
)

// MemoryStore is an in-memory trade store for demo/development mode.
type MemoryStore struct {
	trades  map[string]*Trade
	history map[string][]*HistoryEntry // tradeID -> entries
	idem    map[string]*HistoryEntry   // actorID + "\x00" + key
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:  make(map[string]*Trade),
		history: make(map[string][]*HistoryEntry),
		idem:    make(map[string]*HistoryEntry),
	}
}

func idemKey(actorID, key string) string { return actorID + "\x00" + key }

// appendHistory assigns h.Seq and records it. Caller holds m.mu and has
// checked the idempotency key is free.
func (m *MemoryStore) appendHistory(h *HistoryEntry) {
	h.Seq = len(m.history[h.TradeID]) + 1
	cp := *h
	m.history[h.TradeID] = append(m.history[h.TradeID], &cp)
	if h.IdempotencyKey != "" {
		m.idem[idemKey(h.ActorID, h.IdempotencyKey)] = &cp
	}
}

func (m *MemoryStore) keyTaken(h *HistoryEntry) bool {
	if h == nil || h.IdempotencyKey == "" {
		return false
	}
	_, ok := m.idem[idemKey(h.ActorID, h.IdempotencyKey)]
	return ok
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade, h *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keyTaken(h) {
		return errDuplicateIdempotencyKey
	}
	t.Version = 1
	m.trades[t.ID] = t.clone()
	if h != nil {
		m.appendHistory(h)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Trade, expect Expect, h *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if cur.State != expect.State || cur.Version != expect.Version {
		return ErrConflict
	}
	if m.keyTaken(h) {
		return errDuplicateIdempotencyKey
	}

	t.Version = expect.Version + 1
	m.trades[t.ID] = t.clone()
	if h != nil {
		m.appendHistory(h)
	}
	return nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, f ListFilter) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cursor *pagination.Cursor
	if f.Cursor != "" {
		c, err := pagination.Decode(f.Cursor)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		cursor = c
	}

	var out []*Trade
	for _, t := range m.trades {
		if !t.IsParticipant(userID) || (f.State != "" && t.State != f.State) {
			continue
		}
		if !cursor.Before(t.CreatedAt, t.ID) {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit+1 {
		out = out[:f.Limit+1]
	}
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trade
	for _, t := range m.trades {
		if t.State == StatePending && t.Settlement == nil && !t.PaymentDeadline.After(now) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDeadline.Before(out[j].PaymentDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStaleSettlements(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trade
	for _, t := range m.trades {
		if t.Settlement != nil && t.Settlement.Since.Before(before) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Settlement.Since.Before(out[j].Settlement.Since) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, tradeID string) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[tradeID]
	out := make([]*HistoryEntry, len(entries))
	for i, h := range entries {
		cp := *h
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, actorID, key string) (*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.idem[idemKey(actorID, key)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}
