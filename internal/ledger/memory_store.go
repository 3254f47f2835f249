package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/peerex/internal/idgen"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances    map[string]*Balance // "account:asset"
	holds       map[string]*Hold    // ref
	byReference map[string]string   // reference -> ref
	deposits    map[string]bool
	entries     []*Entry
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]*Balance),
		holds:       make(map[string]*Hold),
		byReference: make(map[string]string),
		deposits:    make(map[string]bool),
	}
}

func balanceKey(account, asset string) string { return account + ":" + asset }

// balance returns the live record, creating it. Caller holds m.mu.
func (m *MemoryStore) balance(account, asset string) *Balance {
	key := balanceKey(account, asset)
	bal, ok := m.balances[key]
	if !ok {
		bal = &Balance{Account: account, Asset: asset, Available: decimal.Zero, Escrowed: decimal.Zero}
		m.balances[key] = bal
	}
	return bal
}

func (m *MemoryStore) record(account, asset, kind string, amount decimal.Decimal, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix(idgen.EntryPrefix),
		Account:   account,
		Asset:     asset,
		Kind:      kind,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) Deposit(ctx context.Context, account, asset string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if m.deposits[reference] {
			return nil
		}
		m.deposits[reference] = true
	}
	bal := m.balance(account, asset)
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = time.Now()
	m.record(account, asset, "deposit", amount, reference)
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, account, asset string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[balanceKey(account, asset)]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Account: account, Asset: asset, Available: decimal.Zero, Escrowed: decimal.Zero}, nil
}

func (m *MemoryStore) ListBalances(ctx context.Context, account string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for _, bal := range m.balances {
		if bal.Account == account {
			cp := *bal
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *MemoryStore) Lock(ctx context.Context, hold *Hold) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.byReference[hold.Reference]; ok {
		cp := *m.holds[ref]
		return &cp, nil
	}

	bal := m.balance(hold.Account, hold.Asset)
	if bal.Available.LessThan(hold.Amount) {
		return nil, ErrInsufficientBalance
	}
	bal.Available = bal.Available.Sub(hold.Amount)
	bal.Escrowed = bal.Escrowed.Add(hold.Amount)
	bal.UpdatedAt = time.Now()

	stored := *hold
	m.holds[stored.Ref] = &stored
	m.byReference[stored.Reference] = stored.Ref
	m.record(hold.Account, hold.Asset, "escrow_lock", hold.Amount, hold.Reference)

	cp := stored
	return &cp, nil
}

func (m *MemoryStore) Settle(ctx context.Context, ref string, status HoldStatus, to string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hold, ok := m.holds[ref]
	if !ok {
		return nil, ErrHoldNotFound
	}
	switch hold.Status {
	case status:
		cp := *hold
		return &cp, nil
	case HoldLocked:
	default:
		return nil, ErrHoldSettled
	}

	from := m.balance(hold.Account, hold.Asset)
	from.Escrowed = from.Escrowed.Sub(hold.Amount)
	from.UpdatedAt = time.Now()
	dest := m.balance(to, hold.Asset)
	dest.Available = dest.Available.Add(hold.Amount)
	dest.UpdatedAt = time.Now()

	if status == HoldReleased {
		m.record(hold.Account, hold.Asset, "escrow_release", hold.Amount.Neg(), hold.Reference)
		m.record(to, hold.Asset, "escrow_receive", hold.Amount, hold.Reference)
	} else {
		m.record(hold.Account, hold.Asset, "escrow_return", hold.Amount, hold.Reference)
	}

	now := time.Now()
	hold.Status = status
	hold.SettledTo = to
	hold.SettledAt = &now
	cp := *hold
	return &cp, nil
}

func (m *MemoryStore) GetHold(ctx context.Context, ref string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hold, ok := m.holds[ref]
	if !ok {
		return nil, ErrHoldNotFound
	}
	cp := *hold
	return &cp, nil
}

func (m *MemoryStore) ListLocked(ctx context.Context, cutoff time.Time, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Hold
	for _, h := range m.holds {
		if h.Status == HoldLocked && h.CreatedAt.Before(cutoff) {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Entries(ctx context.Context, account, asset string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.Account != account || (asset != "" && e.Asset != asset) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
