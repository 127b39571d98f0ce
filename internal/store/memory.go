package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keplerhq/kepler/internal/billing"
)

// Memory is an in-process Store used by tests and by development runs
// without PostgreSQL. It keeps the same debit discipline as the
// durable store: the check-and-debit inside a settlement is guarded by
// a per-account mutex, so concurrent settlements against one account
// serialize at the debit while unrelated accounts proceed freely.
type Memory struct {
	mu         sync.RWMutex
	accounts   map[int64]*billing.Account
	byIdentity map[string]int64
	byAPIKey   map[string]int64
	tiers      map[int64]*billing.PricingTier
	records    map[string]*billing.WorkRecord
	entries    []billing.LedgerEntry

	nextAccount int64
	nextTier    int64
	nextRecord  int64
	nextEntry   int64

	lockMu       sync.Mutex
	accountLocks map[int64]*sync.Mutex
}

var _ billing.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[int64]*billing.Account),
		byIdentity:   make(map[string]int64),
		byAPIKey:     make(map[string]int64),
		tiers:        make(map[int64]*billing.PricingTier),
		records:      make(map[string]*billing.WorkRecord),
		accountLocks: make(map[int64]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing balance mutations for one
// account. Locks are created lazily and never removed; accounts are
// never deleted either.
func (m *Memory) accountLock(id int64) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.accountLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.accountLocks[id] = l
	}
	return l
}

func (m *Memory) CreateAccount(_ context.Context, a *billing.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAccount++
	a.ID = m.nextAccount
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Role == "" {
		a.Role = billing.RoleUser
	}

	cp := *a
	m.accounts[a.ID] = &cp
	m.byIdentity[a.Identity] = a.ID
	if a.APIKey != "" {
		m.byAPIKey[a.APIKey] = a.ID
	}
	return nil
}

func (m *Memory) AccountByID(_ context.Context, id int64) (*billing.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) AccountByIdentity(ctx context.Context, identity string) (*billing.Account, error) {
	m.mu.RLock()
	id, ok := m.byIdentity[identity]
	m.mu.RUnlock()
	if !ok {
		return nil, billing.ErrNotFound
	}
	return m.AccountByID(ctx, id)
}

func (m *Memory) ResolveAPIKey(ctx context.Context, apiKey string) (*billing.Account, error) {
	m.mu.RLock()
	id, ok := m.byAPIKey[apiKey]
	m.mu.RUnlock()
	if !ok {
		return nil, billing.ErrNotFound
	}
	return m.AccountByID(ctx, id)
}

func (m *Memory) SetRole(_ context.Context, accountID int64, role billing.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return billing.ErrNotFound
	}
	account.Role = role
	account.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]billing.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateTier(_ context.Context, t *billing.PricingTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTier++
	t.ID = m.nextTier
	cp := *t
	m.tiers[t.ID] = &cp
	return nil
}

func (m *Memory) ActiveTier(_ context.Context) (*billing.PricingTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *billing.PricingTier
	for _, t := range m.tiers {
		if t.Active && (best == nil || t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return nil, billing.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) TierByName(_ context.Context, name string) (*billing.PricingTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tiers {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (m *Memory) ListTiers(_ context.Context) ([]billing.PricingTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.PricingTier, 0, len(m.tiers))
	for _, t := range m.tiers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateWorkRecord(_ context.Context, rec *billing.WorkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRecord++
	rec.ID = m.nextRecord
	cp := *rec
	m.records[rec.UUID] = &cp
	return nil
}

func (m *Memory) WorkRecordByUUID(_ context.Context, uuid string) (*billing.WorkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[uuid]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) ListWorkRecords(_ context.Context, accountID int64) ([]billing.WorkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.WorkRecord
	for _, rec := range m.records {
		if rec.AccountID == accountID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) SettleSuccess(_ context.Context, rec *billing.WorkRecord, cost billing.Amount, description string) error {
	lock := m.accountLock(rec.AccountID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.UUID]
	if !ok {
		return billing.ErrNotFound
	}
	if stored.Status.Terminal() {
		return billing.ErrAlreadySettled
	}
	account, ok := m.accounts[rec.AccountID]
	if !ok {
		return billing.ErrNotFound
	}
	if account.Balance < cost {
		return &billing.InsufficientBalanceError{Required: cost, Available: account.Balance}
	}

	account.Balance -= cost
	account.UpdatedAt = time.Now()

	*stored = *rec
	stored.Status = billing.StatusCompleted
	c := cost
	stored.TotalCost = &c

	m.nextEntry++
	recID := stored.ID
	m.entries = append(m.entries, billing.LedgerEntry{
		ID:           m.nextEntry,
		AccountID:    rec.AccountID,
		Amount:       -cost,
		Description:  description,
		WorkRecordID: &recID,
		CreatedAt:    time.Now(),
	})
	return nil
}

func (m *Memory) SettleFailure(_ context.Context, rec *billing.WorkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.UUID]
	if !ok {
		return billing.ErrNotFound
	}
	if stored.Status.Terminal() {
		return billing.ErrAlreadySettled
	}
	*stored = *rec
	stored.Status = billing.StatusFailed
	stored.TotalCost = nil
	return nil
}

func (m *Memory) Credit(_ context.Context, accountID int64, amount billing.Amount, description string, workRecordID *int64) (*billing.LedgerEntry, error) {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	account.Balance += amount
	account.UpdatedAt = time.Now()

	m.nextEntry++
	entry := billing.LedgerEntry{
		ID:           m.nextEntry,
		AccountID:    accountID,
		Amount:       amount,
		Description:  description,
		WorkRecordID: workRecordID,
		CreatedAt:    time.Now(),
	}
	m.entries = append(m.entries, entry)
	return &entry, nil
}

func (m *Memory) Balance(_ context.Context, accountID int64) (billing.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return 0, billing.ErrNotFound
	}
	return account.Balance, nil
}

func (m *Memory) SumLedger(_ context.Context, accountID int64) (billing.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum billing.Amount
	for _, e := range m.entries {
		if e.AccountID == accountID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *Memory) LedgerHistory(_ context.Context, accountID int64, limit int) ([]billing.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID != accountID {
			continue
		}
		out = append(out, m.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
