package storage

import (
	"context"
	"strings"
	"sync"

	"ouka/pkg/types"
)

// Memory is an in-memory account store and actor cache.
type Memory struct {
	mu       sync.RWMutex
	accounts map[types.AccountID]types.Account

	cacheMu sync.RWMutex
	actors  map[string]types.CachedActor
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[types.AccountID]types.Account),
		actors:   make(map[string]types.CachedActor),
	}
}

func (m *Memory) GetByID(ctx context.Context, id types.AccountID) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &account, nil
}

func (m *Memory) GetByUserpart(ctx context.Context, userpart string) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.byUserpart(userpart)
}

// Transact holds the write lock for the whole of fn. Writes are staged and
// applied only when fn succeeds.
func (m *Memory) Transact(ctx context.Context, fn func(tx AccountTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, staged: make(map[types.AccountID]types.Account)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, account := range tx.staged {
		m.accounts[id] = account
	}
	return nil
}

// Accounts returns a snapshot of every stored account.
func (m *Memory) Accounts() []types.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Account, 0, len(m.accounts))
	for _, account := range m.accounts {
		out = append(out, account)
	}
	return out
}

func (m *Memory) byUserpart(userpart string) (*types.Account, error) {
	for _, account := range m.accounts {
		if strings.EqualFold(account.Userpart, userpart) {
			return &account, nil
		}
	}
	return nil, ErrNotFound
}

// Get implements the actor cache.
func (m *Memory) Get(ctx context.Context, key string) (types.CachedActor, bool, error) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	entry, ok := m.actors[key]
	return entry, ok, nil
}

// Put implements the actor cache. Entries are overwritten, never evicted.
func (m *Memory) Put(ctx context.Context, key string, entry types.CachedActor) error {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	m.actors[key] = entry
	return nil
}

type memoryTx struct {
	store  *Memory
	staged map[types.AccountID]types.Account
}

// view merges staged writes over the committed accounts.
func (tx *memoryTx) view() map[types.AccountID]types.Account {
	merged := make(map[types.AccountID]types.Account, len(tx.store.accounts)+len(tx.staged))
	for id, account := range tx.store.accounts {
		merged[id] = account
	}
	for id, account := range tx.staged {
		merged[id] = account
	}
	return merged
}

func (tx *memoryTx) ByUID(ctx context.Context, uid types.UserID) ([]types.Account, error) {
	var out []types.Account
	for _, account := range tx.view() {
		if account.UID == uid {
			out = append(out, account)
		}
	}
	return out, nil
}

func (tx *memoryTx) ByEmail(ctx context.Context, email string) (*types.Account, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	for _, account := range tx.view() {
		if strings.EqualFold(account.Email, email) {
			return &account, nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memoryTx) ByUserpart(ctx context.Context, userpart string) (*types.Account, error) {
	for _, account := range tx.view() {
		if strings.EqualFold(account.Userpart, userpart) {
			return &account, nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memoryTx) Save(ctx context.Context, account *types.Account) error {
	for id, existing := range tx.view() {
		if id != account.ID && strings.EqualFold(existing.Userpart, account.Userpart) {
			return ErrUserpartTaken
		}
	}
	tx.staged[account.ID] = *account
	return nil
}
