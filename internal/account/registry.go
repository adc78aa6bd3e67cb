package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNoMaster        = errors.New("no master account configured")
)

// BalanceFetch reads the account's balance from its venue.
type BalanceFetch func(ctx context.Context, a *Account) (float64, error)

type cachedBalance struct {
	value   float64
	fetched time.Time
}

// Registry indexes the configured accounts and caches venue balances behind
// a TTL so trading loops do not hammer balance endpoints.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	order    []string
	masterID string

	balMu    sync.Mutex
	balances map[string]cachedBalance
	ttl      time.Duration
	fetch    BalanceFetch
}

// NewRegistry builds an account registry. fetch supplies live balances; ttl
// bounds cache staleness.
func NewRegistry(ttl time.Duration, fetch BalanceFetch) *Registry {
	return &Registry{
		accounts: make(map[string]*Account),
		balances: make(map[string]cachedBalance),
		ttl:      ttl,
		fetch:    fetch,
	}
}

// Add registers an account. At most one master is accepted.
func (r *Registry) Add(a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[a.ID]; ok {
		return fmt.Errorf("duplicate account %s", a.ID)
	}
	if a.Role == RoleMaster {
		if r.masterID != "" {
			return fmt.Errorf("second master account %s (already have %s)", a.ID, r.masterID)
		}
		r.masterID = a.ID
	}
	r.accounts[a.ID] = a
	r.order = append(r.order, a.ID)
	return nil
}

// Get returns one account.
func (r *Registry) Get(id string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, nil
}

// Master returns the signal-emitting account.
func (r *Registry) Master() (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.masterID == "" {
		return nil, ErrNoMaster
	}
	return r.accounts[r.masterID], nil
}

// Users returns the enabled follower accounts in configuration order.
func (r *Registry) Users() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Account
	for _, id := range r.order {
		a := r.accounts[id]
		if a.Role == RoleUser && a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// All returns every account in configuration order.
func (r *Registry) All() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Account, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.accounts[id])
	}
	return out
}

// Balance returns the account's balance, served from cache while fresh.
func (r *Registry) Balance(ctx context.Context, id string) (float64, error) {
	a, err := r.Get(id)
	if err != nil {
		return 0, err
	}

	r.balMu.Lock()
	if c, ok := r.balances[id]; ok && time.Since(c.fetched) < r.ttl {
		v := c.value
		r.balMu.Unlock()
		return v, nil
	}
	r.balMu.Unlock()

	v, err := r.fetch(ctx, a)
	if err != nil {
		return 0, fmt.Errorf("fetch balance %s: %w", id, err)
	}
	r.balMu.Lock()
	r.balances[id] = cachedBalance{value: v, fetched: time.Now()}
	r.balMu.Unlock()
	return v, nil
}

// ApplyDelta folds a fill's balance impact into the cache so the next read
// reflects the trade without waiting out the TTL. A cold cache entry is left
// alone; the next Balance call fetches fresh.
func (r *Registry) ApplyDelta(id string, delta float64) {
	r.balMu.Lock()
	defer r.balMu.Unlock()
	c, ok := r.balances[id]
	if !ok {
		return
	}
	c.value += delta
	r.balances[id] = c
}

// InvalidateBalance drops the cache entry, forcing the next read to hit the
// venue. Reconciliation uses this after a sync.
func (r *Registry) InvalidateBalance(id string) {
	r.balMu.Lock()
	defer r.balMu.Unlock()
	delete(r.balances, id)
}

// BalanceFunc adapts the registry for collaborators that only need balances.
func (r *Registry) BalanceFunc() func(ctx context.Context, accountID string) (float64, error) {
	return func(ctx context.Context, accountID string) (float64, error) {
		return r.Balance(ctx, accountID)
	}
}

// WarmBalances pre-fetches every enabled account's balance at startup.
// Failures are logged and skipped; the account simply starts cold.
func (r *Registry) WarmBalances(ctx context.Context) {
	for _, a := range r.All() {
		if !a.Enabled {
			continue
		}
		if _, err := r.Balance(ctx, a.ID); err != nil {
			log.Printf("⚠️ warm balance %s: %v", a.ID, err)
		}
	}
}
