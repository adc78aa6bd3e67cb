package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrAccountFlagged means the account hit a permission-class failure and
	// is excluded from connection attempts until explicitly cleared.
	ErrAccountFlagged = errors.New("account flagged after permission failure")
)

// Factory builds an Adapter for one (venue, credential) pair.
type Factory func(ctx context.Context, accountID, venue string, creds Credentials) (Adapter, error)

// Registry caches one connected Adapter per account and remembers
// permission-class failures so flagged accounts stop burning retries and
// nonce sequence on credentials that can never work.
type Registry struct {
	mu       sync.RWMutex
	factory  Factory
	adapters map[string]Adapter
	flagged  map[string]flagEntry
}

type flagEntry struct {
	reason string
	at     time.Time
}

// NewRegistry creates an adapter registry around factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		adapters: make(map[string]Adapter),
		flagged:  make(map[string]flagEntry),
	}
}

// GetOrCreate returns the cached adapter for an account, connecting a new one
// on first use. Flagged accounts are refused without touching the venue.
func (r *Registry) GetOrCreate(ctx context.Context, accountID, venue string, creds Credentials) (Adapter, error) {
	r.mu.RLock()
	if fe, ok := r.flagged[accountID]; ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrAccountFlagged, accountID, fe.reason)
	}
	if a, ok := r.adapters[accountID]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[accountID]; ok {
		return a, nil
	}

	a, err := r.factory(ctx, accountID, venue, creds)
	if err != nil {
		return nil, fmt.Errorf("create adapter for %s: %w", accountID, err)
	}
	if err := a.Connect(ctx); err != nil {
		if IsPermission(err) {
			r.flagged[accountID] = flagEntry{reason: err.Error(), at: time.Now()}
			log.Printf("broker: account %s flagged on connect: %v", accountID, err)
		}
		return nil, fmt.Errorf("connect adapter for %s: %w", accountID, err)
	}
	r.adapters[accountID] = a
	return a, nil
}

// Register installs a pre-built adapter, used for paper mode and tests.
func (r *Registry) Register(accountID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[accountID] = a
}

// Get returns the cached adapter, if any.
func (r *Registry) Get(accountID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[accountID]
	return a, ok
}

// FlagPermission excludes an account from further connection attempts.
func (r *Registry) FlagPermission(accountID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flagged[accountID] = flagEntry{reason: reason, at: time.Now()}
	delete(r.adapters, accountID)
	log.Printf("broker: account %s flagged: %s", accountID, reason)
}

// Flagged reports whether the account is excluded, with the recorded reason.
func (r *Registry) Flagged(accountID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fe, ok := r.flagged[accountID]
	return fe.reason, ok
}

// ClearFlag re-admits an account after its credentials were reconfigured.
func (r *Registry) ClearFlag(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flagged, accountID)
}
