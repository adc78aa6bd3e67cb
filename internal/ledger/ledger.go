// Package ledger tracks reserved capital per account so concurrent entries
// cannot spend the same funds twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"copytrade-core/pkg/db"
)

var (
	ErrInsufficientCapital = errors.New("insufficient free capital")
	ErrDoubleReservation   = errors.New("position already has a reservation")
)

// BalanceFunc returns the account's current total balance in quote currency.
// Supplied by the account registry, which caches venue reads behind a TTL.
type BalanceFunc func(ctx context.Context, accountID string) (float64, error)

// Store is the slice of persistence the ledger mirrors holds into.
type Store interface {
	InsertReservation(ctx context.Context, r db.ReservationRow) error
	UpdateReservationAmount(ctx context.Context, positionID string, amount float64) error
	DeleteReservation(ctx context.Context, positionID string) error
	ListReservations(ctx context.Context) ([]db.ReservationRow, error)
}

type reservation struct {
	accountID string
	amount    float64
}

// Ledger holds one reservation per position id. All mutation goes through a
// per-account lock, so a balance check and the reserve that depends on it are
// atomic with respect to other entries on the same account.
type Ledger struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	byPos   map[string]reservation
	doubles map[string]bool // position ids that saw a second reserve attempt
	buffers map[string]float64

	store   Store
	balance BalanceFunc
	minFree float64
}

// New builds a ledger. minFree is the free-capital floor that must survive
// every reservation.
func New(store Store, balance BalanceFunc, minFree float64) *Ledger {
	return &Ledger{
		locks:   make(map[string]*sync.Mutex),
		byPos:   make(map[string]reservation),
		doubles: make(map[string]bool),
		buffers: make(map[string]float64),
		store:   store,
		balance: balance,
		minFree: minFree,
	}
}

// SetBuffer configures the account's safety buffer fraction. A buffer of 0.20
// keeps 20% of the balance untouchable.
func (l *Ledger) SetBuffer(accountID string, pct float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffers[accountID] = pct
}

// Load restores live holds from the store after a restart.
func (l *Ledger) Load(ctx context.Context) error {
	rows, err := l.store.ListReservations(ctx)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range rows {
		l.byPos[r.PositionID] = reservation{accountID: r.AccountID, amount: r.Amount}
	}
	log.Printf("ledger restored %d reservations", len(rows))
	return nil
}

func (l *Ledger) accountLock(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[accountID]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[accountID] = lk
	}
	return lk
}

// Reserve holds amount against the account for the given position. It fails
// when the position already has a hold (a double-entry defect, recorded for
// the watchdog) or when the hold would breach the safety buffer or the
// free-capital floor.
func (l *Ledger) Reserve(ctx context.Context, accountID, positionID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve %s: amount must be positive", positionID)
	}

	lk := l.accountLock(accountID)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	if _, exists := l.byPos[positionID]; exists {
		l.doubles[positionID] = true
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDoubleReservation, positionID)
	}
	buffer := l.buffers[accountID]
	held := l.heldLocked(accountID)
	l.mu.Unlock()

	balance, err := l.balance(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reserve %s: balance lookup: %w", positionID, err)
	}

	usable := balance * (1 - buffer)
	free := usable - held
	if amount > free || balance-held-amount < l.minFree {
		return fmt.Errorf("%w: account %s needs %.2f, free %.2f (balance %.2f, buffer %.0f%%, held %.2f)",
			ErrInsufficientCapital, accountID, amount, free, balance, buffer*100, held)
	}

	l.mu.Lock()
	l.byPos[positionID] = reservation{accountID: accountID, amount: amount}
	l.mu.Unlock()

	if err := l.store.InsertReservation(ctx, db.ReservationRow{
		PositionID: positionID,
		AccountID:  accountID,
		Amount:     amount,
	}); err != nil {
		l.mu.Lock()
		delete(l.byPos, positionID)
		l.mu.Unlock()
		return fmt.Errorf("reserve %s: %w", positionID, err)
	}
	return nil
}

// Release drops the position's hold entirely. Releasing an unknown or already
// released position is a no-op, so exit paths can replay safely.
func (l *Ledger) Release(ctx context.Context, positionID string) error {
	l.mu.Lock()
	_, exists := l.byPos[positionID]
	delete(l.byPos, positionID)
	l.mu.Unlock()

	if !exists {
		return nil
	}
	if err := l.store.DeleteReservation(ctx, positionID); err != nil {
		return fmt.Errorf("release %s: %w", positionID, err)
	}
	return nil
}

// ReleasePartial shrinks the hold after a partial exit. Shrinking to zero or
// below removes the hold; an unknown position is a no-op.
func (l *Ledger) ReleasePartial(ctx context.Context, positionID string, amount float64) error {
	l.mu.Lock()
	r, exists := l.byPos[positionID]
	if !exists {
		l.mu.Unlock()
		return nil
	}
	r.amount -= amount
	if r.amount <= 1e-9 {
		delete(l.byPos, positionID)
		l.mu.Unlock()
		if err := l.store.DeleteReservation(ctx, positionID); err != nil {
			return fmt.Errorf("release partial %s: %w", positionID, err)
		}
		return nil
	}
	l.byPos[positionID] = r
	l.mu.Unlock()

	if err := l.store.UpdateReservationAmount(ctx, positionID, r.amount); err != nil {
		return fmt.Errorf("release partial %s: %w", positionID, err)
	}
	return nil
}

// HeldCapital returns the account's total reserved amount.
func (l *Ledger) HeldCapital(accountID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldLocked(accountID)
}

func (l *Ledger) heldLocked(accountID string) float64 {
	var total float64
	for _, r := range l.byPos {
		if r.accountID == accountID {
			total += r.amount
		}
	}
	return total
}

// Reserved returns the hold amount for one position.
func (l *Ledger) Reserved(positionID string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byPos[positionID]
	return r.amount, ok
}

// HasDoubleReservation reports whether a second reserve was ever attempted
// for the position. The attempt itself is rejected; the flag lets the
// reconciliation watchdog surface the defect that produced it.
func (l *Ledger) HasDoubleReservation(positionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doubles[positionID]
}

// Snapshot returns a copy of all live holds keyed by position id.
func (l *Ledger) Snapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.byPos))
	for id, r := range l.byPos {
		out[id] = r.amount
	}
	return out
}
