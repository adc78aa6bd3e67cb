// Package position manages the lifecycle of open positions: tiered
// stop-losses, stepped take-profit, trailing lock, and the terminal CLOSED
// transition that releases reserved capital.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"copytrade-core/internal/broker"
	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
)

// Exit reasons carried on orders and events.
const (
	ReasonPrimaryStop      = "primary_stop"
	ReasonMicroFailsafe    = "micro_failsafe"
	ReasonCatastrophicStop = "catastrophic_stop"
	ReasonTakeProfitStep   = "take_profit_step"
	ReasonTrailingStop     = "trailing_stop"
	ReasonManualClose      = "manual_close"
)

var (
	ErrDuplicatePosition = errors.New("position id already tracked")
	ErrPositionNotFound  = errors.New("position not found")
	ErrAlreadyHolding    = errors.New("account already holds this symbol")
)

// ExitFunc submits a reducing order for the position and confirms the fill.
// Implemented by the execution service; tests inject fakes.
type ExitFunc func(ctx context.Context, p Position, volume float64, reason string) (broker.OrderResult, error)

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	UpsertPosition(ctx context.Context, p db.PositionRow) error
	ListOpenPositions(ctx context.Context) ([]db.PositionRow, error)
	AddDailyResult(ctx context.Context, accountID string, netPnL float64) error
}

// CapitalLedger releases reserved capital as positions shrink and close.
type CapitalLedger interface {
	Release(ctx context.Context, positionID string) error
	ReleasePartial(ctx context.Context, positionID string, amount float64) error
}

// ExitNotice is the bus payload for exit and close events.
type ExitNotice struct {
	Position Position
	Result   broker.OrderResult
	Reason   string
}

type tracked struct {
	mu      sync.Mutex
	pos     Position
	applied map[string]bool // order ids already folded in
}

// Manager owns all live positions and runs the exit evaluation ladder.
// Evaluation holds a per-position lock across the exit order, so two
// concurrent monitoring passes can never both exit the same position.
type Manager struct {
	mu        sync.RWMutex
	byID      map[string]*tracked
	store     Store
	ledger    CapitalLedger
	bus       *events.Bus
	exit      ExitFunc
	retryBase time.Duration
}

// NewManager builds a position manager. exit is called with the per-position
// lock held.
func NewManager(store Store, ledger CapitalLedger, bus *events.Bus, exit ExitFunc) *Manager {
	return &Manager{
		byID:      make(map[string]*tracked),
		store:     store,
		ledger:    ledger,
		bus:       bus,
		exit:      exit,
		retryBase: 250 * time.Millisecond,
	}
}

// Load restores non-CLOSED positions from the store after a restart. Stop
// thresholds and the consumed take-profit steps come back with the quantity,
// so a half-exited position resumes at the correct rung.
func (m *Manager) Load(ctx context.Context) error {
	rows, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		p, err := fromRow(row)
		if err != nil {
			log.Printf("⚠️ skipping position %s: %v", row.ID, err)
			continue
		}
		if p.State == StateExiting {
			// A crash mid-exit leaves EXITING behind; the exit order may or
			// may not have gone out, so fall back to live and let the
			// reconciliation pass settle the true quantity.
			p.State = StateOpen
			if p.RemainingQty < p.Quantity {
				p.State = StatePartiallyExited
			}
		}
		m.byID[p.ID] = &tracked{pos: p, applied: make(map[string]bool)}
	}
	log.Printf("position manager restored %d open positions", len(m.byID))
	return nil
}

// Track registers a freshly filled position. allowStacking permits a second
// live position on the same (account, symbol); without it the entry is
// rejected so one signal can never pyramid an account.
func (m *Manager) Track(ctx context.Context, p Position, allowStacking bool) error {
	if err := p.Policy.Validate(); err != nil {
		return fmt.Errorf("track %s: %w", p.ID, err)
	}
	if p.RemainingQty == 0 {
		p.RemainingQty = p.Quantity
	}
	if p.State == "" {
		p.State = StateOpen
	}
	if p.State == StateClosed {
		return fmt.Errorf("track %s: closed positions never reopen", p.ID)
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}

	m.mu.Lock()
	if _, ok := m.byID[p.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePosition, p.ID)
	}
	if !allowStacking && m.liveOnLocked(p.AccountID, p.Symbol) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrAlreadyHolding, p.AccountID, p.Symbol)
	}
	t := &tracked{pos: p, applied: make(map[string]bool)}
	m.byID[p.ID] = t
	m.mu.Unlock()

	if err := m.persist(ctx, p); err != nil {
		log.Printf("⚠️ persist position %s: %v", p.ID, err)
	}
	m.bus.Publish(events.EventPositionOpened, p)
	return nil
}

// HasLive reports whether the account already holds the symbol.
func (m *Manager) HasLive(accountID, symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveOnLocked(accountID, symbol)
}

func (m *Manager) liveOnLocked(accountID, symbol string) bool {
	for _, t := range m.byID {
		t.mu.Lock()
		live := t.pos.AccountID == accountID && t.pos.Symbol == symbol && t.pos.Live()
		t.mu.Unlock()
		if live {
			return true
		}
	}
	return false
}

// Get returns a snapshot of one position.
func (m *Manager) Get(id string) (Position, bool) {
	m.mu.RLock()
	t, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return Position{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos, true
}

// List returns snapshots of all tracked positions.
func (m *Manager) List() []Position {
	m.mu.RLock()
	ts := make([]*tracked, 0, len(m.byID))
	for _, t := range m.byID {
		ts = append(ts, t)
	}
	m.mu.RUnlock()

	out := make([]Position, 0, len(ts))
	for _, t := range ts {
		t.mu.Lock()
		out = append(out, t.pos)
		t.mu.Unlock()
	}
	return out
}

// ForAccount returns snapshots of the account's live positions.
func (m *Manager) ForAccount(accountID string) []Position {
	var out []Position
	for _, p := range m.List() {
		if p.AccountID == accountID && p.Live() {
			out = append(out, p)
		}
	}
	return out
}

// Evaluate runs one exit pass for a single position at the given price.
// The ladder is strict priority: primary stop, micro failsafe, catastrophic
// stop, stepped take-profit, trailing lock. The first stop tier that matches
// wins; take-profit and trailing only run when no stop fired.
func (m *Manager) Evaluate(ctx context.Context, id string, price float64) error {
	m.mu.RLock()
	t, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return m.evaluateLocked(ctx, t, price)
}

// EvaluateAll runs one exit pass over every live position. priceOf returns
// the current price for a symbol; a missing price skips the position and the
// pass continues, monitoring must not stop because one feed is stale.
func (m *Manager) EvaluateAll(ctx context.Context, priceOf func(symbol string) (float64, bool)) {
	m.mu.RLock()
	ts := make([]*tracked, 0, len(m.byID))
	for _, t := range m.byID {
		ts = append(ts, t)
	}
	m.mu.RUnlock()

	for _, t := range ts {
		t.mu.Lock()
		if !t.pos.Live() {
			t.mu.Unlock()
			continue
		}
		price, ok := priceOf(t.pos.Symbol)
		if !ok {
			t.mu.Unlock()
			continue
		}
		if err := m.evaluateLocked(ctx, t, price); err != nil {
			log.Printf("⚠️ evaluate position %s: %v", t.pos.ID, err)
		}
		t.mu.Unlock()
	}
}

func (m *Manager) evaluateLocked(ctx context.Context, t *tracked, price float64) error {
	pos := &t.pos
	if !pos.Live() {
		return nil
	}

	pnl := pos.PnLPct(price)
	if pnl > pos.PeakPnL {
		pos.PeakPnL = pnl
		if err := m.persist(ctx, *pos); err != nil {
			log.Printf("⚠️ persist peak for %s: %v", pos.ID, err)
		}
	}
	pol := pos.Policy

	// Tier 1: primary stop, the normal trading decision.
	if pol.PrimaryStopPct != 0 && pnl <= pol.PrimaryStopPct {
		return m.fullExitLocked(ctx, t, ReasonPrimaryStop)
	}

	// Tier 2: micro failsafe. Reaching here with the primary configured
	// means tier 1 was bypassed, which is a defect worth an incident.
	if pol.MicroStopPct != 0 && pnl <= pol.MicroStopPct {
		if pol.PrimaryStopPct != 0 {
			m.incident(pos, fmt.Sprintf("micro failsafe fired at %.4f with primary stop %.4f configured", pnl, pol.PrimaryStopPct))
		}
		return m.fullExitLocked(ctx, t, ReasonMicroFailsafe)
	}

	// Tier 3: catastrophic backstop. Forced exit, retried until it lands.
	if pol.CatastrophicStopPct != 0 && pnl <= pol.CatastrophicStopPct {
		m.incident(pos, fmt.Sprintf("catastrophic stop reached at %.4f", pnl))
		return m.forcedExitLocked(ctx, t)
	}

	// Tier 4: stepped take-profit. A gap through several rungs consumes
	// each of them in order.
	for pos.Live() && pos.StepIndex < len(pol.TakeProfitSteps) {
		step := pol.TakeProfitSteps[pos.StepIndex]
		if pnl < step.TriggerPct {
			break
		}
		volume := pos.Quantity * step.ExitFraction
		if volume > pos.RemainingQty {
			volume = pos.RemainingQty
		}
		res, err := m.exit(ctx, *pos, volume, ReasonTakeProfitStep)
		if err != nil {
			// Leave the step pointer alone so the next pass retries.
			return fmt.Errorf("take profit step %d for %s: %w", pos.StepIndex, pos.ID, err)
		}
		if !res.Confirmed() {
			return fmt.Errorf("take profit step %d for %s: unconfirmed fill", pos.StepIndex, pos.ID)
		}
		pos.StepIndex++
		if err := m.applyFillLocked(ctx, t, res, ReasonTakeProfitStep); err != nil {
			return err
		}
	}
	if !pos.Live() {
		return nil
	}

	// Tier 5: trailing lock, armed only after enough favorable excursion.
	if pol.TrailingLockRatio > 0 && pos.PeakPnL >= pol.TrailingActivatePct && pol.TrailingActivatePct > 0 {
		lock := pos.PeakPnL * pol.TrailingLockRatio
		if pnl <= lock {
			return m.fullExitLocked(ctx, t, ReasonTrailingStop)
		}
	}
	return nil
}

// Close exits the full remaining quantity on demand (ops API, emergency
// liquidation).
func (m *Manager) Close(ctx context.Context, id, reason string) error {
	m.mu.RLock()
	t, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if reason == "" {
		reason = ReasonManualClose
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pos.Live() {
		return nil
	}
	return m.fullExitLocked(ctx, t, reason)
}

func (m *Manager) fullExitLocked(ctx context.Context, t *tracked, reason string) error {
	pos := &t.pos
	prev := pos.State
	pos.State = StateExiting

	res, err := m.exit(ctx, *pos, pos.RemainingQty, reason)
	if err != nil {
		pos.State = prev
		return fmt.Errorf("exit %s (%s): %w", pos.ID, reason, err)
	}
	if !res.Confirmed() {
		pos.State = prev
		return fmt.Errorf("exit %s (%s): unconfirmed fill", pos.ID, reason)
	}
	return m.applyFillLocked(ctx, t, res, reason)
}

// forcedExitLocked keeps submitting the exit until it confirms or the context
// dies. Used only by the catastrophic tier.
func (m *Manager) forcedExitLocked(ctx context.Context, t *tracked) error {
	pos := &t.pos
	prev := pos.State
	pos.State = StateExiting

	backoff := m.retryBase
	for {
		res, err := m.exit(ctx, *pos, pos.RemainingQty, ReasonCatastrophicStop)
		if err == nil && res.Confirmed() {
			return m.applyFillLocked(ctx, t, res, ReasonCatastrophicStop)
		}
		if err == nil {
			err = errors.New("unconfirmed fill")
		}
		log.Printf("🚨 forced exit %s failed, retrying in %s: %v", pos.ID, backoff, err)

		select {
		case <-ctx.Done():
			pos.State = prev
			return fmt.Errorf("forced exit %s: %w", pos.ID, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// ApplyExitFill folds an externally confirmed reducing fill into the
// position. Replaying the same order id is a no-op, so reconciliation and
// user-stream callers can be at-least-once.
func (m *Manager) ApplyExitFill(ctx context.Context, id string, res broker.OrderResult) error {
	m.mu.RLock()
	t, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if !res.Confirmed() {
		return fmt.Errorf("apply fill %s: unconfirmed result", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return m.applyFillLocked(ctx, t, res, res.Reason)
}

const qtyEpsilon = 1e-9

func (m *Manager) applyFillLocked(ctx context.Context, t *tracked, res broker.OrderResult, reason string) error {
	pos := &t.pos
	if pos.State == StateClosed {
		return nil
	}
	if res.OrderID != "" && t.applied[res.OrderID] {
		return nil
	}

	volume := res.FilledVolume
	if volume > pos.RemainingQty {
		volume = pos.RemainingQty
	}
	remBefore := pos.RemainingQty
	pos.RemainingQty -= volume

	// Realized PnL for the reduced slice.
	realized := (res.FilledPrice - pos.EntryPrice) * volume
	if pos.Side == broker.SideSell {
		realized = -realized
	}
	if err := m.store.AddDailyResult(ctx, pos.AccountID, realized); err != nil {
		log.Printf("⚠️ record daily result %s: %v", pos.AccountID, err)
	}

	if pos.RemainingQty <= pos.Quantity*qtyEpsilon || pos.RemainingQty <= 0 {
		pos.RemainingQty = 0
		pos.ReservedCapital = 0
		pos.State = StateClosed
		if err := m.ledger.Release(ctx, pos.ID); err != nil {
			log.Printf("⚠️ release capital for %s: %v", pos.ID, err)
		}
	} else {
		release := pos.ReservedCapital * volume / remBefore
		pos.ReservedCapital -= release
		pos.State = StatePartiallyExited
		if err := m.ledger.ReleasePartial(ctx, pos.ID, release); err != nil {
			log.Printf("⚠️ partial release for %s: %v", pos.ID, err)
		}
	}

	if res.OrderID != "" {
		t.applied[res.OrderID] = true
	}
	if err := m.persist(ctx, *pos); err != nil {
		log.Printf("⚠️ persist position %s: %v", pos.ID, err)
	}

	notice := ExitNotice{Position: *pos, Result: res, Reason: reason}
	if pos.State == StateClosed {
		log.Printf("position %s closed (%s): realized %.4f", pos.ID, reason, realized)
		m.bus.Publish(events.EventPositionClosed, notice)
	} else {
		log.Printf("position %s reduced to %.6f (%s)", pos.ID, pos.RemainingQty, reason)
		m.bus.Publish(events.EventPositionExit, notice)
	}
	return nil
}

func (m *Manager) incident(pos *Position, msg string) {
	log.Printf("🚨 INCIDENT position=%s account=%s: %s", pos.ID, pos.AccountID, msg)
	m.bus.Publish(events.EventIncident, map[string]any{
		"position_id": pos.ID,
		"account_id":  pos.AccountID,
		"symbol":      pos.Symbol,
		"message":     msg,
	})
}

func (m *Manager) persist(ctx context.Context, p Position) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}
	return m.store.UpsertPosition(ctx, row)
}

func toRow(p Position) (db.PositionRow, error) {
	policy, err := json.Marshal(p.Policy)
	if err != nil {
		return db.PositionRow{}, fmt.Errorf("marshal policy: %w", err)
	}
	return db.PositionRow{
		ID:              p.ID,
		AccountID:       p.AccountID,
		Symbol:          p.Symbol,
		Side:            string(p.Side),
		EntryPrice:      p.EntryPrice,
		Quantity:        p.Quantity,
		RemainingQty:    p.RemainingQty,
		ReservedCapital: p.ReservedCapital,
		State:           string(p.State),
		StepIndex:       p.StepIndex,
		PeakPnL:         p.PeakPnL,
		Policy:          string(policy),
		OpenedAt:        p.OpenedAt,
	}, nil
}

func fromRow(row db.PositionRow) (Position, error) {
	var policy ExitPolicy
	if row.Policy != "" {
		if err := json.Unmarshal([]byte(row.Policy), &policy); err != nil {
			return Position{}, fmt.Errorf("unmarshal policy: %w", err)
		}
	}
	return Position{
		ID:              row.ID,
		AccountID:       row.AccountID,
		Symbol:          row.Symbol,
		Side:            broker.Side(row.Side),
		EntryPrice:      row.EntryPrice,
		Quantity:        row.Quantity,
		RemainingQty:    row.RemainingQty,
		ReservedCapital: row.ReservedCapital,
		Policy:          policy,
		State:           State(row.State),
		StepIndex:       row.StepIndex,
		PeakPnL:         row.PeakPnL,
		OpenedAt:        row.OpenedAt,
	}, nil
}
