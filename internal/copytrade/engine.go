// Package copytrade fans a master account's fills out to user accounts with
// balance-proportional sizing. Each user is processed in isolation: one
// user's failure never blocks or aborts the others.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/events"
	"copytrade-core/internal/ledger"
	"copytrade-core/internal/position"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/db"
)

// Signal is one master fill to be mirrored. MasterBalance is the master's
// balance snapshot at fill time; sizing uses the snapshot, not a later read,
// so every user scales against the same denominator.
type Signal struct {
	ID            string
	Symbol        string
	Side          broker.Side
	Size          float64 // quote notional of the master fill
	MasterBalance float64
	At            time.Time
}

// FanoutReport summarizes one signal's distribution.
type FanoutReport struct {
	SignalID   string
	Successful int
	Failed     int
	Skipped    int
	PerUser    map[string]string
}

// Executor is the slice of the execution service the engine needs.
type Executor interface {
	PlaceAndConfirm(ctx context.Context, a *account.Account, req broker.OrderRequest, positionID string) (broker.OrderResult, error)
}

// Store persists signals and the per-user dispatch claims that make delivery
// at-most-once across restarts.
type Store interface {
	InsertSignal(ctx context.Context, sig db.SignalRow) error
	ClaimDispatch(ctx context.Context, signalID, accountID string) (bool, error)
	FinishDispatch(ctx context.Context, signalID, accountID, status, detail string) error
}

// Engine distributes master fills to user accounts.
type Engine struct {
	accounts  *account.Registry
	gate      *risk.Gate
	ledger    *ledger.Ledger
	positions *position.Manager
	exec      Executor
	store     Store
	bus       *events.Bus
	workers   int
}

// NewEngine builds a fan-out engine. workers bounds concurrent user copies.
func NewEngine(accounts *account.Registry, gate *risk.Gate, lgr *ledger.Ledger, positions *position.Manager, exec Executor, store Store, bus *events.Bus, workers int) *Engine {
	if workers <= 0 {
		workers = 8
	}
	return &Engine{
		accounts:  accounts,
		gate:      gate,
		ledger:    lgr,
		positions: positions,
		exec:      exec,
		store:     store,
		bus:       bus,
		workers:   workers,
	}
}

// Run consumes master fill signals from the bus until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ch, unsub := e.bus.Subscribe(events.EventMasterFill, 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			sig, ok := payload.(Signal)
			if !ok {
				continue
			}
			report := e.Fanout(ctx, sig)
			log.Printf("fanout %s: %d ok, %d failed, %d skipped",
				sig.ID, report.Successful, report.Failed, report.Skipped)
		}
	}
}

// ScaleSize computes the user's order notional from the master fill:
//
//	user_size = master_size × (user_balance / master_balance) × risk_multiplier
func ScaleSize(masterSize, masterBalance, userBalance, riskMultiplier float64) float64 {
	if masterBalance <= 0 {
		return 0
	}
	return masterSize * (userBalance / masterBalance) * riskMultiplier
}

// Fanout distributes one signal to every enabled user account through a
// bounded worker pool and returns the per-user outcome.
func (e *Engine) Fanout(ctx context.Context, sig Signal) FanoutReport {
	if err := e.store.InsertSignal(ctx, db.SignalRow{
		ID:            sig.ID,
		Symbol:        sig.Symbol,
		Side:          string(sig.Side),
		Size:          sig.Size,
		SizeType:      string(broker.SizeQuote),
		MasterBalance: sig.MasterBalance,
		CreatedAt:     sig.At,
	}); err != nil {
		log.Printf("⚠️ persist signal %s: %v", sig.ID, err)
	}

	users := e.accounts.Users()
	report := FanoutReport{SignalID: sig.ID, PerUser: make(map[string]string, len(users))}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)

	for _, u := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(u *account.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := e.copyToUser(ctx, sig, u)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.PerUser[u.ID] = fmt.Sprintf("failed: %v", err)
				log.Printf("⚠️ copy %s to %s failed: %v", sig.ID, u.ID, err)
			case outcome == "":
				report.Successful++
				report.PerUser[u.ID] = "ok"
			default:
				report.Skipped++
				report.PerUser[u.ID] = outcome
			}
		}(u)
	}
	wg.Wait()

	e.bus.Publish(events.EventFanoutDone, report)
	return report
}

// copyToUser mirrors one signal onto one user. An empty outcome with nil
// error means an order was filled; a non-empty outcome means the user was
// skipped for a stated reason.
func (e *Engine) copyToUser(ctx context.Context, sig Signal, u *account.Account) (string, error) {
	claimed, err := e.store.ClaimDispatch(ctx, sig.ID, u.ID)
	if err != nil {
		return "", fmt.Errorf("claim dispatch: %w", err)
	}
	if !claimed {
		return "already dispatched", nil
	}

	var outcome string
	if sig.Side == broker.SideSell {
		outcome, err = e.mirrorExit(ctx, sig, u)
	} else {
		outcome, err = e.mirrorEntry(ctx, sig, u)
	}

	status, detail := "DONE", outcome
	if err != nil {
		status, detail = "FAILED", err.Error()
	}
	if ferr := e.store.FinishDispatch(ctx, sig.ID, u.ID, status, detail); ferr != nil {
		log.Printf("⚠️ finish dispatch %s/%s: %v", sig.ID, u.ID, ferr)
	}
	return outcome, err
}

func (e *Engine) mirrorEntry(ctx context.Context, sig Signal, u *account.Account) (string, error) {
	balance, err := e.accounts.Balance(ctx, u.ID)
	if err != nil {
		return "", fmt.Errorf("balance: %w", err)
	}

	notional := ScaleSize(sig.Size, sig.MasterBalance, balance, u.RiskMultiplier)
	if notional <= 0 {
		return "scaled size is zero", nil
	}

	notional, err = e.gate.CheckEntry(ctx, u, sig.Symbol, notional, balance)
	if errors.Is(err, risk.ErrSymbolNotAllowed) {
		// Allow-list exclusions are configuration, not failures.
		return sig.Symbol + " not in allow-list", nil
	}
	if err != nil {
		return "", fmt.Errorf("risk gate: %w", err)
	}

	if !u.AllowStacking && e.positions.HasLive(u.ID, sig.Symbol) {
		return "already holding " + sig.Symbol, nil
	}
	if u.MaxOpenPos > 0 && len(e.positions.ForAccount(u.ID)) >= u.MaxOpenPos {
		return "open position limit reached", nil
	}

	positionID := uuid.NewString()
	if err := e.ledger.Reserve(ctx, u.ID, positionID, notional); err != nil {
		return "", fmt.Errorf("reserve: %w", err)
	}

	res, err := e.exec.PlaceAndConfirm(ctx, u, broker.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     broker.SideBuy,
		Size:     notional,
		SizeType: broker.SizeQuote,
	}, positionID)
	if err != nil {
		// No fill, no hold.
		if rerr := e.ledger.Release(ctx, positionID); rerr != nil {
			log.Printf("⚠️ release after failed entry %s: %v", positionID, rerr)
		}
		return "", fmt.Errorf("place order: %w", err)
	}

	e.accounts.ApplyDelta(u.ID, res.BalanceDelta)

	if err := e.positions.Track(ctx, position.Position{
		ID:              positionID,
		AccountID:       u.ID,
		Symbol:          sig.Symbol,
		Side:            broker.SideBuy,
		EntryPrice:      res.FilledPrice,
		Quantity:        res.FilledVolume,
		ReservedCapital: notional,
		Policy:          u.ExitPolicy,
	}, u.AllowStacking); err != nil {
		return "", fmt.Errorf("track position: %w", err)
	}
	return "", nil
}

// mirrorExit closes the user's holdings on the signal's symbol when the
// master exits. Users without a matching position are skipped, not failed.
func (e *Engine) mirrorExit(ctx context.Context, sig Signal, u *account.Account) (string, error) {
	var closed int
	for _, p := range e.positions.ForAccount(u.ID) {
		if p.Symbol != sig.Symbol {
			continue
		}
		if err := e.positions.Close(ctx, p.ID, "master_exit"); err != nil {
			return "", fmt.Errorf("close %s: %w", p.ID, err)
		}
		closed++
	}
	if closed == 0 {
		return "no position on " + sig.Symbol, nil
	}
	return "", nil
}
