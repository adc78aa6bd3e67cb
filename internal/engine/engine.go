// Package engine assembles the copy-trading core: persistence, accounts,
// venue adapters, the execution path, per-account workers, the fan-out
// engine and the reconciliation watchdog, with one lifecycle around them.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/copytrade"
	"copytrade-core/internal/emergency"
	"copytrade-core/internal/events"
	"copytrade-core/internal/execution"
	"copytrade-core/internal/ledger"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/position"
	"copytrade-core/internal/reconciliation"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/strategy"
	"copytrade-core/internal/worker"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
)

// Engine owns every long-running component of the core.
type Engine struct {
	cfg   *config.Config
	store *db.Store
	batch *db.BatchWriter
	bus   *events.Bus
	emerg *emergency.State

	Accounts  *account.Registry
	Brokers   *broker.Registry
	Ledger    *ledger.Ledger
	Positions *position.Manager
	Exec      *execution.Service
	Copier    *copytrade.Engine
	Watchdog  *reconciliation.Service
	Health    *monitor.Health
	Latency   *monitor.Latency
	Incidents *monitor.Incidents

	masterQueue *strategy.Queue
	workers     []*worker.Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the engine from configuration. factory constructs venue
// adapters; cmd wiring passes the paper factory in dry-run mode and the real
// venue factory otherwise.
func New(cfg *config.Config, factory broker.Factory) (*Engine, error) {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	emerg, err := emergency.NewState(cfg.EmergencyDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	sealer, err := crypto.NewSealer(cfg.CredentialKey)
	if err != nil {
		store.Close()
		return nil, err
	}

	accountCfgs, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		store:       store,
		batch:       db.NewBatchWriter(store, 50, 500*time.Millisecond),
		bus:         events.NewBus(),
		emerg:       emerg,
		Brokers:     broker.NewRegistry(factory),
		Health:      monitor.NewHealth(),
		Latency:     monitor.NewLatency(),
		Incidents:   monitor.NewIncidents(),
		masterQueue: strategy.NewQueue(),
	}

	e.Accounts = account.NewRegistry(cfg.BalanceTTL, func(ctx context.Context, a *account.Account) (float64, error) {
		adapter, err := e.Brokers.GetOrCreate(ctx, a.ID, a.Venue, a.Credentials)
		if err != nil {
			return 0, err
		}
		balance, err := adapter.GetBalance(ctx)
		e.Health.Record(a.ID, err == nil)
		return balance, err
	})

	for _, ac := range accountCfgs {
		a, err := account.FromConfig(ac, sealer)
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := e.Accounts.Add(a); err != nil {
			store.Close()
			return nil, err
		}
		if err := e.syncAccountRow(ac, sealer); err != nil {
			log.Printf("⚠️ sync account %s to store: %v", ac.ID, err)
		}
	}

	e.Ledger = ledger.New(store, e.Accounts.BalanceFunc(), cfg.MinFreeCapital)
	for _, a := range e.Accounts.All() {
		e.Ledger.SetBuffer(a.ID, a.SafetyBuffer)
	}

	e.Exec = execution.NewService(e.Brokers, emerg, e.bus, e.batch, execution.Options{
		MaxAttempts:  cfg.OrderMaxAttempts,
		RetryBase:    cfg.OrderRetryBase,
		ConfirmDelay: cfg.ConfirmDelay,
	})

	e.Positions = position.NewManager(store, e.Ledger, e.bus, e.exitFunc())

	gate := risk.NewGate(store, cfg.MinNotional)
	e.Copier = copytrade.NewEngine(e.Accounts, gate, e.Ledger, e.Positions, e.Exec, store, e.bus, cfg.CopyWorkers)
	e.Watchdog = reconciliation.NewService(e.Accounts, e.Brokers, e.Positions, e.Ledger, store, e.bus, cfg.WatchdogInterval, 1e-8)

	deps := worker.Deps{
		Accounts:  e.Accounts,
		Brokers:   e.Brokers,
		Exec:      e.Exec,
		Positions: e.Positions,
		Ledger:    e.Ledger,
		Gate:      gate,
		Emergency: emerg,
		Bus:       e.bus,
		Health:    e.Health,
		Latency:   e.Latency,
	}
	for _, a := range e.Accounts.All() {
		if !a.Enabled {
			continue
		}
		var strat strategy.Strategy = strategy.Noop{}
		var queue *strategy.Queue
		if a.Role == account.RoleMaster {
			strat = strategy.NewSMACross(7, 25)
			queue = e.masterQueue
		}
		e.workers = append(e.workers, worker.New(a, strat, queue, deps, worker.Config{
			ScanInterval:     cfg.ScanInterval,
			Symbols:          a.AllowedSymbols(),
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
		}))
	}

	return e, nil
}

// exitFunc adapts the execution service into the position manager's exit
// hook: a reducing market sell sized in base units.
func (e *Engine) exitFunc() position.ExitFunc {
	return func(ctx context.Context, p position.Position, volume float64, reason string) (broker.OrderResult, error) {
		a, err := e.Accounts.Get(p.AccountID)
		if err != nil {
			return broker.OrderResult{}, err
		}
		start := time.Now()
		res, err := e.Exec.PlaceAndConfirm(ctx, a, broker.OrderRequest{
			Symbol:   p.Symbol,
			Side:     broker.SideSell,
			Size:     volume,
			SizeType: broker.SizeBase,
		}, p.ID)
		e.Latency.Record("exit_order", time.Since(start))
		if err == nil {
			e.Accounts.ApplyDelta(p.AccountID, res.BalanceDelta)
		}
		return res, err
	}
}

func (e *Engine) syncAccountRow(ac config.AccountConfig, sealer *crypto.Sealer) error {
	key, err := sealer.Seal(ac.APIKey)
	if err != nil {
		return err
	}
	secret, err := sealer.Seal(ac.APISecret)
	if err != nil {
		return err
	}
	allowed := "all"
	if len(ac.AllowedSymbols) > 0 {
		allowed = ""
		for i, s := range ac.AllowedSymbols {
			if i > 0 {
				allowed += ","
			}
			allowed += s
		}
	}
	return e.store.UpsertAccount(context.Background(), db.AccountRow{
		ID:                 ac.ID,
		Role:               ac.Role,
		Venue:              ac.Venue,
		Enabled:            ac.Enabled,
		RiskMultiplier:     ac.RiskMultiplier,
		MaxPositionPct:     ac.MaxPositionPct,
		MaxOpenPositions:   ac.MaxOpenPos,
		MaxDailyLoss:       ac.MaxDailyLoss,
		SafetyBuffer:       ac.SafetyBuffer,
		AllowStacking:      ac.AllowStacking,
		AutoSync:           ac.AutoSync,
		AllowedSymbols:     allowed,
		APIKeyEncrypted:    key,
		APISecretEncrypted: secret,
	})
}

// Start recovers durable state and launches every loop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.Ledger.Load(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := e.Positions.Load(ctx); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	e.Accounts.WarmBalances(ctx)

	e.spawn(func() { e.Incidents.Run(ctx, e.bus) })
	e.spawn(func() { e.Copier.Run(ctx) })
	e.spawn(func() { e.Watchdog.Run(ctx) })
	for _, w := range e.workers {
		w := w
		e.spawn(func() { w.Run(ctx) })
	}

	log.Printf("engine started: %d workers, paper=%v", len(e.workers), e.cfg.PaperMode)
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop shuts every loop down and flushes pending writes.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.batch.Close()
	if err := e.store.Close(); err != nil {
		log.Printf("⚠️ close store: %v", err)
	}
	log.Printf("engine stopped")
}

// Bus exposes the event bus for API streaming.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Emergency exposes the override flags for the ops API.
func (e *Engine) Emergency() *emergency.State { return e.emerg }

// Store exposes typed queries for read-side API handlers.
func (e *Engine) Store() *db.Store { return e.store }

// SubmitIntent queues a manual trade intent on the master's worker.
func (e *Engine) SubmitIntent(i strategy.Intent) error {
	if _, err := e.Accounts.Master(); err != nil {
		return err
	}
	e.masterQueue.Push(i)
	return nil
}

// LiquidateAll flips liquidate-only mode and closes every live position.
func (e *Engine) LiquidateAll(ctx context.Context) error {
	if err := e.emerg.SetLiquidateOnly(true); err != nil {
		return err
	}
	var firstErr error
	for _, p := range e.Positions.List() {
		if !p.Live() {
			continue
		}
		if err := e.Positions.Close(ctx, p.ID, "emergency_liquidation"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
