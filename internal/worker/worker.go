// Package worker runs one trading loop per account: evaluate open positions,
// derive new intents, and execute them, with a circuit breaker isolating the
// account when its venue misbehaves.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/copytrade"
	"copytrade-core/internal/emergency"
	"copytrade-core/internal/events"
	"copytrade-core/internal/ledger"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/position"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/strategy"
)

// Executor is the slice of the execution service workers use.
type Executor interface {
	PlaceAndConfirm(ctx context.Context, a *account.Account, req broker.OrderRequest, positionID string) (broker.OrderResult, error)
}

// Deps bundles the shared collaborators every worker needs.
type Deps struct {
	Accounts  *account.Registry
	Brokers   *broker.Registry
	Exec      Executor
	Positions *position.Manager
	Ledger    *ledger.Ledger
	Gate      *risk.Gate
	Emergency *emergency.State
	Bus       *events.Bus
	Health    *monitor.Health
	Latency   *monitor.Latency
}

// Config tunes one worker's loop.
type Config struct {
	ScanInterval     time.Duration
	Symbols          []string
	CandleInterval   string
	CandleHistory    int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Second
	}
	if c.CandleInterval == "" {
		c.CandleInterval = "1m"
	}
	if c.CandleHistory <= 0 {
		c.CandleHistory = 50
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 2 * time.Minute
	}
	return c
}

// Worker is one account's trading loop.
type Worker struct {
	acct    *account.Account
	strat   strategy.Strategy
	queue   *strategy.Queue // manual intents, may be nil
	deps    Deps
	cfg     Config
	breaker *Breaker
	paused  bool
}

// New builds a worker for one account.
func New(acct *account.Account, strat strategy.Strategy, queue *strategy.Queue, deps Deps, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	if strat == nil {
		strat = strategy.Noop{}
	}
	return &Worker{
		acct:    acct,
		strat:   strat,
		queue:   queue,
		deps:    deps,
		cfg:     cfg,
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// Run executes the scan loop until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("worker %s started (strategy %s, every %s)", w.acct.ID, w.strat.Name(), w.cfg.ScanInterval)
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker %s stopped", w.acct.ID)
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Worker) scan(ctx context.Context) {
	if !w.breaker.Allow() {
		if !w.paused {
			w.paused = true
			log.Printf("⚠️ worker %s paused, circuit open", w.acct.ID)
			w.deps.Bus.Publish(events.EventWorkerPaused, w.acct.ID)
		}
		return
	}
	if w.paused {
		w.paused = false
		log.Printf("worker %s resumed", w.acct.ID)
		w.deps.Bus.Publish(events.EventWorkerResumed, w.acct.ID)
	}

	start := time.Now()
	defer func() {
		w.deps.Latency.Record("scan", time.Since(start))
	}()

	adapter, err := w.deps.Brokers.GetOrCreate(ctx, w.acct.ID, w.acct.Venue, w.acct.Credentials)
	if err != nil {
		if errors.Is(err, broker.ErrAccountFlagged) {
			// Flagged credentials cannot recover on their own; idle quietly.
			return
		}
		w.deps.Health.Record(w.acct.ID, false)
		w.breaker.Failure()
		log.Printf("⚠️ worker %s: adapter: %v", w.acct.ID, err)
		return
	}

	w.evaluatePositions(ctx, adapter)

	for _, intent := range w.collectIntents(ctx, adapter) {
		if err := w.execute(ctx, adapter, intent); err != nil {
			log.Printf("⚠️ worker %s: %s %s: %v", w.acct.ID, intent.Side, intent.Symbol, err)
			// Validation rejections are request defects, not venue failures.
			if broker.ClassOf(err) != broker.ClassValidation && w.breaker.Failure() {
				log.Printf("⚠️ worker %s circuit opened", w.acct.ID)
			}
		} else {
			w.breaker.Success()
		}
	}
}

// evaluatePositions runs the exit ladder over this account's live positions.
func (w *Worker) evaluatePositions(ctx context.Context, adapter broker.Adapter) {
	for _, p := range w.deps.Positions.ForAccount(w.acct.ID) {
		price, err := w.lastPrice(ctx, adapter, p.Symbol)
		if err != nil {
			log.Printf("⚠️ worker %s: price for %s: %v", w.acct.ID, p.Symbol, err)
			continue
		}
		if err := w.deps.Positions.Evaluate(ctx, p.ID, price); err != nil {
			log.Printf("⚠️ worker %s: evaluate %s: %v", w.acct.ID, p.ID, err)
			w.breaker.Failure()
		}
	}
}

func (w *Worker) lastPrice(ctx context.Context, adapter broker.Adapter, symbol string) (float64, error) {
	candles, err := adapter.GetCandles(ctx, symbol, w.cfg.CandleInterval, 1)
	w.deps.Health.Record(w.acct.ID, err == nil)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no candles for %s", symbol)
	}
	return candles[len(candles)-1].Close, nil
}

// collectIntents drains manual intents, then asks the strategy about a batch
// of symbols. The batch shrinks with the account's API health, so a degraded
// venue sees fewer market-data requests per scan instead of more.
func (w *Worker) collectIntents(ctx context.Context, adapter broker.Adapter) []strategy.Intent {
	var intents []strategy.Intent
	if w.queue != nil {
		for {
			intent, ok := w.queue.Pop()
			if !ok {
				break
			}
			intents = append(intents, intent)
		}
	}

	batch := len(w.cfg.Symbols)
	if batch > 0 {
		score := w.deps.Health.Score(w.acct.ID)
		scaled := int(score * float64(batch))
		if scaled < 1 {
			scaled = 1
		}
		if scaled < batch {
			batch = scaled
		}
	}

	for _, symbol := range w.cfg.Symbols[:batch] {
		candles, err := adapter.GetCandles(ctx, symbol, w.cfg.CandleInterval, w.cfg.CandleHistory)
		w.deps.Health.Record(w.acct.ID, err == nil)
		if err != nil {
			continue
		}
		if intent, ok := w.strat.Decide(symbol, candles); ok {
			intents = append(intents, intent)
		}
	}
	return intents
}

func (w *Worker) execute(ctx context.Context, adapter broker.Adapter, intent strategy.Intent) error {
	if intent.Side == broker.SideSell {
		return w.executeExit(ctx, adapter, intent)
	}
	return w.executeEntry(ctx, intent)
}

func (w *Worker) executeEntry(ctx context.Context, intent strategy.Intent) error {
	balance, err := w.deps.Accounts.Balance(ctx, w.acct.ID)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	notional := intent.Notional
	if notional <= 0 {
		notional = balance * w.acct.MaxPositionPct
	}
	notional, err = w.deps.Gate.CheckEntry(ctx, w.acct, intent.Symbol, notional, balance)
	if err != nil {
		return err
	}
	if !w.acct.AllowStacking && w.deps.Positions.HasLive(w.acct.ID, intent.Symbol) {
		return nil
	}
	if w.acct.MaxOpenPos > 0 && len(w.deps.Positions.ForAccount(w.acct.ID)) >= w.acct.MaxOpenPos {
		return nil
	}

	positionID := uuid.NewString()
	if err := w.deps.Ledger.Reserve(ctx, w.acct.ID, positionID, notional); err != nil {
		return err
	}

	res, err := w.deps.Exec.PlaceAndConfirm(ctx, w.acct, broker.OrderRequest{
		Symbol:   intent.Symbol,
		Side:     broker.SideBuy,
		Size:     notional,
		SizeType: broker.SizeQuote,
	}, positionID)
	w.deps.Health.Record(w.acct.ID, err == nil)
	if err != nil {
		if rerr := w.deps.Ledger.Release(ctx, positionID); rerr != nil {
			log.Printf("⚠️ release after failed entry %s: %v", positionID, rerr)
		}
		return err
	}

	w.deps.Accounts.ApplyDelta(w.acct.ID, res.BalanceDelta)
	if err := w.deps.Positions.Track(ctx, position.Position{
		ID:              positionID,
		AccountID:       w.acct.ID,
		Symbol:          intent.Symbol,
		Side:            broker.SideBuy,
		EntryPrice:      res.FilledPrice,
		Quantity:        res.FilledVolume,
		ReservedCapital: notional,
		Policy:          w.acct.ExitPolicy,
	}, w.acct.AllowStacking); err != nil {
		return err
	}

	if w.acct.Role == account.RoleMaster {
		w.publishSignal(broker.SideBuy, intent.Symbol, notional, balance)
	}
	log.Printf("worker %s entered %s: %.6f @ %.2f (%s)",
		w.acct.ID, intent.Symbol, res.FilledVolume, res.FilledPrice, intent.Reason)
	return nil
}

func (w *Worker) executeExit(ctx context.Context, adapter broker.Adapter, intent strategy.Intent) error {
	var closed int
	for _, p := range w.deps.Positions.ForAccount(w.acct.ID) {
		if p.Symbol != intent.Symbol {
			continue
		}
		if err := w.deps.Positions.Close(ctx, p.ID, intent.Reason); err != nil {
			return err
		}
		closed++
	}
	if closed == 0 && !adapter.SupportsShort() {
		// A sell with nothing to close is a short, rejected before the venue.
		return broker.Validation("exit", fmt.Errorf("%w: %s", broker.ErrShortNotSupported, intent.Symbol))
	}
	if closed > 0 && w.acct.Role == account.RoleMaster {
		balance, err := w.deps.Accounts.Balance(ctx, w.acct.ID)
		if err != nil {
			balance = 0
		}
		w.publishSignal(broker.SideSell, intent.Symbol, 0, balance)
	}
	return nil
}

// publishSignal emits a master fill for the copy-trade engine. The balance
// snapshot rides along so every user scales against the same denominator.
func (w *Worker) publishSignal(side broker.Side, symbol string, notional, balance float64) {
	sig := copytrade.Signal{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Size:          notional,
		MasterBalance: balance,
		At:            time.Now(),
	}
	w.deps.Bus.Publish(events.EventMasterFill, sig)
	log.Printf("master fill signal %s: %s %s", sig.ID, side, symbol)
}
