package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/emergency"
	"copytrade-core/internal/events"
	"copytrade-core/internal/execution"
	"copytrade-core/internal/ledger"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/position"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/strategy"
	"copytrade-core/pkg/db"
)

type memLedgerStore struct {
	mu   sync.Mutex
	rows map[string]db.ReservationRow
}

func (m *memLedgerStore) InsertReservation(_ context.Context, r db.ReservationRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.PositionID] = r
	return nil
}

func (m *memLedgerStore) UpdateReservationAmount(_ context.Context, id string, amt float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.Amount = amt
	m.rows[id] = r
	return nil
}

func (m *memLedgerStore) DeleteReservation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memLedgerStore) ListReservations(context.Context) ([]db.ReservationRow, error) {
	return nil, nil
}

type memPositionStore struct {
	mu   sync.Mutex
	rows map[string]db.PositionRow
}

func (m *memPositionStore) UpsertPosition(_ context.Context, p db.PositionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = p
	return nil
}

func (m *memPositionStore) ListOpenPositions(context.Context) ([]db.PositionRow, error) {
	return nil, nil
}

func (m *memPositionStore) AddDailyResult(context.Context, string, float64) error { return nil }

type zeroLoss struct{}

func (zeroLoss) DailyLoss(context.Context, string) (float64, error) { return 0, nil }

type workerRig struct {
	w         *Worker
	paper     *broker.PaperAdapter
	bus       *events.Bus
	positions *position.Manager
	lgr       *ledger.Ledger
	queue     *strategy.Queue
	acct      *account.Account
}

func newWorkerRig(t *testing.T) *workerRig {
	t.Helper()

	paper := broker.NewPaperAdapter(broker.PaperConfig{
		InitialBalance: 10000,
		Products:       []string{"BTC-USD"},
	})
	paper.SetPrice("BTC-USD", 100)

	brokers := broker.NewRegistry(nil)
	brokers.Register("m1", paper)

	acct := &account.Account{
		ID:             "m1",
		Role:           account.RoleMaster,
		Venue:          "paper",
		Enabled:        true,
		RiskMultiplier: 1,
		MaxPositionPct: 0.10,
		ExitPolicy:     position.ExitPolicy{PrimaryStopPct: -0.008},
	}

	accounts := account.NewRegistry(0, func(ctx context.Context, a *account.Account) (float64, error) {
		ad, _ := brokers.Get(a.ID)
		return ad.GetBalance(ctx)
	})
	if err := accounts.Add(acct); err != nil {
		t.Fatalf("Add: %v", err)
	}

	bus := events.NewBus()
	lgr := ledger.New(&memLedgerStore{rows: make(map[string]db.ReservationRow)}, accounts.BalanceFunc(), 0)

	emerg, err := emergency.NewState(t.TempDir())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	exec := execution.NewService(brokers, emerg, bus, nil, execution.Options{
		MaxAttempts:     2,
		RetryBase:       time.Millisecond,
		ConfirmDelay:    time.Millisecond,
		ConfirmAttempts: 2,
	})

	var positions *position.Manager
	exitFn := func(ctx context.Context, p position.Position, volume float64, _ string) (broker.OrderResult, error) {
		a, err := accounts.Get(p.AccountID)
		if err != nil {
			return broker.OrderResult{}, err
		}
		return exec.PlaceAndConfirm(ctx, a, broker.OrderRequest{
			Symbol:   p.Symbol,
			Side:     broker.SideSell,
			Size:     volume,
			SizeType: broker.SizeBase,
		}, p.ID)
	}
	positions = position.NewManager(&memPositionStore{rows: make(map[string]db.PositionRow)}, lgr, bus, exitFn)

	queue := strategy.NewQueue()
	w := New(acct, nil, queue, Deps{
		Accounts:  accounts,
		Brokers:   brokers,
		Exec:      exec,
		Positions: positions,
		Ledger:    lgr,
		Gate:      risk.NewGate(zeroLoss{}, 1),
		Emergency: emerg,
		Bus:       bus,
		Health:    monitor.NewHealth(),
		Latency:   monitor.NewLatency(),
	}, Config{
		ScanInterval:     time.Hour,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
	})

	return &workerRig{w: w, paper: paper, bus: bus, positions: positions, lgr: lgr, queue: queue, acct: acct}
}

func TestQueuedIntentOpensPositionAndSignals(t *testing.T) {
	r := newWorkerRig(t)
	fills, unsub := r.bus.Subscribe(events.EventMasterFill, 4)
	defer unsub()

	r.queue.Push(strategy.Intent{Symbol: "BTC-USD", Side: broker.SideBuy, Notional: 100, Reason: "manual"})
	r.w.scan(context.Background())

	if !r.positions.HasLive("m1", "BTC-USD") {
		t.Fatalf("no position after queued entry")
	}
	if held := r.lgr.HeldCapital("m1"); held != 100 {
		t.Fatalf("held capital = %v, want 100", held)
	}

	select {
	case <-fills:
	default:
		t.Fatalf("master fill signal not published")
	}
}

func TestScanRunsStopLossExit(t *testing.T) {
	r := newWorkerRig(t)
	r.queue.Push(strategy.Intent{Symbol: "BTC-USD", Side: broker.SideBuy, Notional: 100})
	r.w.scan(context.Background())
	if !r.positions.HasLive("m1", "BTC-USD") {
		t.Fatalf("setup entry failed")
	}

	// -1% breaches the -0.8% primary stop on the next scan.
	r.paper.SetPrice("BTC-USD", 99)
	r.w.scan(context.Background())

	if r.positions.HasLive("m1", "BTC-USD") {
		t.Fatalf("stop-loss did not close the position")
	}
	if held := r.lgr.HeldCapital("m1"); held != 0 {
		t.Fatalf("capital still held after exit: %v", held)
	}
}

func TestOpenBreakerPausesScan(t *testing.T) {
	r := newWorkerRig(t)
	paused, unsub := r.bus.Subscribe(events.EventWorkerPaused, 1)
	defer unsub()

	for i := 0; i < 3; i++ {
		r.w.breaker.Failure()
	}
	r.queue.Push(strategy.Intent{Symbol: "BTC-USD", Side: broker.SideBuy, Notional: 100})
	r.w.scan(context.Background())

	select {
	case id := <-paused:
		if id != "m1" {
			t.Fatalf("paused event for %v", id)
		}
	default:
		t.Fatalf("no paused event published")
	}
	if r.positions.HasLive("m1", "BTC-USD") {
		t.Fatalf("paused worker still traded")
	}

	// Closing the breaker resumes the loop.
	resumed, unsub2 := r.bus.Subscribe(events.EventWorkerResumed, 1)
	defer unsub2()
	r.w.breaker.Success()
	r.w.scan(context.Background())
	select {
	case <-resumed:
	default:
		t.Fatalf("no resumed event published")
	}
}

func TestSellWithoutPositionRejectedAsShort(t *testing.T) {
	r := newWorkerRig(t)

	err := r.w.executeExit(context.Background(), r.paper, strategy.Intent{
		Symbol: "BTC-USD",
		Side:   broker.SideSell,
		Reason: "manual",
	})
	if !errors.Is(err, broker.ErrShortNotSupported) {
		t.Fatalf("expected short rejection, got %v", err)
	}
	if broker.ClassOf(err) != broker.ClassValidation {
		t.Fatalf("short rejection should be validation class, got %v", broker.ClassOf(err))
	}

	// A validation rejection must not open the breaker.
	r.queue.Push(strategy.Intent{Symbol: "BTC-USD", Side: broker.SideSell})
	r.w.scan(context.Background())
	if !r.w.breaker.Allow() {
		t.Fatalf("breaker opened on validation rejection")
	}
}

func TestRepeatedEntrySkippedWithoutStacking(t *testing.T) {
	r := newWorkerRig(t)
	r.queue.Push(strategy.Intent{Symbol: "BTC-USD", Side: broker.SideBuy, Notional: 100})
	r.w.scan(context.Background())

	r.queue.Push(strategy.Intent{Symbol: "BTC-USD", Side: broker.SideBuy, Notional: 100})
	r.w.scan(context.Background())

	if got := len(r.positions.ForAccount("m1")); got != 1 {
		t.Fatalf("expected a single live position, got %d", got)
	}
}
