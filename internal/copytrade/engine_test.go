package copytrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/events"
	"copytrade-core/internal/ledger"
	"copytrade-core/internal/position"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
)

// ---- fakes ----

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

type memDispatchStore struct {
	mu      sync.Mutex
	signals map[string]db.SignalRow
	claims  map[string]string
}

func newMemDispatchStore() *memDispatchStore {
	return &memDispatchStore{signals: make(map[string]db.SignalRow), claims: make(map[string]string)}
}

func (m *memDispatchStore) InsertSignal(_ context.Context, sig db.SignalRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[sig.ID] = sig
	return nil
}

func (m *memDispatchStore) ClaimDispatch(_ context.Context, signalID, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := signalID + "|" + accountID
	if _, ok := m.claims[key]; ok {
		return false, nil
	}
	m.claims[key] = "PENDING"
	return true, nil
}

func (m *memDispatchStore) FinishDispatch(_ context.Context, signalID, accountID, status, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[signalID+"|"+accountID] = status
	return nil
}

type placedOrder struct {
	accountID string
	req       broker.OrderRequest
}

type fakeExec struct {
	mu      sync.Mutex
	price   float64
	failFor map[string]bool
	orders  []placedOrder
	seq     int
}

func (f *fakeExec) PlaceAndConfirm(_ context.Context, a *account.Account, req broker.OrderRequest, _ string) (broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[a.ID] {
		return broker.OrderResult{Status: broker.StatusError}, errors.New("venue unavailable")
	}
	f.seq++
	f.orders = append(f.orders, placedOrder{accountID: a.ID, req: req})
	volume := req.Size
	if req.SizeType == broker.SizeQuote {
		volume = req.Size / f.price
	}
	delta := -req.Size
	if req.Side == broker.SideSell {
		delta = req.Size
	}
	return broker.OrderResult{
		OrderID:      fmt.Sprintf("o-%d", f.seq),
		Symbol:       req.Symbol,
		Side:         req.Side,
		FilledVolume: volume,
		FilledPrice:  f.price,
		Status:       broker.StatusFilled,
		BalanceDelta: delta,
	}, nil
}

func (f *fakeExec) ordersFor(accountID string) []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []placedOrder
	for _, o := range f.orders {
		if o.accountID == accountID {
			out = append(out, o)
		}
	}
	return out
}

type zeroLoss struct{}

func (zeroLoss) DailyLoss(context.Context, string) (float64, error) { return 0, nil }

// ---- fixture ----

type rig struct {
	engine   *Engine
	accounts *account.Registry
	exec     *fakeExec
	store    *memDispatchStore
	pos      *position.Manager
	lgr      *ledger.Ledger
}

func newRig(t *testing.T, balances map[string]float64, users ...*account.Account) *rig {
	t.Helper()

	fetch := func(_ context.Context, a *account.Account) (float64, error) {
		return balances[a.ID], nil
	}
	accounts := account.NewRegistry(time.Hour, fetch)
	for _, u := range users {
		if err := accounts.Add(u); err != nil {
			t.Fatalf("Add %s: %v", u.ID, err)
		}
	}

	lgr := ledger.New(&memLedgerStore{rows: make(map[string]db.ReservationRow)}, accounts.BalanceFunc(), 0)
	exec := &fakeExec{price: 100, failFor: make(map[string]bool)}

	exitFn := func(_ context.Context, p position.Position, volume float64, _ string) (broker.OrderResult, error) {
		return exec.PlaceAndConfirm(context.Background(), &account.Account{ID: p.AccountID}, broker.OrderRequest{
			Symbol:   p.Symbol,
			Side:     broker.SideSell,
			Size:     volume,
			SizeType: broker.SizeBase,
		}, p.ID)
	}
	pos := position.NewManager(&memPositionStore{rows: make(map[string]db.PositionRow)}, lgr, events.NewBus(), exitFn)

	store := newMemDispatchStore()
	engine := NewEngine(accounts, risk.NewGate(zeroLoss{}, 1), lgr, pos, exec, store, events.NewBus(), 4)

	return &rig{engine: engine, accounts: accounts, exec: exec, store: store, pos: pos, lgr: lgr}
}

func user(id string, mult float64) *account.Account {
	return &account.Account{
		ID:             id,
		Role:           account.RoleUser,
		Enabled:        true,
		RiskMultiplier: mult,
		MaxPositionPct: 1.0,
	}
}

func signal(id string, size, masterBalance float64) Signal {
	return Signal{
		ID:            id,
		Symbol:        "BTC-USD",
		Side:          broker.SideBuy,
		Size:          size,
		MasterBalance: masterBalance,
		At:            time.Now(),
	}
}

// ---- tests ----

func TestScaleSize(t *testing.T) {
	if got := ScaleSize(100, 1000, 50, 1); got != 5 {
		t.Fatalf("ScaleSize = %v, want 5", got)
	}
	if got := ScaleSize(100, 1000, 50, 0.5); got != 2.5 {
		t.Fatalf("ScaleSize with 0.5 multiplier = %v, want 2.5", got)
	}
	if got := ScaleSize(100, 0, 50, 1); got != 0 {
		t.Fatalf("ScaleSize with zero master balance = %v, want 0", got)
	}
}

func TestFanoutProportionalSizing(t *testing.T) {
	r := newRig(t, map[string]float64{"u1": 50}, user("u1", 1))

	report := r.engine.Fanout(context.Background(), signal("sig-1", 100, 1000))
	if report.Successful != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}

	orders := r.exec.ordersFor("u1")
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	if got := orders[0].req.Size; got != 5 {
		t.Fatalf("order size = %v, want 5 (100 × 50/1000)", got)
	}
	if !r.pos.HasLive("u1", "BTC-USD") {
		t.Fatalf("no position tracked after fill")
	}
}

func TestFanoutIsolatesUserFailures(t *testing.T) {
	users := []*account.Account{
		user("u1", 1), user("u2", 1), user("u3", 1), user("u4", 1), user("u5", 1),
	}
	balances := map[string]float64{"u1": 100, "u2": 100, "u3": 100, "u4": 100, "u5": 100}
	r := newRig(t, balances, users...)
	r.exec.failFor["u3"] = true

	report := r.engine.Fanout(context.Background(), signal("sig-1", 100, 1000))
	if report.Successful != 4 {
		t.Fatalf("successful = %d, want 4", report.Successful)
	}
	if report.Failed != 1 {
		t.Fatalf("failed = %d, want 1", report.Failed)
	}
	for _, id := range []string{"u1", "u2", "u4", "u5"} {
		if !r.pos.HasLive(id, "BTC-USD") {
			t.Fatalf("user %s missing its position", id)
		}
	}
	if r.pos.HasLive("u3", "BTC-USD") {
		t.Fatalf("failed user u3 has a position")
	}
	// A failed entry must not leave capital held.
	if held := r.lgr.HeldCapital("u3"); held != 0 {
		t.Fatalf("u3 capital still held after failure: %v", held)
	}
}

func TestFanoutAtMostOncePerUser(t *testing.T) {
	r := newRig(t, map[string]float64{"u1": 100}, user("u1", 1))

	first := r.engine.Fanout(context.Background(), signal("sig-1", 100, 1000))
	if first.Successful != 1 {
		t.Fatalf("first run: %+v", first)
	}

	second := r.engine.Fanout(context.Background(), signal("sig-1", 100, 1000))
	if second.Skipped != 1 || second.Successful != 0 {
		t.Fatalf("replayed signal not skipped: %+v", second)
	}
	if got := len(r.exec.ordersFor("u1")); got != 1 {
		t.Fatalf("replay produced a second order, %d total", got)
	}
}

func TestExitSignalClosesUserPositions(t *testing.T) {
	r := newRig(t, map[string]float64{"u1": 100}, user("u1", 1))

	if rep := r.engine.Fanout(context.Background(), signal("sig-1", 100, 1000)); rep.Successful != 1 {
		t.Fatalf("entry fanout: %+v", rep)
	}

	exit := signal("sig-2", 100, 1000)
	exit.Side = broker.SideSell
	rep := r.engine.Fanout(context.Background(), exit)
	if rep.Successful != 1 {
		t.Fatalf("exit fanout: %+v", rep)
	}
	if r.pos.HasLive("u1", "BTC-USD") {
		t.Fatalf("position still live after master exit")
	}
	if held := r.lgr.HeldCapital("u1"); held != 0 {
		t.Fatalf("capital still held after close: %v", held)
	}
}

func TestSkippedWhenSymbolNotAllowed(t *testing.T) {
	restricted, err := account.FromConfig(config.AccountConfig{
		ID:             "u1",
		Role:           "user",
		Enabled:        true,
		RiskMultiplier: 1,
		MaxPositionPct: 1.0,
		AllowedSymbols: []string{"ETH-USD"},
	}, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	r := newRig(t, map[string]float64{"u1": 100}, restricted)

	rep := r.engine.Fanout(context.Background(), signal("sig-1", 100, 1000))
	if rep.Skipped != 1 || rep.Failed != 0 {
		t.Fatalf("allow-list exclusion not skipped: %+v", rep)
	}
	if got := len(r.exec.ordersFor("u1")); got != 0 {
		t.Fatalf("restricted user still traded, %d orders", got)
	}
}

func TestSkippedWhenAlreadyHolding(t *testing.T) {
	r := newRig(t, map[string]float64{"u1": 100}, user("u1", 1))

	if rep := r.engine.Fanout(context.Background(), signal("sig-1", 100, 1000)); rep.Successful != 1 {
		t.Fatalf("first entry: %+v", rep)
	}
	rep := r.engine.Fanout(context.Background(), signal("sig-2", 100, 1000))
	if rep.Skipped != 1 {
		t.Fatalf("second entry on held symbol not skipped: %+v", rep)
	}
}
