package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/emergency"
	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
)

type countingAdapter struct {
	*broker.PaperAdapter
	mu     sync.Mutex
	places int
}

func (c *countingAdapter) PlaceMarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	c.mu.Lock()
	c.places++
	c.mu.Unlock()
	return c.PaperAdapter.PlaceMarketOrder(ctx, req)
}

func (c *countingAdapter) placed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.places
}

type memAudit struct {
	mu   sync.Mutex
	rows []db.OrderRow
}

func (m *memAudit) EnqueueOrder(row db.OrderRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
}

func (m *memAudit) last(t *testing.T) db.OrderRow {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) == 0 {
		t.Fatalf("no audit rows recorded")
	}
	return m.rows[len(m.rows)-1]
}

type fixture struct {
	svc     *Service
	adapter *countingAdapter
	brokers *broker.Registry
	emerg   *emergency.State
	audit   *memAudit
	acct    *account.Account
}

func newFixture(t *testing.T, paperCfg broker.PaperConfig) *fixture {
	t.Helper()
	if paperCfg.InitialBalance == 0 {
		paperCfg.InitialBalance = 10000
	}
	if paperCfg.Products == nil {
		paperCfg.Products = []string{"BTC-USD"}
	}

	adapter := &countingAdapter{PaperAdapter: broker.NewPaperAdapter(paperCfg)}
	adapter.SetPrice("BTC-USD", 100)

	brokers := broker.NewRegistry(nil)
	brokers.Register("u1", adapter)

	emerg, err := emergency.NewState(t.TempDir())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	audit := &memAudit{}
	svc := NewService(brokers, emerg, events.NewBus(), audit, Options{
		MaxAttempts:     3,
		RetryBase:       time.Millisecond,
		ConfirmDelay:    time.Millisecond,
		ConfirmAttempts: 3,
	})

	return &fixture{
		svc:     svc,
		adapter: adapter,
		brokers: brokers,
		emerg:   emerg,
		audit:   audit,
		acct:    &account.Account{ID: "u1", Venue: "paper", Enabled: true},
	}
}

func buyReq(size float64) broker.OrderRequest {
	return broker.OrderRequest{Symbol: "BTC-USD", Side: broker.SideBuy, Size: size, SizeType: broker.SizeQuote}
}

func TestTransientFailureRetriedToFill(t *testing.T) {
	f := newFixture(t, broker.PaperConfig{})
	f.adapter.FailNext(broker.Transient("place order", fmt.Errorf("venue timeout")))

	res, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, buyReq(100), "")
	if err != nil {
		t.Fatalf("PlaceAndConfirm: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("result not confirmed: %+v", res)
	}
	if got := f.adapter.placed(); got != 2 {
		t.Fatalf("expected 2 placements (1 failure + 1 fill), got %d", got)
	}
	if row := f.audit.last(t); row.Status != string(broker.StatusFilled) {
		t.Fatalf("audit status = %s, want filled", row.Status)
	}
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	f := newFixture(t, broker.PaperConfig{})
	f.adapter.FailAlways(broker.Transient("place order", fmt.Errorf("venue down")))

	_, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, buyReq(100), "")
	if err == nil {
		t.Fatalf("expected failure after exhausted retries")
	}
	if got := f.adapter.placed(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestPermissionFailureFlagsAccountAndFailsFast(t *testing.T) {
	f := newFixture(t, broker.PaperConfig{})
	f.adapter.FailAlways(broker.Permission("place order", fmt.Errorf("read-only key")))

	_, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, buyReq(100), "")
	if !broker.IsPermission(err) {
		t.Fatalf("want permission error, got %v", err)
	}
	if got := f.adapter.placed(); got != 1 {
		t.Fatalf("permission failure must not be retried, got %d attempts", got)
	}
	if _, flagged := f.brokers.Flagged("u1"); !flagged {
		t.Fatalf("account not flagged after permission failure")
	}
}

func TestBuyRefusedUnderEmergency(t *testing.T) {
	f := newFixture(t, broker.PaperConfig{})
	if err := f.emerg.SetLiquidateOnly(true); err != nil {
		t.Fatalf("SetLiquidateOnly: %v", err)
	}

	_, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, buyReq(100), "")
	if !errors.Is(err, ErrBuysDisabled) {
		t.Fatalf("want ErrBuysDisabled, got %v", err)
	}
	if got := f.adapter.placed(); got != 0 {
		t.Fatalf("buy reached the venue under liquidate-only, %d placements", got)
	}
}

func TestSellStillRunsUnderLiquidateOnly(t *testing.T) {
	f := newFixture(t, broker.PaperConfig{})

	// Open a holding first, then flip the override.
	if _, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, buyReq(100), ""); err != nil {
		t.Fatalf("setup buy: %v", err)
	}
	if err := f.emerg.SetLiquidateOnly(true); err != nil {
		t.Fatalf("SetLiquidateOnly: %v", err)
	}

	sell := broker.OrderRequest{Symbol: "BTC-USD", Side: broker.SideSell, Size: 0.5, SizeType: broker.SizeBase}
	res, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, sell, "")
	if err != nil {
		t.Fatalf("sell under liquidate-only: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("sell not confirmed: %+v", res)
	}
}

func TestUnsupportedSymbolRejectedLocally(t *testing.T) {
	f := newFixture(t, broker.PaperConfig{})

	req := broker.OrderRequest{Symbol: "DOGE-USD", Side: broker.SideBuy, Size: 10, SizeType: broker.SizeQuote}
	_, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, req, "")
	if !errors.Is(err, broker.ErrUnsupportedSymbol) {
		t.Fatalf("want ErrUnsupportedSymbol, got %v", err)
	}
	if got := f.adapter.placed(); got != 0 {
		t.Fatalf("unsupported symbol reached the venue, %d placements", got)
	}
}

func TestDeferredConfirmationIsPolled(t *testing.T) {
	f := newFixture(t, broker.PaperConfig{DeferConfirmation: true})

	res, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, buyReq(100), "")
	if err != nil {
		t.Fatalf("PlaceAndConfirm with deferred fill: %v", err)
	}
	if !res.Confirmed() {
		t.Fatalf("deferred ack not resolved by status poll: %+v", res)
	}
	if res.FilledVolume <= 0 || res.FilledPrice <= 0 {
		t.Fatalf("poll returned incomplete fill: %+v", res)
	}
}

func TestRejectedOrderSurfacesReason(t *testing.T) {
	f := newFixture(t, broker.PaperConfig{InitialBalance: 10})

	// Paper venue rejects a buy beyond the balance.
	_, err := f.svc.PlaceAndConfirm(context.Background(), f.acct, buyReq(100), "")
	if !errors.Is(err, broker.ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
	if row := f.audit.last(t); row.Status != string(broker.StatusRejected) {
		t.Fatalf("audit status = %s, want rejected", row.Status)
	}
}
