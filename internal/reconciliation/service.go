// Package reconciliation periodically compares local position state against
// venue-reported holdings and the capital ledger, records drift, and
// optionally re-syncs accounts that consented to it.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/events"
	"copytrade-core/internal/ledger"
	"copytrade-core/internal/position"
	"copytrade-core/pkg/db"
)

// Store is the drift audit sink.
type Store interface {
	InsertDriftReport(ctx context.Context, d db.DriftRow) error
}

// Drift is the bus payload for a detected difference.
type Drift struct {
	AccountID   string  `json:"account_id"`
	Symbol      string  `json:"symbol"`
	LocalQty    float64 `json:"local_qty"`
	ExchangeQty float64 `json:"exchange_qty"`
	Synced      bool    `json:"synced"`
}

// Service is the reconciliation watchdog.
type Service struct {
	accounts  *account.Registry
	brokers   *broker.Registry
	positions *position.Manager
	ledger    *ledger.Ledger
	store     Store
	bus       *events.Bus
	interval  time.Duration
	tolerance float64
}

// NewService builds the watchdog. tolerance is the absolute quantity
// difference treated as noise (venue rounding, fee dust).
func NewService(accounts *account.Registry, brokers *broker.Registry, positions *position.Manager, lgr *ledger.Ledger, store Store, bus *events.Bus, interval time.Duration, tolerance float64) *Service {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Service{
		accounts:  accounts,
		brokers:   brokers,
		positions: positions,
		ledger:    lgr,
		store:     store,
		bus:       bus,
		interval:  interval,
		tolerance: tolerance,
	}
}

// Run executes reconciliation passes until ctx ends.
func (s *Service) Run(ctx context.Context) {
	log.Printf("reconciliation watchdog started (every %s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("reconciliation watchdog stopped")
			return
		case <-ticker.C:
			s.CheckAll(ctx)
		}
	}
}

// CheckAll reconciles every enabled account. One account's failure never
// stops the pass.
func (s *Service) CheckAll(ctx context.Context) {
	for _, a := range s.accounts.All() {
		if !a.Enabled {
			continue
		}
		if _, flagged := s.brokers.Flagged(a.ID); flagged {
			continue
		}
		if err := s.Check(ctx, a); err != nil {
			log.Printf("⚠️ reconcile %s: %v", a.ID, err)
		}
	}
}

// Check reconciles one account: venue holdings against tracked positions,
// and tracked positions against the capital ledger.
func (s *Service) Check(ctx context.Context, a *account.Account) error {
	adapter, err := s.brokers.GetOrCreate(ctx, a.ID, a.Venue, a.Credentials)
	if err != nil {
		return err
	}

	exchange, err := adapter.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("venue positions: %w", err)
	}
	venueQty := make(map[string]float64, len(exchange))
	for _, p := range exchange {
		venueQty[p.Symbol] = p.Quantity
	}

	local := s.positions.ForAccount(a.ID)
	localQty := make(map[string]float64, len(local))
	for _, p := range local {
		localQty[p.Symbol] += p.RemainingQty
	}

	symbols := make(map[string]bool, len(venueQty)+len(localQty))
	for sym := range venueQty {
		symbols[sym] = true
	}
	for sym := range localQty {
		symbols[sym] = true
	}

	for sym := range symbols {
		lq, vq := localQty[sym], venueQty[sym]
		if math.Abs(vq-lq) <= s.tolerance {
			continue
		}
		s.reportDrift(ctx, a, adapter, sym, lq, vq, local)
	}

	s.checkLedger(a, local)
	return nil
}

// reportDrift records the difference and, when the account consented to
// auto-sync and the venue holds less than we track, shrinks local state down
// to the venue's quantity with a synthetic exit fill.
func (s *Service) reportDrift(ctx context.Context, a *account.Account, adapter broker.Adapter, symbol string, localQty, venueQty float64, local []position.Position) {
	synced := false
	if a.AutoSync && venueQty < localQty {
		synced = s.syncDown(ctx, a, adapter, symbol, localQty-venueQty, local)
	}

	log.Printf("⚠️ drift on %s %s: local %.8f vs venue %.8f (synced=%v)",
		a.ID, symbol, localQty, venueQty, synced)
	if err := s.store.InsertDriftReport(ctx, db.DriftRow{
		AccountID:   a.ID,
		Symbol:      symbol,
		LocalQty:    localQty,
		ExchangeQty: venueQty,
		Difference:  venueQty - localQty,
		Synced:      synced,
	}); err != nil {
		log.Printf("⚠️ persist drift report: %v", err)
	}
	s.bus.Publish(events.EventDriftDetected, Drift{
		AccountID:   a.ID,
		Symbol:      symbol,
		LocalQty:    localQty,
		ExchangeQty: venueQty,
		Synced:      synced,
	})
}

// syncDown folds the missing quantity into tracked positions as synthetic
// exit fills, priced at the venue's last trade. Something outside the core
// already sold these units; local books just catch up.
func (s *Service) syncDown(ctx context.Context, a *account.Account, adapter broker.Adapter, symbol string, missing float64, local []position.Position) bool {
	price, err := s.lastPrice(ctx, adapter, symbol)
	if err != nil {
		log.Printf("⚠️ sync %s %s: price: %v", a.ID, symbol, err)
		return false
	}

	for _, p := range local {
		if missing <= s.tolerance {
			break
		}
		if p.Symbol != symbol {
			continue
		}
		volume := math.Min(missing, p.RemainingQty)
		res := broker.OrderResult{
			OrderID:      "sync-" + uuid.NewString(),
			Symbol:       symbol,
			Side:         broker.SideSell,
			FilledVolume: volume,
			FilledPrice:  price,
			Status:       broker.StatusFilled,
			Reason:       "reconciliation sync",
		}
		if err := s.positions.ApplyExitFill(ctx, p.ID, res); err != nil {
			log.Printf("⚠️ sync %s %s: %v", a.ID, p.ID, err)
			return false
		}
		missing -= volume
	}

	s.accounts.InvalidateBalance(a.ID)
	return missing <= s.tolerance
}

// checkLedger cross-checks live positions against their capital holds.
func (s *Service) checkLedger(a *account.Account, local []position.Position) {
	for _, p := range local {
		if p.RemainingQty <= 0 {
			continue
		}
		if _, ok := s.ledger.Reserved(p.ID); !ok {
			s.incident(a, p, "live position has no capital reservation")
		}
		if s.ledger.HasDoubleReservation(p.ID) {
			s.incident(a, p, "double reservation attempt recorded")
		}
	}
}

func (s *Service) incident(a *account.Account, p position.Position, msg string) {
	log.Printf("🚨 ledger inconsistency on %s: position %s: %s", a.ID, p.ID, msg)
	s.bus.Publish(events.EventIncident, map[string]any{
		"account_id":  a.ID,
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"message":     msg,
	})
}

func (s *Service) lastPrice(ctx context.Context, adapter broker.Adapter, symbol string) (float64, error) {
	candles, err := adapter.GetCandles(ctx, symbol, "1m", 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no candles for %s", symbol)
	}
	return candles[len(candles)-1].Close, nil
}
