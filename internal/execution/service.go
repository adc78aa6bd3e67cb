// Package execution owns the path from an approved order intent to a
// confirmed fill: emergency gating, capability preflight, nonce-serialized
// submission, classified retries and the mandatory confirmation poll.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/emergency"
	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
)

var (
	ErrBuysDisabled = errors.New("buys disabled by emergency state")
	ErrUnconfirmed  = errors.New("order not confirmed")
)

// Options tunes retry and confirmation behavior.
type Options struct {
	MaxAttempts     int
	RetryBase       time.Duration
	ConfirmDelay    time.Duration
	ConfirmAttempts int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 250 * time.Millisecond
	}
	if o.ConfirmDelay <= 0 {
		o.ConfirmDelay = 500 * time.Millisecond
	}
	if o.ConfirmAttempts <= 0 {
		o.ConfirmAttempts = 3
	}
	return o
}

// AuditSink receives one row per order attempt outcome. Backed by the batch
// writer in production.
type AuditSink interface {
	EnqueueOrder(row db.OrderRow)
}

type productCache struct {
	set     map[string]bool
	fetched time.Time
}

// Service executes orders against venue adapters.
type Service struct {
	brokers *broker.Registry
	emerg   *emergency.State
	bus     *events.Bus
	audit   AuditSink
	opts    Options

	prodMu   sync.Mutex
	products map[string]productCache
}

const productCacheTTL = 5 * time.Minute

// NewService builds the execution service.
func NewService(brokers *broker.Registry, emerg *emergency.State, bus *events.Bus, audit AuditSink, opts Options) *Service {
	return &Service{
		brokers:  brokers,
		emerg:    emerg,
		bus:      bus,
		audit:    audit,
		opts:     opts.withDefaults(),
		products: make(map[string]productCache),
	}
}

// PlaceAndConfirm submits a market order for the account and returns only a
// confirmed fill. positionID ties the audit row to a position, empty for
// entries that have no position yet.
//
// Buys are refused outright under liquidate-only or buy-disable; sells are
// always attempted, and under liquidate-only they additionally skip the
// product preflight so a stale product list can never block an exit.
func (s *Service) PlaceAndConfirm(ctx context.Context, a *account.Account, req broker.OrderRequest, positionID string) (broker.OrderResult, error) {
	if req.Size <= 0 {
		return broker.OrderResult{}, broker.Validation("place order", fmt.Errorf("non-positive size %.8f", req.Size))
	}
	if req.Side != broker.SideBuy && req.Side != broker.SideSell {
		return broker.OrderResult{}, broker.Validation("place order", fmt.Errorf("unknown side %q", req.Side))
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	if req.Side == broker.SideBuy && (s.emerg.LiquidateOnly() || s.emerg.BuyDisabled()) {
		return broker.OrderResult{}, fmt.Errorf("%w: %s %s", ErrBuysDisabled, a.ID, req.Symbol)
	}

	adapter, err := s.brokers.GetOrCreate(ctx, a.ID, a.Venue, a.Credentials)
	if err != nil {
		return broker.OrderResult{}, err
	}

	skipPreflight := req.Side == broker.SideSell && s.emerg.LiquidateOnly()
	if !skipPreflight {
		if err := s.preflight(ctx, a.ID, adapter, req.Symbol); err != nil {
			s.record(a.ID, positionID, req, broker.OrderResult{Status: broker.StatusRejected, Reason: err.Error()})
			return broker.OrderResult{}, err
		}
	}

	res, err := s.placeWithRetry(ctx, a, adapter, req)
	if err != nil {
		s.record(a.ID, positionID, req, res)
		s.bus.Publish(events.EventOrderRejected, res)
		return res, err
	}
	s.bus.Publish(events.EventOrderPlaced, res)

	res, err = s.confirm(ctx, adapter, res)
	if err != nil {
		s.record(a.ID, positionID, req, res)
		s.bus.Publish(events.EventOrderRejected, res)
		return res, err
	}

	s.record(a.ID, positionID, req, res)
	s.bus.Publish(events.EventOrderFilled, res)
	return res, nil
}

// preflight checks the venue actually lists the symbol, from a cached product
// list so the check costs no request on the hot path.
func (s *Service) preflight(ctx context.Context, accountID string, adapter broker.Adapter, symbol string) error {
	s.prodMu.Lock()
	c, ok := s.products[accountID]
	s.prodMu.Unlock()

	if !ok || time.Since(c.fetched) > productCacheTTL {
		list, err := adapter.GetProducts(ctx)
		if err != nil {
			if ok {
				// Stale list beats no list; refuse only what we never saw.
				log.Printf("⚠️ product refresh for %s failed, using stale list: %v", accountID, err)
			} else {
				return fmt.Errorf("product preflight for %s: %w", accountID, err)
			}
		} else {
			set := make(map[string]bool, len(list))
			for _, p := range list {
				set[p] = true
			}
			c = productCache{set: set, fetched: time.Now()}
			s.prodMu.Lock()
			s.products[accountID] = c
			s.prodMu.Unlock()
		}
	}

	if !c.set[symbol] {
		return broker.Validation("preflight", fmt.Errorf("%w: %s", broker.ErrUnsupportedSymbol, symbol))
	}
	return nil
}

// placeWithRetry submits the order, retrying transient failures with
// exponential backoff and jitter. Permission failures flag the account and
// fail immediately; validation failures fail immediately.
func (s *Service) placeWithRetry(ctx context.Context, a *account.Account, adapter broker.Adapter, req broker.OrderRequest) (broker.OrderResult, error) {
	var res broker.OrderResult
	var err error

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		res, err = s.submit(ctx, adapter, req)
		if err == nil {
			return res, nil
		}

		switch broker.ClassOf(err) {
		case broker.ClassPermission:
			s.brokers.FlagPermission(a.ID, err.Error())
			return res, fmt.Errorf("place order for %s: %w", a.ID, err)
		case broker.ClassValidation:
			return res, fmt.Errorf("place order for %s: %w", a.ID, err)
		}

		if attempt == s.opts.MaxAttempts {
			break
		}
		delay := s.opts.RetryBase << (attempt - 1)
		delay += time.Duration(rand.Int63n(int64(s.opts.RetryBase)))
		log.Printf("order attempt %d/%d for %s %s failed, retrying in %s: %v",
			attempt, s.opts.MaxAttempts, a.ID, req.Symbol, delay, err)

		select {
		case <-ctx.Done():
			return res, fmt.Errorf("place order for %s: %w", a.ID, ctx.Err())
		case <-time.After(delay):
		}
	}
	return res, fmt.Errorf("place order for %s after %d attempts: %w", a.ID, s.opts.MaxAttempts, err)
}

// submit sends one order. For nonce-carrying venues the credential lock is
// held across the whole signed request, so concurrent callers cannot race
// their nonces onto the wire out of order.
func (s *Service) submit(ctx context.Context, adapter broker.Adapter, req broker.OrderRequest) (broker.OrderResult, error) {
	nc, ok := adapter.(broker.NonceCarrier)
	if !ok {
		return adapter.PlaceMarketOrder(ctx, req)
	}

	var res broker.OrderResult
	err := nc.NonceSource().Submit(func(int64) error {
		var inner error
		res, inner = adapter.PlaceMarketOrder(ctx, req)
		return inner
	})
	return res, err
}

// confirm turns an ack into a fill. An ack without fill details is only
// accepted after a successful status poll; a venue "ok" is not a fill.
func (s *Service) confirm(ctx context.Context, adapter broker.Adapter, res broker.OrderResult) (broker.OrderResult, error) {
	if res.Confirmed() {
		return res, nil
	}
	if res.Status == broker.StatusRejected {
		return res, fmt.Errorf("%w: %s", ErrUnconfirmed, res.Reason)
	}

	sq, ok := adapter.(broker.StatusQuerier)
	if !ok || res.OrderID == "" {
		return res, fmt.Errorf("%w: ack carries no fill and venue cannot be polled", ErrUnconfirmed)
	}

	for i := 0; i < s.opts.ConfirmAttempts; i++ {
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("confirm %s: %w", res.OrderID, ctx.Err())
		case <-time.After(s.opts.ConfirmDelay):
		}

		got, err := sq.GetOrderStatus(ctx, res.OrderID)
		if err != nil {
			log.Printf("confirm poll %d for %s: %v", i+1, res.OrderID, err)
			continue
		}
		if got.Confirmed() {
			return got, nil
		}
		if got.Status == broker.StatusRejected {
			return got, fmt.Errorf("%w: %s", ErrUnconfirmed, got.Reason)
		}
	}
	return res, fmt.Errorf("%w: %s after %d polls", ErrUnconfirmed, res.OrderID, s.opts.ConfirmAttempts)
}

func (s *Service) record(accountID, positionID string, req broker.OrderRequest, res broker.OrderResult) {
	if s.audit == nil {
		return
	}
	id := res.OrderID
	if id == "" {
		id = req.ClientID
	}
	s.audit.EnqueueOrder(db.OrderRow{
		ID:            id,
		AccountID:     accountID,
		PositionID:    positionID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		RequestedSize: req.Size,
		SizeType:      string(req.SizeType),
		FilledVolume:  res.FilledVolume,
		FilledPrice:   res.FilledPrice,
		Status:        string(res.Status),
		Reason:        res.Reason,
		BalanceDelta:  res.BalanceDelta,
		CreatedAt:     time.Now(),
	})
}
