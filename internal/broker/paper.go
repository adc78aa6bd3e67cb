package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	InitialBalance float64
	FeeRate        float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps    float64 // slippage applied on fills (bps)
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	Products       []string
	AssetClasses   []string // e.g. "spot"
	RequestsPerSec float64  // venue rate limit emulation; 0 = unlimited

	// DeferConfirmation makes PlaceMarketOrder ack without fill details so
	// the caller has to poll GetOrderStatus, like venues that fill async.
	DeferConfirmation bool
}

// PaperAdapter is an in-memory venue used for dry-run mode and tests. It
// fills market orders instantly at the configured price feed, applies fee
// and slippage, and keeps balance/position books like a real account.
type PaperAdapter struct {
	cfg     PaperConfig
	nonce   *NonceSource
	limiter *rate.Limiter
	rng     *rand.Rand

	mu        sync.Mutex
	connected bool
	balance   float64
	positions map[string]float64
	orders    map[string]OrderResult
	prices    map[string]float64
	products  map[string]bool

	// test hook: next PlaceMarketOrder returns this error once
	failNext error
	// test hook: when set, every PlaceMarketOrder fails with it
	failAlways error
}

// NewPaperAdapter creates a simulated venue.
func NewPaperAdapter(cfg PaperConfig) *PaperAdapter {
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	var lim *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)+1)
	}
	products := make(map[string]bool, len(cfg.Products))
	for _, p := range cfg.Products {
		products[p] = true
	}
	return &PaperAdapter{
		cfg:       cfg,
		nonce:     NewNonceSource(),
		limiter:   lim,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		balance:   cfg.InitialBalance,
		positions: make(map[string]float64),
		orders:    make(map[string]OrderResult),
		prices:    make(map[string]float64),
		products:  products,
	}
}

func (p *PaperAdapter) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *PaperAdapter) NonceSource() *NonceSource { return p.nonce }

// SetPrice feeds the simulated market.
func (p *PaperAdapter) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// FailNext makes the next order placement return err.
func (p *PaperAdapter) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// FailAlways makes every order placement return err until reset with nil.
func (p *PaperAdapter) FailAlways(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAlways = err
}

func (p *PaperAdapter) GetBalance(ctx context.Context) (float64, error) {
	if err := p.wait(ctx); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperAdapter) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ExchangePosition, 0, len(p.positions))
	for sym, qty := range p.positions {
		if qty != 0 {
			out = append(out, ExchangePosition{Symbol: sym, Quantity: qty})
		}
	}
	return out, nil
}

func (p *PaperAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	price, ok := p.prices[symbol]
	p.mu.Unlock()
	if !ok {
		return nil, Validation("get candles", fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol))
	}
	if limit <= 0 {
		limit = 1
	}
	now := time.Now()
	out := make([]Candle, limit)
	for i := range out {
		out[i] = Candle{Open: price, High: price, Low: price, Close: price, Time: now}
	}
	return out, nil
}

func (p *PaperAdapter) GetProducts(ctx context.Context) ([]string, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), p.cfg.Products...), nil
}

func (p *PaperAdapter) SupportsAssetClass(class string) bool {
	for _, c := range p.cfg.AssetClasses {
		if c == class {
			return true
		}
	}
	return false
}

// SupportsShort is always false: the paper venue models a spot account.
func (p *PaperAdapter) SupportsShort() bool { return false }

func (p *PaperAdapter) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := p.wait(ctx); err != nil {
		return OrderResult{Status: StatusError, Reason: err.Error()}, Transient("place order", err)
	}
	p.simulateLatency()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeInjectedFailure(); err != nil {
		return OrderResult{Status: StatusError, Reason: err.Error()}, err
	}

	if !p.products[req.Symbol] {
		err := fmt.Errorf("%w: %s", ErrUnsupportedSymbol, req.Symbol)
		return OrderResult{Status: StatusRejected, Reason: err.Error()}, Validation("place order", err)
	}
	price := p.prices[req.Symbol]
	if price <= 0 {
		err := fmt.Errorf("no market price for %s", req.Symbol)
		return OrderResult{Status: StatusRejected, Reason: err.Error()}, Validation("place order", err)
	}

	// Slippage always moves against the taker.
	if p.cfg.SlippageBps > 0 {
		noise := p.rng.Float64() * p.cfg.SlippageBps / 10000.0
		if req.Side == SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}

	volume := req.Size
	if req.SizeType == SizeQuote {
		volume = req.Size / price
	}
	if volume <= 0 {
		err := fmt.Errorf("non-positive volume for %s", req.Symbol)
		return OrderResult{Status: StatusRejected, Reason: err.Error()}, Validation("place order", err)
	}

	notional := volume * price
	fee := notional * p.cfg.FeeRate

	switch req.Side {
	case SideBuy:
		if notional+fee > p.balance {
			err := fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, notional+fee, p.balance)
			return OrderResult{Status: StatusRejected, Reason: err.Error()}, Validation("place order", err)
		}
		p.balance -= notional + fee
		p.positions[req.Symbol] += volume
	case SideSell:
		if p.positions[req.Symbol] < volume {
			// partial liquidation down to what the book holds
			volume = p.positions[req.Symbol]
			if volume <= 0 {
				err := fmt.Errorf("no %s position to sell", req.Symbol)
				return OrderResult{Status: StatusRejected, Reason: err.Error()}, Validation("place order", err)
			}
			notional = volume * price
			fee = notional * p.cfg.FeeRate
		}
		p.balance += notional - fee
		p.positions[req.Symbol] -= volume
	default:
		err := fmt.Errorf("unknown side %q", req.Side)
		return OrderResult{Status: StatusRejected, Reason: err.Error()}, Validation("place order", err)
	}

	delta := notional
	if req.Side == SideBuy {
		delta = -notional
	}
	res := OrderResult{
		OrderID:       uuid.NewString(),
		ClientID:      req.ClientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		RequestedSize: req.Size,
		FilledVolume:  volume,
		FilledPrice:   price,
		Status:        StatusFilled,
		BalanceDelta:  delta,
	}
	p.orders[res.OrderID] = res

	if p.cfg.DeferConfirmation {
		// Ack only; fill details must come from the status poll.
		return OrderResult{
			OrderID:       res.OrderID,
			ClientID:      req.ClientID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			RequestedSize: req.Size,
		}, nil
	}
	return res, nil
}

func (p *PaperAdapter) GetOrderStatus(ctx context.Context, orderID string) (OrderResult, error) {
	if err := p.wait(ctx); err != nil {
		return OrderResult{}, Transient("order status", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.orders[orderID]
	if !ok {
		return OrderResult{}, Validation("order status", fmt.Errorf("unknown order %s", orderID))
	}
	return res, nil
}

func (p *PaperAdapter) takeInjectedFailure() error {
	if p.failAlways != nil {
		return p.failAlways
	}
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	return nil
}

func (p *PaperAdapter) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

func (p *PaperAdapter) simulateLatency() {
	if p.cfg.LatencyMax <= 0 {
		return
	}
	span := p.cfg.LatencyMax - p.cfg.LatencyMin
	d := p.cfg.LatencyMin
	if span > 0 {
		d += time.Duration(p.rng.Int63n(int64(span) + 1))
	}
	if d > 0 {
		time.Sleep(d)
	}
}
