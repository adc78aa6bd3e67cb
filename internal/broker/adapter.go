// Package broker defines the uniform contract the core speaks to trading
// venues, plus the per-credential nonce discipline venues with signed APIs
// require. Exchange-specific REST/WS wiring lives behind this contract and
// is not part of the core; the paper adapter stands in for it in dry-run
// mode and tests.
package broker

import "context"

// Adapter is the venue contract consumed by workers, the execution service
// and the reconciliation watchdog. One Adapter instance maps to one
// (venue, credential) pair and owns that credential's nonce sequence.
type Adapter interface {
	Connect(ctx context.Context) error
	GetBalance(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetProducts(ctx context.Context) ([]string, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// Capability checks, evaluated once at decision time instead of probing
	// the venue ad hoc.
	SupportsAssetClass(class string) bool
	SupportsShort() bool
}

// NonceCarrier is implemented by adapters whose venue requires strictly
// increasing request nonces. The execution service holds the source's
// submission lock across sign+submit.
type NonceCarrier interface {
	NonceSource() *NonceSource
}

// StatusQuerier is implemented by adapters that can re-fetch an order after
// submission. The execution service uses it for the mandatory fill
// confirmation poll.
type StatusQuerier interface {
	GetOrderStatus(ctx context.Context, orderID string) (OrderResult, error)
}
