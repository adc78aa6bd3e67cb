package broker

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SizeType states how OrderRequest.Size is denominated.
type SizeType string

const (
	SizeBase  SizeType = "base"  // units of the traded asset
	SizeQuote SizeType = "quote" // units of the quote currency
)

// OrderStatus normalizes venue acks into a small set.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusRejected OrderStatus = "rejected"
	StatusError    OrderStatus = "error"
)

// OrderRequest captures a market order intent to be sent to a venue.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Size     float64
	SizeType SizeType
	ClientID string // client order id, assigned by the execution service
}

// OrderResult is the venue's answer to an order, after confirmation.
//
// A result without an exchange order id, a filled volume and a filled price
// is by definition not a confirmed fill, whatever the transport said.
type OrderResult struct {
	OrderID       string
	ClientID      string
	Symbol        string
	Side          Side
	RequestedSize float64
	FilledVolume  float64 // base units actually transacted
	FilledPrice   float64
	Status        OrderStatus
	BalanceDelta  float64 // signed quote-currency impact of the fill
	Reason        string  // structured rejection reason, empty when filled
}

// Confirmed reports whether the result carries everything a fill needs.
func (r OrderResult) Confirmed() bool {
	return r.OrderID != "" && r.FilledVolume > 0 && r.FilledPrice > 0
}

// Candle is one OHLCV bar.
type Candle struct {
	Open, High, Low, Close float64
	Volume                 float64
	Time                   time.Time
}

// ExchangePosition is a venue-reported holding, used by reconciliation.
type ExchangePosition struct {
	Symbol   string
	Quantity float64
}

// Credentials identifies one API key pair. Key is the handle used for
// per-credential nonce serialization; Secret stays inside the adapter.
type Credentials struct {
	Key    string
	Secret string
}
