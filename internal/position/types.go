package position

import (
	"time"

	"copytrade-core/internal/broker"
)

// State is the lifecycle state of a position.
type State string

const (
	StateOpen            State = "OPEN"
	StatePartiallyExited State = "PARTIALLY_EXITED"
	StateExiting         State = "EXITING"
	StateClosed          State = "CLOSED"
)

// Position is one open holding under lifecycle management. Mutated only by
// the Manager; a CLOSED position is terminal and a new entry always gets a
// new id.
type Position struct {
	ID              string
	AccountID       string
	Symbol          string
	Side            broker.Side
	EntryPrice      float64
	Quantity        float64 // original fill quantity
	RemainingQty    float64
	ReservedCapital float64
	Policy          ExitPolicy
	State           State
	StepIndex       int     // next unconsumed take-profit step
	PeakPnL         float64 // best favorable excursion seen, as pnl fraction
	OpenedAt        time.Time
}

// PnLPct returns the unrealized PnL fraction at price.
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pnl := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == broker.SideSell {
		pnl = -pnl
	}
	return pnl
}

// Live reports whether the position still holds quantity.
func (p *Position) Live() bool {
	return p.State == StateOpen || p.State == StatePartiallyExited
}

// exitSide returns the order side that reduces the position.
func (p *Position) exitSide() broker.Side {
	if p.Side == broker.SideSell {
		return broker.SideBuy
	}
	return broker.SideSell
}
