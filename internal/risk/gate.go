// Package risk gates proposed entries against per-account limits before any
// capital is reserved or any order leaves the process.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
)

var (
	ErrAccountDisabled  = errors.New("account disabled")
	ErrSymbolNotAllowed = errors.New("symbol not in account allow-list")
	ErrDailyLossLimit   = errors.New("daily loss limit reached")
)

// LossReader reports the account's realized loss for the current day.
type LossReader interface {
	DailyLoss(ctx context.Context, accountID string) (float64, error)
}

// Gate applies per-account entry limits. It never talks to a venue.
type Gate struct {
	losses      LossReader
	minNotional float64
}

// NewGate builds an entry gate. minNotional is the venue-independent floor
// under which orders are pointless dust.
func NewGate(losses LossReader, minNotional float64) *Gate {
	return &Gate{losses: losses, minNotional: minNotional}
}

// CheckEntry validates a proposed entry of `notional` quote currency for the
// account and returns the permitted size, clamped to the account's
// max-position fraction of balance. A zero return with nil error never
// happens; every rejection is an error.
func (g *Gate) CheckEntry(ctx context.Context, a *account.Account, symbol string, notional, balance float64) (float64, error) {
	if !a.Enabled {
		return 0, fmt.Errorf("%w: %s", ErrAccountDisabled, a.ID)
	}
	if !a.SymbolAllowed(symbol) {
		return 0, fmt.Errorf("%w: %s on %s", ErrSymbolNotAllowed, symbol, a.ID)
	}

	if a.MaxDailyLoss > 0 {
		loss, err := g.losses.DailyLoss(ctx, a.ID)
		if err != nil {
			// Fail closed: with the loss total unknown the limit cannot be
			// proven safe.
			return 0, fmt.Errorf("daily loss lookup for %s: %w", a.ID, err)
		}
		if loss >= a.MaxDailyLoss {
			return 0, fmt.Errorf("%w: %s lost %.2f of %.2f today", ErrDailyLossLimit, a.ID, loss, a.MaxDailyLoss)
		}
	}

	max := balance * a.MaxPositionPct
	if notional > max {
		log.Printf("clamping %s entry on %s from %.2f to %.2f (%.0f%% cap)",
			a.ID, symbol, notional, max, a.MaxPositionPct*100)
		notional = max
	}
	if notional < g.minNotional {
		return 0, fmt.Errorf("%w: %.2f < %.2f", broker.ErrBelowMinNotional, notional, g.minNotional)
	}
	return notional, nil
}
