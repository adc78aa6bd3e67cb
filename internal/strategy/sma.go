package strategy

import (
	"fmt"

	"copytrade-core/internal/broker"
)

// SMACross signals on fast/slow simple moving average crossovers: a fast
// average crossing above the slow one buys, crossing below sells.
type SMACross struct {
	Fast int
	Slow int
}

// NewSMACross builds a crossover strategy; fast must be shorter than slow.
func NewSMACross(fast, slow int) *SMACross {
	if fast >= slow {
		fast, slow = slow, fast
	}
	return &SMACross{Fast: fast, Slow: slow}
}

func (s *SMACross) Name() string {
	return fmt.Sprintf("sma-cross-%d-%d", s.Fast, s.Slow)
}

// Decide needs Slow+1 candles: the crossover compares the averages at the
// last close against the close before it.
func (s *SMACross) Decide(symbol string, candles []broker.Candle) (Intent, bool) {
	if len(candles) < s.Slow+1 {
		return Intent{}, false
	}

	fastNow := sma(candles, s.Fast, 0)
	slowNow := sma(candles, s.Slow, 0)
	fastPrev := sma(candles, s.Fast, 1)
	slowPrev := sma(candles, s.Slow, 1)

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		return Intent{Symbol: symbol, Side: broker.SideBuy, Reason: s.Name() + " golden cross"}, true
	case fastPrev >= slowPrev && fastNow < slowNow:
		return Intent{Symbol: symbol, Side: broker.SideSell, Reason: s.Name() + " death cross"}, true
	}
	return Intent{}, false
}

// sma averages the closes of n candles ending `back` bars before the latest.
func sma(candles []broker.Candle, n, back int) float64 {
	end := len(candles) - back
	start := end - n
	var sum float64
	for _, c := range candles[start:end] {
		sum += c.Close
	}
	return sum / float64(n)
}
