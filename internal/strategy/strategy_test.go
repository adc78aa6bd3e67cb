package strategy

import (
	"testing"

	"copytrade-core/internal/broker"
)

func candles(closes ...float64) []broker.Candle {
	out := make([]broker.Candle, len(closes))
	for i, c := range closes {
		out[i] = broker.Candle{Close: c}
	}
	return out
}

func TestSMACrossGoldenCross(t *testing.T) {
	s := NewSMACross(2, 4)

	// Flat history, then a jump: fast(2) crosses above slow(4) on the last bar.
	cs := candles(100, 100, 100, 100, 100, 110)
	intent, ok := s.Decide("BTC-USD", cs)
	if !ok {
		t.Fatalf("expected a signal on the golden cross")
	}
	if intent.Side != broker.SideBuy {
		t.Fatalf("side = %s, want BUY", intent.Side)
	}
	if intent.Symbol != "BTC-USD" {
		t.Fatalf("symbol = %s", intent.Symbol)
	}
}

func TestSMACrossDeathCross(t *testing.T) {
	s := NewSMACross(2, 4)

	cs := candles(100, 100, 100, 100, 100, 90)
	intent, ok := s.Decide("BTC-USD", cs)
	if !ok {
		t.Fatalf("expected a signal on the death cross")
	}
	if intent.Side != broker.SideSell {
		t.Fatalf("side = %s, want SELL", intent.Side)
	}
}

func TestSMACrossNeedsHistory(t *testing.T) {
	s := NewSMACross(2, 4)
	if _, ok := s.Decide("BTC-USD", candles(100, 101, 102)); ok {
		t.Fatalf("signal produced without enough candles")
	}
}

func TestSMACrossQuietMarket(t *testing.T) {
	s := NewSMACross(2, 4)
	if intent, ok := s.Decide("BTC-USD", candles(100, 100, 100, 100, 100, 100)); ok {
		t.Fatalf("flat market produced %+v", intent)
	}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(Intent{Symbol: "A"})
	q.Push(Intent{Symbol: "B"})

	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
	first, ok := q.Pop()
	if !ok || first.Symbol != "A" {
		t.Fatalf("first pop = %+v, %v", first, ok)
	}
	second, ok := q.Pop()
	if !ok || second.Symbol != "B" {
		t.Fatalf("second pop = %+v, %v", second, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop from empty queue succeeded")
	}
}
