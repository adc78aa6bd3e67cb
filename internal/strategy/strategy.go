// Package strategy produces trade intents for the master account's worker.
package strategy

import (
	"sync"

	"copytrade-core/internal/broker"
)

// Intent is one proposed trade. A zero Notional lets the worker size the
// entry from the account's limits.
type Intent struct {
	Symbol   string
	Side     broker.Side
	Notional float64
	Reason   string
}

// Strategy derives intents from market data.
type Strategy interface {
	Name() string
	Decide(symbol string, candles []broker.Candle) (Intent, bool)
}

// Noop never trades. Default for user accounts, which only mirror the master.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Decide(string, []broker.Candle) (Intent, bool) { return Intent{}, false }

// Queue is a FIFO of manually submitted intents (ops API, scripts). The
// worker drains it ahead of its strategy each scan.
type Queue struct {
	mu    sync.Mutex
	items []Intent
}

// NewQueue creates an empty intent queue.
func NewQueue() *Queue { return &Queue{} }

// Push appends an intent.
func (q *Queue) Push(i Intent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, i)
}

// Pop removes and returns the oldest intent.
func (q *Queue) Pop() (Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Intent{}, false
	}
	i := q.items[0]
	q.items = q.items[1:]
	return i, true
}

// Len reports queued intents.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
