// Package monitor keeps lightweight runtime health signals: per-account API
// success rates, operation latency stats and a ring of recent incidents.
package monitor

import (
	"sync"
	"time"
)

const windowSize = 50

type window struct {
	results [windowSize]bool
	next    int
	filled  int
}

func (w *window) record(ok bool) {
	w.results[w.next] = ok
	w.next = (w.next + 1) % windowSize
	if w.filled < windowSize {
		w.filled++
	}
}

func (w *window) score() float64 {
	if w.filled == 0 {
		return 1.0
	}
	good := 0
	for i := 0; i < w.filled; i++ {
		if w.results[i] {
			good++
		}
	}
	return float64(good) / float64(w.filled)
}

// Health tracks a rolling success rate per account. Workers scale their scan
// batch down when an account's venue starts failing.
type Health struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewHealth creates an empty health tracker.
func NewHealth() *Health {
	return &Health{windows: make(map[string]*window)}
}

// Record adds one API call outcome for the account.
func (h *Health) Record(accountID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, exists := h.windows[accountID]
	if !exists {
		w = &window{}
		h.windows[accountID] = w
	}
	w.record(ok)
}

// Score returns the account's rolling success rate in [0,1]. An account with
// no recorded calls scores 1.0.
func (h *Health) Score(accountID string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, exists := h.windows[accountID]
	if !exists {
		return 1.0
	}
	return w.score()
}

// Scores returns a snapshot of every tracked account.
func (h *Health) Scores() map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]float64, len(h.windows))
	for id, w := range h.windows {
		out[id] = w.score()
	}
	return out
}

// LatencyStats summarizes one operation's observed durations.
type LatencyStats struct {
	Count int64         `json:"count"`
	Avg   time.Duration `json:"avg"`
	Max   time.Duration `json:"max"`
}

// Latency aggregates operation durations for the status API.
type Latency struct {
	mu    sync.Mutex
	total map[string]time.Duration
	count map[string]int64
	max   map[string]time.Duration
}

// NewLatency creates an empty latency tracker.
func NewLatency() *Latency {
	return &Latency{
		total: make(map[string]time.Duration),
		count: make(map[string]int64),
		max:   make(map[string]time.Duration),
	}
}

// Record adds one observation for op.
func (l *Latency) Record(op string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total[op] += d
	l.count[op]++
	if d > l.max[op] {
		l.max[op] = d
	}
}

// Snapshot returns stats for every recorded operation.
func (l *Latency) Snapshot() map[string]LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]LatencyStats, len(l.count))
	for op, n := range l.count {
		out[op] = LatencyStats{Count: n, Avg: l.total[op] / time.Duration(n), Max: l.max[op]}
	}
	return out
}
