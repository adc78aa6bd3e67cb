package risk

import (
	"context"
	"errors"
	"testing"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/pkg/config"
)

type fixedLoss float64

func (f fixedLoss) DailyLoss(context.Context, string) (float64, error) {
	return float64(f), nil
}

func userAccount(t *testing.T, mutate func(*config.AccountConfig)) *account.Account {
	t.Helper()
	cfg := config.AccountConfig{
		ID:             "u1",
		Role:           "user",
		Enabled:        true,
		RiskMultiplier: 1,
		MaxPositionPct: 0.10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := account.FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	return a
}

func TestClampToMaxPositionPct(t *testing.T) {
	g := NewGate(fixedLoss(0), 1)
	a := userAccount(t, nil)

	// 10% of a 1000 balance caps the entry at 100.
	got, err := g.CheckEntry(context.Background(), a, "BTC-USD", 250, 1000)
	if err != nil {
		t.Fatalf("CheckEntry: %v", err)
	}
	if got != 100 {
		t.Fatalf("clamped notional = %v, want 100", got)
	}

	// Under the cap passes through unchanged.
	got, err = g.CheckEntry(context.Background(), a, "BTC-USD", 50, 1000)
	if err != nil {
		t.Fatalf("CheckEntry: %v", err)
	}
	if got != 50 {
		t.Fatalf("notional = %v, want 50", got)
	}
}

func TestMinNotionalFloor(t *testing.T) {
	g := NewGate(fixedLoss(0), 5)
	a := userAccount(t, nil)

	_, err := g.CheckEntry(context.Background(), a, "BTC-USD", 2, 1000)
	if !errors.Is(err, broker.ErrBelowMinNotional) {
		t.Fatalf("want ErrBelowMinNotional, got %v", err)
	}

	// A clamp can push a valid request under the floor.
	_, err = g.CheckEntry(context.Background(), a, "BTC-USD", 100, 30)
	if !errors.Is(err, broker.ErrBelowMinNotional) {
		t.Fatalf("want ErrBelowMinNotional after clamp, got %v", err)
	}
}

func TestSymbolAllowList(t *testing.T) {
	g := NewGate(fixedLoss(0), 1)
	a := userAccount(t, func(c *config.AccountConfig) {
		c.AllowedSymbols = []string{"BTC-USD"}
	})

	if _, err := g.CheckEntry(context.Background(), a, "ETH-USD", 50, 1000); !errors.Is(err, ErrSymbolNotAllowed) {
		t.Fatalf("want ErrSymbolNotAllowed, got %v", err)
	}
	if _, err := g.CheckEntry(context.Background(), a, "BTC-USD", 50, 1000); err != nil {
		t.Fatalf("allowed symbol rejected: %v", err)
	}
}

func TestDailyLossLimit(t *testing.T) {
	a := userAccount(t, func(c *config.AccountConfig) {
		c.MaxDailyLoss = 100
	})

	if _, err := NewGate(fixedLoss(100), 1).CheckEntry(context.Background(), a, "BTC-USD", 50, 1000); !errors.Is(err, ErrDailyLossLimit) {
		t.Fatalf("want ErrDailyLossLimit at the limit, got %v", err)
	}
	if _, err := NewGate(fixedLoss(99), 1).CheckEntry(context.Background(), a, "BTC-USD", 50, 1000); err != nil {
		t.Fatalf("under the limit rejected: %v", err)
	}
}

func TestDisabledAccount(t *testing.T) {
	g := NewGate(fixedLoss(0), 1)
	a := userAccount(t, func(c *config.AccountConfig) {
		c.Enabled = false
	})
	if _, err := g.CheckEntry(context.Background(), a, "BTC-USD", 50, 1000); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("want ErrAccountDisabled, got %v", err)
	}
}
