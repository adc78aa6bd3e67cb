package account

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"copytrade-core/pkg/config"
)

func TestBalanceCacheTTL(t *testing.T) {
	var calls int32
	fetch := func(context.Context, *Account) (float64, error) {
		atomic.AddInt32(&calls, 1)
		return 1000, nil
	}
	r := NewRegistry(time.Hour, fetch)
	if err := r.Add(&Account{ID: "u1", Role: RoleUser, Enabled: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for i := 0; i < 5; i++ {
		v, err := r.Balance(context.Background(), "u1")
		if err != nil {
			t.Fatalf("Balance: %v", err)
		}
		if v != 1000 {
			t.Fatalf("balance = %v, want 1000", v)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("venue hit %d times inside TTL, want 1", n)
	}

	r.InvalidateBalance("u1")
	if _, err := r.Balance(context.Background(), "u1"); err != nil {
		t.Fatalf("Balance after invalidate: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("invalidate did not force a refetch, calls=%d", n)
	}
}

func TestApplyDeltaUpdatesWarmCache(t *testing.T) {
	fetch := func(context.Context, *Account) (float64, error) { return 500, nil }
	r := NewRegistry(time.Hour, fetch)
	if err := r.Add(&Account{ID: "u1", Role: RoleUser, Enabled: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := r.Balance(context.Background(), "u1"); err != nil {
		t.Fatalf("Balance: %v", err)
	}
	r.ApplyDelta("u1", -120)
	v, err := r.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if v != 380 {
		t.Fatalf("balance after delta = %v, want 380", v)
	}

	// A cold entry ignores deltas rather than inventing a balance.
	r.ApplyDelta("u2", -50)
}

func TestSingleMasterEnforced(t *testing.T) {
	r := NewRegistry(time.Minute, func(context.Context, *Account) (float64, error) { return 0, nil })
	if err := r.Add(&Account{ID: "m1", Role: RoleMaster}); err != nil {
		t.Fatalf("Add master: %v", err)
	}
	if err := r.Add(&Account{ID: "m2", Role: RoleMaster}); err == nil {
		t.Fatalf("second master accepted")
	}
	m, err := r.Master()
	if err != nil {
		t.Fatalf("Master: %v", err)
	}
	if m.ID != "m1" {
		t.Fatalf("master = %s, want m1", m.ID)
	}
}

func TestUsersReturnsEnabledFollowersOnly(t *testing.T) {
	r := NewRegistry(time.Minute, func(context.Context, *Account) (float64, error) { return 0, nil })
	for _, a := range []*Account{
		{ID: "m", Role: RoleMaster, Enabled: true},
		{ID: "u1", Role: RoleUser, Enabled: true},
		{ID: "u2", Role: RoleUser, Enabled: false},
		{ID: "u3", Role: RoleUser, Enabled: true},
	} {
		if err := r.Add(a); err != nil {
			t.Fatalf("Add %s: %v", a.ID, err)
		}
	}

	users := r.Users()
	if len(users) != 2 {
		t.Fatalf("got %d users, want 2", len(users))
	}
	if users[0].ID != "u1" || users[1].ID != "u3" {
		t.Fatalf("users out of order: %s, %s", users[0].ID, users[1].ID)
	}
}

func TestFromConfigSymbolFilterAndPolicy(t *testing.T) {
	cfg := config.AccountConfig{
		ID:             "u1",
		Role:           "user",
		Venue:          "paper",
		Enabled:        true,
		RiskMultiplier: 0.5,
		AllowedSymbols: []string{"btc-usd", "ETH-USD"},
		ExitPolicy: config.ExitPolicyConfig{
			PrimaryStopPct: -0.008,
			TakeProfitSteps: []config.TakeProfitStep{
				{TriggerPct: 0.01, ExitFraction: 0.5},
			},
		},
	}
	a, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	if !a.SymbolAllowed("BTC-USD") || !a.SymbolAllowed("btc-usd") {
		t.Fatalf("allow-list must be case-insensitive")
	}
	if a.SymbolAllowed("SOL-USD") {
		t.Fatalf("unlisted symbol allowed")
	}
	if a.ExitPolicy.PrimaryStopPct != -0.008 {
		t.Fatalf("policy not carried: %+v", a.ExitPolicy)
	}

	// No allow-list means no restriction.
	cfg.AllowedSymbols = nil
	cfg.ID = "u2"
	b, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if !b.SymbolAllowed("ANYTHING") {
		t.Fatalf("empty allow-list should permit all symbols")
	}
}

func TestFromConfigRejectsBadPolicy(t *testing.T) {
	cfg := config.AccountConfig{
		ID:   "u1",
		Role: "user",
		ExitPolicy: config.ExitPolicyConfig{
			PrimaryStopPct: -0.005,
			MicroStopPct:   -0.003, // micro must be deeper than primary
		},
	}
	if _, err := FromConfig(cfg, nil); err == nil {
		t.Fatalf("expected policy validation error")
	}
}
