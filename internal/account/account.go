// Package account holds the configured trading accounts and a TTL cache over
// their venue balances.
package account

import (
	"fmt"
	"strings"

	"copytrade-core/internal/broker"
	"copytrade-core/internal/position"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/crypto"
)

// Role distinguishes the single signal-emitting master from follower users.
type Role string

const (
	RoleMaster Role = "master"
	RoleUser   Role = "user"
)

// Account is one configured trading account with its risk settings.
type Account struct {
	ID             string
	Role           Role
	Venue          string
	Enabled        bool
	RiskMultiplier float64
	MaxPositionPct float64
	MaxOpenPos     int     // concurrent open positions, 0 = unlimited
	MaxDailyLoss   float64 // quote currency, 0 = unlimited
	SafetyBuffer   float64
	AllowStacking  bool
	AutoSync       bool
	Credentials    broker.Credentials
	ExitPolicy     position.ExitPolicy

	allowed map[string]bool // nil means every symbol
}

// SymbolAllowed reports whether the account may trade the symbol. An empty
// allow-list means no restriction.
func (a *Account) SymbolAllowed(symbol string) bool {
	if len(a.allowed) == 0 {
		return true
	}
	return a.allowed[strings.ToUpper(symbol)]
}

// AllowedSymbols returns the configured allow-list, empty when unrestricted.
func (a *Account) AllowedSymbols() []string {
	out := make([]string, 0, len(a.allowed))
	for s := range a.allowed {
		out = append(out, s)
	}
	return out
}

// FromConfig converts a YAML account entry into a runtime account, unsealing
// API credentials when a sealer is configured.
func FromConfig(cfg config.AccountConfig, sealer *crypto.Sealer) (*Account, error) {
	secret, err := sealer.Open(cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("account %s: unseal secret: %w", cfg.ID, err)
	}
	key, err := sealer.Open(cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("account %s: unseal key: %w", cfg.ID, err)
	}

	a := &Account{
		ID:             cfg.ID,
		Role:           Role(cfg.Role),
		Venue:          cfg.Venue,
		Enabled:        cfg.Enabled,
		RiskMultiplier: cfg.RiskMultiplier,
		MaxPositionPct: cfg.MaxPositionPct,
		MaxOpenPos:     cfg.MaxOpenPos,
		MaxDailyLoss:   cfg.MaxDailyLoss,
		SafetyBuffer:   cfg.SafetyBuffer,
		AllowStacking:  cfg.AllowStacking,
		AutoSync:       cfg.AutoSync,
		Credentials:    broker.Credentials{Key: key, Secret: secret},
		ExitPolicy: position.ExitPolicy{
			PrimaryStopPct:      cfg.ExitPolicy.PrimaryStopPct,
			MicroStopPct:        cfg.ExitPolicy.MicroStopPct,
			CatastrophicStopPct: cfg.ExitPolicy.CatastrophicStopPct,
			TrailingLockRatio:   cfg.ExitPolicy.TrailingLockRatio,
			TrailingActivatePct: cfg.ExitPolicy.TrailingActivatePct,
		},
	}
	for _, step := range cfg.ExitPolicy.TakeProfitSteps {
		a.ExitPolicy.TakeProfitSteps = append(a.ExitPolicy.TakeProfitSteps, position.TakeProfitStep{
			TriggerPct:   step.TriggerPct,
			ExitFraction: step.ExitFraction,
		})
	}
	if err := a.ExitPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("account %s: %w", cfg.ID, err)
	}

	if len(cfg.AllowedSymbols) > 0 {
		a.allowed = make(map[string]bool, len(cfg.AllowedSymbols))
		for _, s := range cfg.AllowedSymbols {
			a.allowed[strings.ToUpper(s)] = true
		}
	}
	return a, nil
}
