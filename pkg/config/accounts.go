package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AccountConfig is one entry in the accounts YAML file.
type AccountConfig struct {
	ID             string   `yaml:"id"`
	Role           string   `yaml:"role"` // master | user
	Venue          string   `yaml:"venue"`
	Enabled        bool     `yaml:"enabled"`
	RiskMultiplier float64  `yaml:"risk_multiplier"`
	AllowedSymbols []string `yaml:"allowed_symbols"` // empty = all
	MaxPositionPct float64  `yaml:"max_position_pct"`
	MaxOpenPos     int      `yaml:"max_open_positions"` // 0 = unlimited
	MaxDailyLoss   float64  `yaml:"max_daily_loss"`
	SafetyBuffer   float64  `yaml:"safety_buffer_pct"`
	AllowStacking  bool     `yaml:"allow_stacking"`
	AutoSync       bool     `yaml:"auto_sync"`
	APIKey         string   `yaml:"api_key"`
	APISecret      string   `yaml:"api_secret"`

	ExitPolicy ExitPolicyConfig `yaml:"exit_policy"`
}

// ExitPolicyConfig holds the tiered exit thresholds for positions opened by
// an account. Stop percentages are signed decimals (-0.008 = -0.8%).
type ExitPolicyConfig struct {
	PrimaryStopPct      float64          `yaml:"primary_stop_pct"`
	MicroStopPct        float64          `yaml:"micro_stop_pct"`
	CatastrophicStopPct float64          `yaml:"catastrophic_stop_pct"`
	TakeProfitSteps     []TakeProfitStep `yaml:"take_profit_steps"`
	TrailingLockRatio   float64          `yaml:"trailing_lock_ratio"`
	TrailingActivatePct float64          `yaml:"trailing_activate_pct"`
}

// TakeProfitStep is one stepped take-profit rung.
type TakeProfitStep struct {
	TriggerPct   float64 `yaml:"trigger_pct"`
	ExitFraction float64 `yaml:"exit_fraction"`
}

type accountsFile struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

// LoadAccounts reads the accounts YAML file.
func LoadAccounts(path string) ([]AccountConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	seen := make(map[string]bool, len(file.Accounts))
	masters := 0
	for i := range file.Accounts {
		a := &file.Accounts[i]
		if a.ID == "" {
			return nil, fmt.Errorf("account %d: missing id", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true

		switch a.Role {
		case "master":
			masters++
		case "user":
		default:
			return nil, fmt.Errorf("account %s: unknown role %q", a.ID, a.Role)
		}

		if a.RiskMultiplier <= 0 {
			a.RiskMultiplier = 1.0
		}
		if a.SafetyBuffer <= 0 {
			a.SafetyBuffer = 0.20
		}
		if a.MaxPositionPct <= 0 {
			a.MaxPositionPct = 0.10
		}
	}
	if masters > 1 {
		return nil, fmt.Errorf("at most one master account allowed, found %d", masters)
	}

	return file.Accounts, nil
}
