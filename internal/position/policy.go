package position

import (
	"errors"
	"fmt"
)

// ExitPolicy holds the tiered exit thresholds applied to one position.
// All percentages are signed decimals: -0.008 means -0.8%.
//
// The three stops escalate: the primary stop is the trading decision, the
// micro stop is a failsafe that only fires when the primary was somehow
// bypassed, and the catastrophic stop is an incident-level backstop that
// should never fire in correct operation.
type ExitPolicy struct {
	PrimaryStopPct      float64          `json:"primary_stop_pct"`
	MicroStopPct        float64          `json:"micro_stop_pct"`
	CatastrophicStopPct float64          `json:"catastrophic_stop_pct"`
	TakeProfitSteps     []TakeProfitStep `json:"take_profit_steps"`
	TrailingLockRatio   float64          `json:"trailing_lock_ratio"`
	// TrailingActivatePct is the favorable excursion required before the
	// trailing stop arms; without it any tick above entry would arm a stop
	// a fraction of a basis point away.
	TrailingActivatePct float64 `json:"trailing_activate_pct"`
}

// TakeProfitStep is one stepped take-profit rung: when unrealized PnL
// crosses TriggerPct, ExitFraction of the original quantity is sold.
type TakeProfitStep struct {
	TriggerPct   float64 `json:"trigger_pct"`
	ExitFraction float64 `json:"exit_fraction"`
}

var errStopOrder = errors.New("stop thresholds must satisfy primary > micro > catastrophic")

// Validate checks threshold ordering and step sanity. A zero PrimaryStopPct
// is allowed and means the primary stop is disabled (the micro failsafe then
// becomes the first line), but configured stops must keep their ordering.
func (p ExitPolicy) Validate() error {
	if p.PrimaryStopPct > 0 || p.MicroStopPct > 0 || p.CatastrophicStopPct > 0 {
		return errors.New("stop thresholds must be negative or zero")
	}
	if p.PrimaryStopPct != 0 && p.MicroStopPct != 0 && p.PrimaryStopPct <= p.MicroStopPct {
		return fmt.Errorf("%w: primary %.4f vs micro %.4f", errStopOrder, p.PrimaryStopPct, p.MicroStopPct)
	}
	if p.MicroStopPct != 0 && p.CatastrophicStopPct != 0 && p.MicroStopPct <= p.CatastrophicStopPct {
		return fmt.Errorf("%w: micro %.4f vs catastrophic %.4f", errStopOrder, p.MicroStopPct, p.CatastrophicStopPct)
	}
	if p.PrimaryStopPct != 0 && p.CatastrophicStopPct != 0 && p.PrimaryStopPct <= p.CatastrophicStopPct {
		return fmt.Errorf("%w: primary %.4f vs catastrophic %.4f", errStopOrder, p.PrimaryStopPct, p.CatastrophicStopPct)
	}

	prev := 0.0
	for i, step := range p.TakeProfitSteps {
		if step.TriggerPct <= prev {
			return fmt.Errorf("take profit step %d: triggers must be positive and increasing", i)
		}
		if step.ExitFraction <= 0 || step.ExitFraction > 1 {
			return fmt.Errorf("take profit step %d: exit fraction must be in (0,1]", i)
		}
		prev = step.TriggerPct
	}

	if p.TrailingLockRatio < 0 || p.TrailingLockRatio >= 1 {
		return errors.New("trailing lock ratio must be in [0,1)")
	}
	return nil
}
