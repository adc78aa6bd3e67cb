// Package emergency exposes process-wide override flags that gate order flow.
//
// Two independent flags exist:
//
//   - liquidate-only: sell-side preflight balance checks may be skipped so
//     exits keep executing under degraded API conditions. Buy-side preflight
//     checks are never skipped, regardless of this flag.
//   - buy-disable: no new entries are opened anywhere in the process.
//
// Each flag is driven by a sentinel file inside the state directory (or an
// environment variable at startup) and is re-read with a short cache TTL, so
// operators can flip it without restarting the process.
package emergency

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	liquidateSentinel  = "liquidate_only"
	buyDisableSentinel = "buy_disable"

	// refreshTTL bounds how stale a cached flag read may be.
	refreshTTL = 2 * time.Second
)

// State is the injected override object components consult at decision time.
type State struct {
	dir string

	mu            sync.Mutex
	liquidateOnly bool
	buyDisabled   bool
	checkedAt     time.Time
}

// NewState creates an emergency state rooted at dir. Environment variables
// EMERGENCY_LIQUIDATE_ONLY / EMERGENCY_BUY_DISABLE seed the sentinels so a
// flag set before boot survives into the file-driven mechanism.
func NewState(dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create emergency dir: %w", err)
	}
	s := &State{dir: dir}

	if os.Getenv("EMERGENCY_LIQUIDATE_ONLY") == "true" {
		if err := s.SetLiquidateOnly(true); err != nil {
			return nil, err
		}
	}
	if os.Getenv("EMERGENCY_BUY_DISABLE") == "true" {
		if err := s.SetBuyDisabled(true); err != nil {
			return nil, err
		}
	}

	s.refresh(true)
	return s, nil
}

// LiquidateOnly reports whether the sell-only override is active.
func (s *State) LiquidateOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(false)
	return s.liquidateOnly
}

// BuyDisabled reports whether new entries are globally disabled.
func (s *State) BuyDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(false)
	return s.buyDisabled
}

// Snapshot returns both flags from a single refresh.
func (s *State) Snapshot() (liquidateOnly, buyDisabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(false)
	return s.liquidateOnly, s.buyDisabled
}

// SetLiquidateOnly toggles the sell-only override by creating or removing its sentinel.
func (s *State) SetLiquidateOnly(on bool) error {
	if err := s.setSentinel(liquidateSentinel, on); err != nil {
		return err
	}
	log.Printf("emergency: liquidate-only override set to %v", on)
	s.refresh(true)
	return nil
}

// SetBuyDisabled toggles the global buy-disable override.
func (s *State) SetBuyDisabled(on bool) error {
	if err := s.setSentinel(buyDisableSentinel, on); err != nil {
		return err
	}
	log.Printf("emergency: buy-disable override set to %v", on)
	s.refresh(true)
	return nil
}

func (s *State) setSentinel(name string, on bool) error {
	path := filepath.Join(s.dir, name)
	if on {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create sentinel %s: %w", name, err)
		}
		return f.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sentinel %s: %w", name, err)
	}
	return nil
}

func (s *State) refresh(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(force)
}

func (s *State) refreshLocked(force bool) {
	if !force && time.Since(s.checkedAt) < refreshTTL {
		return
	}
	s.liquidateOnly = s.sentinelPresent(liquidateSentinel)
	s.buyDisabled = s.sentinelPresent(buyDisableSentinel)
	s.checkedAt = time.Now()
}

func (s *State) sentinelPresent(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}
