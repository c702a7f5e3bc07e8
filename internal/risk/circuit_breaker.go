package risk

import (
	"sort"
	"sync"
	"time"

	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	tripLossStreak = "max consecutive losses reached"
	tripDrawdown   = "max drawdown reached"
)

type CircuitConfig struct {
	// MaxConsecutiveLosses trips after this many losing closes in a row, 0 disables
	MaxConsecutiveLosses int
	// MaxDrawdownAmount trips when realized PnL falls this far below its peak, zero disables
	MaxDrawdownAmount decimal.Decimal
	// CooldownPeriod closes a tripped breaker automatically, 0 keeps it open until Reset
	CooldownPeriod time.Duration
}

// CircuitStatus is a point-in-time view of the breaker
type CircuitStatus struct {
	IsOpen            bool            `json:"is_open"`
	Reason            string          `json:"reason,omitempty"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
	PeakPnL           decimal.Decimal `json:"peak_pnl"`
	Drawdown          decimal.Decimal `json:"drawdown"`
	LosingSymbols     []string        `json:"losing_symbols,omitempty"`
	Trips             int             `json:"trips"`
	OpenedAt          time.Time       `json:"opened_at,omitempty"`
}

// CircuitBreaker halts new positions after a streak of losing closes or
// a realized drawdown from the session's high-water mark. Closes of
// existing positions are never blocked by it.
type CircuitBreaker struct {
	cfg CircuitConfig
	now func() time.Time

	mu       sync.Mutex
	open     bool
	reason   string
	openedAt time.Time
	trips    int

	streak int
	// symbols contributing to the current streak
	streakSymbols map[string]struct{}
	realized      decimal.Decimal
	peak          decimal.Decimal
}

func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:           cfg,
		now:           time.Now,
		streakSymbols: make(map[string]struct{}),
	}
}

// SetClock replaces the time source, for tests
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// RecordClose feeds the realized PnL of a closed position
func (cb *CircuitBreaker) RecordClose(symbol string, pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.realized = cb.realized.Add(pnl)
	if cb.realized.GreaterThan(cb.peak) {
		cb.peak = cb.realized
	}

	if !pnl.IsNegative() {
		cb.streak = 0
		clear(cb.streakSymbols)
	} else {
		cb.streak++
		if symbol != "" {
			cb.streakSymbols[symbol] = struct{}{}
		}
	}

	if cb.open {
		return
	}
	switch {
	case cb.cfg.MaxConsecutiveLosses > 0 && cb.streak >= cb.cfg.MaxConsecutiveLosses:
		cb.tripLocked(tripLossStreak)
	case cb.cfg.MaxDrawdownAmount.IsPositive() && cb.drawdownLocked().GreaterThan(cb.cfg.MaxDrawdownAmount):
		cb.tripLocked(tripDrawdown)
	}
}

func (cb *CircuitBreaker) drawdownLocked() decimal.Decimal {
	return cb.peak.Sub(cb.realized)
}

func (cb *CircuitBreaker) tripLocked(reason string) {
	cb.open = true
	cb.reason = reason
	cb.openedAt = cb.now()
	cb.trips++
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", true)
}

// IsTripped reports whether new positions are blocked. A breaker whose
// cooldown has elapsed is closed as a side effect.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return false
	}
	if cb.cfg.CooldownPeriod > 0 && cb.now().Sub(cb.openedAt) > cb.cfg.CooldownPeriod {
		cb.closeLocked()
		return false
	}
	return true
}

// Reset closes the breaker and starts a fresh drawdown window
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.closeLocked()
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) closeLocked() {
	cb.open = false
	cb.reason = ""
	cb.streak = 0
	clear(cb.streakSymbols)
	cb.realized = decimal.Zero
	cb.peak = decimal.Zero
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
}

// Open trips the breaker by hand. An already open breaker keeps its
// original reason and open time.
func (cb *CircuitBreaker) Open(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open {
		return
	}
	cb.tripLocked(reason)
}

func (cb *CircuitBreaker) GetStatus() CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var symbols []string
	for s := range cb.streakSymbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	st := CircuitStatus{
		IsOpen:            cb.open,
		Reason:            cb.reason,
		ConsecutiveLosses: cb.streak,
		TotalPnL:          cb.realized,
		PeakPnL:           cb.peak,
		Drawdown:          cb.drawdownLocked(),
		LosingSymbols:     symbols,
		Trips:             cb.trips,
	}
	if cb.open {
		st.OpenedAt = cb.openedAt
	}
	return st
}
