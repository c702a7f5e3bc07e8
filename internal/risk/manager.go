// Package risk gatekeeps new positions against global and per-symbol limits
package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/arbitrage"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
)

// Limit names reported in rejections
const (
	LimitActivePosition = "active_position"
	LimitPositionsCount = "max_positions_count"
	LimitPositionSize   = "max_position_size"
	LimitTotalNotional  = "max_total_position_usd"
	LimitCooldown       = "trade_cooldown"
	LimitSlippage       = "max_slippage_percent"
	LimitCircuitBreaker = "circuit_breaker"
)

// Limits are loaded once at startup and never change
type Limits struct {
	MaxPositionsCount   int
	PerSymbolMaxSize    map[string]decimal.Decimal // missing symbol means no cap
	MaxTotalNotionalUSD decimal.Decimal            // zero disables
	TradeCooldown       time.Duration
	MaxSlippage         decimal.Decimal // fraction
	IgnoreHighSlippage  bool
}

// Candidate is a proposed open
type Candidate struct {
	Symbol   string
	Size     decimal.Decimal
	Price    decimal.Decimal // long venue mid
	Slippage *arbitrage.SlippageEstimate
}

// Notional is |size x price|
func (c Candidate) Notional() decimal.Decimal {
	return c.Size.Mul(c.Price).Abs()
}

// Reservation is one committed position's share of the global counters
type Reservation struct {
	Symbol   string
	Size     decimal.Decimal
	Notional decimal.Decimal
}

// Exposure is a snapshot of the committed reservations
type Exposure struct {
	ActiveCount   int
	TotalNotional decimal.Decimal
	Symbols       map[string]Reservation
}

// Approval is a passed check. Flags carry soft breaches that were
// allowed through, such as ignored slippage.
type Approval struct {
	Candidate Candidate
	Notional  decimal.Decimal
	Flags     []string
}

// Manager checks candidates and owns the global risk counters. Check is
// a pure predicate; Reserve re-runs it and commits under the same lock,
// so concurrent opens cannot overshoot a ceiling.
type Manager struct {
	mu          sync.Mutex
	limits      Limits
	reserved    map[string]Reservation
	lastAttempt map[string]time.Time
	breaker     *CircuitBreaker
	logger      core.ILogger
	now         func() time.Time
}

// NewManager creates a manager. breaker may be nil.
func NewManager(limits Limits, breaker *CircuitBreaker, logger core.ILogger) *Manager {
	return &Manager{
		limits:      limits,
		reserved:    make(map[string]Reservation),
		lastAttempt: make(map[string]time.Time),
		breaker:     breaker,
		logger:      logger.WithField("component", "risk_manager"),
		now:         time.Now,
	}
}

// SetClock replaces the time source, for tests
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) Limits() Limits {
	return m.limits
}

// Check evaluates c against the limits and the given exposure without
// touching any state.
func (m *Manager) Check(c Candidate, exp Exposure, lastAttempt time.Time, now time.Time) (*Approval, error) {
	if _, ok := exp.Symbols[c.Symbol]; ok {
		return nil, reject(LimitActivePosition, "%s already has an active position", c.Symbol)
	}
	if m.limits.MaxPositionsCount > 0 && exp.ActiveCount+1 > m.limits.MaxPositionsCount {
		return nil, reject(LimitPositionsCount, "%d active positions, limit %d", exp.ActiveCount, m.limits.MaxPositionsCount)
	}
	if maxSize, ok := m.limits.PerSymbolMaxSize[c.Symbol]; ok && c.Size.Abs().GreaterThan(maxSize) {
		return nil, reject(LimitPositionSize, "size %s exceeds %s for %s", c.Size, maxSize, c.Symbol)
	}
	notional := c.Notional()
	if m.limits.MaxTotalNotionalUSD.IsPositive() {
		total := exp.TotalNotional.Add(notional)
		if total.GreaterThan(m.limits.MaxTotalNotionalUSD) {
			return nil, reject(LimitTotalNotional, "total notional %s would exceed %s", total.StringFixed(2), m.limits.MaxTotalNotionalUSD)
		}
	}
	if m.limits.TradeCooldown > 0 && !lastAttempt.IsZero() && now.Sub(lastAttempt) < m.limits.TradeCooldown {
		return nil, reject(LimitCooldown, "last attempt %s ago, cooldown %s", now.Sub(lastAttempt).Truncate(time.Second), m.limits.TradeCooldown)
	}

	approval := &Approval{Candidate: c, Notional: notional}
	if c.Slippage != nil && c.Slippage.Exceeds(m.limits.MaxSlippage) {
		if !m.limits.IgnoreHighSlippage {
			if !c.Slippage.Complete {
				return nil, reject(LimitSlippage, "order book too thin for %s", c.Size)
			}
			return nil, reject(LimitSlippage, "estimated slippage %s exceeds %s", c.Slippage.TotalPct, m.limits.MaxSlippage)
		}
		approval.Flags = append(approval.Flags, "high_slippage")
	}
	return approval, nil
}

// Evaluate checks c against current state without reserving anything or
// starting the cooldown
func (m *Manager) Evaluate(c Candidate) (*Approval, error) {
	if m.breaker != nil && m.breaker.IsTripped() {
		return nil, reject(LimitCircuitBreaker, "%s", m.breaker.GetStatus().Reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Check(c, m.exposureLocked(), m.lastAttempt[c.Symbol], m.now())
}

// Reserve checks c against current state and, if approved, commits its
// reservation and starts the symbol's cooldown.
func (m *Manager) Reserve(c Candidate) (*Approval, error) {
	if m.breaker != nil && m.breaker.IsTripped() {
		return nil, reject(LimitCircuitBreaker, "%s", m.breaker.GetStatus().Reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	approval, err := m.Check(c, m.exposureLocked(), m.lastAttempt[c.Symbol], now)
	if err != nil {
		return nil, err
	}
	m.reserved[c.Symbol] = Reservation{Symbol: c.Symbol, Size: c.Size.Abs(), Notional: approval.Notional}
	m.lastAttempt[c.Symbol] = now
	return approval, nil
}

// Release frees the symbol's reservation and restarts its cooldown
func (m *Manager) Release(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, symbol)
	m.lastAttempt[symbol] = m.now()
}

// Restore commits a reservation for a position recovered at startup
func (m *Manager) Restore(symbol string, size, notional decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved[symbol] = Reservation{Symbol: symbol, Size: size.Abs(), Notional: notional.Abs()}
}

// InCooldown reports whether symbol's last attempt is within the cooldown
func (m *Manager) InCooldown(symbol string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastAttempt[symbol]
	return ok && m.limits.TradeCooldown > 0 && now.Sub(last) < m.limits.TradeCooldown
}

// RecordRealizedPnL feeds a closed position's result to the breaker
func (m *Manager) RecordRealizedPnL(symbol string, pnl decimal.Decimal) {
	if m.breaker == nil {
		return
	}
	m.breaker.RecordClose(symbol, pnl)
	if m.breaker.IsTripped() {
		m.logger.Warn("Circuit breaker open, new positions blocked", "symbol", symbol, "status", fmt.Sprintf("%+v", m.breaker.GetStatus()))
	}
}

// Breaker returns the circuit breaker, nil when disabled
func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

// Exposure returns a snapshot of the committed reservations
func (m *Manager) Exposure() Exposure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposureLocked()
}

func (m *Manager) exposureLocked() Exposure {
	exp := Exposure{TotalNotional: decimal.Zero, Symbols: make(map[string]Reservation, len(m.reserved))}
	for sym, r := range m.reserved {
		exp.Symbols[sym] = r
		exp.ActiveCount++
		exp.TotalNotional = exp.TotalNotional.Add(r.Notional)
	}
	return exp
}

// ReservedSymbols returns the symbols holding a reservation, sorted
func (m *Manager) ReservedSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.reserved))
	for sym := range m.reserved {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func reject(limit, format string, args ...interface{}) error {
	return &apperrors.RiskRejection{Limit: limit, Reason: fmt.Sprintf(format, args...)}
}
