package position

import (
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// State is a position lifecycle state
type State string

const (
	StateOpening     State = "Opening"
	StateOpen        State = "Open"
	StateClosing     State = "Closing"
	StateClosed      State = "Closed"
	StateReconciling State = "Reconciling"
)

// StateDiscarded is logged when an Opening position is dropped after a
// fully compensated or fully failed open. It is never a stored state.
const StateDiscarded State = "Discarded"

// Closing -> Open is the rollback taken when a partially filled close
// was compensated and the hedge is whole again.
var legalTransitions = map[State][]State{
	StateOpening:     {StateOpen, StateReconciling},
	StateOpen:        {StateClosing},
	StateClosing:     {StateClosed, StateReconciling, StateOpen},
	StateReconciling: {StateClosed},
}

// CanTransition reports whether from -> to is in the legal table
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Leg is one venue's side of a hedged position
type Leg struct {
	Venue       string          `json:"venue"`
	Side        core.OrderSide  `json:"side"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	OrderID     string          `json:"order_id"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	ExitOrderID string          `json:"exit_order_id,omitempty"`
}

// Position is a two-venue funding arbitrage position
type Position struct {
	ID                  string          `json:"id"`
	Symbol              string          `json:"symbol"`
	State               State           `json:"state"`
	LongVenue           string          `json:"long_venue"`
	ShortVenue          string          `json:"short_venue"`
	LongLeg             *Leg            `json:"long_leg,omitempty"`
	ShortLeg            *Leg            `json:"short_leg,omitempty"`
	SizeBase            decimal.Decimal `json:"size_base"`
	NotionalUSD         decimal.Decimal `json:"notional_usd"`
	EntryFundingDiff    decimal.Decimal `json:"entry_funding_diff"`
	LastFundingDiffSign int             `json:"last_funding_diff_sign"`
	OpenedAt            time.Time       `json:"opened_at"`
	ClosedAt            time.Time       `json:"closed_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	RealizedPnl         decimal.Decimal `json:"realized_pnl"`
	FailureReason       string          `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy safe to hand outside the store
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.LongLeg != nil {
		l := *p.LongLeg
		c.LongLeg = &l
	}
	if p.ShortLeg != nil {
		l := *p.ShortLeg
		c.ShortLeg = &l
	}
	return &c
}

// IsHedged reports whether both legs exist on different venues with
// opposite sides and sizes equal within tolerance.
func (p *Position) IsHedged(tolerance decimal.Decimal) bool {
	if p.LongLeg == nil || p.ShortLeg == nil {
		return false
	}
	if p.LongLeg.Venue == p.ShortLeg.Venue || p.LongLeg.Side == p.ShortLeg.Side {
		return false
	}
	if !p.LongLeg.FilledSize.IsPositive() || !p.ShortLeg.FilledSize.IsPositive() {
		return false
	}
	return tradingutils.WithinTolerance(p.LongLeg.FilledSize, p.ShortLeg.FilledSize, tolerance)
}

// Age returns how long the position has been open at now
func (p *Position) Age(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(p.OpenedAt)
}
