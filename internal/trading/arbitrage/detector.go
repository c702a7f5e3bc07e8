package arbitrage

import (
	"fmt"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/position"

	"github.com/shopspring/decimal"
)

// Signal is the detector's verdict for one symbol in one cycle
type Signal int

const (
	SignalNone Signal = iota
	SignalOpen
	SignalClose
)

func (s Signal) String() string {
	switch s {
	case SignalOpen:
		return "open"
	case SignalClose:
		return "close"
	default:
		return "none"
	}
}

// Combinators for open and close conditions
const (
	ConditionFundingOnly = "funding_only"
	ConditionPriceOnly   = "price_only"
	ConditionAny         = "any"
	ConditionAll         = "all"
)

// DetectorConfig holds thresholds as fractions (0.001 = 0.1%)
type DetectorConfig struct {
	OpenCondition      string
	MinFundingDiff     decimal.Decimal
	MinPriceDiff       decimal.Decimal
	MaxPriceDiff       decimal.Decimal // zero disables
	MaxSlippage        decimal.Decimal
	IgnoreHighSlippage bool

	CloseCondition  string
	SignChange      bool
	HoldFundingDiff decimal.Decimal // close when |diff| falls below; zero disables
	MinProfit       decimal.Decimal // zero disables
	MaxLoss         decimal.Decimal // zero disables
	MinPositionTime time.Duration
	MaxPositionTime time.Duration // zero disables
}

// OpenInputs is the state an open evaluation reads besides the quotes
type OpenInputs struct {
	HasActivePosition bool
	InCooldown        bool
	// Slippage is checked when present
	Slippage *SlippageEstimate
}

// Decision is a detector verdict with the conditions that produced it
type Decision struct {
	Signal      Signal
	Symbol      string
	Opportunity Opportunity
	Reasons     []string

	FundingDiff   decimal.Decimal // close: diff in the position's orientation
	UnrealizedPct decimal.Decimal // close: estimate as a fraction of long entry notional
}

// Detector evaluates open and close conditions. It keeps no state, so
// the same inputs always produce the same decision.
type Detector struct {
	cfg DetectorConfig
}

func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.OpenCondition == "" {
		cfg.OpenCondition = ConditionAll
	}
	if cfg.CloseCondition == "" {
		cfg.CloseCondition = ConditionAny
	}
	return &Detector{cfg: cfg}
}

func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// EvaluateOpen decides whether opp should open a new position
func (d *Detector) EvaluateOpen(opp Opportunity, in OpenInputs) Decision {
	dec := Decision{Symbol: opp.Symbol, Opportunity: opp, FundingDiff: opp.FundingDiff}

	switch {
	case opp.LongQuote.IsStale || opp.ShortQuote.IsStale:
		return dec.reject("stale quote")
	case in.HasActivePosition:
		return dec.reject("active position exists")
	case in.InCooldown:
		return dec.reject("in cooldown")
	case !opp.FundingDiff.IsPositive():
		return dec.reject("no funding spread")
	}

	fundingMet := opp.FundingDiff.GreaterThanOrEqual(d.cfg.MinFundingDiff)
	priceMet := opp.PriceDiffPct.GreaterThanOrEqual(d.cfg.MinPriceDiff)
	if d.cfg.MaxPriceDiff.IsPositive() && opp.PriceDiffPct.Abs().GreaterThan(d.cfg.MaxPriceDiff) {
		priceMet = false
	}

	var met bool
	switch d.cfg.OpenCondition {
	case ConditionFundingOnly:
		met = fundingMet
	case ConditionPriceOnly:
		met = priceMet
	case ConditionAny:
		met = fundingMet || priceMet
	default:
		met = fundingMet && priceMet
	}
	if !met {
		return dec.reject(fmt.Sprintf("%s conditions not met (funding_diff=%s min=%s, price_diff=%s min=%s)",
			d.cfg.OpenCondition, opp.FundingDiff, d.cfg.MinFundingDiff, opp.PriceDiffPct, d.cfg.MinPriceDiff))
	}

	if in.Slippage != nil && in.Slippage.Exceeds(d.cfg.MaxSlippage) {
		if !d.cfg.IgnoreHighSlippage {
			return dec.reject(fmt.Sprintf("slippage %s exceeds %s", in.Slippage.TotalPct, d.cfg.MaxSlippage))
		}
		dec.Reasons = append(dec.Reasons, "high slippage ignored")
	}

	dec.Signal = SignalOpen
	dec.Reasons = append(dec.Reasons, fmt.Sprintf("funding_diff=%s price_diff=%s", opp.FundingDiff, opp.PriceDiffPct))
	return dec
}

// EvaluateClose decides whether an Open position should be unwound.
// Quotes are taken in the position's own orientation.
func (d *Detector) EvaluateClose(pos *position.Position, longQ, shortQ core.Quote, now time.Time) Decision {
	dec := Decision{Symbol: pos.Symbol}
	if pos.State != position.StateOpen {
		return dec.reject(fmt.Sprintf("position is %s", pos.State))
	}
	if longQ.IsStale || shortQ.IsStale {
		return dec.reject("stale quote")
	}

	diff := ComputeSpread(longQ.FundingRate, shortQ.FundingRate)
	dec.FundingDiff = diff
	dec.UnrealizedPct = UnrealizedPct(pos, longQ.MidPrice, shortQ.MidPrice)
	age := pos.Age(now)

	// protective triggers fire on their own
	var protective []string
	if d.cfg.SignChange && !diff.IsZero() && pos.LastFundingDiffSign != 0 && diff.Sign() != pos.LastFundingDiffSign {
		protective = append(protective, fmt.Sprintf("funding spread reversed (%s)", diff))
	}
	if d.cfg.MaxLoss.IsPositive() && dec.UnrealizedPct.LessThanOrEqual(d.cfg.MaxLoss.Neg()) {
		protective = append(protective, fmt.Sprintf("stop loss (%s <= -%s)", dec.UnrealizedPct, d.cfg.MaxLoss))
	}
	if d.cfg.MaxPositionTime > 0 && age >= d.cfg.MaxPositionTime {
		protective = append(protective, fmt.Sprintf("max position time %s reached", d.cfg.MaxPositionTime))
	}
	if len(protective) > 0 {
		dec.Signal = SignalClose
		dec.Reasons = protective
		return dec
	}

	if age < d.cfg.MinPositionTime {
		return dec.reject(fmt.Sprintf("held %s < min %s", age.Truncate(time.Second), d.cfg.MinPositionTime))
	}
	if diff.IsZero() {
		return dec.reject("zero funding spread")
	}

	type condition struct {
		met    bool
		reason string
	}
	var conds []condition
	if d.cfg.HoldFundingDiff.IsPositive() {
		conds = append(conds, condition{
			met:    diff.Abs().LessThan(d.cfg.HoldFundingDiff),
			reason: fmt.Sprintf("funding spread %s below hold threshold %s", diff, d.cfg.HoldFundingDiff),
		})
	}
	if d.cfg.MinProfit.IsPositive() {
		conds = append(conds, condition{
			met:    dec.UnrealizedPct.GreaterThanOrEqual(d.cfg.MinProfit),
			reason: fmt.Sprintf("profit target (%s >= %s)", dec.UnrealizedPct, d.cfg.MinProfit),
		})
	}
	if len(conds) == 0 {
		return dec.reject("no close condition met")
	}

	var metReasons []string
	for _, c := range conds {
		if c.met {
			metReasons = append(metReasons, c.reason)
		}
	}
	fire := len(metReasons) > 0
	if d.cfg.CloseCondition == ConditionAll {
		fire = len(metReasons) == len(conds)
	}
	if !fire {
		return dec.reject("no close condition met")
	}
	dec.Signal = SignalClose
	dec.Reasons = metReasons
	return dec
}

func (d Decision) reject(reason string) Decision {
	d.Signal = SignalNone
	d.Reasons = append(d.Reasons, reason)
	return d
}

// UnrealizedPct estimates mark-to-mid PnL of both legs as a fraction of
// the long leg's entry notional. Fees are excluded.
func UnrealizedPct(pos *position.Position, midLong, midShort decimal.Decimal) decimal.Decimal {
	if pos.LongLeg == nil || pos.ShortLeg == nil {
		return decimal.Zero
	}
	size := pos.LongLeg.FilledSize
	basis := pos.LongLeg.EntryPrice.Mul(size)
	if !basis.IsPositive() {
		return decimal.Zero
	}
	longPnL := midLong.Sub(pos.LongLeg.EntryPrice).Mul(size)
	shortPnL := pos.ShortLeg.EntryPrice.Sub(midShort).Mul(pos.ShortLeg.FilledSize)
	return longPnL.Add(shortPnL).Div(basis)
}
