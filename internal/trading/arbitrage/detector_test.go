package arbitrage

import (
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/position"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		OpenCondition:   ConditionAll,
		MinFundingDiff:  d("0.0001"),
		MinPriceDiff:    decimal.Zero,
		MaxSlippage:     d("0.0015"),
		CloseCondition:  ConditionAny,
		SignChange:      true,
		HoldFundingDiff: d("0.00005"),
		MinProfit:       d("0.001"),
		MaxLoss:         d("0.003"),
	}
}

func openPosition(sign int) *position.Position {
	return &position.Position{
		ID:                  "p1",
		Symbol:              "BTC",
		State:               position.StateOpen,
		LongVenue:           "venueB",
		ShortVenue:          "venueA",
		LastFundingDiffSign: sign,
		OpenedAt:            t0,
		LongLeg:             &position.Leg{Venue: "venueB", Side: core.OrderSideBuy, FilledSize: d("1"), EntryPrice: d("100")},
		ShortLeg:            &position.Leg{Venue: "venueA", Side: core.OrderSideSell, FilledSize: d("1"), EntryPrice: d("100")},
	}
}

func TestDetector_ScenarioA_OpenSignal(t *testing.T) {
	det := NewDetector(defaultDetectorConfig())
	a := quote("venueA", "100", "0.0003")
	b := quote("venueB", "100", "-0.0001")

	dec := det.EvaluateOpen(Orient(a, b, t0), OpenInputs{})
	require.Equal(t, SignalOpen, dec.Signal, dec.Reasons)
	assert.Equal(t, "venueB", dec.Opportunity.LongVenue)
	assert.Equal(t, "venueA", dec.Opportunity.ShortVenue)
	assert.Equal(t, "0.0004", dec.Opportunity.FundingDiff.String())
}

func TestDetector_OpenGuards(t *testing.T) {
	det := NewDetector(defaultDetectorConfig())
	opp := Orient(quote("venueA", "100", "0.0003"), quote("venueB", "100", "-0.0001"), t0)

	tests := []struct {
		name string
		opp  Opportunity
		in   OpenInputs
	}{
		{"active position", opp, OpenInputs{HasActivePosition: true}},
		{"cooldown", opp, OpenInputs{InCooldown: true}},
		{"high slippage", opp, OpenInputs{Slippage: &SlippageEstimate{TotalPct: d("0.002"), Complete: true}}},
		{"thin book", opp, OpenInputs{Slippage: &SlippageEstimate{Complete: false}}},
		{"below threshold", Orient(quote("venueA", "100", "0.00005"), quote("venueB", "100", "0"), t0), OpenInputs{}},
		{"zero spread", Orient(quote("venueA", "100", "0.0001"), quote("venueB", "100", "0.0001"), t0), OpenInputs{}},
		{"negative price diff", Orient(quote("venueA", "99", "0.0003"), quote("venueB", "100", "-0.0001"), t0), OpenInputs{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := det.EvaluateOpen(tt.opp, tt.in)
			assert.Equal(t, SignalNone, dec.Signal)
			assert.NotEmpty(t, dec.Reasons)
		})
	}

	stale := opp
	stale.LongQuote.IsStale = true
	assert.Equal(t, SignalNone, det.EvaluateOpen(stale, OpenInputs{}).Signal)
}

func TestDetector_IgnoreHighSlippage(t *testing.T) {
	cfg := defaultDetectorConfig()
	cfg.IgnoreHighSlippage = true
	det := NewDetector(cfg)
	opp := Orient(quote("venueA", "100", "0.0003"), quote("venueB", "100", "-0.0001"), t0)

	dec := det.EvaluateOpen(opp, OpenInputs{Slippage: &SlippageEstimate{TotalPct: d("0.01"), Complete: true}})
	assert.Equal(t, SignalOpen, dec.Signal)
	assert.Contains(t, dec.Reasons, "high slippage ignored")
}

func TestDetector_OpenConditionTypes(t *testing.T) {
	// funding met, price diff negative
	fundingOnly := Orient(quote("venueA", "99", "0.0003"), quote("venueB", "100", "-0.0001"), t0)
	// price met, funding below threshold
	priceOnly := Orient(quote("venueA", "101", "0.00002"), quote("venueB", "100", "0"), t0)

	tests := []struct {
		condition string
		opp       Opportunity
		want      Signal
	}{
		{ConditionFundingOnly, fundingOnly, SignalOpen},
		{ConditionFundingOnly, priceOnly, SignalNone},
		{ConditionPriceOnly, priceOnly, SignalOpen},
		{ConditionPriceOnly, fundingOnly, SignalNone},
		{ConditionAny, fundingOnly, SignalOpen},
		{ConditionAny, priceOnly, SignalOpen},
		{ConditionAll, fundingOnly, SignalNone},
		{ConditionAll, priceOnly, SignalNone},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			cfg := defaultDetectorConfig()
			cfg.OpenCondition = tt.condition
			cfg.MinPriceDiff = d("0.005")
			dec := NewDetector(cfg).EvaluateOpen(tt.opp, OpenInputs{})
			assert.Equal(t, tt.want, dec.Signal, dec.Reasons)
		})
	}
}

func TestDetector_MaxPriceDiff(t *testing.T) {
	cfg := defaultDetectorConfig()
	cfg.MaxPriceDiff = d("0.01")
	det := NewDetector(cfg)

	opp := Orient(quote("venueA", "103", "0.0003"), quote("venueB", "100", "-0.0001"), t0)
	assert.Equal(t, SignalNone, det.EvaluateOpen(opp, OpenInputs{}).Signal)
}

func TestDetector_Idempotent(t *testing.T) {
	det := NewDetector(defaultDetectorConfig())
	opp := Orient(quote("venueA", "100", "0.0003"), quote("venueB", "100", "-0.0001"), t0)

	first := det.EvaluateOpen(opp, OpenInputs{})
	second := det.EvaluateOpen(opp, OpenInputs{})
	assert.Equal(t, first, second)

	pos := openPosition(1)
	longQ, shortQ := quote("venueB", "100", "0.0002"), quote("venueA", "100", "0.0001")
	assert.Equal(t,
		det.EvaluateClose(pos, longQ, shortQ, t0.Add(time.Hour)),
		det.EvaluateClose(pos, longQ, shortQ, t0.Add(time.Hour)))
}

func TestDetector_ScenarioB_SignReversal(t *testing.T) {
	cfg := defaultDetectorConfig()
	cfg.MinPositionTime = 24 * time.Hour
	det := NewDetector(cfg)
	pos := openPosition(1)

	// short - long = -0.0001 while the position is at a loss
	longQ := quote("venueB", "99.9", "0.0002")
	shortQ := quote("venueA", "100", "0.0001")

	dec := det.EvaluateClose(pos, longQ, shortQ, t0.Add(time.Minute))
	require.Equal(t, SignalClose, dec.Signal)
	assert.Equal(t, "-0.0001", dec.FundingDiff.String())
	assert.Contains(t, dec.Reasons[0], "reversed")
}

func TestDetector_CloseConditions(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*DetectorConfig)
		longQ     core.Quote
		shortQ    core.Quote
		age       time.Duration
		want      Signal
		reasonHas string
	}{
		{
			name:   "healthy spread holds",
			longQ:  quote("venueB", "100", "0"),
			shortQ: quote("venueA", "100", "0.0003"),
			age:    time.Hour,
			want:   SignalNone,
		},
		{
			name:      "spread below hold threshold",
			longQ:     quote("venueB", "100", "0"),
			shortQ:    quote("venueA", "100", "0.00001"),
			age:       time.Hour,
			want:      SignalClose,
			reasonHas: "hold threshold",
		},
		{
			name:      "profit target",
			longQ:     quote("venueB", "100.2", "0"),
			shortQ:    quote("venueA", "100", "0.0003"),
			age:       time.Hour,
			want:      SignalClose,
			reasonHas: "profit target",
		},
		{
			name:      "stop loss",
			longQ:     quote("venueB", "99.5", "0"),
			shortQ:    quote("venueA", "100", "0.0003"),
			age:       time.Hour,
			want:      SignalClose,
			reasonHas: "stop loss",
		},
		{
			name:   "all requires every condition",
			mutate: func(c *DetectorConfig) { c.CloseCondition = ConditionAll },
			longQ:  quote("venueB", "100.2", "0"),
			shortQ: quote("venueA", "100", "0.0003"),
			age:    time.Hour,
			want:   SignalNone,
		},
		{
			name:      "all with every condition met",
			mutate:    func(c *DetectorConfig) { c.CloseCondition = ConditionAll },
			longQ:     quote("venueB", "100.2", "0"),
			shortQ:    quote("venueA", "100", "0.00001"),
			age:       time.Hour,
			want:      SignalClose,
			reasonHas: "hold threshold",
		},
		{
			name:   "min position time suppresses profit",
			mutate: func(c *DetectorConfig) { c.MinPositionTime = 2 * time.Hour },
			longQ:  quote("venueB", "100.2", "0"),
			shortQ: quote("venueA", "100", "0.0003"),
			age:    time.Hour,
			want:   SignalNone,
		},
		{
			name:      "max position time forces close",
			mutate:    func(c *DetectorConfig) { c.MaxPositionTime = 30 * time.Minute },
			longQ:     quote("venueB", "100", "0"),
			shortQ:    quote("venueA", "100", "0.0003"),
			age:       time.Hour,
			want:      SignalClose,
			reasonHas: "max position time",
		},
		{
			name:   "zero spread fires nothing non-protective",
			longQ:  quote("venueB", "100.2", "0.0001"),
			shortQ: quote("venueA", "100", "0.0001"),
			age:    time.Hour,
			want:   SignalNone,
		},
		{
			name:   "reversal disabled",
			mutate: func(c *DetectorConfig) { c.SignChange = false; c.HoldFundingDiff = decimal.Zero },
			longQ:  quote("venueB", "100", "0.0003"),
			shortQ: quote("venueA", "100", "0"),
			age:    time.Hour,
			want:   SignalNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultDetectorConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			dec := NewDetector(cfg).EvaluateClose(openPosition(1), tt.longQ, tt.shortQ, t0.Add(tt.age))
			assert.Equal(t, tt.want, dec.Signal, dec.Reasons)
			if tt.reasonHas != "" {
				require.NotEmpty(t, dec.Reasons)
				assert.Contains(t, dec.Reasons[0], tt.reasonHas)
			}
		})
	}
}

func TestDetector_CloseIgnoresNonOpenPositions(t *testing.T) {
	det := NewDetector(defaultDetectorConfig())
	pos := openPosition(1)
	pos.State = position.StateReconciling

	dec := det.EvaluateClose(pos, quote("venueB", "100", "0.0002"), quote("venueA", "100", "0"), t0.Add(time.Hour))
	assert.Equal(t, SignalNone, dec.Signal)
}

func TestUnrealizedPct(t *testing.T) {
	pos := openPosition(1)
	// long gains 1, short loses 0.5 on 100 notional
	assert.Equal(t, "0.005", UnrealizedPct(pos, d("101"), d("100.5")).String())

	pos.ShortLeg = nil
	assert.True(t, UnrealizedPct(pos, d("101"), d("100")).IsZero())
}
