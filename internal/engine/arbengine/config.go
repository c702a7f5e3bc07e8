package arbengine

import (
	"fmt"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/risk"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/execution"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// EngineConfig holds the loop's settings with every percent option
// already converted to a fraction
type EngineConfig struct {
	Symbols               []string
	Venues                [2]string
	PositionSizes         map[string]decimal.Decimal
	CheckInterval         time.Duration
	FundingUpdateInterval time.Duration
	MaxConcurrentSymbols  int
	DryRun                bool
	// ReferenceHours is the funding interval every rate is normalized to
	ReferenceHours decimal.Decimal

	Detector  arbitrage.DetectorConfig
	Limits    risk.Limits
	Breaker   risk.CircuitConfig
	Execution execution.Config
}

// NewEngineConfig derives the engine settings from a validated config
func NewEngineConfig(cfg *config.Config, dryRun bool) (EngineConfig, error) {
	if len(cfg.App.Venues) != 2 {
		return EngineConfig{}, fmt.Errorf("exactly two venues required, got %d", len(cfg.App.Venues))
	}
	s := cfg.Strategy

	sizes := make(map[string]decimal.Decimal, len(s.PositionSizes))
	for sym, v := range s.PositionSizes {
		sizes[sym] = decimal.NewFromFloat(v)
	}
	maxSizes := make(map[string]decimal.Decimal, len(s.MaxPositionSize))
	for sym, v := range s.MaxPositionSize {
		maxSizes[sym] = decimal.NewFromFloat(v)
	}
	fees := make(map[string]decimal.Decimal, len(cfg.Venues))
	for name, v := range cfg.Venues {
		fees[name] = decimal.NewFromFloat(v.TakerFeeRate)
	}
	maxSlippage := pct(s.Open.MaxSlippagePercent)

	return EngineConfig{
		Symbols:               append([]string(nil), s.Symbols...),
		Venues:                [2]string{cfg.App.Venues[0], cfg.App.Venues[1]},
		PositionSizes:         sizes,
		CheckInterval:         s.CheckInterval,
		FundingUpdateInterval: s.FundingUpdateInterval,
		MaxConcurrentSymbols:  cfg.Execution.MaxConcurrentSymbols,
		DryRun:                dryRun,
		ReferenceHours:        decimal.NewFromFloat(cfg.App.ReferenceIntervalHrs),
		Detector: arbitrage.DetectorConfig{
			OpenCondition:      s.Open.ConditionType,
			MinFundingDiff:     decimal.NewFromFloat(s.Open.MinFundingDiff),
			MinPriceDiff:       pct(s.Open.MinPriceDiffPercent),
			MaxPriceDiff:       pct(s.Open.MaxPriceDiffPercent),
			MaxSlippage:        maxSlippage,
			IgnoreHighSlippage: s.Open.IgnoreHighSlippage,
			CloseCondition:     s.Close.ConditionType,
			SignChange:         s.Close.FundingDiffSignChange,
			HoldFundingDiff:    decimal.NewFromFloat(s.Close.MinFundingDiff),
			MinProfit:          pct(s.Close.MinProfitPercent),
			MaxLoss:            pct(s.Close.MaxLossPercent),
			MinPositionTime:    s.Close.MinPositionTime,
			MaxPositionTime:    s.Close.MaxPositionTime,
		},
		Limits: risk.Limits{
			MaxPositionsCount:   cfg.Risk.MaxPositionsCount,
			PerSymbolMaxSize:    maxSizes,
			MaxTotalNotionalUSD: decimal.NewFromFloat(cfg.Risk.MaxTotalPositionUSD),
			TradeCooldown:       s.TradeCooldown,
			MaxSlippage:         maxSlippage,
			IgnoreHighSlippage:  s.Open.IgnoreHighSlippage,
		},
		Breaker: risk.CircuitConfig{
			MaxConsecutiveLosses: cfg.Risk.CircuitBreaker.MaxConsecutiveLosses,
			MaxDrawdownAmount:    decimal.NewFromFloat(cfg.Risk.CircuitBreaker.MaxDrawdownUSD),
			CooldownPeriod:       cfg.Risk.CircuitBreaker.Cooldown,
		},
		Execution: execution.Config{
			LegTimeout:              cfg.Execution.LegTimeout,
			CompensationMaxAttempts: cfg.Execution.CompensationMaxAttempts,
			CompensationBackoff:     cfg.Execution.CompensationBackoff,
			CompensationMaxBackoff:  cfg.Execution.CompensationMaxBackoff,
			SizeTolerance:           decimal.NewFromFloat(cfg.Risk.SizePrecision),
			TakerFeeRates:           fees,
		},
	}, nil
}

// pct converts a percent option (0.2 = 0.2%) to a fraction
func pct(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Div(hundred)
}
