// Package safety runs pre-trade checks before the engine starts
package safety

import (
	"context"
	"errors"
	"fmt"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// StartupParams is what the checks need from the engine configuration
type StartupParams struct {
	Symbols          []string
	Venues           [2]string
	PositionSizes    map[string]decimal.Decimal
	MaxPositionSizes map[string]decimal.Decimal // missing means uncapped
	MaxTotalNotional decimal.Decimal            // zero disables
	TakerFeeRates    map[string]decimal.Decimal
	MinFundingDiff   decimal.Decimal // per reference interval
}

// SafetyChecker implements safety validation checks
type SafetyChecker struct {
	logger core.ILogger
}

// NewSafetyChecker creates a new safety checker
func NewSafetyChecker(logger core.ILogger) *SafetyChecker {
	return &SafetyChecker{
		logger: logger.WithField("component", "safety_checker"),
	}
}

// CheckStartup validates parameters, venue connectivity and whether each
// configured position can ever be opened
func (s *SafetyChecker) CheckStartup(ctx context.Context, venues map[string]core.IVenue, p StartupParams) error {
	if err := s.ValidateTradingParameters(p); err != nil {
		return err
	}

	for _, name := range p.Venues {
		v, ok := venues[name]
		if !ok {
			return fmt.Errorf("venue %s is not wired", name)
		}
		if err := s.CheckVenueConnectivity(ctx, v, p.Symbols); err != nil {
			return err
		}
	}

	var errs []error
	for _, symbol := range p.Symbols {
		if err := s.checkNotional(ctx, venues, p, symbol); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.checkProfitability(p)
	s.logger.Info("Startup safety check completed successfully", "symbols", p.Symbols)
	return nil
}

// ValidateTradingParameters validates static parameters
func (s *SafetyChecker) ValidateTradingParameters(p StartupParams) error {
	if len(p.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if p.Venues[0] == "" || p.Venues[0] == p.Venues[1] {
		return fmt.Errorf("two distinct venues required: %v", p.Venues)
	}
	if !p.MinFundingDiff.IsPositive() {
		return fmt.Errorf("minimum funding diff must be positive: %s", p.MinFundingDiff)
	}

	for _, symbol := range p.Symbols {
		size, ok := p.PositionSizes[symbol]
		if !ok || !size.IsPositive() {
			return fmt.Errorf("position size for %s must be positive", symbol)
		}
		if limit, ok := p.MaxPositionSizes[symbol]; ok && size.GreaterThan(limit) {
			return fmt.Errorf("position size for %s (%s) exceeds its max position size (%s)", symbol, size, limit)
		}
	}
	return nil
}

// CheckVenueConnectivity performs basic connectivity checks
func (s *SafetyChecker) CheckVenueConnectivity(ctx context.Context, venue core.IVenue, symbols []string) error {
	s.logger.Info("Checking venue connectivity", "venue", venue.GetName())

	if err := venue.CheckHealth(ctx); err != nil {
		return fmt.Errorf("venue %s health check failed: %w", venue.GetName(), err)
	}

	for _, symbol := range symbols {
		price, err := venue.GetLatestPrice(ctx, symbol)
		if err != nil {
			return fmt.Errorf("venue %s price access failed for %s: %w", venue.GetName(), symbol, err)
		}
		if !price.IsPositive() {
			return fmt.Errorf("venue %s returned invalid price for %s: %s", venue.GetName(), symbol, price)
		}
	}
	return nil
}

// checkNotional rejects a symbol whose configured size alone breaches
// the total notional cap
func (s *SafetyChecker) checkNotional(ctx context.Context, venues map[string]core.IVenue, p StartupParams, symbol string) error {
	if !p.MaxTotalNotional.IsPositive() {
		return nil
	}

	highest := decimal.Zero
	for _, name := range p.Venues {
		price, err := venues[name].GetLatestPrice(ctx, symbol)
		if err != nil {
			return fmt.Errorf("price for %s on %s: %w", symbol, name, err)
		}
		highest = decimal.Max(highest, price)
	}

	notional := p.PositionSizes[symbol].Mul(highest)
	if notional.GreaterThan(p.MaxTotalNotional) {
		return fmt.Errorf("position notional for %s (%s USD) exceeds max total position (%s USD)",
			symbol, notional.StringFixed(2), p.MaxTotalNotional.StringFixed(2))
	}
	return nil
}

// checkProfitability logs how many reference intervals at the minimum
// funding diff it takes to earn back the round-trip taker fees
func (s *SafetyChecker) checkProfitability(p StartupParams) {
	fees := decimal.Zero
	for _, name := range p.Venues {
		fees = fees.Add(p.TakerFeeRates[name])
	}
	// open and close on both legs
	roundTrip := fees.Mul(decimal.NewFromInt(2))
	breakEven := roundTrip.Div(p.MinFundingDiff)

	if breakEven.GreaterThan(decimal.NewFromInt(3)) {
		s.logger.Warn("Fees need many funding intervals to break even",
			"round_trip_fee", roundTrip.String(),
			"min_funding_diff", p.MinFundingDiff.String(),
			"break_even_intervals", breakEven.StringFixed(1))
		return
	}
	s.logger.Info("Profitability check passed",
		"round_trip_fee", roundTrip.String(),
		"break_even_intervals", breakEven.StringFixed(1))
}
