// Package exchange builds the venue adapters named in the configuration
package exchange

import (
	"fmt"
	"sort"
	"strings"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/order"

	"github.com/shopspring/decimal"
)

const KindPaper = "paper"

// NewVenue creates one venue and wraps it in the rate-limited executor
func NewVenue(name string, cfg config.VenueConfig, logger core.ILogger) (core.IVenue, error) {
	var venue core.IVenue

	switch strings.ToLower(cfg.Kind) {
	case KindPaper, "":
		venue = newPaperVenue(name, cfg)
	default:
		return nil, fmt.Errorf("unsupported venue kind %q for %s", cfg.Kind, name)
	}

	logger.Info("Venue ready", "venue", name, "kind", cfg.Kind, "rate_limit", cfg.RateLimit)
	oe := order.NewOrderExecutor(venue, logger, cfg.RateLimit, cfg.RateBurst)
	if cfg.MaxOrderFailures > 0 {
		oe.SetFailureThreshold(cfg.MaxOrderFailures)
	}
	return oe, nil
}

// NewVenues creates the venues the app trades on
func NewVenues(cfg *config.Config, logger core.ILogger) (map[string]core.IVenue, error) {
	venues := make(map[string]core.IVenue, len(cfg.App.Venues))
	for _, name := range cfg.App.Venues {
		vc, ok := cfg.Venues[name]
		if !ok {
			return nil, fmt.Errorf("venue %s has no configuration", name)
		}
		v, err := NewVenue(name, vc, logger)
		if err != nil {
			return nil, err
		}
		venues[name] = v
	}
	return venues, nil
}

// newPaperVenue seeds an in-memory venue from the paper section
func newPaperVenue(name string, cfg config.VenueConfig) *mock.MockVenue {
	v := mock.NewMockVenue(name)

	symbols := make([]string, 0, len(cfg.Paper))
	for s := range cfg.Paper {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	depth := decimal.Zero
	for _, s := range symbols {
		q := cfg.Paper[s]
		v.SetMarket(s, decimal.NewFromFloat(q.Price), decimal.NewFromFloat(q.FundingRate))
		if d := decimal.NewFromFloat(q.Depth); d.GreaterThan(depth) {
			depth = d
		}
	}
	if depth.IsPositive() {
		v.SetDepth(depth)
	}
	return v
}
