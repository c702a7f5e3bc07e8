package monitor

import (
	"fmt"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// Normalizer converts venue readings to the reference funding interval.
// Conversion factors are fixed at construction; Normalize is pure.
type Normalizer struct {
	factors   map[string]decimal.Decimal
	staleness time.Duration
}

// NewNormalizer builds factors as referenceHours / venueIntervalHours,
// so an hourly rate is multiplied by 8 for an 8-hour reference.
func NewNormalizer(referenceHours float64, venueIntervalHours map[string]float64, staleness time.Duration) (*Normalizer, error) {
	if referenceHours <= 0 {
		return nil, fmt.Errorf("reference interval must be positive, got %v", referenceHours)
	}
	ref := decimal.NewFromFloat(referenceHours)
	factors := make(map[string]decimal.Decimal, len(venueIntervalHours))
	for venue, hours := range venueIntervalHours {
		if hours <= 0 {
			return nil, fmt.Errorf("venue %s: funding interval must be positive, got %v", venue, hours)
		}
		factors[venue] = ref.Div(decimal.NewFromFloat(hours))
	}
	return &Normalizer{factors: factors, staleness: staleness}, nil
}

// Factor returns the multiplier applied to venue funding rates
func (n *Normalizer) Factor(venue string) (decimal.Decimal, bool) {
	f, ok := n.factors[venue]
	return f, ok
}

// StalenessWindow returns the configured maximum quote age
func (n *Normalizer) StalenessWindow() time.Duration {
	return n.staleness
}

// Normalize produces a Quote from raw, flagged stale when older than the window at now
func (n *Normalizer) Normalize(raw core.RawQuote, now time.Time) (core.Quote, error) {
	factor, ok := n.factors[raw.Venue]
	if !ok {
		return core.Quote{}, fmt.Errorf("no funding conversion factor for venue %s", raw.Venue)
	}
	return core.Quote{
		Symbol:      raw.Symbol,
		Venue:       raw.Venue,
		MidPrice:    raw.MidPrice,
		FundingRate: raw.FundingRate.Mul(factor),
		ObservedAt:  raw.ObservedAt,
		IsStale:     raw.ObservedAt.IsZero() || now.Sub(raw.ObservedAt) > n.staleness,
	}, nil
}
