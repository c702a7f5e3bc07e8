package arbitrage

import (
	"math/rand"
	"testing"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quote(venue string, price, funding string) core.Quote {
	return core.Quote{
		Symbol:      "BTC",
		Venue:       venue,
		MidPrice:    decimal.RequireFromString(price),
		FundingRate: decimal.RequireFromString(funding),
		ObservedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestComputeSpread(t *testing.T) {
	long := decimal.NewFromFloat(0.0001)  // long leg pays 1 bp
	short := decimal.NewFromFloat(0.0003) // short leg receives 3 bp

	spread := ComputeSpread(long, short)
	if spread.String() != "0.0002" {
		t.Fatalf("expected 0.0002, got %s", spread.String())
	}
}

func TestAnnualizeSpread(t *testing.T) {
	spread := decimal.NewFromFloat(0.0002)   // per interval
	intervalHours := decimal.NewFromFloat(8) // typical perp interval

	apr := AnnualizeSpread(spread, intervalHours)

	// Expect spread * (24/8)*365 = 0.0002 * 3 * 365 = 0.219
	expected := decimal.NewFromFloat(0.219)
	if !apr.Equal(expected) {
		t.Fatalf("expected %s, got %s", expected.String(), apr.String())
	}

	zero := AnnualizeSpread(spread, decimal.Zero)
	if !zero.IsZero() {
		t.Fatalf("expected zero when interval is zero, got %s", zero)
	}
}

func TestOrient(t *testing.T) {
	a := quote("venueA", "100", "0.0003")
	b := quote("venueB", "101", "-0.0001")

	opp := Orient(a, b, time.Now())
	assert.Equal(t, "venueB", opp.LongVenue)
	assert.Equal(t, "venueA", opp.ShortVenue)
	assert.Equal(t, "0.0004", opp.FundingDiff.String())
	// (100 - 101) / 101
	assert.True(t, opp.PriceDiffPct.IsNegative())

	swapped := Orient(b, a, time.Now())
	assert.Equal(t, opp.LongVenue, swapped.LongVenue)
	assert.True(t, opp.FundingDiff.Equal(swapped.FundingDiff))
}

func TestOrient_TieBreaksByVenueName(t *testing.T) {
	a := quote("zeta", "100", "0.0001")
	b := quote("alpha", "100", "0.0001")

	assert.Equal(t, "alpha", Orient(a, b, time.Now()).LongVenue)
	assert.Equal(t, "alpha", Orient(b, a, time.Now()).LongVenue)
	assert.True(t, Orient(a, b, time.Now()).FundingDiff.IsZero())
}

// For any pair of rates the long leg is the lower-funding venue and the
// emitted diff is never negative.
func TestOrient_RandomPairs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		ra := decimal.NewFromInt(rng.Int63n(2001) - 1000).Shift(-6)
		rb := decimal.NewFromInt(rng.Int63n(2001) - 1000).Shift(-6)
		a := core.Quote{Symbol: "ETH", Venue: "a", MidPrice: decimal.NewFromInt(10), FundingRate: ra}
		b := core.Quote{Symbol: "ETH", Venue: "b", MidPrice: decimal.NewFromInt(10), FundingRate: rb}

		opp := Orient(a, b, time.Time{})
		require.False(t, opp.FundingDiff.IsNegative(), "a=%s b=%s", ra, rb)
		require.True(t, opp.LongQuote.FundingRate.LessThanOrEqual(opp.ShortQuote.FundingRate))
	}
}

func TestPriceDiffPct(t *testing.T) {
	assert.Equal(t, "0.01", PriceDiffPct(decimal.NewFromInt(100), decimal.NewFromInt(101)).String())
	assert.True(t, PriceDiffPct(decimal.Zero, decimal.NewFromInt(1)).IsZero())
}
