package arbitrage

import (
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// Opportunity is a symbol's funding spread oriented so FundingDiff >= 0:
// the position goes long on the cheaper-funding venue and short on the other.
type Opportunity struct {
	Symbol       string
	LongVenue    string
	ShortVenue   string
	FundingDiff  decimal.Decimal // short rate - long rate, per reference interval
	PriceDiffPct decimal.Decimal // (short mid - long mid) / long mid, as a fraction
	LongQuote    core.Quote
	ShortQuote   core.Quote
	DetectedAt   time.Time
}

// ComputeSpread returns the funding spread (short - long) for a symbol.
// Inputs are per-interval funding rates (not annualized).
func ComputeSpread(longRate, shortRate decimal.Decimal) decimal.Decimal {
	return shortRate.Sub(longRate)
}

// PriceDiffPct returns (short - long) / long, zero when long is not positive
func PriceDiffPct(longPrice, shortPrice decimal.Decimal) decimal.Decimal {
	if !longPrice.IsPositive() {
		return decimal.Zero
	}
	return shortPrice.Sub(longPrice).Div(longPrice)
}

// Orient builds the Opportunity for two quotes of the same symbol. The
// lower-funding venue is the long leg; equal rates break by venue name
// so the result does not depend on argument order.
func Orient(a, b core.Quote, now time.Time) Opportunity {
	long, short := a, b
	switch a.FundingRate.Cmp(b.FundingRate) {
	case 1:
		long, short = b, a
	case 0:
		if b.Venue < a.Venue {
			long, short = b, a
		}
	}
	return Opportunity{
		Symbol:       a.Symbol,
		LongVenue:    long.Venue,
		ShortVenue:   short.Venue,
		FundingDiff:  ComputeSpread(long.FundingRate, short.FundingRate),
		PriceDiffPct: PriceDiffPct(long.MidPrice, short.MidPrice),
		LongQuote:    long,
		ShortQuote:   short,
		DetectedAt:   now,
	}
}

// AnnualizeSpread converts a per-interval spread to APR using the interval duration (hours).
// If intervalHours is zero or negative, returns zero to avoid division by zero.
func AnnualizeSpread(spread decimal.Decimal, intervalHours decimal.Decimal) decimal.Decimal {
	if intervalHours.Sign() <= 0 {
		return decimal.Zero
	}
	periodsPerYear := decimal.NewFromInt(365 * 24).Div(intervalHours) // 365 days * 24h / interval
	return spread.Mul(periodsPerYear)
}
