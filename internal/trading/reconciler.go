package trading

import (
	"context"
	"fmt"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/position"
	"funding_arb/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Drift is a venue position that disagrees with the local record
type Drift struct {
	Symbol   string          `json:"symbol"`
	Venue    string          `json:"venue"`
	Expected decimal.Decimal `json:"expected"` // signed
	Actual   decimal.Decimal `json:"actual"`   // signed
}

// ReconcileResult contains the outcome of a reconciliation pass
type ReconcileResult struct {
	Matched int     `json:"matched"`
	Drifted []Drift `json:"drifted,omitempty"`
	// Orphans are venue positions on symbols with no local position
	Orphans []Drift  `json:"orphans,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	// Unbalanced are open positions whose venue legs do not net flat
	Unbalanced []string `json:"unbalanced,omitempty"`
}

// Clean reports whether venues and local records agree
func (r ReconcileResult) Clean() bool {
	return len(r.Drifted) == 0 && len(r.Orphans) == 0
}

// ReconcilePositions compares venue-reported positions with the local
// records. Open positions must match their legs within tolerance; symbols
// without a local position must be flat. Reconciling positions already
// await an operator and are skipped, as are positions mid-transition.
func ReconcilePositions(
	ctx context.Context,
	logger core.ILogger,
	legs *arbitrage.LegManager,
	positions []*position.Position,
	symbols []string,
	venues []string,
	tolerance decimal.Decimal,
) (ReconcileResult, error) {
	var res ReconcileResult

	bySymbol := make(map[string]*position.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}

	for _, symbol := range symbols {
		p, ok := bySymbol[symbol]
		if ok && p.State != position.StateOpen {
			res.Skipped = append(res.Skipped, symbol)
			continue
		}

		expected := make(map[string]decimal.Decimal, len(venues))
		if ok && p.LongLeg != nil && p.ShortLeg != nil {
			expected[p.LongVenue] = p.LongLeg.FilledSize
			expected[p.ShortVenue] = p.ShortLeg.FilledSize.Neg()
		}

		clean := true
		for _, venue := range venues {
			actual, err := legs.SyncState(ctx, venue, symbol)
			if err != nil {
				return res, fmt.Errorf("failed to read %s position on %s: %w", symbol, venue, err)
			}
			want := expected[venue]
			if tradingutils.WithinTolerance(actual, want, tolerance) {
				continue
			}

			clean = false
			d := Drift{Symbol: symbol, Venue: venue, Expected: want, Actual: actual}
			if ok {
				logger.Error("Venue position drifted from local record",
					"symbol", symbol, "venue", venue, "expected", want.String(), "actual", actual.String())
				res.Drifted = append(res.Drifted, d)
			} else {
				logger.Warn("Unmatched venue position detected",
					"symbol", symbol, "venue", venue, "size", actual.String())
				res.Orphans = append(res.Orphans, d)
			}
		}
		if !ok {
			continue
		}
		if clean {
			res.Matched++
		}
		if !legs.IsDeltaNeutral(symbol, tolerance) {
			logger.Warn("Open position is not delta neutral on venues", "symbol", symbol, "position_id", p.ID)
			res.Unbalanced = append(res.Unbalanced, symbol)
		}
	}

	return res, nil
}
