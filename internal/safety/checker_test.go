package safety

import (
	"context"
	"errors"
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup() (map[string]core.IVenue, *mock.MockVenue, StartupParams) {
	a, b := mock.NewMockVenue("A"), mock.NewMockVenue("B")
	a.SetMarket("BTC", d("60000"), d("0.0001"))
	b.SetMarket("BTC", d("60010"), d("0.0003"))

	params := StartupParams{
		Symbols:          []string{"BTC"},
		Venues:           [2]string{"A", "B"},
		PositionSizes:    map[string]decimal.Decimal{"BTC": d("0.01")},
		MaxPositionSizes: map[string]decimal.Decimal{"BTC": d("0.1")},
		MaxTotalNotional: d("5000"),
		TakerFeeRates:    map[string]decimal.Decimal{"A": d("0.0005"), "B": d("0.0005")},
		MinFundingDiff:   d("0.0001"),
	}
	return map[string]core.IVenue{"A": a, "B": b}, b, params
}

func TestSafetyChecker_CheckStartup(t *testing.T) {
	venues, _, params := setup()
	checker := NewSafetyChecker(logging.NewNopLogger())

	assert.NoError(t, checker.CheckStartup(context.Background(), venues, params))
}

func TestSafetyChecker_NotionalAboveCap(t *testing.T) {
	venues, _, params := setup()
	params.PositionSizes["BTC"] = d("0.1") // 6001 USD
	checker := NewSafetyChecker(logging.NewNopLogger())

	err := checker.CheckStartup(context.Background(), venues, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max total position")
}

func TestSafetyChecker_UnhealthyVenue(t *testing.T) {
	venues, b, params := setup()
	b.SetHealthError(errors.New("maintenance"))
	checker := NewSafetyChecker(logging.NewNopLogger())

	err := checker.CheckStartup(context.Background(), venues, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venue B health check failed")
}

func TestSafetyChecker_MissingPrice(t *testing.T) {
	venues, _, params := setup()
	params.Symbols = append(params.Symbols, "DOGE")
	params.PositionSizes["DOGE"] = d("100")
	checker := NewSafetyChecker(logging.NewNopLogger())

	err := checker.CheckStartup(context.Background(), venues, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price access failed for DOGE")
}

func TestSafetyChecker_ValidateTradingParameters(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StartupParams)
		wantErr string
	}{
		{"valid", func(*StartupParams) {}, ""},
		{"no symbols", func(p *StartupParams) { p.Symbols = nil }, "no symbols"},
		{"same venue twice", func(p *StartupParams) { p.Venues = [2]string{"A", "A"} }, "two distinct venues"},
		{"zero funding diff", func(p *StartupParams) { p.MinFundingDiff = decimal.Zero }, "minimum funding diff"},
		{"missing size", func(p *StartupParams) { delete(p.PositionSizes, "BTC") }, "position size for BTC"},
		{"size above max", func(p *StartupParams) { p.PositionSizes["BTC"] = d("1") }, "exceeds its max position size"},
	}

	checker := NewSafetyChecker(logging.NewNopLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, params := setup()
			tt.mutate(&params)
			err := checker.ValidateTradingParameters(params)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
