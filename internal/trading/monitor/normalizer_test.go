package monitor

import (
	"testing"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizer_ConversionFactors(t *testing.T) {
	n, err := NewNormalizer(8, map[string]float64{"hourly": 1, "eight": 8, "four": 4}, time.Minute)
	require.NoError(t, err)

	now := time.Now()
	tests := []struct {
		venue string
		rate  string
		want  string
	}{
		{"hourly", "0.0000125", "0.0001"},
		{"eight", "0.0003", "0.0003"},
		{"four", "-0.00005", "-0.0001"},
	}
	for _, tt := range tests {
		t.Run(tt.venue, func(t *testing.T) {
			q, err := n.Normalize(core.RawQuote{
				Symbol:      "BTC",
				Venue:       tt.venue,
				MidPrice:    decimal.NewFromInt(60000),
				FundingRate: decimal.RequireFromString(tt.rate),
				ObservedAt:  now,
			}, now)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(q.FundingRate), "got %s", q.FundingRate)
			assert.False(t, q.IsStale)
			assert.Equal(t, "BTC", q.Symbol)
		})
	}
}

func TestNormalizer_Staleness(t *testing.T) {
	n, err := NewNormalizer(8, map[string]float64{"a": 8}, time.Minute)
	require.NoError(t, err)

	now := time.Now()
	q, err := n.Normalize(core.RawQuote{Venue: "a", ObservedAt: now.Add(-2 * time.Minute)}, now)
	require.NoError(t, err)
	assert.True(t, q.IsStale)

	q, err = n.Normalize(core.RawQuote{Venue: "a"}, now)
	require.NoError(t, err)
	assert.True(t, q.IsStale, "zero timestamp is never fresh")
}

func TestNormalizer_Errors(t *testing.T) {
	_, err := NewNormalizer(0, nil, time.Minute)
	assert.Error(t, err)

	_, err = NewNormalizer(8, map[string]float64{"a": 0}, time.Minute)
	assert.Error(t, err)

	n, err := NewNormalizer(8, map[string]float64{"a": 8}, time.Minute)
	require.NoError(t, err)
	_, err = n.Normalize(core.RawQuote{Venue: "unknown"}, time.Now())
	assert.Error(t, err)
}
