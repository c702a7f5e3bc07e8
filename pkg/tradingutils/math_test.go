package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundQuantity(t *testing.T) {
	assert.True(t, d("0.123").Equal(RoundQuantity(d("0.12345"), d("0.001"))))
	assert.True(t, d("1.5").Equal(RoundQuantity(d("1.5"), decimal.Zero)))
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, WithinTolerance(d("1.00000001"), d("1"), d("0.0000001")))
	assert.False(t, WithinTolerance(d("1.001"), d("1"), d("0.0001")))
}

func TestLegPnL(t *testing.T) {
	assert.True(t, d("10").Equal(LegPnL(d("100"), d("110"), d("1"), true)))
	assert.True(t, d("-10").Equal(LegPnL(d("100"), d("110"), d("1"), false)))
}

func TestFee(t *testing.T) {
	assert.True(t, d("0.05").Equal(Fee(d("100"), d("1"), d("0.0005"))))
}

func TestCalculateNetProfit(t *testing.T) {
	got := CalculateNetProfit(d("100"), d("101"), d("0.001"), d("0.001"))
	assert.True(t, d("0.799").Equal(got))
}

func TestVWAP(t *testing.T) {
	got := VWAP([]decimal.Decimal{d("100"), d("102")}, []decimal.Decimal{d("1"), d("1")})
	assert.True(t, d("101").Equal(got))
	assert.True(t, VWAP(nil, nil).IsZero())
}
