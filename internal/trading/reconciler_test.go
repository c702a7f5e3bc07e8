package trading

import (
	"context"
	"errors"
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/mock"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/position"
	"funding_arb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tol = decimal.RequireFromString("0.0001")

func setupVenues() (*mock.MockVenue, *mock.MockVenue, *arbitrage.LegManager) {
	a, b := mock.NewMockVenue("A"), mock.NewMockVenue("B")
	legs := arbitrage.NewLegManager(map[string]arbitrage.PositionReader{"A": a, "B": b}, logging.NewNopLogger())
	return a, b, legs
}

func openPosition(symbol string, size decimal.Decimal) *position.Position {
	return &position.Position{
		ID:         "p-" + symbol,
		Symbol:     symbol,
		State:      position.StateOpen,
		LongVenue:  "A",
		ShortVenue: "B",
		LongLeg:    &position.Leg{Venue: "A", Side: core.OrderSideBuy, FilledSize: size},
		ShortLeg:   &position.Leg{Venue: "B", Side: core.OrderSideSell, FilledSize: size},
	}
}

func TestReconcilePositions_Matched(t *testing.T) {
	a, b, legs := setupVenues()
	a.SetPosition("BTC", decimal.NewFromInt(1))
	b.SetPosition("BTC", decimal.NewFromInt(-1))

	res, err := ReconcilePositions(context.Background(), logging.NewNopLogger(), legs,
		[]*position.Position{openPosition("BTC", decimal.NewFromInt(1))},
		[]string{"BTC", "ETH"}, []string{"A", "B"}, tol)

	require.NoError(t, err)
	assert.True(t, res.Clean())
	assert.Equal(t, 1, res.Matched)
	assert.Empty(t, res.Unbalanced)
}

func TestReconcilePositions_DriftedLeg(t *testing.T) {
	a, b, legs := setupVenues()
	a.SetPosition("BTC", decimal.NewFromInt(1))
	b.SetPosition("BTC", decimal.RequireFromString("-0.5"))

	res, err := ReconcilePositions(context.Background(), logging.NewNopLogger(), legs,
		[]*position.Position{openPosition("BTC", decimal.NewFromInt(1))},
		[]string{"BTC"}, []string{"A", "B"}, tol)

	require.NoError(t, err)
	assert.False(t, res.Clean())
	require.Len(t, res.Drifted, 1)
	assert.Equal(t, "B", res.Drifted[0].Venue)
	assert.Equal(t, "-1", res.Drifted[0].Expected.String())
	assert.Equal(t, "-0.5", res.Drifted[0].Actual.String())
	assert.Zero(t, res.Matched)
	assert.Equal(t, []string{"BTC"}, res.Unbalanced)
}

func TestReconcilePositions_OrphanWithoutLocalPosition(t *testing.T) {
	a, _, legs := setupVenues()
	a.SetPosition("ETH", decimal.NewFromInt(3))

	res, err := ReconcilePositions(context.Background(), logging.NewNopLogger(), legs,
		nil, []string{"ETH"}, []string{"A", "B"}, tol)

	require.NoError(t, err)
	require.Len(t, res.Orphans, 1)
	assert.Equal(t, "A", res.Orphans[0].Venue)
	assert.Empty(t, res.Drifted)
}

func TestReconcilePositions_SkipsReconciling(t *testing.T) {
	a, _, legs := setupVenues()
	a.SetPosition("BTC", decimal.NewFromInt(1))
	p := openPosition("BTC", decimal.NewFromInt(1))
	p.State = position.StateReconciling

	res, err := ReconcilePositions(context.Background(), logging.NewNopLogger(), legs,
		[]*position.Position{p}, []string{"BTC"}, []string{"A", "B"}, tol)

	require.NoError(t, err)
	assert.True(t, res.Clean())
	assert.Equal(t, []string{"BTC"}, res.Skipped)
}

func TestReconcilePositions_VenueError(t *testing.T) {
	_, b, legs := setupVenues()
	b.SetPositionError(errors.New("timeout"))

	_, err := ReconcilePositions(context.Background(), logging.NewNopLogger(), legs,
		nil, []string{"BTC"}, []string{"A", "B"}, tol)

	assert.ErrorContains(t, err, "failed to read BTC position on B")
}
