package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBTCVenue() *MockVenue {
	v := NewMockVenue("venueA")
	v.SetMarket("BTC", decimal.NewFromInt(60000), decimal.NewFromFloat(0.0003))
	return v
}

func TestMockVenue_FillAndPosition(t *testing.T) {
	v := newBTCVenue()
	ctx := context.Background()

	res, err := v.PlaceOrder(ctx, &core.OrderRequest{Symbol: "BTC", Side: core.OrderSideSell, Type: core.OrderTypeMarket, Size: decimal.NewFromFloat(0.01)})
	require.NoError(t, err)
	assert.True(t, res.FilledSize.Equal(decimal.NewFromFloat(0.01)))
	assert.True(t, res.AvgFillPrice.Equal(decimal.NewFromInt(60000)))

	pos, err := v.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, core.OrderSideSell, pos.Side())
	assert.True(t, pos.Size.Equal(decimal.NewFromFloat(-0.01)))

	_, err = v.ClosePosition(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, v.NetPosition("BTC").IsZero())
}

func TestMockVenue_ClientOrderIDIdempotent(t *testing.T) {
	v := newBTCVenue()
	req := &core.OrderRequest{Symbol: "BTC", Side: core.OrderSideBuy, Type: core.OrderTypeMarket, Size: decimal.NewFromInt(1), ClientOrderID: "abc"}

	first, err := v.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := v.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, v.NetPosition("BTC").Equal(decimal.NewFromInt(1)))
}

func TestMockVenue_ReduceOnlyRejectsIncrease(t *testing.T) {
	v := newBTCVenue()
	_, err := v.PlaceOrder(context.Background(), &core.OrderRequest{Symbol: "BTC", Side: core.OrderSideBuy, Size: decimal.NewFromInt(1), ReduceOnly: true})
	assert.True(t, errors.Is(err, apperrors.ErrOrderRejected))
}

func TestMockVenue_ScriptedFailureAndLateFill(t *testing.T) {
	v := newBTCVenue()
	v.ScriptOrders(
		OrderBehavior{Err: apperrors.ErrNetwork},
		OrderBehavior{Delay: 50 * time.Millisecond, FillLate: true},
	)
	req := &core.OrderRequest{Symbol: "BTC", Side: core.OrderSideBuy, Size: decimal.NewFromInt(1)}

	_, err := v.PlaceOrder(context.Background(), req)
	assert.True(t, errors.Is(err, apperrors.ErrNetwork))
	assert.True(t, v.NetPosition("BTC").IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = v.PlaceOrder(ctx, req)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Eventually(t, func() bool {
		return v.NetPosition("BTC").Equal(decimal.NewFromInt(1))
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, v.Orders(), 2)
}

func TestMockVenue_SyntheticBook(t *testing.T) {
	v := newBTCVenue()
	asks, err := v.GetOrderBookDepth(context.Background(), "BTC", core.OrderSideBuy)
	require.NoError(t, err)
	require.Len(t, asks, 5)
	assert.True(t, asks[0].Price.Equal(decimal.NewFromInt(60000)))
	assert.True(t, asks[1].Price.GreaterThan(asks[0].Price))

	bids, err := v.GetOrderBookDepth(context.Background(), "BTC", core.OrderSideSell)
	require.NoError(t, err)
	assert.True(t, bids[1].Price.LessThan(bids[0].Price))
}
