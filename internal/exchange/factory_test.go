package exchange

import (
	"context"
	"testing"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVenue_PaperSeededFromConfig(t *testing.T) {
	cfg := config.VenueConfig{
		Kind:      KindPaper,
		RateLimit: 100,
		RateBurst: 10,
		Paper: map[string]config.PaperQuote{
			"BTC": {Price: 50000, FundingRate: 0.0001, Depth: 5},
		},
	}

	v, err := NewVenue("hyperliquid", cfg, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "hyperliquid", v.GetName())

	q, err := v.GetQuote(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, q.FundingRate.Equal(decimal.NewFromFloat(0.0001)))

	price, err := v.GetLatestPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(50000)))

	res, err := v.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTC", Side: core.OrderSideBuy, Type: core.OrderTypeMarket, Size: decimal.NewFromInt(1), ClientOrderID: "c1",
	})
	require.NoError(t, err)
	assert.True(t, res.FilledSize.Equal(decimal.NewFromInt(1)))
}

func TestNewVenue_UnknownKind(t *testing.T) {
	_, err := NewVenue("x", config.VenueConfig{Kind: "grpc"}, logging.NewNopLogger())
	assert.ErrorContains(t, err, "unsupported venue kind")
}

func TestNewVenues_DefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	venues, err := NewVenues(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Len(t, venues, 2)
	for name, v := range venues {
		assert.Equal(t, name, v.GetName())
	}
}
