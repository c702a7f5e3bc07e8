package arbitrage_test

import (
	"context"
	"errors"
	"testing"

	"funding_arb/internal/mock"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegManager_SyncAndNeutrality(t *testing.T) {
	venueA := mock.NewMockVenue("venue_a")
	venues := map[string]arbitrage.PositionReader{"venue_a": venueA}
	tol := decimal.RequireFromString("0.0001")

	mgr := arbitrage.NewLegManager(venues, logging.NewNopLogger())

	// 1. Initial State
	assert.False(t, mgr.IsDeltaNeutral("BTC", tol))

	// 2. One leg on a venue
	venueA.SetPosition("BTC", decimal.NewFromInt(1))

	size, err := mgr.SyncState(context.Background(), "venue_a", "BTC")
	require.NoError(t, err)
	assert.True(t, size.Equal(decimal.NewFromInt(1)))
	assert.False(t, mgr.IsDeltaNeutral("BTC", tol))

	// 3. Add the hedge
	venueB := mock.NewMockVenue("venue_b")
	venues["venue_b"] = venueB
	mgr = arbitrage.NewLegManager(venues, logging.NewNopLogger())

	venueB.SetPosition("BTC", decimal.NewFromInt(-1))

	_, err = mgr.SyncState(context.Background(), "venue_a", "BTC")
	require.NoError(t, err)
	_, err = mgr.SyncState(context.Background(), "venue_b", "BTC")
	require.NoError(t, err)

	assert.True(t, mgr.IsDeltaNeutral("BTC", tol))

	// Uneven hedge
	venueB.SetPosition("BTC", decimal.RequireFromString("-0.5"))
	_, err = mgr.SyncState(context.Background(), "venue_b", "BTC")
	require.NoError(t, err)
	assert.False(t, mgr.IsDeltaNeutral("BTC", tol))
	assert.True(t, mgr.IsDeltaNeutral("BTC", decimal.NewFromInt(1)))

	// 4. Flattening clears the snapshot
	venueA.SetPosition("BTC", decimal.Zero)
	_, err = mgr.SyncState(context.Background(), "venue_a", "BTC")
	require.NoError(t, err)
	assert.False(t, mgr.IsDeltaNeutral("BTC", tol))
}

func TestLegManager_Errors(t *testing.T) {
	venueA := mock.NewMockVenue("venue_a")
	mgr := arbitrage.NewLegManager(map[string]arbitrage.PositionReader{"venue_a": venueA}, logging.NewNopLogger())

	_, err := mgr.SyncState(context.Background(), "missing", "BTC")
	assert.Error(t, err)

	venueA.SetPositionError(errors.New("boom"))
	_, err = mgr.SyncState(context.Background(), "venue_a", "BTC")
	assert.Error(t, err)
}
