package arbengine_test

import (
	"context"
	"testing"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/engine/arbengine"
	"funding_arb/internal/mock"
	"funding_arb/internal/risk"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/monitor"
	"funding_arb/internal/trading/position"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	venueA, venueB *mock.MockVenue
	quotes         *monitor.QuoteMonitor
	risk           *risk.Manager
	store          *position.Store
	engine         *arbengine.Engine
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.Venues = []string{"A", "B"}
	cfg.Venues = map[string]config.VenueConfig{
		"A": {Kind: "paper", FundingIntervalHours: 8},
		"B": {Kind: "paper", FundingIntervalHours: 8},
	}
	cfg.Strategy.Symbols = []string{"BTC"}
	cfg.Strategy.PositionSizes = map[string]float64{"BTC": 1}
	cfg.Strategy.MaxPositionSize = map[string]float64{"BTC": 2}
	cfg.Risk.MaxTotalPositionUSD = 5000
	cfg.Execution.LegTimeout = time.Second
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, dryRun bool) *fixture {
	t.Helper()
	logger := logging.NewNopLogger()

	f := &fixture{venueA: mock.NewMockVenue("A"), venueB: mock.NewMockVenue("B")}
	f.venueA.SetMarket("BTC", decimal.NewFromInt(100), decimal.RequireFromString("0.0001"))
	f.venueB.SetMarket("BTC", decimal.NewFromInt(100), decimal.RequireFromString("0.0006"))
	venues := map[string]core.IVenue{"A": f.venueA, "B": f.venueB}

	ecfg, err := arbengine.NewEngineConfig(cfg, dryRun)
	require.NoError(t, err)

	norm, err := monitor.NewNormalizer(8, map[string]float64{"A": 8, "B": 8}, cfg.Strategy.StalenessWindow)
	require.NoError(t, err)
	f.quotes = monitor.NewQuoteMonitor(venues, ecfg.Symbols, norm, logger)
	f.risk = risk.NewManager(ecfg.Limits, risk.NewCircuitBreaker(ecfg.Breaker), logger)
	f.store = position.NewStore(nil, ecfg.Execution.SizeTolerance, logger)
	coord := execution.NewCoordinator(venues, f.store, f.risk, nil, logger, ecfg.Execution)

	f.engine, err = arbengine.NewEngine(ecfg, venues, f.quotes, f.risk, f.store, coord, logger)
	require.NoError(t, err)
	return f
}

func TestNewEngineConfig_ConvertsPercents(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Open.MaxSlippagePercent = 0.15
	cfg.Strategy.Close.MinProfitPercent = 0.1

	ecfg, err := arbengine.NewEngineConfig(cfg, false)
	require.NoError(t, err)
	assert.Equal(t, "0.0015", ecfg.Detector.MaxSlippage.String())
	assert.Equal(t, "0.0015", ecfg.Limits.MaxSlippage.String())
	assert.Equal(t, "0.001", ecfg.Detector.MinProfit.String())
	assert.Equal(t, "0.0001", ecfg.Detector.MinFundingDiff.String(), "funding diff is already a fraction")
	assert.Equal(t, "0.00005", ecfg.Detector.HoldFundingDiff.String())
	assert.Equal(t, [2]string{"A", "B"}, ecfg.Venues)

	cfg.App.Venues = []string{"A"}
	_, err = arbengine.NewEngineConfig(cfg, false)
	assert.Error(t, err)
}

func TestEngine_OpenThenCloseOnReversal(t *testing.T) {
	f := newFixture(t, testConfig(), false)
	ctx := context.Background()

	require.NoError(t, f.quotes.RefreshFunding(ctx))
	res, err := f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SignalOpen, res.Signal)
	require.NotNil(t, res.Execution)
	assert.Equal(t, execution.OutcomeOpened, res.Execution.Outcome)

	pos, ok := f.store.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, "A", pos.LongVenue, "long the lower-funding venue")
	assert.Equal(t, "B", pos.ShortVenue)
	assert.Equal(t, 1, pos.LastFundingDiffSign)
	assert.Equal(t, 1, f.risk.Exposure().ActiveCount)

	// unchanged market: hold
	res, err = f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SignalNone, res.Signal)

	f.venueA.SetFundingRate("BTC", decimal.RequireFromString("0.0008"))
	f.venueB.SetFundingRate("BTC", decimal.RequireFromString("0.0001"))
	require.NoError(t, f.quotes.RefreshFunding(ctx))

	res, err = f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SignalClose, res.Signal)
	require.NotNil(t, res.Execution)
	assert.Equal(t, execution.OutcomeClosed, res.Execution.Outcome)

	_, ok = f.store.Get("BTC")
	assert.False(t, ok)
	assert.Equal(t, 0, f.risk.Exposure().ActiveCount)
	assert.True(t, f.venueA.NetPosition("BTC").IsZero())
	assert.True(t, f.venueB.NetPosition("BTC").IsZero())

	// the close restarted the cooldown
	res, err = f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SignalNone, res.Signal)
	assert.Contains(t, res.Reason, "cooldown")
}

func TestEngine_SkipsStaleQuotes(t *testing.T) {
	f := newFixture(t, testConfig(), false)

	res, err := f.engine.ProcessSymbol(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SignalNone, res.Signal)
	assert.Contains(t, res.Reason, "stale")
	assert.Empty(t, f.venueA.Orders())
}

func TestEngine_RiskRejectionCreatesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MaxTotalPositionUSD = 50
	f := newFixture(t, cfg, false)
	ctx := context.Background()

	require.NoError(t, f.quotes.RefreshFunding(ctx))
	res, err := f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SignalNone, res.Signal)
	assert.Contains(t, res.Reason, risk.LimitTotalNotional)
	assert.Empty(t, f.venueA.Orders())
	assert.Empty(t, f.store.Active())
}

func TestEngine_DryRunPlacesNoOrders(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	ctx := context.Background()

	require.NoError(t, f.quotes.RefreshFunding(ctx))
	res, err := f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SignalOpen, res.Signal)
	assert.Nil(t, res.Execution)
	assert.Equal(t, "dry run", res.Reason)
	assert.Empty(t, f.venueA.Orders())
	assert.Empty(t, f.venueB.Orders())
	assert.Equal(t, 0, f.risk.Exposure().ActiveCount)

	// nothing was sent, so no cooldown hides the next signal
	assert.False(t, f.risk.InCooldown("BTC", time.Now()))
	res, err = f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, arbitrage.SignalOpen, res.Signal)
	assert.Equal(t, "dry run", res.Reason)
}

func TestEngine_RestoreSkipsReconciling(t *testing.T) {
	f := newFixture(t, testConfig(), false)
	ctx := context.Background()

	f.engine.Restore(ctx, []*position.Position{{
		ID:          "p-1",
		Symbol:      "BTC",
		State:       position.StateClosing,
		LongVenue:   "A",
		ShortVenue:  "B",
		SizeBase:    decimal.NewFromInt(1),
		NotionalUSD: decimal.NewFromInt(100),
	}})

	pos, ok := f.store.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, position.StateReconciling, pos.State)
	assert.Equal(t, 1, f.risk.Exposure().ActiveCount)

	require.NoError(t, f.quotes.RefreshFunding(ctx))
	res, err := f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.venueA.Orders())
}

func TestEngine_FailedCloseParksSymbol(t *testing.T) {
	cfg := testConfig()
	cfg.Execution.CompensationMaxAttempts = 2
	cfg.Execution.CompensationBackoff = time.Millisecond
	cfg.Execution.CompensationMaxBackoff = 5 * time.Millisecond
	f := newFixture(t, cfg, false)
	ctx := context.Background()

	require.NoError(t, f.quotes.RefreshFunding(ctx))
	res, err := f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	require.NotNil(t, res.Execution)
	require.Equal(t, execution.OutcomeOpened, res.Execution.Outcome)

	f.venueA.SetFundingRate("BTC", decimal.RequireFromString("0.0008"))
	f.venueB.SetFundingRate("BTC", decimal.RequireFromString("0.0001"))
	require.NoError(t, f.quotes.RefreshFunding(ctx))

	// long sells, short fails, every buy-back fails
	f.venueB.ScriptOrders(mock.OrderBehavior{Err: apperrors.ErrNetwork})
	f.venueA.ScriptOrders(
		mock.OrderBehavior{},
		mock.OrderBehavior{Err: apperrors.ErrVenueUnavailable},
		mock.OrderBehavior{Err: apperrors.ErrVenueUnavailable},
	)

	res, err = f.engine.ProcessSymbol(ctx, "BTC")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCompensationFailed)
	require.NotNil(t, res.Execution)
	assert.Equal(t, execution.OutcomeReconciling, res.Execution.Outcome)

	pos, ok := f.store.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, position.StateReconciling, pos.State)
	sent := len(f.venueA.Orders())

	res, err = f.engine.ProcessSymbol(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "reconciling", res.Reason)
	assert.Len(t, f.venueA.Orders(), sent)
	assert.Equal(t, 1, f.risk.Exposure().ActiveCount)
}

func TestEngine_RunOpensAndDrainsOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.CheckInterval = 10 * time.Millisecond
	cfg.Strategy.FundingUpdateInterval = 20 * time.Millisecond
	f := newFixture(t, cfg, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		p, ok := f.store.Get("BTC")
		return ok && p.State == position.StateOpen
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	p, ok := f.store.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, position.StateOpen, p.State)
	assert.True(t, f.venueA.NetPosition("BTC").Equal(decimal.NewFromInt(1)))
}
