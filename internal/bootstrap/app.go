package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funding_arb/internal/alert"
	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/engine/arbengine"
	"funding_arb/internal/exchange"
	"funding_arb/internal/infrastructure/health"
	"funding_arb/internal/infrastructure/metrics"
	"funding_arb/internal/infrastructure/redisfeed"
	"funding_arb/internal/risk"
	"funding_arb/internal/safety"
	"funding_arb/internal/trading"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/monitor"
	"funding_arb/internal/trading/position"
	"funding_arb/pkg/liveserver"
	"funding_arb/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Options are the command line inputs
type Options struct {
	ConfigPath string
	EnvFile    string
	DryRun     bool
}

// App holds the wired process
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
	DryRun bool

	telemetry *telemetry.Telemetry
	ecfg      arbengine.EngineConfig
	venues    map[string]core.IVenue
	journal   *position.SQLiteJournal
	publisher *redisfeed.Publisher
	alerts    *alert.AlertManager
	store     *position.Store
	engine    *arbengine.Engine
	hub       *liveserver.Hub
	http      *metrics.Server
}

// NewApp loads configuration and wires every component. Nothing trades
// until Run.
func NewApp(opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	mode := "live"
	if opts.DryRun {
		mode = "dry_run"
	}
	tel, err := telemetry.Setup(cfg.Telemetry.ServiceName, cfg.Telemetry.EnableTracing,
		attribute.String("trading.mode", mode),
		attribute.StringSlice("trading.venues", cfg.App.Venues),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("logger: %w", err)
	}

	a := &App{Cfg: cfg, Logger: logger, DryRun: opts.DryRun, telemetry: tel}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, logger := a.Cfg, a.Logger

	ecfg, err := arbengine.NewEngineConfig(cfg, a.DryRun)
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	venues, err := exchange.NewVenues(cfg, logger)
	if err != nil {
		return fmt.Errorf("venues: %w", err)
	}
	a.ecfg, a.venues = ecfg, venues

	intervals := make(map[string]float64, len(cfg.App.Venues))
	for _, name := range cfg.App.Venues {
		intervals[name] = cfg.Venues[name].FundingIntervalHours
	}
	norm, err := monitor.NewNormalizer(cfg.App.ReferenceIntervalHrs, intervals, cfg.Strategy.StalenessWindow)
	if err != nil {
		return fmt.Errorf("normalizer: %w", err)
	}
	for _, name := range cfg.App.Venues {
		f, _ := norm.Factor(name)
		logger.Info("Funding rate normalization", "venue", name, "interval_hours", intervals[name], "factor", f.String())
	}
	quotes := monitor.NewQuoteMonitor(venues, ecfg.Symbols, norm, logger)

	a.alerts = alert.NewAlertManager(logger)
	a.alerts.SetSuppressWindow(cfg.Alerts.SuppressWindow)
	if s := cfg.Alerts.WebhookURL; s.IsSet() {
		a.alerts.AddChannel(alert.NewWebhookChannel(s.Reveal()))
		logger.Info("Alert channel enabled", "channel", "webhook", "target", s.Hint())
	}
	if s := cfg.Alerts.SlackWebhookURL; s.IsSet() {
		a.alerts.AddChannel(alert.NewSlackChannel(s.Reveal()))
		logger.Info("Alert channel enabled", "channel", "slack", "target", s.Hint())
	}

	a.hub = liveserver.NewHub(logger)
	ws := liveserver.NewServer(a.hub, logger, liveserver.Options{
		AllowedOrigins: cfg.Telemetry.AllowedOrigins,
		Production:     cfg.Telemetry.Production,
	})

	sinks := position.MultiJournal{position.NewLogJournal(logger)}
	if cfg.App.StatePath != "" {
		a.journal, err = position.NewSQLiteJournal(cfg.App.StatePath)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		sinks = append(sinks, a.journal)
	}
	if cfg.Redis.Enabled {
		a.publisher = redisfeed.NewPublisher(cfg.Redis)
		sinks = append(sinks, a.publisher)
	}
	sinks = append(sinks, position.JournalFunc(func(ctx context.Context, e position.TradeLogEntry) error {
		ws.Broadcast(liveserver.TypeTradeLog, e)
		ws.Broadcast(liveserver.TypePositions, a.livePositions())
		return nil
	}))

	breaker := risk.NewCircuitBreaker(ecfg.Breaker)
	riskMgr := risk.NewManager(ecfg.Limits, breaker, logger)
	a.store = position.NewStore(sinks, ecfg.Execution.SizeTolerance, logger)
	coord := execution.NewCoordinator(venues, a.store, riskMgr, a.alerts, logger, ecfg.Execution)

	a.engine, err = arbengine.NewEngine(ecfg, venues, quotes, riskMgr, a.store, coord, logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	hm := health.NewHealthManager(logger, 2*time.Second)
	hm.Register("quotes", func(context.Context) error { return quotes.CheckHealth() })
	for name, v := range venues {
		hm.Register("venue:"+name, v.CheckHealth)
	}
	if a.journal != nil {
		hm.Register("journal", a.journal.Ping)
	}
	if a.publisher != nil {
		hm.RegisterOptional("redis", a.publisher.Ping)
	}

	opts := metrics.Options{Health: hm, WebSocket: ws.Handler()}
	if a.journal != nil {
		opts.History = a.journal
	}
	a.http = metrics.NewServer(cfg.Telemetry.HTTPPort, a.engine, opts, logger)
	return nil
}

// livePositions excludes positions that closed but are not archived yet
func (a *App) livePositions() []*position.Position {
	active := a.store.Active()
	out := make([]*position.Position, 0, len(active))
	for _, p := range active {
		if p.State != position.StateClosed {
			out = append(out, p)
		}
	}
	return out
}

// Run restores persisted positions and runs until ctx is cancelled or a
// component fails. In-flight executions finish before Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := safety.NewSafetyChecker(a.Logger).CheckStartup(ctx, a.venues, a.startupParams()); err != nil {
		return fmt.Errorf("startup safety check failed: %w", err)
	}

	if a.journal != nil {
		restored, err := a.journal.LoadActive(ctx)
		if err != nil {
			return fmt.Errorf("failed to load persisted positions: %w", err)
		}
		a.engine.Restore(ctx, restored)
	}
	a.reconcile(ctx)

	if err := a.http.Start(); err != nil {
		return err
	}

	a.Logger.Info("Starting funding arbitrage engine",
		"symbols", a.Cfg.Strategy.Symbols,
		"dry_run", a.DryRun,
		"alert_channels", a.alerts.Channels())
	a.alerts.Notify(ctx, "Engine started", "funding arbitrage engine is running", core.AlertLevelInfo,
		map[string]interface{}{"dry_run": a.DryRun, "symbols": a.Cfg.Strategy.Symbols})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	g.Go(func() error {
		a.streamStatus(gctx)
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := a.http.Stop(shutdownCtx); stopErr != nil {
		a.Logger.Warn("HTTP server shutdown failed", "error", stopErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Engine stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Engine shut down gracefully")
	return nil
}

func (a *App) startupParams() safety.StartupParams {
	return safety.StartupParams{
		Symbols:          a.ecfg.Symbols,
		Venues:           a.ecfg.Venues,
		PositionSizes:    a.ecfg.PositionSizes,
		MaxPositionSizes: a.ecfg.Limits.PerSymbolMaxSize,
		MaxTotalNotional: a.ecfg.Limits.MaxTotalNotionalUSD,
		TakerFeeRates:    a.ecfg.Execution.TakerFeeRates,
		MinFundingDiff:   a.ecfg.Detector.MinFundingDiff,
	}
}

// reconcile compares venue positions with the restored records and
// alerts the operator on any disagreement. Trading continues: drifted
// symbols are left for the operator.
func (a *App) reconcile(ctx context.Context) {
	readers := make(map[string]arbitrage.PositionReader, len(a.venues))
	for name, v := range a.venues {
		readers[name] = v
	}
	legs := arbitrage.NewLegManager(readers, a.Logger)

	res, err := trading.ReconcilePositions(ctx, a.Logger, legs, a.store.Active(),
		a.ecfg.Symbols, a.ecfg.Venues[:], a.ecfg.Execution.SizeTolerance)
	if err != nil {
		a.Logger.Warn("Startup reconciliation incomplete", "error", err)
		return
	}
	if res.Clean() {
		a.Logger.Info("Startup reconciliation clean", "matched", res.Matched, "skipped", res.Skipped, "unbalanced", res.Unbalanced)
		return
	}
	a.alerts.Notify(ctx, "Venue positions disagree with local records",
		"startup reconciliation found drifted or unmatched venue positions", core.AlertLevelCritical,
		map[string]interface{}{"drifted": len(res.Drifted), "orphans": len(res.Orphans)})
}

// streamStatus pushes risk status to dashboards on the check cadence
func (a *App) streamStatus(ctx context.Context) {
	ticker := time.NewTicker(a.Cfg.Strategy.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.hub.Broadcast(liveserver.NewMessage(liveserver.TypeRiskStatus, a.engine.Stats()))
		}
	}
}

// Close releases resources in reverse dependency order
func (a *App) Close() {
	if a.alerts != nil {
		if n := a.alerts.Suppressed(); n > 0 {
			a.Logger.Info("Duplicate alerts suppressed", "count", n)
		}
		a.alerts.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Warn("Failed to close redis publisher", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.Logger.Warn("Failed to close journal", "error", err)
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
}
