// Package arbengine runs the funding arbitrage loop: refresh quotes,
// detect, gate through risk, and dispatch executions per symbol.
package arbengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/risk"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/execution"
	"funding_arb/internal/trading/monitor"
	"funding_arb/internal/trading/position"
	"funding_arb/pkg/concurrency"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"
)

// CycleResult describes what one symbol's cycle decided and did
type CycleResult struct {
	Symbol    string
	Signal    arbitrage.Signal
	Reason    string
	Execution *execution.Result
	Skipped   bool // symbol busy, reconciling or mid-execution
}

// Engine is the arbitrage loop
type Engine struct {
	cfg      EngineConfig
	venues   map[string]core.IVenue
	quotes   *monitor.QuoteMonitor
	detector *arbitrage.Detector
	risk     *risk.Manager
	store    *position.Store
	coord    *execution.Coordinator
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	now func() time.Time
}

// NewEngine wires the loop. venues must contain both configured venues.
func NewEngine(
	cfg EngineConfig,
	venues map[string]core.IVenue,
	quotes *monitor.QuoteMonitor,
	riskMgr *risk.Manager,
	store *position.Store,
	coord *execution.Coordinator,
	logger core.ILogger,
) (*Engine, error) {
	for _, v := range cfg.Venues {
		if _, ok := venues[v]; !ok {
			return nil, fmt.Errorf("venue %s not configured", v)
		}
	}
	log := logger.WithField("component", "arbitrage_engine")
	return &Engine{
		cfg:      cfg,
		venues:   venues,
		quotes:   quotes,
		detector: arbitrage.NewDetector(cfg.Detector),
		risk:     riskMgr,
		store:    store,
		coord:    coord,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "symbols",
			MaxWorkers:  cfg.MaxConcurrentSymbols,
			MaxCapacity: len(cfg.Symbols) * 2,
			NonBlocking: true,
		}, log),
		logger: log,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source, for tests
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Restore loads persisted positions into the store and re-reserves
// their exposure. Positions caught mid-execution come back Reconciling.
func (e *Engine) Restore(ctx context.Context, positions []*position.Position) {
	flagged := e.store.Restore(ctx, positions)
	for _, p := range e.store.Active() {
		e.risk.Restore(p.Symbol, p.SizeBase, p.NotionalUSD)
		e.logger.Info("Restored position", "symbol", p.Symbol, "position_id", p.ID, "state", string(p.State))
	}
	for _, f := range flagged {
		e.logger.Warn("Position was mid-execution at shutdown, needs reconciliation",
			"symbol", f.Symbol, "position_id", f.ID, "was", string(f.State))
	}
	e.updateGauges()
}

// Run drives the loop until ctx is cancelled, then waits for in-flight
// executions to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting arbitrage loop",
		"symbols", strings.Join(e.cfg.Symbols, ","),
		"venues", e.cfg.Venues[0]+","+e.cfg.Venues[1],
		"check_interval", e.cfg.CheckInterval.String(),
		"funding_update_interval", e.cfg.FundingUpdateInterval.String(),
		"dry_run", e.cfg.DryRun)

	if err := e.quotes.RefreshFunding(ctx); err != nil {
		e.logger.Warn("Initial funding refresh incomplete", "error", err)
	}

	fundingTicker := time.NewTicker(e.cfg.FundingUpdateInterval)
	defer fundingTicker.Stop()
	checkTicker := time.NewTicker(e.cfg.CheckInterval)
	defer checkTicker.Stop()

	e.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Shutdown requested, draining in-flight executions")
			e.pool.Stop()
			e.logger.Info("Arbitrage loop stopped")
			return nil

		case <-fundingTicker.C:
			if err := e.quotes.RefreshFunding(ctx); err != nil {
				e.logger.Warn("Funding refresh incomplete", "error", err)
			}

		case <-checkTicker.C:
			if err := e.quotes.RefreshPrices(ctx); err != nil {
				e.logger.Warn("Price refresh incomplete", "error", err)
			}
			e.dispatch(ctx)
		}
	}
}

// dispatch submits one task per symbol that is not already in flight
func (e *Engine) dispatch(ctx context.Context) {
	for _, symbol := range e.cfg.Symbols {
		_, err := e.pool.SubmitKeyed(symbol, func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := e.ProcessSymbol(ctx, symbol); err != nil {
				e.logger.Warn("Symbol cycle failed", "symbol", symbol, "error", err)
			}
		})
		if err != nil {
			e.logger.Warn("Symbol cycle not scheduled", "symbol", symbol, "error", err)
		}
	}
	e.updateGauges()
}

// ProcessSymbol runs one detection cycle for symbol and executes any
// approved decision. Executions outlive ctx cancellation.
func (e *Engine) ProcessSymbol(ctx context.Context, symbol string) (*CycleResult, error) {
	unlock, ok := e.store.TryLock(symbol)
	if !ok {
		return &CycleResult{Symbol: symbol, Skipped: true, Reason: "symbol busy"}, nil
	}
	defer unlock()

	pos, exists := e.store.Get(symbol)
	if !exists {
		return e.evaluateOpen(ctx, symbol)
	}
	switch pos.State {
	case position.StateOpen:
		return e.evaluateClose(ctx, pos)
	case position.StateReconciling:
		e.logger.Debug("Skipping reconciling position", "symbol", symbol, "position_id", pos.ID, "reason", pos.FailureReason)
		return &CycleResult{Symbol: symbol, Skipped: true, Reason: "reconciling"}, nil
	default:
		return &CycleResult{Symbol: symbol, Skipped: true, Reason: string(pos.State)}, nil
	}
}

func (e *Engine) evaluateOpen(ctx context.Context, symbol string) (*CycleResult, error) {
	res := &CycleResult{Symbol: symbol}
	now := e.now()

	qa, qb, err := e.quotes.Pair(symbol, e.cfg.Venues[0], e.cfg.Venues[1])
	if err != nil {
		e.logger.Debug("Skipping symbol", "symbol", symbol, "error", err)
		res.Reason = err.Error()
		return res, nil
	}
	opp := arbitrage.Orient(qa, qb, now)
	diff, _ := opp.FundingDiff.Float64()
	telemetry.GetGlobalMetrics().SetFundingDiff(symbol, diff)

	dec := e.detector.EvaluateOpen(opp, arbitrage.OpenInputs{InCooldown: e.risk.InCooldown(symbol, now)})
	res.Reason = strings.Join(dec.Reasons, "; ")
	if dec.Signal != arbitrage.SignalOpen {
		return res, nil
	}

	size, ok := e.cfg.PositionSizes[symbol]
	if !ok || !size.IsPositive() {
		res.Reason = "no position size configured"
		e.logger.Warn("Open signal without a configured position size", "symbol", symbol)
		return res, nil
	}

	slip, err := arbitrage.EstimatePairSlippage(ctx, e.venues[opp.LongVenue], e.venues[opp.ShortVenue], symbol, size)
	if err != nil && !errors.Is(err, apperrors.ErrInsufficientDepth) {
		res.Reason = err.Error()
		e.logger.Warn("Order book unavailable, skipping open", "symbol", symbol, "error", err)
		return res, nil
	}

	candidate := risk.Candidate{
		Symbol:   symbol,
		Size:     size,
		Price:    opp.LongQuote.MidPrice,
		Slippage: &slip,
	}
	// dry run neither reserves nor starts the cooldown
	reserve := e.risk.Reserve
	if e.cfg.DryRun {
		reserve = e.risk.Evaluate
	}
	approval, err := reserve(candidate)
	if err != nil {
		var rej *apperrors.RiskRejection
		if errors.As(err, &rej) {
			telemetry.GetGlobalMetrics().RecordRiskRejection(ctx, rej.Limit)
		}
		res.Reason = err.Error()
		e.logger.Info("Open rejected by risk", "symbol", symbol, "error", err)
		return res, nil
	}

	res.Signal = arbitrage.SignalOpen
	telemetry.GetGlobalMetrics().RecordOpportunity(ctx, symbol, arbitrage.SignalOpen.String())
	e.logger.Info("Open approved",
		"symbol", symbol,
		"long", opp.LongVenue,
		"short", opp.ShortVenue,
		"funding_diff", opp.FundingDiff.String(),
		"funding_apr", arbitrage.AnnualizeSpread(opp.FundingDiff, e.cfg.ReferenceHours).StringFixed(4),
		"price_diff", opp.PriceDiffPct.String(),
		"slippage", slip.TotalPct.String(),
		"size", size.String(),
		"notional", approval.Notional.String(),
		"flags", strings.Join(approval.Flags, ","))

	if e.cfg.DryRun {
		res.Reason = "dry run"
		return res, nil
	}

	exec, err := e.coord.Open(context.WithoutCancel(ctx), position.OpenRequest{
		Symbol:      symbol,
		LongVenue:   opp.LongVenue,
		ShortVenue:  opp.ShortVenue,
		Size:        size,
		NotionalUSD: approval.Notional,
		FundingDiff: opp.FundingDiff,
	})
	res.Execution = exec
	e.updateGauges()
	return res, err
}

func (e *Engine) evaluateClose(ctx context.Context, pos *position.Position) (*CycleResult, error) {
	res := &CycleResult{Symbol: pos.Symbol}

	longQ, err := e.quotes.Quote(pos.LongVenue, pos.Symbol)
	if err != nil {
		res.Reason = err.Error()
		return res, nil
	}
	shortQ, err := e.quotes.Quote(pos.ShortVenue, pos.Symbol)
	if err != nil {
		res.Reason = err.Error()
		return res, nil
	}
	diff, _ := shortQ.FundingRate.Sub(longQ.FundingRate).Float64()
	telemetry.GetGlobalMetrics().SetFundingDiff(pos.Symbol, diff)

	dec := e.detector.EvaluateClose(pos, longQ, shortQ, e.now())
	res.Reason = strings.Join(dec.Reasons, "; ")
	if dec.Signal != arbitrage.SignalClose {
		return res, nil
	}

	res.Signal = arbitrage.SignalClose
	telemetry.GetGlobalMetrics().RecordOpportunity(ctx, pos.Symbol, arbitrage.SignalClose.String())
	e.logger.Info("Close signal",
		"symbol", pos.Symbol,
		"position_id", pos.ID,
		"reason", res.Reason,
		"funding_diff", dec.FundingDiff.String(),
		"unrealized_pct", dec.UnrealizedPct.StringFixed(6))

	if e.cfg.DryRun {
		res.Reason = "dry run: " + res.Reason
		return res, nil
	}

	exec, err := e.coord.Close(context.WithoutCancel(ctx), pos.ID, res.Reason)
	res.Execution = exec
	e.updateGauges()
	return res, err
}

// Resolve flattens a Reconciling position on operator request
func (e *Engine) Resolve(ctx context.Context, symbol string) (*execution.Result, error) {
	unlock := e.store.Lock(symbol)
	defer unlock()
	res, err := e.coord.Resolve(ctx, symbol)
	e.updateGauges()
	return res, err
}

// Positions returns the active positions
func (e *Engine) Positions() []*position.Position {
	return e.store.Active()
}

// Stats reports loop state for the status endpoint
func (e *Engine) Stats() map[string]interface{} {
	exp := e.risk.Exposure()
	stats := map[string]interface{}{
		"active_positions": exp.ActiveCount,
		"total_notional":   exp.TotalNotional.String(),
		"archived":         e.store.ArchivedCount(),
		"dry_run":          e.cfg.DryRun,
		"pool":             e.pool.Stats(),
		"funding_diff":     telemetry.GetGlobalMetrics().GetFundingDiff(),
	}
	if b := e.risk.Breaker(); b != nil {
		stats["circuit_breaker"] = b.GetStatus()
	}
	return stats
}

func (e *Engine) updateGauges() {
	exp := e.risk.Exposure()
	notional, _ := exp.TotalNotional.Float64()
	m := telemetry.GetGlobalMetrics()
	m.SetExposure(int64(exp.ActiveCount), notional)

	var reconciling int64
	for _, p := range e.store.Active() {
		if p.State == position.StateReconciling {
			reconciling++
		}
	}
	m.SetReconciling(reconciling)
}
