// Package execution drives two-leg opens and closes across independent venues
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/trading/arbitrage"
	"funding_arb/internal/trading/position"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"
	"funding_arb/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Outcome classifies a finished execution
type Outcome string

const (
	OutcomeOpened      Outcome = "opened"
	OutcomeClosed      Outcome = "closed"
	OutcomeCompensated Outcome = "compensated" // one leg failed, the other was unwound
	OutcomeFailed      Outcome = "failed"      // nothing filled
	OutcomeReconciling Outcome = "reconciling" // unhedged exposure left for an operator
	OutcomeAborted     Outcome = "aborted"     // no order was sent
)

// Result reports what an execution did. Position is the record after
// the execution, nil when the open left nothing behind.
type Result struct {
	Outcome  Outcome            `json:"outcome"`
	Position *position.Position `json:"position,omitempty"`
}

// RiskLedger is the part of the risk manager the coordinator settles with
type RiskLedger interface {
	Release(symbol string)
	RecordRealizedPnL(symbol string, pnl decimal.Decimal)
}

// Config controls leg timing, compensation and the fee model
type Config struct {
	LegTimeout              time.Duration
	CompensationMaxAttempts int
	CompensationBackoff     time.Duration
	CompensationMaxBackoff  time.Duration
	SizeTolerance           decimal.Decimal
	TakerFeeRates           map[string]decimal.Decimal // venue -> rate
}

// Coordinator executes approved decisions. Callers must hold the store's
// per-symbol lock for the duration of each call.
type Coordinator struct {
	venues  map[string]core.IVenue
	store   *position.Store
	legs    *arbitrage.LegManager
	risk    RiskLedger
	alerter core.IAlerter
	logger  core.ILogger
	cfg     Config
}

// NewCoordinator wires a coordinator. risk and alerter may be nil.
func NewCoordinator(venues map[string]core.IVenue, store *position.Store, risk RiskLedger, alerter core.IAlerter, logger core.ILogger, cfg Config) *Coordinator {
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = 10 * time.Second
	}
	if cfg.CompensationMaxAttempts < 1 {
		cfg.CompensationMaxAttempts = 3
	}
	if cfg.CompensationBackoff <= 0 {
		cfg.CompensationBackoff = 500 * time.Millisecond
	}
	if cfg.CompensationMaxBackoff <= cfg.CompensationBackoff {
		cfg.CompensationMaxBackoff = cfg.CompensationBackoff * 10
	}

	readers := make(map[string]arbitrage.PositionReader, len(venues))
	for name, v := range venues {
		readers[name] = v
	}
	return &Coordinator{
		venues:  venues,
		store:   store,
		legs:    arbitrage.NewLegManager(readers, logger),
		risk:    risk,
		alerter: alerter,
		logger:  logger.WithField("component", "coordinator"),
		cfg:     cfg,
	}
}

// Open executes an approved open. Both legs are sent concurrently and
// joined before the position leaves Opening. The risk reservation for
// the symbol is released whenever no position remains.
func (c *Coordinator) Open(ctx context.Context, req position.OpenRequest) (*Result, error) {
	log := c.logger.WithFields(map[string]interface{}{"symbol": req.Symbol, "long": req.LongVenue, "short": req.ShortVenue})

	if err := c.checkVenues(req.LongVenue, req.ShortVenue); err != nil {
		c.release(req.Symbol)
		return &Result{Outcome: OutcomeAborted}, err
	}
	if !req.Size.IsPositive() {
		c.release(req.Symbol)
		return &Result{Outcome: OutcomeAborted}, fmt.Errorf("invalid size %s for %s", req.Size, req.Symbol)
	}

	base, err := c.baseline(ctx, req.Symbol, req.LongVenue, req.ShortVenue)
	if err != nil {
		c.release(req.Symbol)
		return &Result{Outcome: OutcomeAborted}, err
	}

	pos, err := c.store.Create(ctx, req)
	if err != nil {
		c.release(req.Symbol)
		return &Result{Outcome: OutcomeAborted}, err
	}
	log = log.WithField("position_id", pos.ID)
	log.Info("Opening position", "size", req.Size.String(), "funding_diff", req.FundingDiff.String())

	outs := c.runLegs(ctx, req.Symbol, base, [2]legOrder{
		{Venue: req.LongVenue, Side: core.OrderSideBuy, Size: req.Size},
		{Venue: req.ShortVenue, Side: core.OrderSideSell, Size: req.Size},
	})
	long, short := outs[0], outs[1]
	tol := c.cfg.SizeTolerance

	switch {
	case long.Unknown || short.Unknown:
		return c.toReconciling(ctx, pos, position.StateOpening, legsFromOutcomes(long, short),
			"leg state unknown after failure", errors.Join(long.Err, short.Err))

	case long.filled(tol) && short.filled(tol):
		hedged := decimal.Min(long.Filled, short.Filled)
		if !tradingutils.WithinTolerance(long.Filled, short.Filled, tol) {
			excess, comp := long, compensation{Venue: req.LongVenue, Side: core.OrderSideSell, ReduceOnly: true}
			if short.Filled.GreaterThan(long.Filled) {
				excess, comp = short, compensation{Venue: req.ShortVenue, Side: core.OrderSideBuy, ReduceOnly: true}
			}
			comp.Size = excess.Filled.Sub(hedged)
			log.Warn("Leg sizes differ, trimming excess", "long_filled", long.Filled.String(), "short_filled", short.Filled.String())
			if err := c.compensate(ctx, req.Symbol, comp); err != nil {
				return c.toReconciling(ctx, pos, position.StateOpening, legsFromOutcomes(long, short),
					"unequal fills and trim failed", err)
			}
		}
		long.Filled, short.Filled = hedged, hedged
		opened, err := c.store.Transition(ctx, pos.ID, position.StateOpening, position.StateOpen, func(p *position.Position) {
			legs := legsFromOutcomes(long, short)
			p.LongLeg, p.ShortLeg = legs[0], legs[1]
			p.SizeBase = hedged
		}, "")
		if err != nil {
			return c.invariantBroken(ctx, pos, err)
		}
		telemetry.GetGlobalMetrics().RecordExecution(ctx, "open", string(OutcomeOpened))
		log.Info("Position open",
			"size", hedged.String(), "long_price", long.Price.String(), "short_price", short.Price.String())
		c.notify(ctx, "Position opened", fmt.Sprintf("%s long %s / short %s size %s", req.Symbol, req.LongVenue, req.ShortVenue, hedged),
			core.AlertLevelInfo, opened)
		return &Result{Outcome: OutcomeOpened, Position: opened}, nil

	case long.filled(tol) || short.filled(tol):
		filled, failed := long, short
		comp := compensation{Venue: req.LongVenue, Side: core.OrderSideSell, ReduceOnly: true}
		if short.filled(tol) {
			filled, failed = short, long
			comp = compensation{Venue: req.ShortVenue, Side: core.OrderSideBuy, ReduceOnly: true}
		}
		comp.Size = filled.Filled
		if failed.Err == nil {
			failed.Err = &apperrors.LegError{Venue: failed.Order.Venue, Side: string(failed.Order.Side), Err: apperrors.ErrLegFailed}
		}
		log.Warn("One leg failed, compensating", "filled_venue", filled.Order.Venue, "filled", filled.Filled.String(), "error", failed.Err)

		if err := c.compensate(ctx, req.Symbol, comp); err != nil {
			return c.toReconciling(ctx, pos, position.StateOpening, legsFromOutcomes(long, short),
				"open compensation failed", errors.Join(failed.Err, err))
		}
		reason := fmt.Sprintf("open leg failed on %s, unwound %s on %s: %v", failed.Order.Venue, filled.Filled, filled.Order.Venue, failed.Err)
		if err := c.store.Discard(ctx, pos.ID, reason); err != nil {
			return c.invariantBroken(ctx, pos, err)
		}
		c.release(req.Symbol)
		telemetry.GetGlobalMetrics().RecordExecution(ctx, "open", string(OutcomeCompensated))
		log.Warn("Open compensated, no position kept", "reason", reason)
		c.notify(ctx, "Open compensated", reason, core.AlertLevelWarning, pos)
		return &Result{Outcome: OutcomeCompensated}, failed.Err

	default:
		joined := errors.Join(long.Err, short.Err)
		if err := c.store.Discard(ctx, pos.ID, fmt.Sprintf("both legs failed: %v", joined)); err != nil {
			return c.invariantBroken(ctx, pos, err)
		}
		c.release(req.Symbol)
		telemetry.GetGlobalMetrics().RecordExecution(ctx, "open", string(OutcomeFailed))
		log.Warn("Both open legs failed", "error", joined)
		return &Result{Outcome: OutcomeFailed}, joined
	}
}

// Close unwinds an Open position with reduce-only orders sized to the
// recorded legs. A close that cannot complete is rolled back to Open
// when the filled side can be re-established, else it goes to Reconciling.
func (c *Coordinator) Close(ctx context.Context, positionID, reason string) (*Result, error) {
	pos, ok := c.store.GetByID(positionID)
	if !ok {
		return &Result{Outcome: OutcomeAborted}, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, positionID)
	}
	log := c.logger.WithFields(map[string]interface{}{"symbol": pos.Symbol, "position_id": pos.ID})

	if err := c.checkVenues(pos.LongVenue, pos.ShortVenue); err != nil {
		return &Result{Outcome: OutcomeAborted, Position: pos}, err
	}
	base, err := c.baseline(ctx, pos.Symbol, pos.LongVenue, pos.ShortVenue)
	if err != nil {
		return &Result{Outcome: OutcomeAborted, Position: pos}, err
	}

	closing, err := c.store.Transition(ctx, pos.ID, position.StateOpen, position.StateClosing, nil, reason)
	if err != nil {
		if errors.Is(err, apperrors.ErrStateConflict) {
			return &Result{Outcome: OutcomeAborted, Position: pos}, err
		}
		return c.invariantBroken(ctx, pos, err)
	}
	pos = closing
	log.Info("Closing position", "reason", reason)

	outs := c.runLegs(ctx, pos.Symbol, base, [2]legOrder{
		{Venue: pos.LongVenue, Side: core.OrderSideSell, Size: pos.LongLeg.FilledSize, ReduceOnly: true},
		{Venue: pos.ShortVenue, Side: core.OrderSideBuy, Size: pos.ShortLeg.FilledSize, ReduceOnly: true},
	})
	long, short := outs[0], outs[1]
	tol := c.cfg.SizeTolerance

	if long.Unknown || short.Unknown {
		return c.toReconciling(ctx, pos, position.StateClosing, [2]*position.Leg{}, "close leg state unknown after failure", errors.Join(long.Err, short.Err))
	}

	longDone := tradingutils.WithinTolerance(long.Filled, pos.LongLeg.FilledSize, tol)
	shortDone := tradingutils.WithinTolerance(short.Filled, pos.ShortLeg.FilledSize, tol)
	if longDone && shortDone {
		return c.finishClose(ctx, pos, long, short)
	}

	legErr := errors.Join(long.Err, short.Err)
	if !long.filled(tol) && !short.filled(tol) {
		return c.rollbackClose(ctx, pos, legErr, "both close legs failed")
	}

	// re-establish whatever was closed so the legs match again
	var compErrs []error
	if long.filled(tol) {
		if err := c.compensate(ctx, pos.Symbol, compensation{Venue: pos.LongVenue, Side: core.OrderSideBuy, Size: long.Filled}); err != nil {
			compErrs = append(compErrs, err)
		}
	}
	if short.filled(tol) {
		if err := c.compensate(ctx, pos.Symbol, compensation{Venue: pos.ShortVenue, Side: core.OrderSideSell, Size: short.Filled}); err != nil {
			compErrs = append(compErrs, err)
		}
	}
	if len(compErrs) > 0 {
		return c.toReconciling(ctx, pos, position.StateClosing, [2]*position.Leg{}, "close compensation failed", errors.Join(append(compErrs, legErr)...))
	}
	return c.rollbackClose(ctx, pos, legErr, "close compensated")
}

func (c *Coordinator) finishClose(ctx context.Context, pos *position.Position, long, short legOutcome) (*Result, error) {
	pnl := c.realizedPnL(pos, long.Price, short.Price)
	closed, err := c.store.Transition(ctx, pos.ID, position.StateClosing, position.StateClosed, func(p *position.Position) {
		p.LongLeg.ExitPrice, p.LongLeg.ExitOrderID = long.Price, long.OrderID
		p.ShortLeg.ExitPrice, p.ShortLeg.ExitOrderID = short.Price, short.OrderID
		p.RealizedPnl = pnl
	}, "")
	if err != nil {
		return c.invariantBroken(ctx, pos, err)
	}
	c.settle(ctx, closed)
	telemetry.GetGlobalMetrics().RecordExecution(ctx, "close", string(OutcomeClosed))
	c.logger.Info("Position closed", "symbol", closed.Symbol, "position_id", closed.ID, "realized_pnl", pnl.String())
	c.notify(ctx, "Position closed", fmt.Sprintf("%s realized PnL %s", closed.Symbol, pnl.StringFixed(4)), core.AlertLevelInfo, closed)
	return &Result{Outcome: OutcomeClosed, Position: closed}, nil
}

func (c *Coordinator) rollbackClose(ctx context.Context, pos *position.Position, legErr error, reason string) (*Result, error) {
	reopened, err := c.store.Transition(ctx, pos.ID, position.StateClosing, position.StateOpen, nil, fmt.Sprintf("%s: %v", reason, legErr))
	if err != nil {
		return c.invariantBroken(ctx, pos, err)
	}
	outcome := OutcomeFailed
	if reason == "close compensated" {
		outcome = OutcomeCompensated
		c.notify(ctx, "Close compensated", fmt.Sprintf("%s close failed and was rolled back: %v", pos.Symbol, legErr), core.AlertLevelWarning, reopened)
	}
	telemetry.GetGlobalMetrics().RecordExecution(ctx, "close", string(outcome))
	c.logger.Warn("Close rolled back, position stays open", "symbol", pos.Symbol, "position_id", pos.ID, "reason", reason, "error", legErr)
	return &Result{Outcome: outcome, Position: reopened}, legErr
}

// Resolve flattens both venues for a Reconciling position and closes it.
// This is the only way out of Reconciling. The recorded legs may no longer
// match the venues, so each venue's whole position in the symbol is
// closed, including size this process did not open. The startup
// reconciliation report lists such orphan size before it is resolved.
func (c *Coordinator) Resolve(ctx context.Context, symbol string) (*Result, error) {
	pos, ok := c.store.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, symbol)
	}
	if pos.State != position.StateReconciling {
		return &Result{Outcome: OutcomeAborted, Position: pos}, &apperrors.TransitionError{
			PositionID: pos.ID, From: string(position.StateReconciling), To: string(position.StateClosed), Actual: string(pos.State),
		}
	}
	if err := c.checkVenues(pos.LongVenue, pos.ShortVenue); err != nil {
		return &Result{Outcome: OutcomeAborted, Position: pos}, err
	}

	var longRes, shortRes *core.OrderResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		longRes, err = c.venues[pos.LongVenue].ClosePosition(gctx, symbol)
		if err != nil {
			return &apperrors.LegError{Venue: pos.LongVenue, Side: "close", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		shortRes, err = c.venues[pos.ShortVenue].ClosePosition(gctx, symbol)
		if err != nil {
			return &apperrors.LegError{Venue: pos.ShortVenue, Side: "close", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		c.logger.Error("Resolve failed, position stays reconciling", "symbol", symbol, "position_id", pos.ID, "error", err)
		return &Result{Outcome: OutcomeReconciling, Position: pos}, err
	}

	closed, err := c.store.Transition(ctx, pos.ID, position.StateReconciling, position.StateClosed, func(p *position.Position) {
		if p.LongLeg != nil && longRes != nil {
			p.LongLeg.ExitPrice, p.LongLeg.ExitOrderID = longRes.AvgFillPrice, longRes.OrderID
		}
		if p.ShortLeg != nil && shortRes != nil {
			p.ShortLeg.ExitPrice, p.ShortLeg.ExitOrderID = shortRes.AvgFillPrice, shortRes.OrderID
		}
		p.RealizedPnl = c.resolvedPnL(p)
	}, "resolved by operator")
	if err != nil {
		return c.invariantBroken(ctx, pos, err)
	}
	c.settle(ctx, closed)
	telemetry.GetGlobalMetrics().RecordExecution(ctx, "resolve", string(OutcomeClosed))
	c.logger.Info("Reconciling position resolved", "symbol", symbol, "position_id", closed.ID, "realized_pnl", closed.RealizedPnl.String())
	c.notify(ctx, "Position resolved", fmt.Sprintf("%s flattened on both venues", symbol), core.AlertLevelInfo, closed)
	return &Result{Outcome: OutcomeClosed, Position: closed}, nil
}

// settle archives a Closed position and returns its risk reservation
func (c *Coordinator) settle(ctx context.Context, closed *position.Position) {
	if err := c.store.Archive(ctx, closed.ID); err != nil {
		c.logger.Error("Failed to archive closed position", "position_id", closed.ID, "error", err)
	}
	if c.risk != nil {
		c.risk.RecordRealizedPnL(closed.Symbol, closed.RealizedPnl)
	}
	c.release(closed.Symbol)
	pnl, _ := closed.RealizedPnl.Float64()
	telemetry.GetGlobalMetrics().RecordRealizedPnL(ctx, closed.Symbol, pnl)
}

// toReconciling parks pos for an operator. Empty legs keep the recorded ones.
func (c *Coordinator) toReconciling(ctx context.Context, pos *position.Position, from position.State, legs [2]*position.Leg, reason string, cause error) (*Result, error) {
	full := fmt.Sprintf("%s: %v", reason, cause)
	rec, err := c.store.Transition(ctx, pos.ID, from, position.StateReconciling, func(p *position.Position) {
		if legs[0] != nil || legs[1] != nil {
			p.LongLeg, p.ShortLeg = legs[0], legs[1]
		}
	}, full)
	if err != nil {
		return c.invariantBroken(ctx, pos, err)
	}
	telemetry.GetGlobalMetrics().RecordExecution(ctx, actionFor(from), string(OutcomeReconciling))
	c.logger.Error("Position needs manual reconciliation", "symbol", pos.Symbol, "position_id", pos.ID, "reason", full)
	c.notify(ctx, "Position reconciling", full, core.AlertLevelCritical, rec)

	if !errors.Is(cause, apperrors.ErrCompensationFailed) {
		cause = fmt.Errorf("%w: %v", apperrors.ErrCompensationFailed, cause)
	}
	return &Result{Outcome: OutcomeReconciling, Position: rec}, cause
}

// invariantBroken surfaces a refused transition. These are programming
// errors and are never swallowed.
func (c *Coordinator) invariantBroken(ctx context.Context, pos *position.Position, err error) (*Result, error) {
	c.logger.Error("Position state invariant violated", "symbol", pos.Symbol, "position_id", pos.ID, "error", err)
	c.notify(ctx, "Position invariant violated", err.Error(), core.AlertLevelCritical, pos)
	current, _ := c.store.GetByID(pos.ID)
	return &Result{Outcome: OutcomeReconciling, Position: current}, err
}

func (c *Coordinator) checkVenues(names ...string) error {
	for _, n := range names {
		if _, ok := c.venues[n]; !ok {
			return fmt.Errorf("%w: unknown venue %s", apperrors.ErrVenueUnavailable, n)
		}
	}
	return nil
}

func (c *Coordinator) release(symbol string) {
	if c.risk != nil {
		c.risk.Release(symbol)
	}
}

func (c *Coordinator) notify(ctx context.Context, title, message string, level core.AlertLevel, pos *position.Position) {
	if c.alerter == nil {
		return
	}
	fields := map[string]interface{}{}
	if pos != nil {
		fields["symbol"] = pos.Symbol
		fields["position_id"] = pos.ID
		fields["long_venue"] = pos.LongVenue
		fields["short_venue"] = pos.ShortVenue
		fields["state"] = string(pos.State)
	}
	c.alerter.Notify(ctx, title, message, level, fields)
}

// realizedPnL applies the fee model: both legs' price deltas minus the
// taker fee on the two entry and two exit fills.
func (c *Coordinator) realizedPnL(pos *position.Position, exitLong, exitShort decimal.Decimal) decimal.Decimal {
	l, s := pos.LongLeg, pos.ShortLeg
	gross := tradingutils.LegPnL(l.EntryPrice, exitLong, l.FilledSize, true).
		Add(tradingutils.LegPnL(s.EntryPrice, exitShort, s.FilledSize, false))
	fees := c.fee(l.Venue, l.EntryPrice, l.FilledSize).
		Add(c.fee(l.Venue, exitLong, l.FilledSize)).
		Add(c.fee(s.Venue, s.EntryPrice, s.FilledSize)).
		Add(c.fee(s.Venue, exitShort, s.FilledSize))
	return gross.Sub(fees)
}

// resolvedPnL covers whichever legs were recorded before reconciliation
func (c *Coordinator) resolvedPnL(p *position.Position) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range []*position.Leg{p.LongLeg, p.ShortLeg} {
		if leg == nil || !leg.FilledSize.IsPositive() || !leg.ExitPrice.IsPositive() {
			continue
		}
		total = total.Add(tradingutils.LegPnL(leg.EntryPrice, leg.ExitPrice, leg.FilledSize, leg.Side == core.OrderSideBuy)).
			Sub(c.fee(leg.Venue, leg.EntryPrice, leg.FilledSize)).
			Sub(c.fee(leg.Venue, leg.ExitPrice, leg.FilledSize))
	}
	return total
}

func (c *Coordinator) fee(venue string, price, size decimal.Decimal) decimal.Decimal {
	return tradingutils.Fee(price, size, c.cfg.TakerFeeRates[venue])
}

func legsFromOutcomes(long, short legOutcome) [2]*position.Leg {
	var out [2]*position.Leg
	for i, o := range []legOutcome{long, short} {
		if !o.Filled.IsPositive() {
			continue
		}
		out[i] = &position.Leg{
			Venue:      o.Order.Venue,
			Side:       o.Order.Side,
			FilledSize: o.Filled,
			EntryPrice: o.Price,
			OrderID:    o.OrderID,
		}
	}
	return out
}

func actionFor(from position.State) string {
	if from == position.StateClosing {
		return "close"
	}
	return "open"
}
