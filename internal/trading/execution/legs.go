package execution

import (
	"context"
	"fmt"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// legOrder is one side of a paired execution
type legOrder struct {
	Venue      string
	Side       core.OrderSide
	Size       decimal.Decimal
	ReduceOnly bool
}

// legOutcome is what actually happened on a venue for one legOrder.
// Filled is confirmed from the order result or, after a failure, from
// the change in the venue-reported position.
type legOutcome struct {
	Order    legOrder
	Filled   decimal.Decimal
	Price    decimal.Decimal
	OrderID  string
	Err      error
	Unknown  bool // the venue could not be queried after a failure
	Duration time.Duration
}

func (o legOutcome) filled(tolerance decimal.Decimal) bool {
	return o.Filled.GreaterThan(tolerance)
}

// baseline reads both venues' positions before any order is sent
func (c *Coordinator) baseline(ctx context.Context, symbol string, venues ...string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(venues))
	results := make([]decimal.Decimal, len(venues))

	g, gctx := errgroup.WithContext(ctx)
	for i, venue := range venues {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, c.cfg.LegTimeout)
			defer cancel()
			size, err := c.legs.SyncState(qctx, venue, symbol)
			if err != nil {
				return fmt.Errorf("baseline position on %s: %w", venue, err)
			}
			results[i] = size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, venue := range venues {
		out[venue] = results[i]
	}
	return out, nil
}

// runLegs issues both orders concurrently and joins before returning.
// A leg that errors or times out is reconciled against the venue
// position, so a late fill is never mistaken for a failure.
func (c *Coordinator) runLegs(ctx context.Context, symbol string, base map[string]decimal.Decimal, orders [2]legOrder) [2]legOutcome {
	var out [2]legOutcome
	var g errgroup.Group
	for i, o := range orders {
		g.Go(func() error {
			out[i] = c.runLeg(ctx, symbol, base[o.Venue], o)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Coordinator) runLeg(ctx context.Context, symbol string, base decimal.Decimal, o legOrder) legOutcome {
	venue := c.venues[o.Venue]
	out := legOutcome{Order: o}

	lctx, cancel := context.WithTimeout(ctx, c.cfg.LegTimeout)
	defer cancel()

	start := time.Now()
	res, err := venue.PlaceOrder(lctx, &core.OrderRequest{
		Symbol:        symbol,
		Side:          o.Side,
		Type:          core.OrderTypeMarket,
		Size:          o.Size,
		ReduceOnly:    o.ReduceOnly,
		ClientOrderID: uuid.NewString(),
	})
	out.Duration = time.Since(start)

	if err == nil {
		out.Filled = res.FilledSize
		out.Price = res.AvgFillPrice
		out.OrderID = res.OrderID
		if out.Filled.Add(c.cfg.SizeTolerance).LessThan(o.Size) {
			out.Err = &apperrors.LegError{Venue: o.Venue, Side: string(o.Side), Err: fmt.Errorf("partial fill %s of %s", out.Filled, o.Size)}
		}
		return out
	}

	if lctx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", apperrors.ErrLegTimeout, err)
	}
	out.Err = &apperrors.LegError{Venue: o.Venue, Side: string(o.Side), Err: err}

	// the request may have filled anyway
	qctx, qcancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LegTimeout)
	defer qcancel()
	now, qerr := c.legs.SyncState(qctx, o.Venue, symbol)
	if qerr != nil {
		c.logger.Error("Cannot confirm leg state after failure",
			"venue", o.Venue, "symbol", symbol, "side", o.Side, "error", qerr)
		out.Unknown = true
		return out
	}

	delta := now.Sub(base).Mul(o.Side.Sign())
	if delta.GreaterThan(c.cfg.SizeTolerance) {
		out.Filled = decimal.Min(delta, o.Size)
		out.Price = c.lastPrice(qctx, o.Venue, symbol)
		c.logger.Warn("Leg filled despite error",
			"venue", o.Venue, "symbol", symbol, "side", o.Side, "filled", out.Filled.String(), "error", err)
	}
	return out
}

// lastPrice is the best available fill price estimate for a leg whose
// order result was lost
func (c *Coordinator) lastPrice(ctx context.Context, venue, symbol string) decimal.Decimal {
	if pos, err := c.venues[venue].GetPosition(ctx, symbol); err == nil && pos.EntryPrice.IsPositive() {
		return pos.EntryPrice
	}
	if p, err := c.venues[venue].GetLatestPrice(ctx, symbol); err == nil {
		return p
	}
	return decimal.Zero
}
