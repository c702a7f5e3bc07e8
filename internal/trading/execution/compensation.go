package execution

import (
	"context"
	"errors"
	"fmt"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// compensation unwinds size on venue with an order on side
type compensation struct {
	Venue      string
	Side       core.OrderSide
	Size       decimal.Decimal
	ReduceOnly bool
}

// errCompensationUnknown stops retries when a failed attempt cannot be
// checked against the venue position
var errCompensationUnknown = errors.New("compensation state unknown")

func (c *Coordinator) newCompensationPolicy() failsafe.Executor[decimal.Decimal] {
	attempts := c.cfg.CompensationMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := retrypolicy.NewBuilder[decimal.Decimal]().
		HandleIf(func(_ decimal.Decimal, err error) bool {
			return err != nil
		}).
		AbortIf(func(_ decimal.Decimal, err error) bool {
			return errors.Is(err, errCompensationUnknown)
		}).
		WithBackoff(c.cfg.CompensationBackoff, c.cfg.CompensationMaxBackoff).
		WithMaxRetries(attempts - 1).
		Build()
	return failsafe.With[decimal.Decimal](policy)
}

// venueSize reads the signed venue position even after ctx is done
func (c *Coordinator) venueSize(ctx context.Context, venue, symbol string) (decimal.Decimal, error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LegTimeout)
	defer cancel()
	return c.legs.SyncState(qctx, venue, symbol)
}

// compensate places the unwind order, retrying with backoff until the
// whole size is done or attempts run out. After a failed attempt the
// venue position is compared with the one read before the first order,
// and only the size it has not moved by is sent again. A failed attempt
// whose effect cannot be read ends the compensation.
func (c *Coordinator) compensate(ctx context.Context, symbol string, comp compensation) error {
	venue := c.venues[comp.Venue]
	tol := c.cfg.SizeTolerance
	remaining := comp.Size

	failed := func(cause error) error {
		telemetry.GetGlobalMetrics().RecordCompensation(ctx, "failed")
		return fmt.Errorf("%w: %s %s %s on %s: %v", apperrors.ErrCompensationFailed, comp.Side, remaining, symbol, comp.Venue, cause)
	}

	base, err := c.venueSize(ctx, comp.Venue, symbol)
	if err != nil {
		return failed(fmt.Errorf("position before compensation: %w", err))
	}

	baseID := uuid.NewString()
	var lastErr error
	_, err = c.newCompensationPolicy().WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[decimal.Decimal]) (decimal.Decimal, error) {
		lctx, cancel := context.WithTimeout(ctx, c.cfg.LegTimeout)
		defer cancel()

		res, err := venue.PlaceOrder(lctx, &core.OrderRequest{
			Symbol:        symbol,
			Side:          comp.Side,
			Type:          core.OrderTypeMarket,
			Size:          remaining,
			ReduceOnly:    comp.ReduceOnly,
			ClientOrderID: fmt.Sprintf("%s-%d", baseID, exec.Attempts()),
		})
		if err == nil {
			remaining = remaining.Sub(res.FilledSize)
			if remaining.GreaterThan(tol) {
				lastErr = fmt.Errorf("compensation partially filled, %s remaining", remaining)
				return remaining, lastErr
			}
			return decimal.Zero, nil
		}

		now, qerr := c.venueSize(ctx, comp.Venue, symbol)
		if qerr != nil {
			c.logger.Error("Cannot confirm compensation after failure",
				"venue", comp.Venue, "symbol", symbol, "side", comp.Side, "error", qerr)
			lastErr = fmt.Errorf("%w: %v (position query: %v)", errCompensationUnknown, err, qerr)
			return remaining, lastErr
		}
		remaining = comp.Size.Sub(now.Sub(base).Mul(comp.Side.Sign()))
		if !remaining.GreaterThan(tol) {
			c.logger.Warn("Compensation filled despite error",
				"venue", comp.Venue, "symbol", symbol, "side", comp.Side, "error", err)
			return decimal.Zero, nil
		}

		lastErr = err
		c.logger.Warn("Compensation attempt failed",
			"venue", comp.Venue, "symbol", symbol, "side", comp.Side,
			"remaining", remaining.String(), "attempt", exec.Attempts(), "error", err)
		return remaining, err
	})

	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return failed(lastErr)
	}
	telemetry.GetGlobalMetrics().RecordCompensation(ctx, "success")
	c.logger.Info("Compensation filled", "venue", comp.Venue, "symbol", symbol, "side", comp.Side, "size", comp.Size.String())
	return nil
}
