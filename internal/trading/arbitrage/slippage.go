package arbitrage

import (
	"context"
	"fmt"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// MaxBookLevels bounds how deep the book walk goes
const MaxBookLevels = 10

// BookWalk is the result of taking size from one book side
type BookWalk struct {
	TopPrice decimal.Decimal
	VWAP     decimal.Decimal
	Filled   decimal.Decimal
	Pct      decimal.Decimal // |VWAP - top| / top
	Complete bool            // the walked levels covered the full size
}

// WalkBook takes size from levels (best first) until cumulative size
// reaches it or MaxBookLevels are consumed.
func WalkBook(levels []core.BookLevel, size decimal.Decimal) (BookWalk, error) {
	if len(levels) == 0 || !levels[0].Price.IsPositive() {
		return BookWalk{}, apperrors.ErrInsufficientDepth
	}

	var prices, sizes []decimal.Decimal
	remaining := size
	for i, lvl := range levels {
		if i >= MaxBookLevels || !remaining.IsPositive() {
			break
		}
		take := decimal.Min(lvl.Size, remaining)
		if !take.IsPositive() {
			continue
		}
		prices = append(prices, lvl.Price)
		sizes = append(sizes, take)
		remaining = remaining.Sub(take)
	}

	top := levels[0].Price
	w := BookWalk{
		TopPrice: top,
		VWAP:     tradingutils.VWAP(prices, sizes),
		Filled:   size.Sub(decimal.Max(remaining, decimal.Zero)),
		Complete: !remaining.IsPositive(),
	}
	if w.VWAP.IsPositive() {
		w.Pct = w.VWAP.Sub(top).Abs().Div(top)
	}
	return w, nil
}

// SlippageEstimate is the expected cost of taking both legs of an open
type SlippageEstimate struct {
	LongPct  decimal.Decimal
	ShortPct decimal.Decimal
	TotalPct decimal.Decimal
	Complete bool
}

// Exceeds reports whether the estimate breaks max. A book too thin to
// fill the size always exceeds.
func (e SlippageEstimate) Exceeds(max decimal.Decimal) bool {
	return !e.Complete || e.TotalPct.GreaterThan(max)
}

// EstimatePairSlippage walks the long venue's asks and the short venue's
// bids for size. On ErrInsufficientDepth the returned estimate is marked
// incomplete alongside the error.
func EstimatePairSlippage(ctx context.Context, long, short core.IVenue, symbol string, size decimal.Decimal) (SlippageEstimate, error) {
	var longBook, shortBook []core.BookLevel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		longBook, err = long.GetOrderBookDepth(gctx, symbol, core.OrderSideBuy)
		if err != nil {
			return fmt.Errorf("%s book: %w", long.GetName(), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		shortBook, err = short.GetOrderBookDepth(gctx, symbol, core.OrderSideSell)
		if err != nil {
			return fmt.Errorf("%s book: %w", short.GetName(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return SlippageEstimate{}, err
	}

	lw, err := WalkBook(longBook, size)
	if err != nil {
		return SlippageEstimate{}, fmt.Errorf("%s asks: %w", long.GetName(), err)
	}
	sw, err := WalkBook(shortBook, size)
	if err != nil {
		return SlippageEstimate{}, fmt.Errorf("%s bids: %w", short.GetName(), err)
	}

	return SlippageEstimate{
		LongPct:  lw.Pct,
		ShortPct: sw.Pct,
		TotalPct: lw.Pct.Add(sw.Pct),
		Complete: lw.Complete && sw.Complete,
	}, nil
}
