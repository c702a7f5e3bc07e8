package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundQuantity rounds a quantity down to a multiple of step.
// A zero step returns qty unchanged.
func RoundQuantity(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// WithinTolerance reports whether |a-b| <= tolerance
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// Sign returns -1, 0 or +1
func Sign(d decimal.Decimal) int {
	return d.Sign()
}

// LegPnL is the gross result of a leg entered at entry and exited at exit.
// isLong selects the direction: long gains when exit > entry.
func LegPnL(entry, exit, size decimal.Decimal, isLong bool) decimal.Decimal {
	delta := exit.Sub(entry)
	if !isLong {
		delta = delta.Neg()
	}
	return delta.Mul(size)
}

// Fee is the taker fee charged on one fill
func Fee(price, size, feeRate decimal.Decimal) decimal.Decimal {
	return price.Mul(size).Mul(feeRate).Abs()
}

// CalculateNetProfit computes round-trip profit per unit after trading fees
func CalculateNetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}

// VWAP returns the volume-weighted average of the given fills
func VWAP(prices, sizes []decimal.Decimal) decimal.Decimal {
	notional := decimal.Zero
	total := decimal.Zero
	for i := range prices {
		if i >= len(sizes) {
			break
		}
		notional = notional.Add(prices[i].Mul(sizes[i]))
		total = total.Add(sizes[i])
	}
	if total.IsZero() {
		return decimal.Zero
	}
	return notional.Div(total)
}
