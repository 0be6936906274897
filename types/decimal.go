package types

import "github.com/shopspring/decimal"

// RoundToTickDown floors price to the nearest tick multiple.
func RoundToTickDown(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// RoundToTickUp ceils price to the nearest tick multiple.
func RoundToTickUp(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// RoundToTickForSide rounds toward the passive direction for the given side:
// BUY prices ceil (never undershoot the intended level on coarse ticks),
// SELL prices floor.
func RoundToTickForSide(price, tick decimal.Decimal, side Side) decimal.Decimal {
	if side == SideBuy {
		return RoundToTickUp(price, tick)
	}
	return RoundToTickDown(price, tick)
}

// RoundToStepDown floors qty to the instrument's step size.
func RoundToStepDown(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// ClampDecimal bounds v to [lo, hi].
func ClampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
