package pricemath

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne     = decimal.NewFromInt(1)
	decimalEps = decimal.NewFromFloat(1e-8)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func Compare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func LTE(a, b float64) bool { return Compare(a, b) <= 0 }
func GTE(a, b float64) bool { return Compare(a, b) >= 0 }

// RelativePrice computes entry shifted by pct in the direction that
// hurts (sign of pct decides): long stop at entry*(1-pct), short stop
// at entry*(1+pct).
func RelativePrice(entry, pct float64, short bool) float64 {
	if entry <= 0 {
		return 0
	}
	base := decFromFloat(entry)
	pctDec := decFromFloat(pct)
	var factor decimal.Decimal
	if short {
		factor = decOne.Add(pctDec)
	} else {
		factor = decOne.Sub(pctDec)
	}
	return decToFloat(base.Mul(factor))
}

// LiquidationPrice fixes the forced-close level from entry, side and
// leverage. The 0.9 factor keeps a maintenance buffer inside full loss.
func LiquidationPrice(entry, leverage float64, short bool) float64 {
	if entry <= 0 || leverage <= 0 {
		return 0
	}
	move := decOne.Div(decFromFloat(leverage)).Mul(decimal.NewFromFloat(0.9))
	base := decFromFloat(entry)
	if short {
		return decToFloat(base.Mul(decOne.Add(move)))
	}
	return decToFloat(base.Mul(decOne.Sub(move)))
}

// CrossedAdverse reports whether mark has crossed level in the
// direction that loses money for the given side.
func CrossedAdverse(mark, level float64, short bool) bool {
	if mark <= 0 || level <= 0 {
		return false
	}
	if short {
		return GTE(mark, level)
	}
	return LTE(mark, level)
}

// CrossedFavorable reports whether mark has crossed level in the
// profitable direction (take-profit checks).
func CrossedFavorable(mark, level float64, short bool) bool {
	if mark <= 0 || level <= 0 {
		return false
	}
	if short {
		return LTE(mark, level)
	}
	return GTE(mark, level)
}

// WithinEps reports near-equality under the shared decimal epsilon.
func WithinEps(a, b float64) bool {
	return decFromFloat(a).Sub(decFromFloat(b)).Abs().Cmp(decimalEps) <= 0
}

// Clamp bounds v to [-limit, limit].
func Clamp(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
