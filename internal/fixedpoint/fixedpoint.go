// Package fixedpoint pins the precision of every stored quantity.
//
// Collateral (the quote asset, USDC-like) carries 6 decimal places. Shares,
// option quantities, deltas and price-per-share carry 18 ("wad"). Results are
// always truncated toward zero, never rounded up: a holder can never be
// credited more than the pool holds. Amounts below the floor become zero.
package fixedpoint

import "github.com/shopspring/decimal"

const (
	// CollateralDecimals is the precision of the collateral asset.
	CollateralDecimals int32 = 6

	// WadDecimals is the precision of shares, option amounts and prices.
	WadDecimals int32 = 18

	// divisionPrecision is the working precision for intermediate quotients,
	// comfortably above WadDecimals so truncation is the only rounding step.
	divisionPrecision int32 = 36
)

// One is 1.0, the unit price-per-share.
var One = decimal.NewFromInt(1)

// Collateral truncates d to collateral precision.
func Collateral(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(CollateralDecimals)
}

// Wad truncates d to 18 decimal places.
func Wad(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(WadDecimals)
}

// Div divides a by b at working precision. b must be non-zero.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, divisionPrecision)
}

// DivWad divides and truncates the quotient to 18 decimal places.
func DivWad(a, b decimal.Decimal) decimal.Decimal {
	return Wad(Div(a, b))
}

// MulCollateral multiplies and truncates to collateral precision.
func MulCollateral(a, b decimal.Decimal) decimal.Decimal {
	return Collateral(a.Mul(b))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
