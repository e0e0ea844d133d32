package pricing

import (
	"math"
	"time"
)

// TenorParams holds the per-delta-band multipliers for one tenor point. Each
// slice is indexed by delta band and must have the same length.
type TenorParams struct {
	CallSlippageGradientMultipliers []float64 `json:"call_slippage_gradient_multipliers"`
	PutSlippageGradientMultipliers  []float64 `json:"put_slippage_gradient_multipliers"`
	CallSpreadCollateralMultipliers []float64 `json:"call_spread_collateral_multipliers"`
	PutSpreadCollateralMultipliers  []float64 `json:"put_spread_collateral_multipliers"`
	CallSpreadDeltaMultipliers      []float64 `json:"call_spread_delta_multipliers"`
	PutSpreadDeltaMultipliers       []float64 `json:"put_spread_delta_multipliers"`
}

// tenorPoint locates an expiry on the tenor grid. The grid is uniform in
// sqrt(seconds to expiry); index is floored and remainder is the weight
// given to the next tenor.
type tenorPoint struct {
	index     int
	remainder float64
}

func locateTenor(expiration int64, now time.Time, numTenors int, maxTenorValue float64) tenorPoint {
	if numTenors <= 1 || maxTenorValue <= 0 {
		return tenorPoint{}
	}
	secs := float64(expiration - now.Unix())
	if secs < 0 {
		secs = 0
	}
	unrounded := math.Sqrt(secs) * float64(numTenors-1) / maxTenorValue
	idx := int(math.Floor(unrounded))
	if idx >= numTenors-1 {
		return tenorPoint{index: numTenors - 1}
	}
	return tenorPoint{index: idx, remainder: unrounded - float64(idx)}
}

// deltaBand is ⌊|Δ|·100 / width⌋ clamped to the last band.
func deltaBand(delta, width float64, numBands int) int {
	if numBands <= 0 {
		return 0
	}
	if width <= 0 {
		return numBands - 1
	}
	band := int(math.Abs(delta) * 100 / width)
	if band >= numBands {
		band = numBands - 1
	}
	return band
}

// interpolate reads one multiplier table at (tenor, band), linearly blending
// between the located tenor and the next one.
func interpolate(tenors []TenorParams, tp tenorPoint, band int, pick func(TenorParams) []float64) float64 {
	if len(tenors) == 0 {
		return 1
	}
	at := func(i int) float64 {
		xs := pick(tenors[i])
		if len(xs) == 0 {
			return 1
		}
		if band >= len(xs) {
			return xs[len(xs)-1]
		}
		return xs[band]
	}
	y1 := at(tp.index)
	if tp.remainder == 0 || tp.index+1 >= len(tenors) {
		return y1
	}
	y2 := at(tp.index + 1)
	return y1 + tp.remainder*(y2-y1)
}

// SlippageMultiplier returns the per-unit price multiplier for trading amount
// contracts given the vault's net exposure (short minus long).
//
// The price of one contract at vault exposure x is s^{-x}, s = 1 + gradient,
// so the average over the trade is the integral of s^{-x} between the pre-
// and post-trade exposure divided by the amount. Trades that push the vault
// further short cost more; trades that flatten the book price better. The
// result is strictly positive and equals 1 when gradient is zero.
func SlippageMultiplier(netExposure, amount float64, isSell bool, gradient float64) float64 {
	if gradient == 0 || amount <= 0 {
		return 1
	}
	s := 1 + gradient
	lns := math.Log(s)
	e := -netExposure
	if isSell {
		after := e + amount
		return (math.Pow(s, -e) - math.Pow(s, -after)) / (lns * amount)
	}
	after := e - amount
	return (math.Pow(s, -after) - math.Pow(s, -e)) / (lns * amount)
}
