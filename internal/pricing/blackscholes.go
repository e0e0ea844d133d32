package pricing

import "math"

// SecondsPerYear is the Julian year used to convert time-to-expiry.
const SecondsPerYear = 31557600.0

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// BlackScholes returns the per-contract premium and delta of a European
// option:
//
//	d1 = (ln(S/K) + (r + σ²/2)·t) / (σ·√t),  d2 = d1 − σ·√t
//	call = S·N(d1) − K·e^{−rt}·N(d2),        Δ = N(d1)
//	put  = K·e^{−rt}·N(−d2) − S·N(−d1),      Δ = N(d1) − 1
//
// At or past expiry, or with zero volatility, intrinsic value is returned
// with a step delta.
func BlackScholes(isPut bool, spot, strike, t, vol, rate float64) (price, delta float64) {
	if t <= 0 || vol <= 0 {
		return intrinsic(isPut, spot, strike, t, rate)
	}

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*t) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	discount := math.Exp(-rate * t)

	if isPut {
		price = strike*discount*normCDF(-d2) - spot*normCDF(-d1)
		delta = normCDF(d1) - 1
	} else {
		price = spot*normCDF(d1) - strike*discount*normCDF(d2)
		delta = normCDF(d1)
	}
	if price < 0 {
		price = 0
	}
	return price, delta
}

func intrinsic(isPut bool, spot, strike, t, rate float64) (float64, float64) {
	fwdStrike := strike
	if t > 0 {
		fwdStrike = strike * math.Exp(-rate*t)
	}
	if isPut {
		if spot < fwdStrike {
			return fwdStrike - spot, -1
		}
		return 0, 0
	}
	if spot > fwdStrike {
		return spot - fwdStrike, 1
	}
	return 0, 0
}
