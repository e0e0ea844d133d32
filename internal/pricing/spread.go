package pricing

import "math"

// DeltaBorrowRates are the annualised costs of hedging the delta a trade
// moves onto the vault, named after the hedge the vault has to put on:
// puts sold to the vault are hedged long, calls sold to it short, calls
// bought from it long and puts bought from it short.
type DeltaBorrowRates struct {
	SellLong  float64 `json:"sell_long"`
	SellShort float64 `json:"sell_short"`
	BuyLong   float64 `json:"buy_long"`
	BuyShort  float64 `json:"buy_short"`
}

func (r DeltaBorrowRates) pick(isSell bool, delta float64) float64 {
	switch {
	case delta < 0 && isSell:
		return r.SellLong
	case delta < 0:
		return r.BuyShort
	case isSell:
		return r.SellShort
	default:
		return r.BuyLong
	}
}

// collateralSpread is the cost of lending out the margin that backs the
// contracts the vault has to newly write on a buy. Sells carry none.
//
// netShortContracts is the part of amount not covered by the vault's
// existing long position (vault exposure e = -netExposure).
func collateralSpread(isSell bool, amount, netExposure, marginPerContract, lendingRate, years, multiplier float64) float64 {
	if isSell {
		return 0
	}
	e := -netExposure
	netShort := amount
	if e > 0 {
		netShort = math.Max(amount-e, 0)
	}
	margin := marginPerContract * netShort
	return (margin*math.Pow(1+lendingRate, years) - margin) * multiplier
}

// deltaSpread is the cost of carrying the dollar delta until expiry.
func deltaSpread(isSell bool, delta, amount, spot float64, rates DeltaBorrowRates, years, multiplier float64) float64 {
	dollarDelta := math.Abs(delta) * amount * spot
	rate := rates.pick(isSell, delta)
	return dollarDelta * (math.Pow(1+rate, years) - 1) * multiplier
}
