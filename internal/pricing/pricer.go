// Package pricing implements the vault's exposure-aware option quoting engine.
//
// A quote is a Black-Scholes fair value at the SABR implied volatility for
// the series, scaled by a slippage multiplier driven by the vault's net
// exposure, widened by a fixed bid/ask fraction and by collateral-lending and
// delta-hedging spreads. The fee is quoted separately from the premium.
//
// Transcendental math runs in float64 and is converted to decimal once, at
// the boundary, truncated to collateral (premium, fee) or wad (delta)
// precision. Quoting never mutates exposure or pool state.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for non-positive quote amounts.
	ErrInvalidAmount = errors.New("pricing: amount must be positive")

	// ErrInvalidConfig is returned by NewPricer and SetConfig.
	ErrInvalidConfig = errors.New("pricing: invalid configuration")

	// ErrNumerical is returned when the model produces a non-finite value.
	ErrNumerical = errors.New("pricing: non-finite model output")
)

// ExposureSource resolves the vault's net exposure (short minus long).
type ExposureSource interface {
	NetExposure(series model.Series) decimal.Decimal
}

// CollateralRequirer returns the margin needed to write amount contracts.
type CollateralRequirer interface {
	GetRequiredCollateral(ctx context.Context, series model.Series, amount decimal.Decimal) (decimal.Decimal, error)
}

// VolSource returns implied volatility for a strike.
type VolSource interface {
	ImpliedVolatility(isPut bool, spot, strike decimal.Decimal, expiration int64) (float64, error)
}

// Config holds the quoting parameters. Rates are annualised fractions.
type Config struct {
	RiskFreeRate          float64          `json:"risk_free_rate"`
	BidAskSpread          float64          `json:"bid_ask_spread"`
	SlippageGradient      float64          `json:"slippage_gradient"`
	FeePerContract        decimal.Decimal  `json:"fee_per_contract"`
	DeltaBandWidth        float64          `json:"delta_band_width"` // in delta percentage points
	MaxTenorValue         float64          `json:"max_tenor_value"`  // sqrt(seconds) of the longest tenor
	Tenors                []TenorParams    `json:"tenors"`
	CollateralLendingRate float64          `json:"collateral_lending_rate"`
	DeltaBorrowRates      DeltaBorrowRates `json:"delta_borrow_rates"`
}

// DefaultConfig returns a two-tenor, twenty-band configuration out to 90 days.
func DefaultConfig() Config {
	const bands = 20
	ramp := func(start float64) []float64 {
		xs := make([]float64, bands)
		for i := range xs {
			xs[i] = start + 0.1*float64(i)
		}
		return xs
	}
	tenor := TenorParams{
		CallSlippageGradientMultipliers: ramp(1.0),
		PutSlippageGradientMultipliers:  ramp(1.0),
		CallSpreadCollateralMultipliers: ramp(1.1),
		PutSpreadCollateralMultipliers:  ramp(1.1),
		CallSpreadDeltaMultipliers:      ramp(1.2),
		PutSpreadDeltaMultipliers:       ramp(1.2),
	}
	return Config{
		RiskFreeRate:          0,
		BidAskSpread:          0.02,
		SlippageGradient:      0.0001,
		FeePerContract:        decimal.RequireFromString("0.3"),
		DeltaBandWidth:        5,
		MaxTenorValue:         math.Sqrt(90 * 24 * 3600),
		Tenors:                []TenorParams{tenor, tenor},
		CollateralLendingRate: 0.10,
		DeltaBorrowRates: DeltaBorrowRates{
			SellLong:  0.15,
			SellShort: -0.10,
			BuyLong:   0.15,
			BuyShort:  -0.10,
		},
	}
}

// Validate checks ranges and that every multiplier table is populated.
func (c Config) Validate() error {
	switch {
	case c.BidAskSpread < 0 || c.BidAskSpread >= 1:
		return fmt.Errorf("%w: bid/ask spread %v outside [0,1)", ErrInvalidConfig, c.BidAskSpread)
	case c.SlippageGradient < 0:
		return fmt.Errorf("%w: negative slippage gradient", ErrInvalidConfig)
	case c.DeltaBandWidth <= 0:
		return fmt.Errorf("%w: delta band width must be positive", ErrInvalidConfig)
	case c.MaxTenorValue <= 0:
		return fmt.Errorf("%w: max tenor value must be positive", ErrInvalidConfig)
	case c.FeePerContract.IsNegative():
		return fmt.Errorf("%w: negative fee", ErrInvalidConfig)
	case len(c.Tenors) == 0:
		return fmt.Errorf("%w: no tenors", ErrInvalidConfig)
	}
	bands := len(c.Tenors[0].CallSlippageGradientMultipliers)
	for i, t := range c.Tenors {
		for _, xs := range [][]float64{
			t.CallSlippageGradientMultipliers, t.PutSlippageGradientMultipliers,
			t.CallSpreadCollateralMultipliers, t.PutSpreadCollateralMultipliers,
			t.CallSpreadDeltaMultipliers, t.PutSpreadDeltaMultipliers,
		} {
			if len(xs) == 0 || len(xs) != bands {
				return fmt.Errorf("%w: tenor %d multiplier tables must share a non-zero length", ErrInvalidConfig, i)
			}
		}
	}
	return nil
}

// Quote is the result of QuoteOptionPrice. Premium and Fee are totals for the
// amount in collateral; Delta is the option delta times amount.
type Quote struct {
	Premium            decimal.Decimal `json:"premium"`
	Delta              decimal.Decimal `json:"delta"`
	Fee                decimal.Decimal `json:"fee"`
	Spot               decimal.Decimal `json:"spot"`
	ImpliedVolatility  float64         `json:"implied_volatility"`
	SlippageMultiplier float64         `json:"slippage_multiplier"`
	Spread             decimal.Decimal `json:"spread"`
}

// Pricer is the Quoting Engine.
type Pricer struct {
	mu        sync.RWMutex
	cfg       Config
	prices    PriceFeed
	vols      VolSource
	exposures ExposureSource
	margin    CollateralRequirer
	now       func() time.Time
}

// NewPricer wires the quoting engine. margin may be nil, in which case no
// collateral lending spread is charged. now may be nil for wall-clock time.
func NewPricer(cfg Config, prices PriceFeed, vols VolSource, exposures ExposureSource, margin CollateralRequirer, now func() time.Time) (*Pricer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Pricer{
		cfg:       cfg,
		prices:    prices,
		vols:      vols,
		exposures: exposures,
		margin:    margin,
		now:       now,
	}, nil
}

// Config returns the active parameters.
func (p *Pricer) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetConfig replaces the quoting parameters.
func (p *Pricer) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	return nil
}

// QuoteOptionPrice prices amount contracts of series. isSell is from the
// trader's side: true when the trader sells to the vault. When
// netExposureOverride is valid it is used instead of the ledger value. The
// ledger is read as-is, so callers outside a pool transaction pass the
// committed value.
func (p *Pricer) QuoteOptionPrice(ctx context.Context, series model.Series, amount decimal.Decimal, isSell bool, netExposureOverride decimal.NullDecimal) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, ErrInvalidAmount
	}
	cfg := p.Config()
	now := p.now()
	if series.Expired(now) {
		return Quote{}, ErrOptionExpired
	}

	spot, err := p.prices.GetRate(ctx, series.Underlying, series.StrikeAsset)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing: spot: %w", err)
	}
	iv, err := p.vols.ImpliedVolatility(series.IsPut, spot, series.Strike, series.Expiration)
	if err != nil {
		return Quote{}, err
	}

	years := float64(series.Expiration-now.Unix()) / SecondsPerYear
	spotF := spot.InexactFloat64()
	amt := amount.InexactFloat64()
	unitPrice, unitDelta := BlackScholes(series.IsPut, spotF, series.Strike.InexactFloat64(), years, iv, cfg.RiskFreeRate)

	net := netExposureOverride.Decimal
	if !netExposureOverride.Valid {
		net = p.exposures.NetExposure(series)
	}
	netF := net.InexactFloat64()

	tp := locateTenor(series.Expiration, now, len(cfg.Tenors), cfg.MaxTenorValue)
	band := deltaBand(unitDelta, cfg.DeltaBandWidth, len(cfg.Tenors[0].CallSlippageGradientMultipliers))
	isCallBand := unitDelta > 0

	slipTable := func(t TenorParams) []float64 { return t.CallSlippageGradientMultipliers }
	if series.IsPut {
		slipTable = func(t TenorParams) []float64 { return t.PutSlippageGradientMultipliers }
	}
	gradient := cfg.SlippageGradient * interpolate(cfg.Tenors, tp, band, slipTable)
	slippage := SlippageMultiplier(netF, amt, isSell, gradient)

	var marginPerContract float64
	if !isSell && p.margin != nil {
		req, err := p.margin.GetRequiredCollateral(ctx, series, fixedpoint.One)
		if err != nil {
			return Quote{}, fmt.Errorf("pricing: required collateral: %w", err)
		}
		marginPerContract = req.InexactFloat64()
	}
	collatMult := interpolate(cfg.Tenors, tp, band, func(t TenorParams) []float64 {
		if isCallBand {
			return t.CallSpreadCollateralMultipliers
		}
		return t.PutSpreadCollateralMultipliers
	})
	deltaMult := interpolate(cfg.Tenors, tp, band, func(t TenorParams) []float64 {
		if isCallBand {
			return t.CallSpreadDeltaMultipliers
		}
		return t.PutSpreadDeltaMultipliers
	})
	spread := collateralSpread(isSell, amt, netF, marginPerContract, cfg.CollateralLendingRate, years, collatMult) +
		deltaSpread(isSell, unitDelta, amt, spotF, cfg.DeltaBorrowRates, years, deltaMult)

	premium := unitPrice * amt * slippage
	if isSell {
		premium = premium*(1-cfg.BidAskSpread) - spread
		if premium < 0 {
			premium = 0
		}
	} else {
		premium = premium*(1+cfg.BidAskSpread) + spread
	}

	for _, v := range []float64{premium, unitDelta, slippage, spread} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Quote{}, fmt.Errorf("%w: series %s", ErrNumerical, series)
		}
	}

	q := Quote{
		Premium:            fixedpoint.Collateral(decimal.NewFromFloat(premium)),
		Delta:              fixedpoint.Wad(decimal.NewFromFloat(unitDelta).Mul(amount)),
		Fee:                fixedpoint.MulCollateral(cfg.FeePerContract, amount),
		Spot:               spot,
		ImpliedVolatility:  iv,
		SlippageMultiplier: slippage,
		Spread:             fixedpoint.Collateral(decimal.NewFromFloat(spread)),
	}

	slog.Debug("option quoted",
		"series", series.String(),
		"amount", amount.String(),
		"is_sell", isSell,
		"net_exposure", net.String(),
		"premium", q.Premium.String(),
		"iv", iv,
		"slippage", slippage,
	)
	return q, nil
}

// FairValue returns the per-contract Black-Scholes value and delta of series
// with no slippage, spread or fee. Expired series are valued at intrinsic.
func (p *Pricer) FairValue(ctx context.Context, series model.Series) (price, delta decimal.Decimal, err error) {
	cfg := p.Config()
	now := p.now()

	spot, err := p.prices.GetRate(ctx, series.Underlying, series.StrikeAsset)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pricing: spot: %w", err)
	}

	var iv float64
	years := float64(series.Expiration-now.Unix()) / SecondsPerYear
	if !series.Expired(now) {
		iv, err = p.vols.ImpliedVolatility(series.IsPut, spot, series.Strike, series.Expiration)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	} else {
		years = 0
	}

	unitPrice, unitDelta := BlackScholes(series.IsPut, spot.InexactFloat64(), series.Strike.InexactFloat64(), years, iv, cfg.RiskFreeRate)
	if math.IsNaN(unitPrice) || math.IsNaN(unitDelta) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: series %s", ErrNumerical, series)
	}
	return fixedpoint.Wad(decimal.NewFromFloat(unitPrice)), fixedpoint.Wad(decimal.NewFromFloat(unitDelta)), nil
}
