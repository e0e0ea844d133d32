package pricing

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrIVNotFound is returned when no SABR parameters exist for an expiration.
	ErrIVNotFound = errors.New("pricing: no volatility parameters for expiration")

	// ErrInvalidSABRParams is returned by SetSabrParameters for out-of-domain inputs.
	ErrInvalidSABRParams = errors.New("pricing: invalid SABR parameters")

	// ErrOptionExpired is returned when pricing a series at or after expiry.
	ErrOptionExpired = errors.New("pricing: option has expired")
)

// SABRParams holds one expiration's call and put smile plus the rate used to
// turn spot into a forward.
type SABRParams struct {
	CallAlpha  float64 `json:"call_alpha"`
	CallBeta   float64 `json:"call_beta"`
	CallRho    float64 `json:"call_rho"`
	CallVolvol float64 `json:"call_volvol"`
	PutAlpha   float64 `json:"put_alpha"`
	PutBeta    float64 `json:"put_beta"`
	PutRho     float64 `json:"put_rho"`
	PutVolvol  float64 `json:"put_volvol"`

	InterestRate float64 `json:"interest_rate"`
}

func (p SABRParams) validate() error {
	check := func(alpha, beta, rho, nu float64) bool {
		return alpha > 0 && beta >= 0 && beta <= 1 && rho > -1 && rho < 1 && nu >= 0
	}
	if !check(p.CallAlpha, p.CallBeta, p.CallRho, p.CallVolvol) ||
		!check(p.PutAlpha, p.PutBeta, p.PutRho, p.PutVolvol) {
		return ErrInvalidSABRParams
	}
	return nil
}

// VolatilityFeed serves implied volatility from SABR parameters keyed by
// expiration.
type VolatilityFeed struct {
	mu     sync.RWMutex
	params map[int64]SABRParams
	now    func() time.Time
}

// NewVolatilityFeed creates an empty feed. now may be nil for wall-clock time.
func NewVolatilityFeed(now func() time.Time) *VolatilityFeed {
	if now == nil {
		now = time.Now
	}
	return &VolatilityFeed{params: make(map[int64]SABRParams), now: now}
}

// SetSabrParameters installs the smile for one expiration.
func (v *VolatilityFeed) SetSabrParameters(expiration int64, p SABRParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.params[expiration] = p
	return nil
}

// SabrParameters returns the smile for an expiration.
func (v *VolatilityFeed) SabrParameters(expiration int64) (SABRParams, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.params[expiration]
	return p, ok
}

// ImpliedVolatility returns the SABR lognormal volatility for a strike.
func (v *VolatilityFeed) ImpliedVolatility(isPut bool, spot, strike decimal.Decimal, expiration int64) (float64, error) {
	p, ok := v.SabrParameters(expiration)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrIVNotFound, expiration)
	}

	t := float64(expiration-v.now().Unix()) / SecondsPerYear
	if t <= 0 {
		return 0, ErrOptionExpired
	}

	f := spot.InexactFloat64() * math.Exp(p.InterestRate*t)
	k := strike.InexactFloat64()
	if isPut {
		return LognormalVol(k, f, t, p.PutAlpha, p.PutBeta, p.PutRho, p.PutVolvol), nil
	}
	return LognormalVol(k, f, t, p.CallAlpha, p.CallBeta, p.CallRho, p.CallVolvol), nil
}

// LognormalVol is Hagan's 2002 SABR lognormal volatility expansion.
//
//	k: strike > 0, f: forward > 0, t: years to expiry > 0
//	alpha > 0 (ATM level), 0 <= beta <= 1, -1 < rho < 1, nu >= 0 (vol of vol)
func LognormalVol(k, f, t, alpha, beta, rho, nu float64) float64 {
	const eps = 1e-07

	logfk := math.Log(f / k)
	fkbeta := math.Pow(f*k, 1-beta)
	a := math.Pow(1-beta, 2) * alpha * alpha / (24 * fkbeta)
	b := 0.25 * rho * beta * nu * alpha / math.Sqrt(fkbeta)
	c := (2 - 3*rho*rho) * nu * nu / 24
	d := math.Sqrt(fkbeta)
	v := math.Pow(1-beta, 2) * logfk * logfk / 24
	w := math.Pow(1-beta, 4) * math.Pow(logfk, 4) / 1920
	z := nu * math.Sqrt(fkbeta) * logfk / alpha

	if math.Abs(z) > eps {
		return alpha * z * (1 + (a+b+c)*t) / (d * (1 + v + w) * sabrX(rho, z))
	}
	return alpha * (1 + (a+b+c)*t) / (d * (1 + v + w))
}

func sabrX(rho, z float64) float64 {
	a := math.Sqrt(1-2*rho*z+z*z) + z - rho
	return math.Log(a / (1 - rho))
}
