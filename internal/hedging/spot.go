// Package hedging holds the pool's delta hedges.
//
// SpotReactor hedges by trading the underlying against collateral at the
// oracle rate. The collateral ledger stands in for the collateral token; the
// reactor's underlying position is kept on a ledger of its own.
package hedging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/pricing"
)

var ErrInvalidAmount = errors.New("hedging: amount must not be negative")

// SpotReactor is an in-memory hedging reactor for a single
// underlying/collateral pair.
type SpotReactor struct {
	mu sync.Mutex

	address     common.Address
	pool        common.Address
	underlying  common.Address
	strikeAsset common.Address

	collateral *asset.Ledger
	holdings   *asset.Ledger
	prices     pricing.PriceFeed
}

// NewSpotReactor creates a reactor at address that draws collateral from
// pool. Collateral is assumed to be the strike asset.
func NewSpotReactor(address, pool, underlying, strikeAsset common.Address, collateral *asset.Ledger, prices pricing.PriceFeed) *SpotReactor {
	return &SpotReactor{
		address:     address,
		pool:        pool,
		underlying:  underlying,
		strikeAsset: strikeAsset,
		collateral:  collateral,
		holdings:    asset.NewLedger("UNDERLYING"),
		prices:      prices,
	}
}

func (r *SpotReactor) Address() common.Address { return r.address }

// Delta is the underlying the reactor holds.
func (r *SpotReactor) Delta() decimal.Decimal {
	return r.holdings.BalanceOf(r.address)
}

// HedgeDelta buys |delta| of the underlying when delta is negative, paying
// from idle reactor collateral first and then from the pool. A positive
// delta sells at most what the reactor holds; proceeds stay in the reactor
// until withdrawn.
func (r *SpotReactor) HedgeDelta(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	amount := fixedpoint.Wad(delta.Abs())
	if delta.IsPositive() {
		amount = fixedpoint.Min(amount, r.holdings.BalanceOf(r.address))
	}
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	rate, err := r.prices.GetRate(ctx, r.underlying, r.strikeAsset)
	if err != nil {
		return decimal.Zero, err
	}

	if delta.IsNegative() {
		cost := amount.Mul(rate).RoundCeil(fixedpoint.CollateralDecimals)
		if short := cost.Sub(r.collateral.BalanceOf(r.address)); short.IsPositive() {
			if err := r.collateral.Transfer(r.pool, r.address, short); err != nil {
				return decimal.Zero, fmt.Errorf("hedging: fund purchase of %s: %w", amount, err)
			}
		}
		if err := r.collateral.Burn(r.address, cost); err != nil {
			return decimal.Zero, err
		}
		if err := r.holdings.Mint(r.address, amount); err != nil {
			return decimal.Zero, err
		}
		return amount, nil
	}

	if err := r.holdings.Burn(r.address, amount); err != nil {
		return decimal.Zero, err
	}
	if err := r.collateral.Mint(r.address, fixedpoint.MulCollateral(amount, rate)); err != nil {
		return decimal.Zero, err
	}
	return amount.Neg(), nil
}

// Withdraw sends up to amount of idle collateral back to the pool.
func (r *SpotReactor) Withdraw(_ context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	amount = fixedpoint.Min(amount, r.collateral.BalanceOf(r.address))
	if err := r.collateral.Transfer(r.address, r.pool, amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// Value is the reactor's idle collateral plus its underlying at the oracle
// rate, in collateral units.
func (r *SpotReactor) Value(ctx context.Context) (decimal.Decimal, error) {
	value := r.collateral.BalanceOf(r.address)
	held := r.holdings.BalanceOf(r.address)
	if held.IsZero() {
		return value, nil
	}
	rate, err := r.prices.GetRate(ctx, r.underlying, r.strikeAsset)
	if err != nil {
		return decimal.Zero, err
	}
	return value.Add(fixedpoint.MulCollateral(held, rate)), nil
}

// Checkpoint captures the underlying position. Collateral is restored by
// whoever checkpoints the collateral ledger.
func (r *SpotReactor) Checkpoint() (rollback func()) {
	return r.holdings.Checkpoint()
}
