// Package nav turns the pool's continuous deposit and withdrawal requests
// into discrete epochs, each with one deposit and one withdrawal
// price-per-share.
//
// Prices are computed from NAV = assets − liabilities before the epoch's
// pending deposits are admitted, so neither incoming depositors nor exiting
// withdrawers are diluted by the other. All conversions truncate: shares to
// wad precision, collateral to collateral precision. Amounts below the floor
// become zero rather than failing.
package nav

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/fixedpoint"
)

var (
	// ErrNonPositiveNAV is returned when outstanding shares would be priced at
	// or below zero.
	ErrNonPositiveNAV = errors.New("nav: net asset value per share is not positive")

	// ErrInvalidInput is returned for negative inputs.
	ErrInvalidInput = errors.New("nav: inputs must not be negative")
)

// EpochInput is the pool state read at epoch close.
type EpochInput struct {
	TotalSupply             decimal.Decimal
	TotalAssets             decimal.Decimal
	TotalLiabilities        decimal.Decimal
	PendingDeposits         decimal.Decimal
	PendingWithdrawalShares decimal.Decimal
	// WithdrawalCapacity is the most collateral that can be partitioned
	// without breaching the liquidity buffer.
	WithdrawalCapacity decimal.Decimal
}

// EpochResult is what the pool applies at epoch close.
type EpochResult struct {
	NAV                     decimal.Decimal `json:"nav"`
	DepositPricePerShare    decimal.Decimal `json:"deposit_price_per_share"`
	WithdrawalPricePerShare decimal.Decimal `json:"withdrawal_price_per_share"`
	// TotalWithdrawAmount is the collateral to partition; zero when
	// withdrawals were deferred.
	TotalWithdrawAmount  decimal.Decimal `json:"total_withdraw_amount"`
	WithdrawalsProcessed bool            `json:"withdrawals_processed"`
	SharesToMint         decimal.Decimal `json:"shares_to_mint"`
}

// CloseEpoch computes the epoch's prices and the withdrawal partition.
//
// With zero supply both prices are 1. Otherwise
//
//	withdrawalPPS = (NAV − pendingDeposits) / supply
//	W             = pendingWithdrawalShares × withdrawalPPS
//	depositPPS    = (NAV − W + W − pendingDeposits) / supply
//
// where the second form makes explicit that partitioned funds leave NAV and
// are added back, so new depositors buy at the pre-partition value. If W
// exceeds WithdrawalCapacity the withdrawal epoch is deferred: W is zero and
// WithdrawalsProcessed is false.
func CloseEpoch(in EpochInput) (EpochResult, error) {
	for _, v := range []decimal.Decimal{in.TotalSupply, in.TotalAssets, in.TotalLiabilities,
		in.PendingDeposits, in.PendingWithdrawalShares, in.WithdrawalCapacity} {
		if v.IsNegative() {
			return EpochResult{}, ErrInvalidInput
		}
	}

	nav := in.TotalAssets.Sub(in.TotalLiabilities)
	res := EpochResult{NAV: nav}

	if in.TotalSupply.IsZero() {
		res.DepositPricePerShare = fixedpoint.One
		res.WithdrawalPricePerShare = fixedpoint.One
	} else {
		navExDeposits := nav.Sub(in.PendingDeposits)
		if !navExDeposits.IsPositive() {
			return EpochResult{}, fmt.Errorf("%w: nav %s, pending deposits %s, supply %s",
				ErrNonPositiveNAV, nav, in.PendingDeposits, in.TotalSupply)
		}
		res.WithdrawalPricePerShare = fixedpoint.DivWad(navExDeposits, in.TotalSupply)
	}

	w := CollateralForShares(in.PendingWithdrawalShares, res.WithdrawalPricePerShare)
	res.WithdrawalsProcessed = w.LessThanOrEqual(in.WithdrawalCapacity)
	if res.WithdrawalsProcessed {
		res.TotalWithdrawAmount = w
	} else {
		res.TotalWithdrawAmount = decimal.Zero
	}

	if !in.TotalSupply.IsZero() {
		navAfter := nav.Sub(res.TotalWithdrawAmount)
		res.DepositPricePerShare = fixedpoint.DivWad(
			navAfter.Add(res.TotalWithdrawAmount).Sub(in.PendingDeposits), in.TotalSupply)
	}

	res.SharesToMint = SharesForDeposit(in.PendingDeposits, res.DepositPricePerShare)
	return res, nil
}

// SharesForDeposit converts collateral to shares at pps, truncating.
func SharesForDeposit(amount, pps decimal.Decimal) decimal.Decimal {
	if !pps.IsPositive() || !amount.IsPositive() {
		return decimal.Zero
	}
	return fixedpoint.DivWad(amount, pps)
}

// CollateralForShares converts shares to collateral at pps, truncating.
func CollateralForShares(shares, pps decimal.Decimal) decimal.Decimal {
	if !pps.IsPositive() || !shares.IsPositive() {
		return decimal.Zero
	}
	return fixedpoint.MulCollateral(shares, pps)
}
