package pool

import (
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/model"
)

// TotalAssets is the collateral attributable to shareholders:
// balance − partitioned funds + collateral pledged to vaults.
func TotalAssets(s model.PoolState) decimal.Decimal {
	return s.CollateralBalance.Sub(s.PartitionedFunds).Add(s.CollateralAllocated)
}

// ManagedCollateral is the pool's balance plus collateral pledged to vaults.
func ManagedCollateral(s model.PoolState) decimal.Decimal {
	return s.CollateralBalance.Add(s.CollateralAllocated)
}

// LiquidityInvariant reports whether managed collateral covers allocated
// collateral plus partitioned funds, i.e. the balance alone still holds
// every partitioned withdrawal.
func LiquidityInvariant(s model.PoolState) bool {
	return ManagedCollateral(s).GreaterThanOrEqual(s.CollateralAllocated.Add(s.PartitionedFunds))
}

// BufferSatisfied reports whether allocated collateral stays within
// (managed − partitioned) × (1 − bufferPercentage).
func BufferSatisfied(s model.PoolState) bool {
	usable := ManagedCollateral(s).Sub(s.PartitionedFunds)
	limit := usable.Mul(fixedpoint.One.Sub(s.BufferPercentage))
	return s.CollateralAllocated.LessThanOrEqual(limit)
}

// WithdrawalCapacity is the most collateral that can be partitioned while
// keeping the buffer satisfied:
//
//	managed − partitioned − allocated / (1 − bufferPercentage)
//
// floored at zero and truncated to collateral precision.
func WithdrawalCapacity(s model.PoolState) decimal.Decimal {
	reserved := s.CollateralAllocated
	if s.CollateralAllocated.IsPositive() {
		reserved = fixedpoint.Div(s.CollateralAllocated, fixedpoint.One.Sub(s.BufferPercentage))
	}
	capacity := ManagedCollateral(s).Sub(s.PartitionedFunds).Sub(reserved)
	return fixedpoint.Collateral(fixedpoint.Max(capacity, decimal.Zero))
}
