// Package model defines the core domain types shared across the vault engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/fixedpoint"
)

// Series identifies one option contract line. Immutable once created.
type Series struct {
	Underlying  common.Address  `json:"underlying" validate:"required"`
	StrikeAsset common.Address  `json:"strike_asset" validate:"required"`
	Collateral  common.Address  `json:"collateral" validate:"required"`
	Expiration  int64           `json:"expiration" validate:"required,gt=0"` // unix seconds
	Strike      decimal.Decimal `json:"strike"`                              // 18 dp
	IsPut       bool            `json:"is_put"`
}

// Hash is the series identity: keccak256 over the canonical encoding
// underlying ‖ strikeAsset ‖ collateral ‖ expiration ‖ strike(wad, 32 bytes) ‖ isPut.
func (s Series) Hash() common.Hash {
	buf := make([]byte, 0, 20*3+8+32+1)
	buf = append(buf, s.Underlying.Bytes()...)
	buf = append(buf, s.StrikeAsset.Bytes()...)
	buf = append(buf, s.Collateral.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Expiration))
	strike := fixedpoint.Wad(s.Strike).Shift(fixedpoint.WadDecimals).BigInt()
	buf = append(buf, common.LeftPadBytes(strike.Bytes(), 32)...)
	if s.IsPut {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return crypto.Keccak256Hash(buf)
}

// ExpiresAt returns the expiration as a time.
func (s Series) ExpiresAt() time.Time {
	return time.Unix(s.Expiration, 0).UTC()
}

// Expired reports whether the series has expired at now.
func (s Series) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

func (s Series) String() string {
	flavor := "C"
	if s.IsPut {
		flavor = "P"
	}
	return fmt.Sprintf("%s-%s-%s", s.ExpiresAt().Format("20060102"), s.Strike.String(), flavor)
}

// Direction selects the leg of an exposure record.
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// ExposureRecord is the vault's book in one series.
type ExposureRecord struct {
	Series        Series          `json:"series"`
	SeriesHash    common.Hash     `json:"series_hash" db:"series_hash"`
	LongExposure  decimal.Decimal `json:"long_exposure" db:"long_exposure"`
	ShortExposure decimal.Decimal `json:"short_exposure" db:"short_exposure"`
}

// NetExposure is short minus long; positive when the vault is net short.
func (r ExposureRecord) NetExposure() decimal.Decimal {
	return r.ShortExposure.Sub(r.LongExposure)
}

// DepositReceipt tracks one depositor's pending and unredeemed position.
// At most one epoch's Amount is pending at a time.
type DepositReceipt struct {
	Epoch            uint64          `json:"epoch" db:"epoch"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`                       // collateral
	UnredeemedShares decimal.Decimal `json:"unredeemed_shares" db:"unredeemed_shares"` // wad
}

// WithdrawalReceipt tracks shares queued for withdrawal.
type WithdrawalReceipt struct {
	Epoch  uint64          `json:"epoch" db:"epoch"`
	Shares decimal.Decimal `json:"shares" db:"shares"`
}

// PriceKind selects a price-per-share table.
type PriceKind string

const (
	DepositPrice    PriceKind = "deposit"
	WithdrawalPrice PriceKind = "withdrawal"
)

// EpochPrice is one append-only price-per-share entry.
type EpochPrice struct {
	Kind  PriceKind       `json:"kind" db:"kind"`
	Epoch uint64          `json:"epoch" db:"epoch"`
	Price decimal.Decimal `json:"price" db:"price"`
}

// Ephemeral accumulates delta and liabilities written since the Portfolio
// Values Feed last fulfilled. Clean means the feed figures are current.
type Ephemeral struct {
	Dirty       bool            `json:"dirty"`
	Delta       decimal.Decimal `json:"delta"`
	Liabilities decimal.Decimal `json:"liabilities"`
}

// Accumulate returns the Dirty state with the given changes folded in.
func (e Ephemeral) Accumulate(delta, liabilities decimal.Decimal) Ephemeral {
	return Ephemeral{
		Dirty:       true,
		Delta:       e.Delta.Add(delta),
		Liabilities: e.Liabilities.Add(liabilities),
	}
}

// Clean is the flushed state.
func Clean() Ephemeral {
	return Ephemeral{}
}

// PortfolioValues is the Portfolio Values Feed's snapshot for one
// underlying/strike-asset pair. Delta is the pool's aggregate delta;
// Liabilities is the value of its net short book in collateral.
type PortfolioValues struct {
	Underlying  common.Address  `json:"underlying"`
	StrikeAsset common.Address  `json:"strike_asset"`
	Delta       decimal.Decimal `json:"delta"`
	Liabilities decimal.Decimal `json:"liabilities"`
	Spot        decimal.Decimal `json:"spot"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EpochPhase makes the pause / fulfil / execute cycle explicit.
type EpochPhase string

const (
	PhaseTrading             EpochPhase = "trading"
	PhaseAwaitingFulfillment EpochPhase = "awaiting_fulfillment"
	PhaseFulfilled           EpochPhase = "fulfilled"
)

// PoolState is the Liquidity Pool's full accounting state.
type PoolState struct {
	CollateralBalance   decimal.Decimal `json:"collateral_balance" db:"collateral_balance"`
	CollateralAllocated decimal.Decimal `json:"collateral_allocated" db:"collateral_allocated"`
	PartitionedFunds    decimal.Decimal `json:"partitioned_funds" db:"partitioned_funds"`
	PendingDeposits     decimal.Decimal `json:"pending_deposits" db:"pending_deposits"`
	PendingWithdrawals  decimal.Decimal `json:"pending_withdrawals" db:"pending_withdrawals"` // shares
	DepositEpoch        uint64          `json:"deposit_epoch" db:"deposit_epoch"`
	WithdrawalEpoch     uint64          `json:"withdrawal_epoch" db:"withdrawal_epoch"`
	IsTradingPaused     bool            `json:"is_trading_paused" db:"is_trading_paused"`
	Phase               EpochPhase      `json:"phase" db:"phase"`
	Ephemeral           Ephemeral       `json:"ephemeral"`
	TotalSupply         decimal.Decimal `json:"total_supply" db:"total_supply"`
	CollateralCap       decimal.Decimal `json:"collateral_cap" db:"collateral_cap"`
	BufferPercentage    decimal.Decimal `json:"buffer_percentage" db:"buffer_percentage"` // fraction in [0,1)
	// Hedging reactor totals as of the last transaction that touched them.
	ReactorDelta decimal.Decimal `json:"reactor_delta" db:"reactor_delta"`
	ReactorValue decimal.Decimal `json:"reactor_value" db:"reactor_value"`
}

// OptionParams bounds what the vault will trade.
type OptionParams struct {
	MinCallStrike decimal.Decimal `json:"min_call_strike"`
	MaxCallStrike decimal.Decimal `json:"max_call_strike"`
	MinPutStrike  decimal.Decimal `json:"min_put_strike"`
	MaxPutStrike  decimal.Decimal `json:"max_put_strike"`
	MinExpiry     time.Duration   `json:"min_expiry"`
	MaxExpiry     time.Duration   `json:"max_expiry"`
}

// StrikeInBounds reports whether the series strike lies in the configured range.
func (p OptionParams) StrikeInBounds(s Series) bool {
	lo, hi := p.MinCallStrike, p.MaxCallStrike
	if s.IsPut {
		lo, hi = p.MinPutStrike, p.MaxPutStrike
	}
	return s.Strike.GreaterThanOrEqual(lo) && s.Strike.LessThanOrEqual(hi)
}

// ExpiryInBounds reports whether now+MinExpiry <= expiration <= now+MaxExpiry.
func (p OptionParams) ExpiryInBounds(s Series, now time.Time) bool {
	exp := s.ExpiresAt()
	return !exp.Before(now.Add(p.MinExpiry)) && !exp.After(now.Add(p.MaxExpiry))
}
