// Package margin defines the Margin Engine the vault custodies collateral
// and writes options through, plus an in-memory engine for development and
// tests.
//
// Vaults are per owner and numbered from 1. A vault carries one series: a
// short position backed by collateral and, optionally, long tokens of the
// same series that offset it.
package margin

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

var (
	ErrInvalidAmount          = errors.New("margin: amount must be positive")
	ErrInvalidVaultID         = errors.New("margin: invalid vault id")
	ErrVaultNotFound          = errors.New("margin: vault not found")
	ErrSeriesNotIssued        = errors.New("margin: series not issued")
	ErrSeriesMismatch         = errors.New("margin: vault holds a different series")
	ErrInsufficientCollateral = errors.New("margin: insufficient collateral")
	ErrInsufficientOptions    = errors.New("margin: insufficient option balance")
	ErrSeriesExpired          = errors.New("margin: series has expired")
	ErrSeriesNotExpired       = errors.New("margin: series has not expired")
	ErrNoExpiryPrice          = errors.New("margin: expiry price not set")
)

// Vault is a snapshot of one margin vault.
type Vault struct {
	Owner       common.Address  `json:"owner"`
	ID          uint64          `json:"id"`
	Series      *model.Series   `json:"series,omitempty"`
	Collateral  decimal.Decimal `json:"collateral"`
	ShortAmount decimal.Decimal `json:"short_amount"`
	LongAmount  decimal.Decimal `json:"long_amount"`
}

// Settlement is the result of settling an expired vault.
type Settlement struct {
	CollateralReturned decimal.Decimal `json:"collateral_returned"`
	CollateralLost     decimal.Decimal `json:"collateral_lost"`
}

// Engine is the Margin Engine contract consumed by the pool and the
// settlement engine.
type Engine interface {
	IssueSeries(ctx context.Context, series model.Series) error
	IsIssued(series model.Series) bool

	OpenVault(ctx context.Context, owner common.Address, vaultID uint64) error
	DepositCollateral(ctx context.Context, owner common.Address, vaultID uint64, amount decimal.Decimal, from common.Address) error
	WithdrawCollateral(ctx context.Context, owner common.Address, vaultID uint64, amount decimal.Decimal, to common.Address) error
	MintOption(ctx context.Context, owner common.Address, vaultID uint64, series model.Series, amount decimal.Decimal, to common.Address) error
	BurnOption(ctx context.Context, owner common.Address, vaultID uint64, series model.Series, amount decimal.Decimal, from common.Address) error
	DepositLong(ctx context.Context, owner common.Address, vaultID uint64, series model.Series, amount decimal.Decimal, from common.Address) error
	WithdrawLong(ctx context.Context, owner common.Address, vaultID uint64, series model.Series, amount decimal.Decimal, to common.Address) error
	TransferLong(ctx context.Context, series model.Series, from, to common.Address, amount decimal.Decimal) error
	SettleVault(ctx context.Context, owner common.Address, vaultID uint64, to common.Address) (Settlement, error)
	RedeemLong(ctx context.Context, series model.Series, holder common.Address, amount decimal.Decimal) (decimal.Decimal, error)

	GetVault(ctx context.Context, owner common.Address, vaultID uint64) (Vault, error)
	VaultCount(ctx context.Context, owner common.Address) uint64
	GetRequiredCollateral(ctx context.Context, series model.Series, amount decimal.Decimal) (decimal.Decimal, error)
	OptionBalance(series model.Series, holder common.Address) decimal.Decimal

	// Checkpoint captures engine state; calling the returned func restores it.
	Checkpoint() (rollback func())
}
