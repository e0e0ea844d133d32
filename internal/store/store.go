// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// State is a set of keyed records: series → exposure, address → deposit
// receipt, address → withdrawal receipt, address → share balance,
// (kind, epoch) → price-per-share, plus the single pool state row. Every
// committed engine transaction writes one Changeset atomically.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

var (
	// ErrNotFound is returned for missing pool state or epoch prices.
	ErrNotFound = errors.New("store: not found")

	// ErrPriceExists is returned when a changeset rewrites an epoch price.
	ErrPriceExists = errors.New("store: epoch price already recorded")
)

// Changeset is the set of records written by one committed transaction.
type Changeset struct {
	Pool        *model.PoolState
	Exposures   []model.ExposureRecord
	Deposits    map[common.Address]model.DepositReceipt
	Withdrawals map[common.Address]model.WithdrawalReceipt
	Shares      map[common.Address]decimal.Decimal
	Prices      []model.EpochPrice
}

// NewChangeset creates an empty changeset ready for staging.
func NewChangeset() *Changeset {
	return &Changeset{
		Deposits:    make(map[common.Address]model.DepositReceipt),
		Withdrawals: make(map[common.Address]model.WithdrawalReceipt),
		Shares:      make(map[common.Address]decimal.Decimal),
	}
}

// IsEmpty reports whether nothing was staged.
func (c *Changeset) IsEmpty() bool {
	return c.Pool == nil && len(c.Exposures) == 0 && len(c.Deposits) == 0 &&
		len(c.Withdrawals) == 0 && len(c.Shares) == 0 && len(c.Prices) == 0
}

// Snapshot is the full persisted state, used to rebuild the engine at boot.
type Snapshot struct {
	Pool        *model.PoolState
	Exposures   []model.ExposureRecord
	Deposits    map[common.Address]model.DepositReceipt
	Withdrawals map[common.Address]model.WithdrawalReceipt
	Shares      map[common.Address]decimal.Decimal
	Prices      []model.EpochPrice
}

// Account is one depositor's persisted position.
type Account struct {
	Address    common.Address          `json:"address"`
	Shares     decimal.Decimal         `json:"shares"`
	Deposit    model.DepositReceipt    `json:"deposit_receipt"`
	Withdrawal model.WithdrawalReceipt `json:"withdrawal_receipt"`
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Apply writes every record in cs atomically.
	Apply(ctx context.Context, cs *Changeset) error

	// Load returns everything persisted.
	Load(ctx context.Context) (Snapshot, error)

	// GetPoolState returns the pool row or ErrNotFound.
	GetPoolState(ctx context.Context) (*model.PoolState, error)

	// GetAccount returns the shares and receipts of addr; zero values when unknown.
	GetAccount(ctx context.Context, addr common.Address) (Account, error)

	// GetEpochPrice returns a recorded price-per-share or ErrNotFound.
	GetEpochPrice(ctx context.Context, kind model.PriceKind, epoch uint64) (decimal.Decimal, error)

	// ListExposures returns all exposure records.
	ListExposures(ctx context.Context) ([]model.ExposureRecord, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
