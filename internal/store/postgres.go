package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

// CreateTablesSQL is the schema PostgresStore expects. Quantities are
// NUMERIC for exact decimal precision; addresses and hashes are 0x hex.
const CreateTablesSQL = `
CREATE TABLE IF NOT EXISTS pool_state (
    id                    SMALLINT PRIMARY KEY CHECK (id = 1),
    collateral_balance    NUMERIC NOT NULL,
    collateral_allocated  NUMERIC NOT NULL,
    partitioned_funds     NUMERIC NOT NULL,
    pending_deposits      NUMERIC NOT NULL,
    pending_withdrawals   NUMERIC NOT NULL,
    deposit_epoch         BIGINT NOT NULL,
    withdrawal_epoch      BIGINT NOT NULL,
    is_trading_paused     BOOLEAN NOT NULL,
    phase                 TEXT NOT NULL,
    ephemeral_dirty       BOOLEAN NOT NULL,
    ephemeral_delta       NUMERIC NOT NULL,
    ephemeral_liabilities NUMERIC NOT NULL,
    total_supply          NUMERIC NOT NULL,
    collateral_cap        NUMERIC NOT NULL,
    buffer_percentage     NUMERIC NOT NULL,
    reactor_delta         NUMERIC NOT NULL DEFAULT 0,
    reactor_value         NUMERIC NOT NULL DEFAULT 0,
    updated_at            TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS exposures (
    series_hash    TEXT PRIMARY KEY,
    underlying     TEXT NOT NULL,
    strike_asset   TEXT NOT NULL,
    collateral     TEXT NOT NULL,
    expiration     BIGINT NOT NULL,
    strike         NUMERIC NOT NULL,
    is_put         BOOLEAN NOT NULL,
    long_exposure  NUMERIC NOT NULL,
    short_exposure NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS deposit_receipts (
    address           TEXT PRIMARY KEY,
    epoch             BIGINT NOT NULL,
    amount            NUMERIC NOT NULL,
    unredeemed_shares NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS withdrawal_receipts (
    address TEXT PRIMARY KEY,
    epoch   BIGINT NOT NULL,
    shares  NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS share_balances (
    address TEXT PRIMARY KEY,
    balance NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS epoch_prices (
    kind  TEXT NOT NULL CHECK (kind IN ('deposit', 'withdrawal')),
    epoch BIGINT NOT NULL,
    price NUMERIC NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    PRIMARY KEY (kind, epoch)
);

CREATE INDEX IF NOT EXISTS idx_exposures_expiration ON exposures(expiration);

ALTER TABLE pool_state ADD COLUMN IF NOT EXISTS reactor_delta NUMERIC NOT NULL DEFAULT 0;
ALTER TABLE pool_state ADD COLUMN IF NOT EXISTS reactor_value NUMERIC NOT NULL DEFAULT 0;
`

const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, CreateTablesSQL)
	return err
}

// Apply writes the changeset in one transaction. Epoch prices are plain
// inserts so a rewrite aborts the whole transaction.
func (s *PostgresStore) Apply(ctx context.Context, cs *Changeset) error {
	if cs.IsEmpty() {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}

		if p := cs.Pool; p != nil {
			batch.Queue(
				`INSERT INTO pool_state (id, collateral_balance, collateral_allocated, partitioned_funds,
				        pending_deposits, pending_withdrawals, deposit_epoch, withdrawal_epoch,
				        is_trading_paused, phase, ephemeral_dirty, ephemeral_delta, ephemeral_liabilities,
				        total_supply, collateral_cap, buffer_percentage, reactor_delta, reactor_value, updated_at)
				 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7,
				         $8, $9, $10, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
				         $16::NUMERIC, $17::NUMERIC, NOW())
				 ON CONFLICT (id) DO UPDATE SET
				     collateral_balance = EXCLUDED.collateral_balance,
				     collateral_allocated = EXCLUDED.collateral_allocated,
				     partitioned_funds = EXCLUDED.partitioned_funds,
				     pending_deposits = EXCLUDED.pending_deposits,
				     pending_withdrawals = EXCLUDED.pending_withdrawals,
				     deposit_epoch = EXCLUDED.deposit_epoch,
				     withdrawal_epoch = EXCLUDED.withdrawal_epoch,
				     is_trading_paused = EXCLUDED.is_trading_paused,
				     phase = EXCLUDED.phase,
				     ephemeral_dirty = EXCLUDED.ephemeral_dirty,
				     ephemeral_delta = EXCLUDED.ephemeral_delta,
				     ephemeral_liabilities = EXCLUDED.ephemeral_liabilities,
				     total_supply = EXCLUDED.total_supply,
				     collateral_cap = EXCLUDED.collateral_cap,
				     buffer_percentage = EXCLUDED.buffer_percentage,
				     reactor_delta = EXCLUDED.reactor_delta,
				     reactor_value = EXCLUDED.reactor_value,
				     updated_at = NOW()`,
				p.CollateralBalance.String(), p.CollateralAllocated.String(), p.PartitionedFunds.String(),
				p.PendingDeposits.String(), p.PendingWithdrawals.String(),
				int64(p.DepositEpoch), int64(p.WithdrawalEpoch),
				p.IsTradingPaused, string(p.Phase),
				p.Ephemeral.Dirty, p.Ephemeral.Delta.String(), p.Ephemeral.Liabilities.String(),
				p.TotalSupply.String(), p.CollateralCap.String(), p.BufferPercentage.String(),
				p.ReactorDelta.String(), p.ReactorValue.String(),
			)
		}

		for _, e := range cs.Exposures {
			batch.Queue(
				`INSERT INTO exposures (series_hash, underlying, strike_asset, collateral, expiration, strike,
				        is_put, long_exposure, short_exposure)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC)
				 ON CONFLICT (series_hash) DO UPDATE SET
				     long_exposure = EXCLUDED.long_exposure,
				     short_exposure = EXCLUDED.short_exposure`,
				e.Series.Hash().Hex(), e.Series.Underlying.Hex(), e.Series.StrikeAsset.Hex(),
				e.Series.Collateral.Hex(), e.Series.Expiration, e.Series.Strike.String(), e.Series.IsPut,
				e.LongExposure.String(), e.ShortExposure.String(),
			)
		}

		for addr, r := range cs.Deposits {
			batch.Queue(
				`INSERT INTO deposit_receipts (address, epoch, amount, unredeemed_shares)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
				 ON CONFLICT (address) DO UPDATE SET
				     epoch = EXCLUDED.epoch, amount = EXCLUDED.amount,
				     unredeemed_shares = EXCLUDED.unredeemed_shares`,
				addr.Hex(), int64(r.Epoch), r.Amount.String(), r.UnredeemedShares.String(),
			)
		}

		for addr, r := range cs.Withdrawals {
			batch.Queue(
				`INSERT INTO withdrawal_receipts (address, epoch, shares)
				 VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (address) DO UPDATE SET epoch = EXCLUDED.epoch, shares = EXCLUDED.shares`,
				addr.Hex(), int64(r.Epoch), r.Shares.String(),
			)
		}

		for addr, bal := range cs.Shares {
			batch.Queue(
				`INSERT INTO share_balances (address, balance) VALUES ($1, $2::NUMERIC)
				 ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance`,
				addr.Hex(), bal.String(),
			)
		}

		for _, p := range cs.Prices {
			batch.Queue(
				`INSERT INTO epoch_prices (kind, epoch, price) VALUES ($1, $2, $3::NUMERIC)`,
				string(p.Kind), int64(p.Epoch), p.Price.String(),
			)
		}

		return tx.SendBatch(ctx, batch).Close()
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrPriceExists, pgErr.Detail)
	}
	return err
}

func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Deposits:    make(map[common.Address]model.DepositReceipt),
		Withdrawals: make(map[common.Address]model.WithdrawalReceipt),
		Shares:      make(map[common.Address]decimal.Decimal),
	}

	pool, err := s.GetPoolState(ctx)
	switch {
	case err == nil:
		snap.Pool = pool
	case !errors.Is(err, ErrNotFound):
		return Snapshot{}, err
	}

	if snap.Exposures, err = s.ListExposures(ctx); err != nil {
		return Snapshot{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT address, epoch, amount::TEXT, unredeemed_shares::TEXT FROM deposit_receipts`)
	if err != nil {
		return Snapshot{}, err
	}
	for rows.Next() {
		var addr, amount, shares string
		var epoch int64
		if err := rows.Scan(&addr, &epoch, &amount, &shares); err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		snap.Deposits[common.HexToAddress(addr)] = model.DepositReceipt{
			Epoch:            uint64(epoch),
			Amount:           parseDecimal(amount),
			UnredeemedShares: parseDecimal(shares),
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.pool.Query(ctx, `SELECT address, epoch, shares::TEXT FROM withdrawal_receipts`)
	if err != nil {
		return Snapshot{}, err
	}
	for rows.Next() {
		var addr, shares string
		var epoch int64
		if err := rows.Scan(&addr, &epoch, &shares); err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		snap.Withdrawals[common.HexToAddress(addr)] = model.WithdrawalReceipt{
			Epoch:  uint64(epoch),
			Shares: parseDecimal(shares),
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.pool.Query(ctx, `SELECT address, balance::TEXT FROM share_balances`)
	if err != nil {
		return Snapshot{}, err
	}
	for rows.Next() {
		var addr, bal string
		if err := rows.Scan(&addr, &bal); err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		snap.Shares[common.HexToAddress(addr)] = parseDecimal(bal)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.pool.Query(ctx, `SELECT kind, epoch, price::TEXT FROM epoch_prices ORDER BY kind, epoch`)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, price string
		var epoch int64
		if err := rows.Scan(&kind, &epoch, &price); err != nil {
			return Snapshot{}, err
		}
		snap.Prices = append(snap.Prices, model.EpochPrice{
			Kind:  model.PriceKind(kind),
			Epoch: uint64(epoch),
			Price: parseDecimal(price),
		})
	}
	return snap, rows.Err()
}

func (s *PostgresStore) GetPoolState(ctx context.Context) (*model.PoolState, error) {
	var p model.PoolState
	var balance, allocated, partitioned, pendingDep, pendingWd string
	var ephDelta, ephLiab, supply, collateralCap, buffer, phase string
	var reactorDelta, reactorValue string
	var depEpoch, wdEpoch int64

	err := s.pool.QueryRow(ctx,
		`SELECT collateral_balance::TEXT, collateral_allocated::TEXT, partitioned_funds::TEXT,
		        pending_deposits::TEXT, pending_withdrawals::TEXT, deposit_epoch, withdrawal_epoch,
		        is_trading_paused, phase, ephemeral_dirty, ephemeral_delta::TEXT, ephemeral_liabilities::TEXT,
		        total_supply::TEXT, collateral_cap::TEXT, buffer_percentage::TEXT,
		        reactor_delta::TEXT, reactor_value::TEXT
		 FROM pool_state WHERE id = 1`).
		Scan(&balance, &allocated, &partitioned,
			&pendingDep, &pendingWd, &depEpoch, &wdEpoch,
			&p.IsTradingPaused, &phase, &p.Ephemeral.Dirty, &ephDelta, &ephLiab,
			&supply, &collateralCap, &buffer,
			&reactorDelta, &reactorValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool state: %w", err)
	}

	p.CollateralBalance = parseDecimal(balance)
	p.CollateralAllocated = parseDecimal(allocated)
	p.PartitionedFunds = parseDecimal(partitioned)
	p.PendingDeposits = parseDecimal(pendingDep)
	p.PendingWithdrawals = parseDecimal(pendingWd)
	p.DepositEpoch = uint64(depEpoch)
	p.WithdrawalEpoch = uint64(wdEpoch)
	p.Phase = model.EpochPhase(phase)
	p.Ephemeral.Delta = parseDecimal(ephDelta)
	p.Ephemeral.Liabilities = parseDecimal(ephLiab)
	p.TotalSupply = parseDecimal(supply)
	p.CollateralCap = parseDecimal(collateralCap)
	p.BufferPercentage = parseDecimal(buffer)
	p.ReactorDelta = parseDecimal(reactorDelta)
	p.ReactorValue = parseDecimal(reactorValue)
	return &p, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, addr common.Address) (Account, error) {
	acct := Account{Address: addr}
	key := addr.Hex()

	var bal string
	err := s.pool.QueryRow(ctx, `SELECT balance::TEXT FROM share_balances WHERE address = $1`, key).Scan(&bal)
	switch {
	case err == nil:
		acct.Shares = parseDecimal(bal)
	case !errors.Is(err, pgx.ErrNoRows):
		return Account{}, fmt.Errorf("get shares %s: %w", key, err)
	}

	var epoch int64
	var amount, shares string
	err = s.pool.QueryRow(ctx,
		`SELECT epoch, amount::TEXT, unredeemed_shares::TEXT FROM deposit_receipts WHERE address = $1`, key).
		Scan(&epoch, &amount, &shares)
	switch {
	case err == nil:
		acct.Deposit = model.DepositReceipt{Epoch: uint64(epoch), Amount: parseDecimal(amount), UnredeemedShares: parseDecimal(shares)}
	case !errors.Is(err, pgx.ErrNoRows):
		return Account{}, fmt.Errorf("get deposit receipt %s: %w", key, err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT epoch, shares::TEXT FROM withdrawal_receipts WHERE address = $1`, key).
		Scan(&epoch, &shares)
	switch {
	case err == nil:
		acct.Withdrawal = model.WithdrawalReceipt{Epoch: uint64(epoch), Shares: parseDecimal(shares)}
	case !errors.Is(err, pgx.ErrNoRows):
		return Account{}, fmt.Errorf("get withdrawal receipt %s: %w", key, err)
	}
	return acct, nil
}

func (s *PostgresStore) GetEpochPrice(ctx context.Context, kind model.PriceKind, epoch uint64) (decimal.Decimal, error) {
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT FROM epoch_prices WHERE kind = $1 AND epoch = $2`, string(kind), int64(epoch)).
		Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s price for epoch %d", ErrNotFound, kind, epoch)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(price), nil
}

func (s *PostgresStore) ListExposures(ctx context.Context) ([]model.ExposureRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT underlying, strike_asset, collateral, expiration, strike::TEXT, is_put,
		        long_exposure::TEXT, short_exposure::TEXT
		 FROM exposures ORDER BY expiration, strike, is_put`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExposureRecord
	for rows.Next() {
		var underlying, strikeAsset, collateral, strike, long, short string
		var e model.ExposureRecord
		if err := rows.Scan(&underlying, &strikeAsset, &collateral, &e.Series.Expiration, &strike,
			&e.Series.IsPut, &long, &short); err != nil {
			return nil, err
		}
		e.Series.Underlying = common.HexToAddress(underlying)
		e.Series.StrikeAsset = common.HexToAddress(strikeAsset)
		e.Series.Collateral = common.HexToAddress(collateral)
		e.Series.Strike = parseDecimal(strike)
		e.SeriesHash = e.Series.Hash()
		e.LongExposure = parseDecimal(long)
		e.ShortExposure = parseDecimal(short)
		out = append(out, e)
	}
	return out, rows.Err()
}

// parseDecimal reads a NUMERIC rendered as text; the column types make a
// malformed value impossible, so errors fall back to zero.
func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
