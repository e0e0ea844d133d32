package store

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optvault/vault-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemoryStore_ApplyAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetPoolState(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	alice := common.HexToAddress("0xa11ce")
	series := model.Series{Expiration: 1_800_000_000, Strike: d(2000)}

	cs := NewChangeset()
	cs.Pool = &model.PoolState{CollateralBalance: d(100), DepositEpoch: 2}
	cs.Exposures = append(cs.Exposures, model.ExposureRecord{Series: series, ShortExposure: d(3)})
	cs.Deposits[alice] = model.DepositReceipt{Epoch: 1, Amount: d(100)}
	cs.Shares[alice] = d(5)
	cs.Prices = append(cs.Prices, model.EpochPrice{Kind: model.DepositPrice, Epoch: 1, Price: d(1)})
	require.NoError(t, s.Apply(ctx, cs))

	pool, err := s.GetPoolState(ctx)
	require.NoError(t, err)
	assert.True(t, pool.CollateralBalance.Equal(d(100)))

	acct, err := s.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acct.Shares.Equal(d(5)))
	assert.Equal(t, uint64(1), acct.Deposit.Epoch)

	price, err := s.GetEpochPrice(ctx, model.DepositPrice, 1)
	require.NoError(t, err)
	assert.True(t, price.Equal(d(1)))

	exps, err := s.ListExposures(ctx)
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.True(t, exps[0].NetExposure().Equal(d(3)))
}

func TestMemoryStore_PricesAreWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := NewChangeset()
	first.Prices = append(first.Prices, model.EpochPrice{Kind: model.WithdrawalPrice, Epoch: 4, Price: d(1.05)})
	require.NoError(t, s.Apply(ctx, first))

	again := NewChangeset()
	again.Pool = &model.PoolState{CollateralBalance: d(1)}
	again.Prices = append(again.Prices, model.EpochPrice{Kind: model.WithdrawalPrice, Epoch: 4, Price: d(2)})
	assert.ErrorIs(t, s.Apply(ctx, again), ErrPriceExists)

	// nothing from the rejected changeset landed
	_, err := s.GetPoolState(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	price, err := s.GetEpochPrice(ctx, model.WithdrawalPrice, 4)
	require.NoError(t, err)
	assert.True(t, price.Equal(d(1.05)))
}

func TestMemoryStore_Load(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	bob := common.HexToAddress("0xb0b")

	cs := NewChangeset()
	cs.Withdrawals[bob] = model.WithdrawalReceipt{Epoch: 3, Shares: d(10)}
	cs.Prices = append(cs.Prices,
		model.EpochPrice{Kind: model.DepositPrice, Epoch: 2, Price: d(1.1)},
		model.EpochPrice{Kind: model.DepositPrice, Epoch: 1, Price: d(1)},
	)
	require.NoError(t, s.Apply(ctx, cs))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.Pool)
	assert.True(t, snap.Withdrawals[bob].Shares.Equal(d(10)))
	require.Len(t, snap.Prices, 2)
	assert.Equal(t, uint64(1), snap.Prices[0].Epoch)
}
