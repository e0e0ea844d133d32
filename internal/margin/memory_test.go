package margin

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixedSpot decimal.Decimal

func (s fixedSpot) GetRate(context.Context, common.Address, common.Address) (decimal.Decimal, error) {
	return decimal.Decimal(s), nil
}

var (
	weth    = common.HexToAddress("0xaa")
	usdc    = common.HexToAddress("0xbb")
	custody = common.HexToAddress("0xcc")
	writer  = common.HexToAddress("0x01")
	buyer   = common.HexToAddress("0x02")
)

type engineEnv struct {
	engine *MemoryEngine
	usdc   *asset.Ledger
	now    *time.Time
	put    model.Series
	call   model.Series
}

func newEngineEnv(t *testing.T) engineEnv {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	ledger := asset.NewLedger("USDC")
	require.NoError(t, ledger.Mint(writer, d(1_000_000)))

	env := engineEnv{usdc: ledger, now: &now}
	env.engine = NewMemoryEngine(ledger, fixedSpot(d(2000)), custody, func() time.Time { return *env.now })
	exp := now.Add(7 * 24 * time.Hour).Unix()
	env.put = model.Series{Underlying: weth, StrikeAsset: usdc, Collateral: usdc, Expiration: exp, Strike: d(1800), IsPut: true}
	env.call = model.Series{Underlying: weth, StrikeAsset: usdc, Collateral: usdc, Expiration: exp, Strike: d(2200)}

	ctx := context.Background()
	require.NoError(t, env.engine.IssueSeries(ctx, env.put))
	require.NoError(t, env.engine.IssueSeries(ctx, env.call))
	return env
}

func TestRequiredCollateral(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	put, err := env.engine.GetRequiredCollateral(ctx, env.put, d(2))
	require.NoError(t, err)
	assert.True(t, put.Equal(d(3600)), "put margin = strike*amount, got %s", put)

	call, err := env.engine.GetRequiredCollateral(ctx, env.call, d(2))
	require.NoError(t, err)
	assert.True(t, call.Equal(d(6000)), "call margin = spot*1.5*amount, got %s", call)
}

func TestMintRequiresCollateral(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenVault(ctx, writer, 1))
	require.NoError(t, env.engine.DepositCollateral(ctx, writer, 1, d(1800), writer))

	err := env.engine.MintOption(ctx, writer, 1, env.put, d(2), buyer)
	assert.ErrorIs(t, err, ErrInsufficientCollateral)

	require.NoError(t, env.engine.MintOption(ctx, writer, 1, env.put, d(1), buyer))
	assert.True(t, env.engine.OptionBalance(env.put, buyer).Equal(d(1)))

	// a vault carries a single series
	err = env.engine.MintOption(ctx, writer, 1, env.call, d(1), buyer)
	assert.ErrorIs(t, err, ErrSeriesMismatch)

	// collateral backing the short is locked
	err = env.engine.WithdrawCollateral(ctx, writer, 1, d(1), writer)
	assert.ErrorIs(t, err, ErrInsufficientCollateral)
}

func TestOpenVault_Sequential(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	assert.ErrorIs(t, env.engine.OpenVault(ctx, writer, 2), ErrInvalidVaultID)
	require.NoError(t, env.engine.OpenVault(ctx, writer, 1))
	require.NoError(t, env.engine.OpenVault(ctx, writer, 2))
	assert.Equal(t, uint64(2), env.engine.VaultCount(ctx, writer))
}

func TestBurnReleasesCollateral(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenVault(ctx, writer, 1))
	require.NoError(t, env.engine.DepositCollateral(ctx, writer, 1, d(3600), writer))
	require.NoError(t, env.engine.MintOption(ctx, writer, 1, env.put, d(2), writer))
	require.NoError(t, env.engine.BurnOption(ctx, writer, 1, env.put, d(2), writer))
	require.NoError(t, env.engine.WithdrawCollateral(ctx, writer, 1, d(3600), writer))

	assert.True(t, env.usdc.BalanceOf(writer).Equal(d(1_000_000)))
	assert.True(t, env.usdc.BalanceOf(custody).IsZero())
}

func TestSettleAndRedeem_ITMPut(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.OpenVault(ctx, writer, 1))
	require.NoError(t, env.engine.DepositCollateral(ctx, writer, 1, d(3600), writer))
	require.NoError(t, env.engine.MintOption(ctx, writer, 1, env.put, d(2), buyer))

	_, err := env.engine.SettleVault(ctx, writer, 1, writer)
	assert.ErrorIs(t, err, ErrSeriesNotExpired)

	*env.now = env.put.ExpiresAt().Add(time.Minute)
	_, err = env.engine.SettleVault(ctx, writer, 1, writer)
	assert.ErrorIs(t, err, ErrNoExpiryPrice)

	env.engine.SetExpiryPrice(weth, env.put.Expiration, d(1500))
	s, err := env.engine.SettleVault(ctx, writer, 1, writer)
	require.NoError(t, err)
	assert.True(t, s.CollateralLost.Equal(d(600)), "lost (1800-1500)*2, got %s", s.CollateralLost)
	assert.True(t, s.CollateralReturned.Equal(d(3000)), "returned, got %s", s.CollateralReturned)

	paid, err := env.engine.RedeemLong(ctx, env.put, buyer, d(2))
	require.NoError(t, err)
	assert.True(t, paid.Equal(d(600)))
	assert.True(t, env.usdc.BalanceOf(custody).IsZero(), "custody drained exactly")
}

func TestCheckpointRollback(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	require.NoError(t, env.engine.OpenVault(ctx, writer, 1))

	rollbackEngine := env.engine.Checkpoint()
	rollbackUSDC := env.usdc.Checkpoint()
	require.NoError(t, env.engine.DepositCollateral(ctx, writer, 1, d(3600), writer))
	require.NoError(t, env.engine.MintOption(ctx, writer, 1, env.put, d(2), buyer))
	rollbackEngine()
	rollbackUSDC()

	v, err := env.engine.GetVault(ctx, writer, 1)
	require.NoError(t, err)
	assert.Nil(t, v.Series)
	assert.True(t, v.Collateral.IsZero())
	assert.True(t, env.engine.OptionBalance(env.put, buyer).IsZero())
	assert.True(t, env.usdc.BalanceOf(writer).Equal(d(1_000_000)))
}
