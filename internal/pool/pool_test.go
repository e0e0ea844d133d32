package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/margin"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/nav"
	"github.com/optvault/vault-engine/internal/pricing"
	"github.com/optvault/vault-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	weth     = common.HexToAddress("0xaa")
	usdc     = common.HexToAddress("0xbb")
	custody  = common.HexToAddress("0xcc")
	poolAddr = common.HexToAddress("0x10")
	governor = common.HexToAddress("0x11")
	keeper   = common.HexToAddress("0x12")
	handler  = common.HexToAddress("0x13")
	alice    = common.HexToAddress("0x01")
	bob      = common.HexToAddress("0x02")
)

// stubFeed returns whatever liabilities the test sets.
type stubFeed struct {
	mu        sync.Mutex
	values    model.PortfolioValues
	ready     bool
	requested int
}

func (f *stubFeed) RequestFulfillment(context.Context, common.Address, common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested++
	return nil
}

func (f *stubFeed) PortfolioValues(common.Address, common.Address) (model.PortfolioValues, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values, f.ready
}

func (f *stubFeed) set(liabilities decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = model.PortfolioValues{Underlying: weth, StrikeAsset: usdc, Liabilities: liabilities}
	f.ready = true
}

// failingStore fails Apply while fail is set.
type failingStore struct {
	store.Store
	fail bool
}

func (s *failingStore) Apply(ctx context.Context, cs *store.Changeset) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Apply(ctx, cs)
}

type poolEnv struct {
	ctx        context.Context
	pool       *Pool
	collateral *asset.Ledger
	engine     *margin.MemoryEngine
	prices     *pricing.ManualPriceFeed
	feed       *stubFeed
	store      *failingStore
	recorder   *events.Recorder
	put        model.Series
}

func newPoolEnv(t *testing.T, collateralCap float64) poolEnv {
	t.Helper()
	collateral := asset.NewLedger("USDC")
	require.NoError(t, collateral.Mint(alice, d(10_000)))
	require.NoError(t, collateral.Mint(bob, d(10_000)))

	prices := pricing.NewManualPriceFeed()
	prices.SetRate(weth, usdc, d(2000))
	engine := margin.NewMemoryEngine(collateral, prices, custody, nil)

	st := &failingStore{Store: store.NewMemoryStore()}
	rec := &events.Recorder{}
	p, err := New(Config{
		Address:          poolAddr,
		Governor:         governor,
		Underlying:       weth,
		StrikeAsset:      usdc,
		CollateralAsset:  usdc,
		CollateralCap:    d(collateralCap),
		BufferPercentage: d(0.1),
		Keepers:          []common.Address{keeper},
		Handlers:         []common.Address{handler},
	}, collateral, engine, st, rec)
	require.NoError(t, err)

	feed := &stubFeed{}
	p.SetFeed(feed)

	return poolEnv{
		ctx:        context.Background(),
		pool:       p,
		collateral: collateral,
		engine:     engine,
		prices:     prices,
		feed:       feed,
		store:      st,
		recorder:   rec,
		put: model.Series{
			Underlying:  weth,
			StrikeAsset: usdc,
			Collateral:  usdc,
			Expiration:  time.Now().Add(30 * 24 * time.Hour).Unix(),
			Strike:      d(1000),
			IsPut:       true,
		},
	}
}

// closeEpoch runs pause, fulfil and execute with the given feed liabilities.
func (env poolEnv) closeEpoch(t *testing.T, liabilities decimal.Decimal) nav.EpochResult {
	t.Helper()
	require.NoError(t, env.pool.PauseTradingAndRequest(env.ctx, keeper))
	env.feed.set(liabilities)
	require.NoError(t, env.pool.Transact(env.ctx, handler, func(tx *Tx) error {
		tx.ResetEphemeralValues()
		return nil
	}))
	res, err := env.pool.ExecuteEpochCalculation(env.ctx, keeper)
	require.NoError(t, err)
	return res
}

// fund deposits amount for alice and closes the epoch so she holds shares.
func (env poolEnv) fund(t *testing.T, amount float64) {
	t.Helper()
	require.NoError(t, env.pool.Deposit(env.ctx, alice, d(amount)))
	env.closeEpoch(t, decimal.Zero)
	_, err := env.pool.Redeem(env.ctx, alice, d(amount))
	require.NoError(t, err)
}

func (env poolEnv) write(amount float64, recipient common.Address) (Fill, error) {
	var fill Fill
	err := env.pool.Transact(env.ctx, handler, func(tx *Tx) error {
		var err error
		fill, err = tx.HandlerIssueAndWriteOption(env.put, d(amount), decimal.Zero, d(-0.3).Mul(d(amount)), recipient)
		return err
	})
	return fill, err
}

func TestDeposit_RejectsNonPositiveAmount(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)

	require.ErrorIs(t, env.pool.Deposit(env.ctx, alice, decimal.Zero), ErrInvalidAmount)
	require.ErrorIs(t, env.pool.Deposit(env.ctx, alice, d(-5)), ErrInvalidAmount)
	assert.True(t, env.pool.State().PendingDeposits.IsZero())
}

func TestDeposit_CollateralCap(t *testing.T) {
	env := newPoolEnv(t, 1000)

	require.NoError(t, env.pool.Deposit(env.ctx, alice, d(600)))
	err := env.pool.Deposit(env.ctx, bob, d(500))
	require.ErrorIs(t, err, ErrTotalSupplyReached)

	assert.True(t, env.collateral.BalanceOf(bob).Equal(d(10_000)))
	assert.True(t, env.pool.State().PendingDeposits.Equal(d(600)))
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)

	require.NoError(t, env.pool.Deposit(env.ctx, alice, d(1000)))
	assert.True(t, env.collateral.BalanceOf(alice).Equal(d(9000)))

	res := env.closeEpoch(t, decimal.Zero)
	assert.True(t, res.DepositPricePerShare.Equal(d(1)))
	assert.True(t, res.SharesToMint.Equal(d(1000)))
	assert.True(t, env.pool.TotalSupply().Equal(d(1000)))

	redeemed, err := env.pool.Redeem(env.ctx, alice, d(5000))
	require.NoError(t, err)
	assert.True(t, redeemed.Equal(d(1000)), "redeem is capped at unredeemed shares, got %s", redeemed)
	assert.True(t, env.pool.ShareBalance(alice).Equal(d(1000)))

	require.NoError(t, env.pool.InitiateWithdraw(env.ctx, alice, d(1000)))
	_, err = env.pool.CompleteWithdraw(env.ctx, alice)
	require.ErrorIs(t, err, ErrEpochNotClosed)

	res = env.closeEpoch(t, decimal.Zero)
	require.True(t, res.WithdrawalsProcessed)
	assert.True(t, res.WithdrawalPricePerShare.Equal(d(1)))

	paid, err := env.pool.CompleteWithdraw(env.ctx, alice)
	require.NoError(t, err)
	assert.True(t, paid.Equal(d(1000)))
	assert.True(t, env.collateral.BalanceOf(alice).Equal(d(10_000)))

	state := env.pool.State()
	assert.True(t, state.TotalSupply.IsZero())
	assert.True(t, state.PartitionedFunds.IsZero())
	assert.True(t, state.CollateralBalance.IsZero())
	assert.Equal(t, uint64(3), state.DepositEpoch)
	assert.Equal(t, uint64(2), state.WithdrawalEpoch)

	_, err = env.pool.CompleteWithdraw(env.ctx, alice)
	require.ErrorIs(t, err, ErrNoExistingWithdrawal)
}

func TestDeposit_ConvertsClosedEpochAmount(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)

	require.NoError(t, env.pool.Deposit(env.ctx, alice, d(1000)))
	env.closeEpoch(t, decimal.Zero)
	require.NoError(t, env.pool.Deposit(env.ctx, alice, d(500)))

	r := env.pool.DepositReceipt(alice)
	assert.Equal(t, uint64(2), r.Epoch)
	assert.True(t, r.Amount.Equal(d(500)))
	assert.True(t, r.UnredeemedShares.Equal(d(1000)))
}

func TestInitiateWithdraw_Errors(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.fund(t, 1000)

	require.ErrorIs(t, env.pool.InitiateWithdraw(env.ctx, alice, decimal.Zero), ErrInvalidShareAmount)
	require.ErrorIs(t, env.pool.InitiateWithdraw(env.ctx, alice, d(1001)), ErrInsufficientShareBalance)

	require.NoError(t, env.pool.InitiateWithdraw(env.ctx, alice, d(100)))
	env.closeEpoch(t, decimal.Zero)
	require.ErrorIs(t, env.pool.InitiateWithdraw(env.ctx, alice, d(100)), ErrExistingWithdrawal)

	paid, err := env.pool.CompleteWithdrawShares(env.ctx, alice, d(40))
	require.NoError(t, err)
	assert.True(t, paid.Equal(d(40)))
	assert.True(t, env.pool.WithdrawalReceipt(alice).Shares.Equal(d(60)))
}

func TestExecuteEpoch_PhaseErrors(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)

	_, err := env.pool.ExecuteEpochCalculation(env.ctx, keeper)
	require.ErrorIs(t, err, ErrTradingNotPaused)

	_, err = env.pool.ExecuteEpochCalculation(env.ctx, alice)
	require.ErrorIs(t, err, ErrUnauthorisedKeeper)
	require.ErrorIs(t, env.pool.PauseTradingAndRequest(env.ctx, alice), ErrUnauthorisedKeeper)

	require.NoError(t, env.pool.PauseTradingAndRequest(env.ctx, keeper))
	assert.Equal(t, 1, env.feed.requested)
	_, err = env.pool.ExecuteEpochCalculation(env.ctx, keeper)
	require.ErrorIs(t, err, ErrAwaitingFulfillment)
}

func TestExecuteEpoch_NonPositiveNAVStaysPaused(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.fund(t, 1000)

	require.NoError(t, env.pool.PauseTradingAndRequest(env.ctx, keeper))
	env.feed.set(d(1500))
	require.NoError(t, env.pool.Transact(env.ctx, handler, func(tx *Tx) error {
		tx.ResetEphemeralValues()
		return nil
	}))
	_, err := env.pool.ExecuteEpochCalculation(env.ctx, keeper)
	require.ErrorIs(t, err, nav.ErrNonPositiveNAV)

	state := env.pool.State()
	assert.True(t, state.IsTradingPaused)
	assert.Equal(t, model.PhaseFulfilled, state.Phase)
}

func TestEpochPrices_WriteOnce(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	require.NoError(t, env.pool.Deposit(env.ctx, alice, d(1000)))
	env.closeEpoch(t, decimal.Zero)

	price, ok := env.pool.DepositPricePerShare(1)
	require.True(t, ok)
	assert.True(t, price.Equal(d(1)))

	err := env.pool.depositPrices.Record(1, d(2))
	require.ErrorIs(t, err, nav.ErrPriceAlreadyRecorded)

	persisted, err := env.store.GetEpochPrice(env.ctx, model.DepositPrice, 1)
	require.NoError(t, err)
	assert.True(t, persisted.Equal(d(1)))
}

func TestWithdrawalDeferredWhenCapacityShort(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.fund(t, 1000)

	fill, err := env.write(0.8, bob)
	require.NoError(t, err)
	assert.True(t, fill.Minted.Equal(d(0.8)))
	assert.True(t, fill.CollateralLocked.Equal(d(800)))

	require.NoError(t, env.pool.InitiateWithdraw(env.ctx, alice, d(500)))
	res := env.closeEpoch(t, decimal.Zero)

	// capacity is 1000 - 800/0.9, well short of 500
	assert.False(t, res.WithdrawalsProcessed)
	state := env.pool.State()
	assert.Equal(t, uint64(1), state.WithdrawalEpoch)
	assert.True(t, state.PendingWithdrawals.Equal(d(500)))
	assert.True(t, state.PartitionedFunds.IsZero())
	assert.True(t, state.TotalSupply.Equal(d(1000)))
	assert.False(t, state.IsTradingPaused)

	_, ok := env.pool.WithdrawalPricePerShare(1)
	assert.False(t, ok)
	assert.Contains(t, env.recorder.Types(), events.TypeWithdrawalDeferred)

	_, err = env.pool.CompleteWithdraw(env.ctx, alice)
	require.ErrorIs(t, err, ErrEpochNotClosed)
}

func TestWrite_BufferRejectsAndRollsBack(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.fund(t, 1000)

	_, err := env.write(0.95, bob)
	require.ErrorIs(t, err, ErrMaxLiquidityBufferReached)

	state := env.pool.State()
	assert.True(t, state.CollateralAllocated.IsZero())
	assert.True(t, state.CollateralBalance.Equal(d(1000)))
	assert.True(t, state.Ephemeral.Delta.IsZero())
	assert.True(t, env.collateral.BalanceOf(poolAddr).Equal(d(1000)))
	assert.Equal(t, uint64(0), env.engine.VaultCount(env.ctx, poolAddr))
	assert.True(t, env.engine.OptionBalance(env.put, bob).IsZero())
}

func TestBuyback_BurnsShortsAndReleasesCollateral(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.fund(t, 1000)

	_, err := env.write(0.5, bob)
	require.NoError(t, err)

	var fill Fill
	err = env.pool.Transact(env.ctx, handler, func(tx *Tx) error {
		var err error
		fill, err = tx.HandlerBuybackOption(env.put, d(0.7), decimal.Zero, d(-0.21), bob)
		return err
	})
	require.Error(t, err, "bob only holds 0.5")

	err = env.pool.Transact(env.ctx, handler, func(tx *Tx) error {
		var err error
		fill, err = tx.HandlerBuybackOption(env.put, d(0.2), decimal.Zero, d(-0.06), bob)
		return err
	})
	require.NoError(t, err)
	assert.True(t, fill.Burned.Equal(d(0.2)))
	assert.True(t, fill.LongsBought.IsZero())
	assert.True(t, fill.CollateralReleased.Equal(d(200)))

	state := env.pool.State()
	assert.True(t, state.CollateralAllocated.Equal(d(300)))
	assert.True(t, state.CollateralBalance.Equal(d(700)))
	assert.True(t, env.engine.OptionBalance(env.put, bob).Equal(d(0.3)))
}

func TestHandlerHooks_RejectedWhilePaused(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.fund(t, 1000)
	require.NoError(t, env.pool.PauseTradingAndRequest(env.ctx, keeper))

	_, err := env.write(0.1, bob)
	require.ErrorIs(t, err, ErrTradingPaused)
}

func TestTransact_RequiresHandler(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	called := false

	err := env.pool.Transact(env.ctx, alice, func(*Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrUnauthorisedHandler)
	assert.False(t, called)
}

func TestStoreFailureRollsBack(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.store.fail = true

	err := env.pool.Deposit(env.ctx, alice, d(1000))
	require.Error(t, err)

	assert.True(t, env.collateral.BalanceOf(alice).Equal(d(10_000)))
	assert.True(t, env.collateral.BalanceOf(poolAddr).IsZero())
	assert.True(t, env.pool.State().PendingDeposits.IsZero())
	assert.True(t, env.pool.DepositReceipt(alice).Amount.IsZero())
	assert.Empty(t, env.recorder.Events())

	env.store.fail = false
	require.NoError(t, env.pool.Deposit(env.ctx, alice, d(1000)))
	assert.True(t, env.pool.State().CollateralBalance.Equal(d(1000)))
}

func TestGovernance(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)

	require.ErrorIs(t, env.pool.SetCollateralCap(env.ctx, alice, d(5)), ErrUnauthorisedGovernance)
	require.ErrorIs(t, env.pool.SetBufferPercentage(env.ctx, governor, d(1)), ErrInvalidBufferPercentage)
	require.ErrorIs(t, env.pool.SetKeeper(alice, alice, true), ErrUnauthorisedGovernance)

	require.NoError(t, env.pool.SetCollateralCap(env.ctx, governor, d(5)))
	require.NoError(t, env.pool.SetBufferPercentage(env.ctx, governor, d(0.25)))
	state := env.pool.State()
	assert.True(t, state.CollateralCap.Equal(d(5)))
	assert.True(t, state.BufferPercentage.Equal(d(0.25)))

	require.NoError(t, env.pool.SetKeeper(governor, alice, true))
	assert.True(t, env.pool.IsKeeper(alice))

	require.NoError(t, env.pool.PauseUnpauseTrading(env.ctx, governor, true))
	assert.True(t, env.pool.State().IsTradingPaused)
	require.NoError(t, env.pool.PauseUnpauseTrading(env.ctx, governor, false))
	assert.Equal(t, model.PhaseTrading, env.pool.State().Phase)
}

func TestAccounting(t *testing.T) {
	s := model.PoolState{
		CollateralBalance:   d(300),
		CollateralAllocated: d(600),
		PartitionedFunds:    d(100),
		BufferPercentage:    d(0.25),
	}
	assert.True(t, TotalAssets(s).Equal(d(800)))
	assert.True(t, ManagedCollateral(s).Equal(d(900)))
	assert.True(t, LiquidityInvariant(s))
	// 600 <= (900 - 100) × 0.75
	assert.True(t, BufferSatisfied(s))
	assert.True(t, WithdrawalCapacity(s).IsZero())

	s.CollateralAllocated = d(300)
	// 600 - 100 - 300/0.75
	assert.True(t, WithdrawalCapacity(s).Equal(d(100)))

	s.PartitionedFunds = d(400)
	assert.False(t, LiquidityInvariant(s))
}

func TestWrite_IgnoresLongsSentToPool(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.fund(t, 10_000)

	_, err := env.write(1, bob)
	require.NoError(t, err)
	require.NoError(t, env.engine.TransferLong(env.ctx, env.put, bob, poolAddr, d(1)))
	assert.True(t, env.engine.OptionBalance(env.put, poolAddr).Equal(d(1)))
	assert.True(t, env.pool.HeldLongs(env.put).IsZero())

	fill, err := env.write(1, alice)
	require.NoError(t, err)
	assert.True(t, fill.Minted.Equal(d(1)))
	assert.True(t, fill.LongsSold.IsZero())
	assert.True(t, env.engine.OptionBalance(env.put, poolAddr).Equal(d(1)))
}

func TestReads_SeeCommittedStateOnly(t *testing.T) {
	env := newPoolEnv(t, 1_000_000)
	env.fund(t, 10_000)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.pool.Transact(env.ctx, handler, func(tx *Tx) error {
			if err := tx.ReceivePremium(bob, d(500)); err != nil {
				return err
			}
			if err := env.pool.shares.Mint(bob, d(500)); err != nil {
				return err
			}
			close(started)
			time.Sleep(20 * time.Millisecond)
			return errors.New("quote rejected")
		})
	}()
	<-started

	var held decimal.Decimal
	env.pool.Read(func() { held = env.collateral.BalanceOf(poolAddr) })
	assert.True(t, held.Equal(d(10_000)))
	assert.True(t, env.pool.ShareBalance(bob).IsZero())
	require.Error(t, <-done)
	assert.True(t, env.collateral.BalanceOf(bob).Equal(d(10_000)))
}

func TestRestorable(t *testing.T) {
	h := common.HexToHash("0x01")
	cases := []struct {
		name string
		snap store.Snapshot
		ok   bool
	}{
		{"empty", store.Snapshot{}, true},
		{"idle pool", store.Snapshot{Pool: &model.PoolState{CollateralBalance: d(100)}}, true},
		{"closed exposure", store.Snapshot{Exposures: []model.ExposureRecord{{SeriesHash: h}}}, true},
		{"allocated collateral", store.Snapshot{Pool: &model.PoolState{CollateralAllocated: d(1)}}, false},
		{"open short leg", store.Snapshot{Exposures: []model.ExposureRecord{{SeriesHash: h, ShortExposure: d(2)}}}, false},
		{"open long leg", store.Snapshot{Exposures: []model.ExposureRecord{{SeriesHash: h, LongExposure: d(1)}}}, false},
		{"hedge held", store.Snapshot{Pool: &model.PoolState{ReactorDelta: d(0.5), ReactorValue: d(1000)}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Restorable(tc.snap)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrUnrestorable)
			}
		})
	}
}
