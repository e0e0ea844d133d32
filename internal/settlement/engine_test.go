package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/catalogue"
	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/exposure"
	"github.com/optvault/vault-engine/internal/feed"
	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/margin"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/nav"
	"github.com/optvault/vault-engine/internal/pool"
	"github.com/optvault/vault-engine/internal/pricing"
	"github.com/optvault/vault-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	weth         = common.HexToAddress("0xaa")
	usdc         = common.HexToAddress("0xbb")
	custody      = common.HexToAddress("0xcc")
	poolAddr     = common.HexToAddress("0x10")
	engineAddr   = common.HexToAddress("0x11")
	feedAddr     = common.HexToAddress("0x12")
	governor     = common.HexToAddress("0x13")
	keeper       = common.HexToAddress("0x14")
	router       = common.HexToAddress("0x15")
	feeRecipient = common.HexToAddress("0x16")
	fulfiller    = common.HexToAddress("0x17")
	alice        = common.HexToAddress("0x01")
	bob          = common.HexToAddress("0x02")
	carol        = common.HexToAddress("0x03")
)

// stubQuoter charges a flat premium per contract and records the exposure
// override it was given.
type stubQuoter struct {
	buy, sell, fee decimal.Decimal
	overrides      []decimal.NullDecimal
}

func (q *stubQuoter) QuoteOptionPrice(_ context.Context, _ model.Series, amount decimal.Decimal, isSell bool, override decimal.NullDecimal) (pricing.Quote, error) {
	q.overrides = append(q.overrides, override)
	unit := q.buy
	if isSell {
		unit = q.sell
	}
	return pricing.Quote{
		Premium: fixedpoint.MulCollateral(unit, amount),
		Delta:   fixedpoint.Wad(d(0.5).Mul(amount)),
		Fee:     fixedpoint.MulCollateral(q.fee, amount),
	}, nil
}

type zeroValuer struct{}

func (zeroValuer) FairValue(context.Context, model.Series) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}

type testEnv struct {
	ctx        context.Context
	now        *time.Time
	collateral *asset.Ledger
	margin     *margin.MemoryEngine
	pool       *pool.Pool
	feed       *feed.Feed
	exposures  *exposure.Ledger
	catalogue  *catalogue.Catalogue
	quoter     *stubQuoter
	engine     *Engine
	recorder   *events.Recorder

	call     model.Series // buyable and sellable
	put      model.Series // buyable only
	sellOnly model.Series
	farCall  model.Series
	highCall model.Series
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	env := testEnv{ctx: context.Background(), now: &now}
	clock := func() time.Time { return *env.now }

	env.collateral = asset.NewLedger("USDC")
	require.NoError(t, env.collateral.Mint(alice, d(200_000)))
	require.NoError(t, env.collateral.Mint(bob, d(100_000)))
	require.NoError(t, env.collateral.Mint(carol, d(1_000)))

	prices := pricing.NewManualPriceFeed()
	prices.SetRate(weth, usdc, d(2000))
	env.margin = margin.NewMemoryEngine(env.collateral, prices, custody, clock)

	env.recorder = &events.Recorder{}
	p, err := pool.New(pool.Config{
		Address:          poolAddr,
		Governor:         governor,
		Underlying:       weth,
		StrikeAsset:      usdc,
		CollateralAsset:  usdc,
		CollateralCap:    d(1_000_000_000),
		BufferPercentage: d(0.1),
		Keepers:          []common.Address{keeper},
		Handlers:         []common.Address{engineAddr, feedAddr},
	}, env.collateral, env.margin, store.NewMemoryStore(), env.recorder)
	require.NoError(t, err)
	env.pool = p

	env.exposures = exposure.NewLedger()
	env.feed = feed.New(p, feedAddr, zeroValuer{}, prices, env.exposures, []common.Address{fulfiller})
	p.SetFeed(env.feed)

	series := func(days int, strike float64, isPut bool) model.Series {
		return model.Series{
			Underlying:  weth,
			StrikeAsset: usdc,
			Collateral:  usdc,
			Expiration:  now.Add(time.Duration(days) * 24 * time.Hour).Unix(),
			Strike:      d(strike),
			IsPut:       isPut,
		}
	}
	env.call = series(30, 2200, false)
	env.put = series(30, 1800, true)
	env.sellOnly = series(30, 2400, false)
	env.farCall = series(400, 2200, false)
	env.highCall = series(30, 6000, false)

	env.catalogue = catalogue.New()
	env.catalogue.IssueNewSeries([]catalogue.Option{
		{Series: env.call, IsBuyable: true, IsSellable: true},
		{Series: env.put, IsBuyable: true, IsSellable: false},
		{Series: env.sellOnly, IsBuyable: false, IsSellable: true},
		{Series: env.farCall, IsBuyable: true, IsSellable: true},
		{Series: env.highCall, IsBuyable: true, IsSellable: true},
	})

	env.quoter = &stubQuoter{buy: d(100), sell: d(90), fee: d(0.3)}
	env.engine = New(Config{
		Address:      engineAddr,
		Router:       router,
		FeeRecipient: feeRecipient,
		OptionParams: model.OptionParams{
			MinCallStrike: d(1000),
			MaxCallStrike: d(5000),
			MinPutStrike:  d(500),
			MaxPutStrike:  d(3000),
			MinExpiry:     24 * time.Hour,
			MaxExpiry:     365 * 24 * time.Hour,
		},
	}, p, env.collateral, env.catalogue, env.exposures, env.quoter)
	env.engine.SetClock(clock)

	// alice seeds the pool with 100,000 at a price of 1
	require.NoError(t, p.Deposit(env.ctx, alice, d(100_000)))
	res := env.closeEpoch(t)
	require.True(t, res.DepositPricePerShare.Equal(d(1)))
	require.True(t, res.SharesToMint.Equal(d(100_000)))
	_, err = p.Redeem(env.ctx, alice, d(100_000))
	require.NoError(t, err)
	return env
}

func (env testEnv) closeEpoch(t *testing.T) nav.EpochResult {
	t.Helper()
	require.NoError(t, env.pool.PauseTradingAndRequest(env.ctx, keeper))
	_, err := env.feed.Fulfill(env.ctx, fulfiller, weth, usdc)
	require.NoError(t, err)
	res, err := env.pool.ExecuteEpochCalculation(env.ctx, keeper)
	require.NoError(t, err)
	return res
}

func buy(series model.Series, amount float64) VaultFinanceAction {
	return VaultFinanceAction{Type: BuyOption, Series: series, Amount: d(amount)}
}

func sell(series model.Series, amount float64) VaultFinanceAction {
	return VaultFinanceAction{Type: SellOption, Series: series, Amount: d(amount)}
}

func TestOperate_WriteThenBuyBack(t *testing.T) {
	env := newTestEnv(t)
	before := env.pool.State()
	require.True(t, before.CollateralBalance.Equal(d(100_000)))

	required, err := env.margin.GetRequiredCollateral(env.ctx, env.call, d(2))
	require.NoError(t, err)

	r, err := env.engine.Operate(env.ctx, bob, []Operation{buy(env.call, 2)})
	require.NoError(t, err)
	require.Len(t, r.Results, 1)
	assert.True(t, r.Results[0].Fill.Minted.Equal(d(2)))

	written := env.pool.State()
	assert.True(t, written.CollateralAllocated.Equal(required), "allocated %s, required %s", written.CollateralAllocated, required)
	// balance grows by premium less the pledged collateral
	assert.True(t, written.CollateralBalance.Equal(before.CollateralBalance.Add(d(200)).Sub(required)))
	assert.True(t, env.exposures.NetExposure(env.call).Equal(d(2)))
	assert.True(t, env.margin.OptionBalance(env.call, bob).Equal(d(2)))
	assert.True(t, env.collateral.BalanceOf(feeRecipient).Equal(d(0.6)))

	r, err = env.engine.Operate(env.ctx, bob, []Operation{sell(env.call, 2)})
	require.NoError(t, err)
	assert.True(t, r.Results[0].Fill.Burned.Equal(d(2)))

	after := env.pool.State()
	assert.True(t, after.CollateralAllocated.IsZero())
	// the released collateral returns and the buy-back premium leaves
	assert.True(t, after.CollateralBalance.Equal(written.CollateralBalance.Add(required).Sub(d(180))))
	assert.True(t, after.CollateralBalance.Equal(d(100_020)))
	assert.True(t, env.exposures.NetExposure(env.call).IsZero())
	assert.True(t, env.collateral.BalanceOf(bob).Equal(d(99_978.8)))
	assert.True(t, env.collateral.BalanceOf(feeRecipient).Equal(d(1.2)))
	assert.True(t, env.collateral.BalanceOf(poolAddr).Equal(after.CollateralBalance))

	assert.True(t, after.Ephemeral.Dirty)
	assert.True(t, after.Ephemeral.Liabilities.Equal(d(20)))
	assert.True(t, after.Ephemeral.Delta.IsZero())
}

func TestOperate_Conservation(t *testing.T) {
	env := newTestEnv(t)
	before := env.pool.State().CollateralBalance

	r, err := env.engine.Operate(env.ctx, bob, []Operation{
		buy(env.call, 1),
		buy(env.put, 2),
		sell(env.call, 0.5),
	})
	require.NoError(t, err)

	after := env.pool.State()
	expected := before.Add(r.PremiumReceived).Sub(r.PremiumPaid).Sub(r.CollateralLocked).Add(r.CollateralReleased)
	assert.True(t, after.CollateralBalance.Equal(expected), "balance %s, expected %s", after.CollateralBalance, expected)
	// 100,000 + 300 − 45 − (3,000 + 3,600) + 1,500
	assert.True(t, after.CollateralBalance.Equal(d(95_155)))
	assert.True(t, after.CollateralAllocated.Equal(d(5_100)))
	assert.True(t, pool.BufferSatisfied(after))
	assert.True(t, r.FeesCollected.Equal(d(1.05)))

	recs := env.recorder.Types()
	assert.Equal(t, events.TypeBatchCommitted, recs[len(recs)-1])
}

func TestOperate_NoPartialBatch(t *testing.T) {
	env := newTestEnv(t)
	state := env.pool.State()
	bobCollateral := env.collateral.BalanceOf(bob)
	published := len(env.recorder.Events())

	// bob only ever holds one call, so buying five back from him fails
	// after the first two operations have executed
	_, err := env.engine.Operate(env.ctx, bob, []Operation{
		buy(env.call, 1),
		buy(env.put, 1),
		sell(env.call, 5),
	})
	require.ErrorIs(t, err, margin.ErrInsufficientOptions)

	assert.Equal(t, state, env.pool.State())
	assert.True(t, env.collateral.BalanceOf(bob).Equal(bobCollateral))
	assert.True(t, env.collateral.BalanceOf(poolAddr).Equal(d(100_000)))
	assert.True(t, env.collateral.BalanceOf(feeRecipient).IsZero())
	assert.True(t, env.exposures.NetExposure(env.call).IsZero())
	assert.True(t, env.exposures.NetExposure(env.put).IsZero())
	assert.True(t, env.margin.OptionBalance(env.call, bob).IsZero())
	assert.Equal(t, uint64(0), env.margin.VaultCount(env.ctx, poolAddr))
	assert.False(t, env.margin.IsIssued(env.call))
	assert.Len(t, env.recorder.Events(), published)
}

func TestOperate_BufferRejectsBatch(t *testing.T) {
	env := newTestEnv(t)
	state := env.pool.State()

	// 32 calls pledge 96,000 against a limit of (100,000 + 3,200) × 0.9
	_, err := env.engine.Operate(env.ctx, bob, []Operation{buy(env.call, 32)})
	require.ErrorIs(t, err, ErrMaxLiquidityBufferReached)
	assert.Equal(t, state, env.pool.State())
	assert.True(t, env.exposures.NetExposure(env.call).IsZero())

	_, err = env.engine.Operate(env.ctx, bob, []Operation{buy(env.call, 30)})
	require.NoError(t, err)
	assert.True(t, pool.BufferSatisfied(env.pool.State()))
}

func TestOperate_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	unlisted := env.call
	unlisted.Strike = d(2300)

	tests := []struct {
		name   string
		caller common.Address
		batch  []Operation
		err    error
	}{
		{"empty batch", bob, nil, ErrEmptyBatch},
		{"unapproved series", bob, []Operation{buy(unlisted, 1)}, ErrUnapprovedSeries},
		{"not buyable", bob, []Operation{buy(env.sellOnly, 1)}, ErrSeriesNotBuyable},
		{"not sellable", bob, []Operation{sell(env.put, 1)}, ErrSeriesNotSellable},
		{"expiry too far", bob, []Operation{buy(env.farCall, 1)}, ErrOptionExpiryInvalid},
		{"strike too high", bob, []Operation{buy(env.highCall, 1)}, ErrOptionStrikeInvalid},
		{"zero amount", bob, []Operation{buy(env.call, 0)}, ErrInvalidAmount},
		{"recipient is pool", bob, []Operation{VaultFinanceAction{Type: BuyOption, Series: env.call, Amount: d(1), Recipient: poolAddr}}, ErrUnauthorisedSender},
		{"owner mismatch", bob, []Operation{MarginAction{Type: OpenVault, Owner: carol, VaultID: 1}}, ErrUnauthorisedSender},
		{"pulls from another address", bob, []Operation{MarginAction{Type: DepositCollateral, Owner: bob, SecondAddress: carol, VaultID: 1, Amount: d(1)}}, ErrUnauthorisedSender},
		{"deposits long into the pool", bob, []Operation{MarginAction{Type: DepositLongOption, Owner: bob, SecondAddress: poolAddr, VaultID: 1, Series: env.call, Amount: d(1)}}, ErrUnauthorisedSender},
		{"mints to the pool", bob, []Operation{MarginAction{Type: MintShortOption, Owner: bob, SecondAddress: poolAddr, VaultID: 1, Series: env.call, Amount: d(1)}}, ErrUnauthorisedSender},
		{"pool vault", router, []Operation{MarginAction{Type: WithdrawCollateral, Owner: poolAddr, SecondAddress: router, VaultID: 1, Amount: d(1)}}, ErrUnauthorisedSender},
		{"liquidate", bob, []Operation{MarginAction{Type: Liquidate, Owner: bob, VaultID: 1}}, ErrForbiddenAction},
		{"redeem", bob, []Operation{MarginAction{Type: Redeem, Owner: bob}}, ErrForbiddenAction},
		{"margin zero amount", bob, []Operation{MarginAction{Type: DepositCollateral, Owner: bob, SecondAddress: bob, VaultID: 1}}, ErrInvalidAmount},
		{"invalid operation after valid ones", bob, []Operation{buy(env.call, 1), sell(env.put, 1)}, ErrSeriesNotSellable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Operate(env.ctx, tt.caller, tt.batch)
			require.ErrorIs(t, err, tt.err)
		})
	}
	assert.True(t, env.pool.State().CollateralAllocated.IsZero())
	assert.Empty(t, env.quoter.overrides, "validation runs before any quote")
}

func TestOperate_ValidationOrder(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.pool.PauseTradingAndRequest(env.ctx, keeper))

	unlisted := env.call
	unlisted.Strike = d(2300)
	_, err := env.engine.Operate(env.ctx, bob, []Operation{buy(unlisted, 1)})
	require.ErrorIs(t, err, ErrUnapprovedSeries)

	_, err = env.engine.Operate(env.ctx, bob, []Operation{buy(env.call, 1)})
	require.ErrorIs(t, err, ErrTradingPaused)

	_, err = env.engine.Operate(env.ctx, bob, []Operation{MarginAction{Type: Call, Owner: bob}})
	require.ErrorIs(t, err, ErrTradingPaused)
}

func TestOperate_MarginActionsAndHeldLongs(t *testing.T) {
	env := newTestEnv(t)

	// bob writes a call in his own vault and sells it to the pool
	_, err := env.engine.Operate(env.ctx, bob, []Operation{
		VaultFinanceAction{Type: Issue, Series: env.call},
		MarginAction{Type: OpenVault, Owner: bob, VaultID: 1},
		MarginAction{Type: DepositCollateral, Owner: bob, SecondAddress: bob, VaultID: 1, Amount: d(3000)},
		MarginAction{Type: MintShortOption, Owner: bob, SecondAddress: bob, VaultID: 1, Series: env.call, Amount: d(1)},
		sell(env.call, 1),
	})
	require.NoError(t, err)

	assert.True(t, env.margin.OptionBalance(env.call, poolAddr).Equal(d(1)))
	assert.True(t, env.exposures.NetExposure(env.call).Equal(d(-1)))
	assert.True(t, env.pool.State().CollateralAllocated.IsZero())
	assert.True(t, env.collateral.BalanceOf(bob).Equal(d(100_000-3000+89.7)))

	// carol's purchase is filled from the held long, no collateral pledged
	r, err := env.engine.Operate(env.ctx, carol, []Operation{buy(env.call, 1)})
	require.NoError(t, err)
	fill := r.Results[0].Fill
	assert.True(t, fill.LongsSold.Equal(d(1)))
	assert.True(t, fill.Minted.IsZero())
	assert.True(t, r.CollateralLocked.IsZero())
	assert.True(t, env.margin.OptionBalance(env.call, carol).Equal(d(1)))
	assert.True(t, env.exposures.NetExposure(env.call).IsZero())
	assert.Equal(t, uint64(0), env.margin.VaultCount(env.ctx, poolAddr))
}

func TestOperate_RouterActsForOwner(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Operate(env.ctx, router, []Operation{
		MarginAction{Type: OpenVault, Owner: carol, VaultID: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.margin.VaultCount(env.ctx, carol))
}

func TestOperate_QuotesSeeEarlierOperations(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Operate(env.ctx, bob, []Operation{buy(env.call, 1), buy(env.call, 1)})
	require.NoError(t, err)

	require.Len(t, env.quoter.overrides, 2)
	assert.True(t, env.quoter.overrides[0].Valid)
	assert.True(t, env.quoter.overrides[0].Decimal.IsZero())
	assert.True(t, env.quoter.overrides[1].Decimal.Equal(d(1)))
}

func TestSettleExpired(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Operate(env.ctx, bob, []Operation{buy(env.call, 1)})
	require.NoError(t, err)

	_, err = env.engine.SettleExpired(env.ctx, keeper, env.call)
	require.ErrorIs(t, err, ErrSeriesNotExpired)

	*env.now = env.call.ExpiresAt().Add(time.Hour)
	env.margin.SetExpiryPrice(weth, env.call.Expiration, d(2500))
	require.NoError(t, env.pool.PauseTradingAndRequest(env.ctx, keeper))

	_, err = env.engine.SettleExpired(env.ctx, bob, env.call)
	require.ErrorIs(t, err, pool.ErrUnauthorisedKeeper)

	res, err := env.engine.SettleExpired(env.ctx, keeper, env.call)
	require.NoError(t, err)
	assert.True(t, res.CollateralLost.Equal(d(300)))
	assert.True(t, res.CollateralReturned.Equal(d(2700)))

	state := env.pool.State()
	assert.True(t, state.CollateralAllocated.IsZero())
	// 100,000 + 100 premium − 3,000 pledged + 2,700 returned
	assert.True(t, state.CollateralBalance.Equal(d(99_800)))
	assert.True(t, env.exposures.NetExposure(env.call).IsZero())
	// 100 premium written, 300 realised on settlement
	assert.True(t, state.Ephemeral.Liabilities.Equal(d(-200)))
	assert.Contains(t, env.recorder.Types(), events.TypeSeriesSettled)
}

func TestQuoteOptionPrice(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.QuoteOptionPrice(env.ctx, env.put, d(1), true, decimal.NullDecimal{})
	require.ErrorIs(t, err, ErrSeriesNotSellable)
	_, err = env.engine.QuoteOptionPrice(env.ctx, env.highCall, d(1), false, decimal.NullDecimal{})
	require.ErrorIs(t, err, ErrOptionStrikeInvalid)

	q, err := env.engine.QuoteOptionPrice(env.ctx, env.call, d(3), false, decimal.NullDecimal{})
	require.NoError(t, err)
	assert.True(t, q.Premium.Equal(d(300)))
	assert.True(t, q.Fee.Equal(d(0.9)))
	require.Len(t, env.quoter.overrides, 1)
	assert.True(t, env.quoter.overrides[0].Valid, "exposure is resolved from the committed ledger")
	assert.True(t, env.quoter.overrides[0].Decimal.IsZero())
	assert.Empty(t, env.exposures.Records())
}

func TestQuoteOptionPrice_ExposureOverride(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Operate(env.ctx, bob, []Operation{buy(env.call, 2)})
	require.NoError(t, err)
	env.quoter.overrides = nil

	_, err = env.engine.QuoteOptionPrice(env.ctx, env.call, d(1), false, decimal.NullDecimal{})
	require.NoError(t, err)
	_, err = env.engine.QuoteOptionPrice(env.ctx, env.call, d(1), false, decimal.NewNullDecimal(d(-5)))
	require.NoError(t, err)

	require.Len(t, env.quoter.overrides, 2)
	assert.True(t, env.quoter.overrides[0].Decimal.Equal(d(2)))
	assert.True(t, env.quoter.overrides[1].Decimal.Equal(d(-5)))
}

func TestQuoteOptionPrice_IgnoresUncommittedExposure(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.pool.Transact(env.ctx, engineAddr, func(tx *pool.Tx) error {
			tx.OnRollback(env.exposures.Checkpoint())
			env.exposures.RecordExposureChange(env.call, d(7), model.Short)
			close(started)
			time.Sleep(20 * time.Millisecond)
			return ErrTokenImbalance
		})
	}()
	<-started

	_, err := env.engine.QuoteOptionPrice(env.ctx, env.call, d(1), false, decimal.NullDecimal{})
	require.NoError(t, err)
	require.ErrorIs(t, <-done, ErrTokenImbalance)
	require.Len(t, env.quoter.overrides, 1)
	assert.True(t, env.quoter.overrides[0].Decimal.IsZero(), "rolled-back exposure is never priced")
}

func TestSetOptionParams(t *testing.T) {
	env := newTestEnv(t)
	params := env.engine.OptionParams()
	params.MaxCallStrike = d(8000)

	require.ErrorIs(t, env.engine.SetOptionParams(bob, params), pool.ErrUnauthorisedGovernance)
	require.NoError(t, env.engine.SetOptionParams(governor, params))

	_, err := env.engine.Operate(env.ctx, bob, []Operation{buy(env.highCall, 1)})
	require.NoError(t, err)
}
