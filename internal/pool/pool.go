// Package pool implements the Liquidity Pool: the single owner of pool
// collateral counters, the share ledger, deposit and withdrawal receipts and
// the epoch cycle.
//
// Every mutation runs as one transaction under the pool mutex. A transaction
// works on a copy of the pool state, checkpoints the collateral ledger, the
// share ledger, the margin engine and the price tables, and on success writes
// one store.Changeset. Any error restores everything captured and nothing is
// persisted.
//
// CollateralBalance is the collateral held by the pool's own account.
// Collateral pledged to margin vaults is counted in CollateralAllocated and
// is no longer part of the balance, so the collateral under management is
// CollateralBalance + CollateralAllocated.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/margin"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/nav"
	"github.com/optvault/vault-engine/internal/store"
)

var (
	ErrInvalidAmount            = errors.New("pool: amount must be positive")
	ErrInvalidShareAmount       = errors.New("pool: share amount must be positive")
	ErrTotalSupplyReached       = errors.New("pool: collateral cap reached")
	ErrInsufficientShareBalance = errors.New("pool: insufficient share balance")
	ErrNoExistingWithdrawal     = errors.New("pool: no existing withdrawal")
	ErrExistingWithdrawal       = errors.New("pool: complete the existing withdrawal first")
	ErrEpochNotClosed           = errors.New("pool: withdrawal epoch not closed")

	ErrUnauthorisedHandler    = errors.New("pool: caller is not a registered handler")
	ErrUnauthorisedKeeper     = errors.New("pool: caller is not a keeper")
	ErrUnauthorisedGovernance = errors.New("pool: caller is not the governor")

	ErrTradingPaused       = errors.New("pool: trading is paused")
	ErrTradingNotPaused    = errors.New("pool: trading is not paused")
	ErrAwaitingFulfillment = errors.New("pool: awaiting portfolio values fulfillment")
	ErrFeedNotConfigured   = errors.New("pool: portfolio values feed not configured")

	ErrMaxLiquidityBufferReached = errors.New("pool: max liquidity buffer reached")
	ErrInsufficientLiquidity     = errors.New("pool: balance does not cover partitioned funds")
	ErrBalanceMismatch           = errors.New("pool: collateral balance does not match token balance")
	ErrInvalidBufferPercentage   = errors.New("pool: buffer percentage must be in [0, 1)")
	ErrInvalidCollateralCap      = errors.New("pool: collateral cap must not be negative")

	ErrUnrestorable = errors.New("pool: persisted state holds positions outside the store")
)

// PortfolioFeed is the pool's view of the Portfolio Values Feed.
type PortfolioFeed interface {
	RequestFulfillment(ctx context.Context, underlying, strikeAsset common.Address) error
	PortfolioValues(underlying, strikeAsset common.Address) (model.PortfolioValues, bool)
}

// Config holds the pool's identity and initial parameters.
type Config struct {
	Address          common.Address // pool account: collateral holder and share escrow
	Governor         common.Address
	Underlying       common.Address
	StrikeAsset      common.Address
	CollateralAsset  common.Address
	CollateralCap    decimal.Decimal
	BufferPercentage decimal.Decimal
	Keepers          []common.Address
	Handlers         []common.Address
}

// Pool is the Liquidity Pool.
type Pool struct {
	mu sync.Mutex

	address         common.Address
	governor        common.Address
	underlying      common.Address
	strikeAsset     common.Address
	collateralAsset common.Address

	collateral *asset.Ledger
	shares     *asset.Ledger
	margin     margin.Engine
	feed       PortfolioFeed
	store      store.Store
	pub        events.Publisher
	now        func() time.Time

	state            model.PoolState
	deposits         map[common.Address]model.DepositReceipt
	withdrawals      map[common.Address]model.WithdrawalReceipt
	depositPrices    *nav.PriceTable
	withdrawalPrices *nav.PriceTable
	vaults           map[common.Hash]uint64
	longs            map[common.Hash]decimal.Decimal
	reactors         []HedgingReactor

	keepers  map[common.Address]bool
	handlers map[common.Address]bool
}

// New creates a pool in its initial state: epoch 1 for deposits and
// withdrawals, trading unpaused. Pass nil for pub if events are not needed.
func New(cfg Config, collateral *asset.Ledger, engine margin.Engine, st store.Store, pub events.Publisher) (*Pool, error) {
	if cfg.BufferPercentage.IsNegative() || cfg.BufferPercentage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidBufferPercentage
	}
	if cfg.CollateralCap.IsNegative() {
		return nil, ErrInvalidCollateralCap
	}
	if pub == nil {
		pub = events.Nop{}
	}
	p := &Pool{
		address:         cfg.Address,
		governor:        cfg.Governor,
		underlying:      cfg.Underlying,
		strikeAsset:     cfg.StrikeAsset,
		collateralAsset: cfg.CollateralAsset,
		collateral:      collateral,
		shares:          asset.NewLedger("VLP"),
		margin:          engine,
		store:           st,
		pub:             pub,
		now:             time.Now,
		state: model.PoolState{
			DepositEpoch:     1,
			WithdrawalEpoch:  1,
			Phase:            model.PhaseTrading,
			CollateralCap:    cfg.CollateralCap,
			BufferPercentage: cfg.BufferPercentage,
		},
		deposits:         make(map[common.Address]model.DepositReceipt),
		withdrawals:      make(map[common.Address]model.WithdrawalReceipt),
		depositPrices:    nav.NewPriceTable(model.DepositPrice),
		withdrawalPrices: nav.NewPriceTable(model.WithdrawalPrice),
		vaults:           make(map[common.Hash]uint64),
		longs:            make(map[common.Hash]decimal.Decimal),
		keepers:          make(map[common.Address]bool),
		handlers:         make(map[common.Address]bool),
	}
	for _, k := range cfg.Keepers {
		p.keepers[k] = true
	}
	for _, h := range cfg.Handlers {
		p.handlers[h] = true
	}
	return p, nil
}

// SetFeed attaches the Portfolio Values Feed.
func (p *Pool) SetFeed(feed PortfolioFeed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feed = feed
}

// SetClock replaces the pool's clock. Used by tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Load restores persisted state. Pool parameters in the snapshot override
// the constructor's.
func (p *Pool) Load(snap store.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.Pool != nil {
		p.state = *snap.Pool
	}
	for addr, r := range snap.Deposits {
		p.deposits[addr] = r
	}
	for addr, r := range snap.Withdrawals {
		p.withdrawals[addr] = r
	}
	p.shares.Load(snap.Shares)
	p.depositPrices.Load(snap.Prices)
	p.withdrawalPrices.Load(snap.Prices)
	slog.Info("pool state loaded",
		"deposit_epoch", p.state.DepositEpoch,
		"withdrawal_epoch", p.state.WithdrawalEpoch,
		"total_supply", p.state.TotalSupply.String(),
		"accounts", len(snap.Shares),
	)
}

// Restorable reports whether snap can be loaded into a pool whose margin
// engine and hedging reactors start empty. Vault collateral, open exposure
// legs and reactor positions live outside the store, so a snapshot carrying
// any of them would come back with phantom positions.
func Restorable(snap store.Snapshot) error {
	if s := snap.Pool; s != nil {
		if !s.CollateralAllocated.IsZero() {
			return fmt.Errorf("%w: %s collateral allocated to vaults", ErrUnrestorable, s.CollateralAllocated)
		}
		if !s.ReactorDelta.IsZero() || !s.ReactorValue.IsZero() {
			return fmt.Errorf("%w: hedging reactors hold delta %s worth %s", ErrUnrestorable, s.ReactorDelta, s.ReactorValue)
		}
	}
	for _, rec := range snap.Exposures {
		if !rec.LongExposure.IsZero() || !rec.ShortExposure.IsZero() {
			return fmt.Errorf("%w: series %s has exposure long %s short %s",
				ErrUnrestorable, rec.SeriesHash.Hex(), rec.LongExposure, rec.ShortExposure)
		}
	}
	return nil
}

// --- Identity ---

// Address returns the pool's own account.
func (p *Pool) Address() common.Address { return p.address }

// Underlying returns the option underlying.
func (p *Pool) Underlying() common.Address { return p.underlying }

// StrikeAsset returns the quote asset options are struck in.
func (p *Pool) StrikeAsset() common.Address { return p.strikeAsset }

// CollateralAsset returns the collateral asset.
func (p *Pool) CollateralAsset() common.Address { return p.collateralAsset }

// Governor returns the governance address.
func (p *Pool) Governor() common.Address { return p.governor }

// Margin returns the margin engine the pool writes through.
func (p *Pool) Margin() margin.Engine { return p.margin }

// --- Read operations ---

// State returns a copy of the pool state.
func (p *Pool) State() model.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// DepositReceipt returns the receipt of addr.
func (p *Pool) DepositReceipt(addr common.Address) model.DepositReceipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deposits[addr]
}

// WithdrawalReceipt returns the receipt of addr.
func (p *Pool) WithdrawalReceipt(addr common.Address) model.WithdrawalReceipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.withdrawals[addr]
}

// ShareBalance returns the shares held by addr, excluding unredeemed shares.
func (p *Pool) ShareBalance(addr common.Address) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shares.BalanceOf(addr)
}

// TotalSupply returns the outstanding shares.
func (p *Pool) TotalSupply() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.TotalSupply
}

// DepositPricePerShare returns the deposit price recorded for epoch.
func (p *Pool) DepositPricePerShare(epoch uint64) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depositPrices.Price(epoch)
}

// WithdrawalPricePerShare returns the withdrawal price recorded for epoch.
func (p *Pool) WithdrawalPricePerShare(epoch uint64) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.withdrawalPrices.Price(epoch)
}

// HeldLongs returns the long contracts of series the pool bought back and
// still holds. Tokens sent to the pool account by anyone else are not counted.
func (p *Pool) HeldLongs(series model.Series) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.longs[series.Hash()]
}

// Read runs fn under the pool lock. State the pool transaction touches in
// place (the exposure ledger, the collateral and share ledgers) is only
// observed committed from inside fn.
func (p *Pool) Read(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn()
}

// Assets returns TotalAssets of the committed state plus the value held by
// hedging reactors.
func (p *Pool) Assets(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assets(ctx, p.state)
}

func (p *Pool) assets(ctx context.Context, s model.PoolState) (decimal.Decimal, error) {
	hedged, err := p.reactorsValue(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return TotalAssets(s).Add(hedged), nil
}

// NAV returns assets, hedges included, minus liabilities from the last
// fulfilled portfolio values plus anything written since.
func (p *Pool) NAV(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	liabilities, err := p.liabilities()
	if err != nil {
		return decimal.Zero, err
	}
	assets, err := p.assets(ctx, p.state)
	if err != nil {
		return decimal.Zero, err
	}
	return assets.Sub(liabilities), nil
}

// IsKeeper reports whether addr may run keeper operations.
func (p *Pool) IsKeeper(addr common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keepers[addr]
}

// IsHandler reports whether addr may open handler transactions.
func (p *Pool) IsHandler(addr common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[addr]
}

func (p *Pool) liabilities() (decimal.Decimal, error) {
	if p.feed == nil {
		return decimal.Zero, ErrFeedNotConfigured
	}
	values, ok := p.feed.PortfolioValues(p.underlying, p.strikeAsset)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no values for %s/%s", ErrAwaitingFulfillment, p.underlying.Hex(), p.strikeAsset.Hex())
	}
	return values.Liabilities.Add(p.state.Ephemeral.Liabilities), nil
}

// --- Governance ---

// SetCollateralCap changes the deposit cap.
func (p *Pool) SetCollateralCap(ctx context.Context, caller common.Address, collateralCap decimal.Decimal) error {
	if collateralCap.IsNegative() {
		return ErrInvalidCollateralCap
	}
	return p.governed(ctx, caller, func(tx *Tx) error {
		tx.state.CollateralCap = collateralCap
		tx.emit(events.TypeParametersChanged, map[string]string{"collateral_cap": collateralCap.String()})
		return nil
	})
}

// SetBufferPercentage changes the liquidity buffer fraction.
func (p *Pool) SetBufferPercentage(ctx context.Context, caller common.Address, bp decimal.Decimal) error {
	if bp.IsNegative() || bp.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidBufferPercentage
	}
	return p.governed(ctx, caller, func(tx *Tx) error {
		tx.state.BufferPercentage = bp
		tx.emit(events.TypeParametersChanged, map[string]string{"buffer_percentage": bp.String()})
		return nil
	})
}

// PauseUnpauseTrading sets the trading flag directly. Unpausing returns the
// epoch cycle to the trading phase.
func (p *Pool) PauseUnpauseTrading(ctx context.Context, caller common.Address, paused bool) error {
	return p.governed(ctx, caller, func(tx *Tx) error {
		tx.state.IsTradingPaused = paused
		typ := events.TypeTradingPaused
		if !paused {
			tx.state.Phase = model.PhaseTrading
			typ = events.TypeTradingUnpaused
		}
		tx.emit(typ, nil)
		return nil
	})
}

// SetKeeper grants or revokes keeper rights.
func (p *Pool) SetKeeper(caller, keeper common.Address, auth bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.governor {
		return ErrUnauthorisedGovernance
	}
	p.keepers[keeper] = auth
	slog.Info("keeper updated", "keeper", keeper.Hex(), "auth", auth)
	return nil
}

// SetHandler grants or revokes handler rights.
func (p *Pool) SetHandler(caller, handler common.Address, auth bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.governor {
		return ErrUnauthorisedGovernance
	}
	p.handlers[handler] = auth
	slog.Info("handler updated", "handler", handler.Hex(), "auth", auth)
	return nil
}

func (p *Pool) governed(ctx context.Context, caller common.Address, fn func(tx *Tx) error) error {
	if caller != p.governor {
		return ErrUnauthorisedGovernance
	}
	return p.atomic(ctx, caller, fn)
}
