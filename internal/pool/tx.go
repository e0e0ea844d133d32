package pool

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/metrics"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/store"
)

// Tx is one pool transaction. Handler hooks are only reachable through a Tx
// handed out by Transact, so only registered handlers can mutate pool state
// from a trade.
type Tx struct {
	ctx    context.Context
	p      *Pool
	caller common.Address

	state          model.PoolState
	changes        *store.Changeset
	sharesTouched  map[common.Address]struct{}
	events         []events.Event
	rollbacks      []func()
	shortIncreased bool
}

// Transact runs fn as one handler transaction. fn's changes and anything it
// staged commit together; if fn or the commit checks fail, every pool, token
// and margin effect is rolled back and nothing is persisted.
func (p *Pool) Transact(ctx context.Context, caller common.Address, fn func(tx *Tx) error) error {
	p.mu.Lock()
	authorised := p.handlers[caller]
	p.mu.Unlock()
	if !authorised {
		return fmt.Errorf("%w: %s", ErrUnauthorisedHandler, caller.Hex())
	}
	return p.atomic(ctx, caller, fn)
}

// atomic runs fn under the pool lock and publishes its events after release.
func (p *Pool) atomic(ctx context.Context, caller common.Address, fn func(tx *Tx) error) error {
	p.mu.Lock()
	tx, err := p.run(ctx, caller, fn)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range tx.events {
		p.pub.Publish(ctx, e)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, caller common.Address, fn func(tx *Tx) error) (*Tx, error) {
	rollbacks := []func(){
		p.collateral.Checkpoint(),
		p.shares.Checkpoint(),
		p.margin.Checkpoint(),
		p.depositPrices.Checkpoint(),
		p.withdrawalPrices.Checkpoint(),
	}
	savedVaults := maps.Clone(p.vaults)
	savedLongs := maps.Clone(p.longs)
	savedReactors := slices.Clone(p.reactors)
	restore := func() {
		for _, rb := range rollbacks {
			rb()
		}
		p.vaults = savedVaults
		p.longs = savedLongs
		p.reactors = savedReactors
	}

	tx := &Tx{
		ctx:           ctx,
		p:             p,
		caller:        caller,
		state:         p.state,
		changes:       store.NewChangeset(),
		sharesTouched: make(map[common.Address]struct{}),
	}
	if err := fn(tx); err != nil {
		restore()
		tx.rollback()
		return nil, err
	}
	if err := tx.commit(); err != nil {
		restore()
		tx.rollback()
		return nil, err
	}
	return tx, nil
}

func (tx *Tx) rollback() {
	for i := len(tx.rollbacks) - 1; i >= 0; i-- {
		tx.rollbacks[i]()
	}
}

func (tx *Tx) commit() error {
	p := tx.p
	if held := p.collateral.BalanceOf(p.address); !held.Equal(tx.state.CollateralBalance) {
		return fmt.Errorf("%w: accounted %s, held %s", ErrBalanceMismatch, tx.state.CollateralBalance, held)
	}
	if !LiquidityInvariant(tx.state) {
		return fmt.Errorf("%w: balance %s, partitioned %s",
			ErrInsufficientLiquidity, tx.state.CollateralBalance, tx.state.PartitionedFunds)
	}
	if tx.shortIncreased && !BufferSatisfied(tx.state) {
		return fmt.Errorf("%w: allocated %s of %s managed at buffer %s",
			ErrMaxLiquidityBufferReached, tx.state.CollateralAllocated,
			ManagedCollateral(tx.state), tx.state.BufferPercentage)
	}

	state := tx.state
	tx.changes.Pool = &state
	for addr := range tx.sharesTouched {
		tx.changes.Shares[addr] = p.shares.BalanceOf(addr)
	}
	if err := p.store.Apply(tx.ctx, tx.changes); err != nil {
		return fmt.Errorf("pool: persist: %w", err)
	}

	p.state = state
	maps.Copy(p.deposits, tx.changes.Deposits)
	maps.Copy(p.withdrawals, tx.changes.Withdrawals)

	metrics.PoolCollateral.WithLabelValues("balance").Set(state.CollateralBalance.InexactFloat64())
	metrics.PoolCollateral.WithLabelValues("allocated").Set(state.CollateralAllocated.InexactFloat64())
	metrics.PoolCollateral.WithLabelValues("partitioned").Set(state.PartitionedFunds.InexactFloat64())
	metrics.PoolCollateral.WithLabelValues("pending_deposits").Set(state.PendingDeposits.InexactFloat64())
	return nil
}

// --- Reads inside a transaction ---

// Context returns the transaction's context.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Caller returns the address that opened the transaction.
func (tx *Tx) Caller() common.Address { return tx.caller }

// State returns the working copy of the pool state.
func (tx *Tx) State() model.PoolState { return tx.state }

// Position returns the pool's open short contracts in series (held in its
// margin vault) and the long contracts it bought back. Longs come from the
// pool's own book, not the token balance of its account.
func (tx *Tx) Position(series model.Series) (short, long decimal.Decimal, err error) {
	long = tx.p.longs[series.Hash()]
	id, ok := tx.p.vaults[series.Hash()]
	if !ok {
		return decimal.Zero, long, nil
	}
	v, err := tx.p.margin.GetVault(tx.ctx, tx.p.address, id)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return v.ShortAmount, long, nil
}

// StageExposure adds an exposure record to the transaction's changeset.
func (tx *Tx) StageExposure(rec model.ExposureRecord) {
	for i, existing := range tx.changes.Exposures {
		if existing.SeriesHash == rec.SeriesHash {
			tx.changes.Exposures[i] = rec
			return
		}
	}
	tx.changes.Exposures = append(tx.changes.Exposures, rec)
}

// OnRollback registers fn to run, under the pool lock, if the transaction
// fails. Callers use it to undo state the pool does not own.
func (tx *Tx) OnRollback(fn func()) {
	tx.rollbacks = append(tx.rollbacks, fn)
}

// Emit queues an event for publication after commit.
func (tx *Tx) Emit(typ events.Type, payload any) {
	tx.emit(typ, payload)
}

func (tx *Tx) emit(typ events.Type, payload any) {
	tx.events = append(tx.events, events.New(typ, tx.caller, payload))
}

// --- Collateral movements ---

// ReceivePremium moves amount of collateral from payer into the pool.
func (tx *Tx) ReceivePremium(payer common.Address, amount decimal.Decimal) error {
	return tx.pull(payer, amount)
}

// PayPremium moves amount of collateral from the pool to payee.
func (tx *Tx) PayPremium(payee common.Address, amount decimal.Decimal) error {
	return tx.push(payee, amount)
}

func (tx *Tx) pull(from common.Address, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := tx.p.collateral.Transfer(from, tx.p.address, amount); err != nil {
		return err
	}
	tx.state.CollateralBalance = tx.state.CollateralBalance.Add(amount)
	return nil
}

func (tx *Tx) push(to common.Address, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := tx.p.collateral.Transfer(tx.p.address, to, amount); err != nil {
		return err
	}
	tx.state.CollateralBalance = tx.state.CollateralBalance.Sub(amount)
	return nil
}

// --- Handler hooks ---

// Fill describes how a trade was executed against the pool's book.
type Fill struct {
	Minted             decimal.Decimal `json:"minted"`
	Burned             decimal.Decimal `json:"burned"`
	LongsSold          decimal.Decimal `json:"longs_sold"`
	LongsBought        decimal.Decimal `json:"longs_bought"`
	CollateralLocked   decimal.Decimal `json:"collateral_locked"`
	CollateralReleased decimal.Decimal `json:"collateral_released"`
}

// SplitWrite divides a sale of amount contracts by the pool into longs it
// already holds, sold first, and newly minted shorts.
func SplitWrite(amount, heldLong decimal.Decimal) (fromLong, minted decimal.Decimal) {
	fromLong = fixedpoint.Min(amount, fixedpoint.Max(heldLong, decimal.Zero))
	return fromLong, amount.Sub(fromLong)
}

// SplitBuyback divides a purchase of amount contracts by the pool into shorts
// it burns, first, and longs it keeps.
func SplitBuyback(amount, openShort decimal.Decimal) (burned, bought decimal.Decimal) {
	burned = fixedpoint.Min(amount, fixedpoint.Max(openShort, decimal.Zero))
	return burned, amount.Sub(burned)
}

// HandlerIssue issues series in the margin engine if it is not yet issued.
func (tx *Tx) HandlerIssue(series model.Series) error {
	if tx.p.margin.IsIssued(series) {
		return nil
	}
	if err := tx.p.margin.IssueSeries(tx.ctx, series); err != nil {
		return err
	}
	slog.Info("series issued", "series", series.String(), "hash", series.Hash().Hex())
	return nil
}

// HandlerWriteOption sells amount contracts of series to recipient. Held
// longs are delivered first; the rest are minted from the pool's vault,
// topping up its collateral to the margin requirement. premium and delta are
// the trade's totals and feed the ephemeral accumulators.
func (tx *Tx) HandlerWriteOption(series model.Series, amount, premium, delta decimal.Decimal, recipient common.Address) (Fill, error) {
	if tx.state.IsTradingPaused {
		return Fill{}, ErrTradingPaused
	}
	if !amount.IsPositive() {
		return Fill{}, ErrInvalidAmount
	}
	_, long, err := tx.Position(series)
	if err != nil {
		return Fill{}, err
	}
	fromLong, minted := SplitWrite(amount, long)
	fill := Fill{
		Minted:             minted,
		Burned:             decimal.Zero,
		LongsSold:          fromLong,
		LongsBought:        decimal.Zero,
		CollateralLocked:   decimal.Zero,
		CollateralReleased: decimal.Zero,
	}

	tx.state.Ephemeral = tx.state.Ephemeral.Accumulate(delta.Neg(), premium)

	m := tx.p.margin
	if minted.IsPositive() {
		id, err := tx.vaultFor(series)
		if err != nil {
			return Fill{}, err
		}
		v, err := m.GetVault(tx.ctx, tx.p.address, id)
		if err != nil {
			return Fill{}, err
		}
		required, err := m.GetRequiredCollateral(tx.ctx, series, v.ShortAmount.Add(minted).Sub(v.LongAmount))
		if err != nil {
			return Fill{}, err
		}
		topUp := fixedpoint.Max(required.Sub(v.Collateral), decimal.Zero)

		tx.state.CollateralBalance = tx.state.CollateralBalance.Sub(topUp)
		tx.state.CollateralAllocated = tx.state.CollateralAllocated.Add(topUp)
		tx.shortIncreased = true
		fill.CollateralLocked = topUp

		if topUp.IsPositive() {
			if err := m.DepositCollateral(tx.ctx, tx.p.address, id, topUp, tx.p.address); err != nil {
				return Fill{}, err
			}
		}
		if err := m.MintOption(tx.ctx, tx.p.address, id, series, minted, recipient); err != nil {
			return Fill{}, err
		}
	}
	if fromLong.IsPositive() {
		if err := m.TransferLong(tx.ctx, series, tx.p.address, recipient, fromLong); err != nil {
			return Fill{}, err
		}
		tx.addLongs(series, fromLong.Neg())
	}
	return fill, nil
}

// HandlerIssueAndWriteOption issues series if needed, then writes it.
func (tx *Tx) HandlerIssueAndWriteOption(series model.Series, amount, premium, delta decimal.Decimal, recipient common.Address) (Fill, error) {
	if err := tx.HandlerIssue(series); err != nil {
		return Fill{}, err
	}
	return tx.HandlerWriteOption(series, amount, premium, delta, recipient)
}

// HandlerBuybackOption buys amount contracts of series from seller. Open
// shorts are burned first and the collateral they no longer need is returned
// to the pool; the rest are held as longs.
func (tx *Tx) HandlerBuybackOption(series model.Series, amount, premium, delta decimal.Decimal, seller common.Address) (Fill, error) {
	if tx.state.IsTradingPaused {
		return Fill{}, ErrTradingPaused
	}
	if !amount.IsPositive() {
		return Fill{}, ErrInvalidAmount
	}
	short, _, err := tx.Position(series)
	if err != nil {
		return Fill{}, err
	}
	burned, bought := SplitBuyback(amount, short)
	fill := Fill{
		Minted:             decimal.Zero,
		Burned:             burned,
		LongsSold:          decimal.Zero,
		LongsBought:        bought,
		CollateralLocked:   decimal.Zero,
		CollateralReleased: decimal.Zero,
	}

	tx.state.Ephemeral = tx.state.Ephemeral.Accumulate(delta, premium.Neg())

	m := tx.p.margin
	if burned.IsPositive() {
		id := tx.p.vaults[series.Hash()]
		v, err := m.GetVault(tx.ctx, tx.p.address, id)
		if err != nil {
			return Fill{}, err
		}
		required, err := m.GetRequiredCollateral(tx.ctx, series, v.ShortAmount.Sub(burned).Sub(v.LongAmount))
		if err != nil {
			return Fill{}, err
		}
		release := fixedpoint.Max(v.Collateral.Sub(required), decimal.Zero)

		tx.state.CollateralBalance = tx.state.CollateralBalance.Add(release)
		tx.state.CollateralAllocated = tx.state.CollateralAllocated.Sub(release)
		fill.CollateralReleased = release

		if err := m.BurnOption(tx.ctx, tx.p.address, id, series, burned, seller); err != nil {
			return Fill{}, err
		}
		if release.IsPositive() {
			if err := m.WithdrawCollateral(tx.ctx, tx.p.address, id, release, tx.p.address); err != nil {
				return Fill{}, err
			}
		}
	}
	if bought.IsPositive() {
		if err := m.TransferLong(tx.ctx, series, seller, tx.p.address, bought); err != nil {
			return Fill{}, err
		}
		tx.addLongs(series, bought)
	}
	return fill, nil
}

// VaultSettlement is the outcome of settling the pool's position in an
// expired series.
type VaultSettlement struct {
	CollateralReturned decimal.Decimal `json:"collateral_returned"`
	CollateralLost     decimal.Decimal `json:"collateral_lost"`
	LongPayout         decimal.Decimal `json:"long_payout"`
}

// HandlerSettleVault settles the pool's vault in an expired series and
// redeems any longs it holds. Allowed while trading is paused.
func (tx *Tx) HandlerSettleVault(series model.Series) (VaultSettlement, error) {
	res := VaultSettlement{
		CollateralReturned: decimal.Zero,
		CollateralLost:     decimal.Zero,
		LongPayout:         decimal.Zero,
	}
	m := tx.p.margin
	h := series.Hash()

	if id, ok := tx.p.vaults[h]; ok {
		v, err := m.GetVault(tx.ctx, tx.p.address, id)
		if err != nil {
			return res, err
		}
		s, err := m.SettleVault(tx.ctx, tx.p.address, id, tx.p.address)
		if err != nil {
			return res, err
		}
		tx.state.CollateralAllocated = tx.state.CollateralAllocated.Sub(v.Collateral)
		tx.state.CollateralBalance = tx.state.CollateralBalance.Add(s.CollateralReturned)
		res.CollateralReturned = s.CollateralReturned
		res.CollateralLost = s.CollateralLost
		delete(tx.p.vaults, h)
	}

	if long := tx.p.longs[h]; long.IsPositive() {
		payout, err := m.RedeemLong(tx.ctx, series, tx.p.address, long)
		if err != nil {
			return res, err
		}
		tx.state.CollateralBalance = tx.state.CollateralBalance.Add(payout)
		res.LongPayout = payout
		delete(tx.p.longs, h)
	}

	// The feed still values the settled position until it next fulfills.
	if realised := res.LongPayout.Sub(res.CollateralLost); !realised.IsZero() {
		tx.state.Ephemeral = tx.state.Ephemeral.Accumulate(decimal.Zero, realised)
	}
	return res, nil
}

// ResetEphemeralValues clears the ephemeral accumulators. If the pool was
// paused awaiting fulfillment it moves to the fulfilled phase.
func (tx *Tx) ResetEphemeralValues() {
	tx.state.Ephemeral = model.Clean()
	if tx.state.IsTradingPaused && tx.state.Phase == model.PhaseAwaitingFulfillment {
		tx.state.Phase = model.PhaseFulfilled
	}
}

func (tx *Tx) addLongs(series model.Series, delta decimal.Decimal) {
	h := series.Hash()
	held := tx.p.longs[h].Add(delta)
	if held.IsZero() {
		delete(tx.p.longs, h)
		return
	}
	tx.p.longs[h] = held
}

// vaultFor returns the pool's vault for series, opening one on first use.
func (tx *Tx) vaultFor(series model.Series) (uint64, error) {
	h := series.Hash()
	if id, ok := tx.p.vaults[h]; ok {
		return id, nil
	}
	id := tx.p.margin.VaultCount(tx.ctx, tx.p.address) + 1
	if err := tx.p.margin.OpenVault(tx.ctx, tx.p.address, id); err != nil {
		return 0, err
	}
	tx.p.vaults[h] = id
	return id, nil
}
