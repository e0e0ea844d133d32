package margin

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/model"
)

// DefaultCallMultiplier scales spot into the margin posted per call contract.
var DefaultCallMultiplier = decimal.RequireFromString("1.5")

// SpotSource supplies the underlying price used for call margin.
type SpotSource interface {
	GetRate(ctx context.Context, base, quote common.Address) (decimal.Decimal, error)
}

type expiryKey struct {
	underlying common.Address
	expiration int64
}

var _ Engine = (*MemoryEngine)(nil)

// MemoryEngine is an in-process Engine. Collateral moves through an
// asset.Ledger into the engine's custody address; option tokens are tracked
// per series and holder.
type MemoryEngine struct {
	mu             sync.Mutex
	collateral     *asset.Ledger
	spot           SpotSource
	custody        common.Address
	callMultiplier decimal.Decimal
	now            func() time.Time

	issued       map[common.Hash]model.Series
	vaults       map[common.Address][]*Vault
	tokens       map[common.Hash]map[common.Address]decimal.Decimal
	expiryPrices map[expiryKey]decimal.Decimal
}

// NewMemoryEngine creates an engine holding collateral at custody.
func NewMemoryEngine(collateral *asset.Ledger, spot SpotSource, custody common.Address, now func() time.Time) *MemoryEngine {
	if now == nil {
		now = time.Now
	}
	return &MemoryEngine{
		collateral:     collateral,
		spot:           spot,
		custody:        custody,
		callMultiplier: DefaultCallMultiplier,
		now:            now,
		issued:         make(map[common.Hash]model.Series),
		vaults:         make(map[common.Address][]*Vault),
		tokens:         make(map[common.Hash]map[common.Address]decimal.Decimal),
		expiryPrices:   make(map[expiryKey]decimal.Decimal),
	}
}

// SetCallMultiplier changes the call margin multiplier.
func (e *MemoryEngine) SetCallMultiplier(m decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callMultiplier = m
}

// SetExpiryPrice records the settlement price of underlying at expiration.
func (e *MemoryEngine) SetExpiryPrice(underlying common.Address, expiration int64, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expiryPrices[expiryKey{underlying, expiration}] = price
}

// Custody returns the address holding vault collateral and vaulted longs.
func (e *MemoryEngine) Custody() common.Address {
	return e.custody
}

func (e *MemoryEngine) IssueSeries(_ context.Context, series model.Series) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := series.Hash()
	if _, ok := e.issued[h]; !ok {
		e.issued[h] = series
		e.tokens[h] = make(map[common.Address]decimal.Decimal)
	}
	return nil
}

func (e *MemoryEngine) IsIssued(series model.Series) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.issued[series.Hash()]
	return ok
}

func (e *MemoryEngine) OpenVault(_ context.Context, owner common.Address, vaultID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vaultID != uint64(len(e.vaults[owner]))+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidVaultID, len(e.vaults[owner])+1, vaultID)
	}
	e.vaults[owner] = append(e.vaults[owner], &Vault{Owner: owner, ID: vaultID})
	return nil
}

func (e *MemoryEngine) DepositCollateral(_ context.Context, owner common.Address, vaultID uint64, amount decimal.Decimal, from common.Address) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vault(owner, vaultID)
	if err != nil {
		return err
	}
	if err := e.collateral.Transfer(from, e.custody, amount); err != nil {
		return fmt.Errorf("margin: deposit collateral: %w", err)
	}
	v.Collateral = v.Collateral.Add(amount)
	return nil
}

func (e *MemoryEngine) WithdrawCollateral(ctx context.Context, owner common.Address, vaultID uint64, amount decimal.Decimal, to common.Address) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vault(owner, vaultID)
	if err != nil {
		return err
	}
	remaining := v.Collateral.Sub(amount)
	if remaining.IsNegative() {
		return fmt.Errorf("%w: vault %d holds %s", ErrInsufficientCollateral, vaultID, v.Collateral)
	}
	if v.Series != nil {
		req, err := e.required(ctx, *v.Series, v.ShortAmount.Sub(v.LongAmount))
		if err != nil {
			return err
		}
		if remaining.LessThan(req) {
			return fmt.Errorf("%w: %s left, %s required", ErrInsufficientCollateral, remaining, req)
		}
	}
	if err := e.collateral.Transfer(e.custody, to, amount); err != nil {
		return fmt.Errorf("margin: withdraw collateral: %w", err)
	}
	v.Collateral = remaining
	return nil
}

func (e *MemoryEngine) MintOption(ctx context.Context, owner common.Address, vaultID uint64, series model.Series, amount decimal.Decimal, to common.Address) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vaultFor(owner, vaultID, series)
	if err != nil {
		return err
	}
	if series.Expired(e.now()) {
		return ErrSeriesExpired
	}
	short := v.ShortAmount.Add(amount)
	req, err := e.required(ctx, series, short.Sub(v.LongAmount))
	if err != nil {
		return err
	}
	if v.Collateral.LessThan(req) {
		return fmt.Errorf("%w: vault %d holds %s, %s required", ErrInsufficientCollateral, vaultID, v.Collateral, req)
	}
	v.Series = &series
	v.ShortAmount = short
	e.credit(series.Hash(), to, amount)
	return nil
}

func (e *MemoryEngine) BurnOption(_ context.Context, owner common.Address, vaultID uint64, series model.Series, amount decimal.Decimal, from common.Address) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vaultFor(owner, vaultID, series)
	if err != nil {
		return err
	}
	if v.ShortAmount.LessThan(amount) {
		return fmt.Errorf("%w: vault %d short %s, burning %s", ErrInsufficientOptions, vaultID, v.ShortAmount, amount)
	}
	if err := e.debit(series.Hash(), from, amount); err != nil {
		return err
	}
	v.ShortAmount = v.ShortAmount.Sub(amount)
	return nil
}

func (e *MemoryEngine) DepositLong(_ context.Context, owner common.Address, vaultID uint64, series model.Series, amount decimal.Decimal, from common.Address) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vaultFor(owner, vaultID, series)
	if err != nil {
		return err
	}
	if err := e.debit(series.Hash(), from, amount); err != nil {
		return err
	}
	e.credit(series.Hash(), e.custody, amount)
	v.Series = &series
	v.LongAmount = v.LongAmount.Add(amount)
	return nil
}

func (e *MemoryEngine) WithdrawLong(ctx context.Context, owner common.Address, vaultID uint64, series model.Series, amount decimal.Decimal, to common.Address) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vaultFor(owner, vaultID, series)
	if err != nil {
		return err
	}
	if v.LongAmount.LessThan(amount) {
		return fmt.Errorf("%w: vault %d long %s, withdrawing %s", ErrInsufficientOptions, vaultID, v.LongAmount, amount)
	}
	long := v.LongAmount.Sub(amount)
	req, err := e.required(ctx, series, v.ShortAmount.Sub(long))
	if err != nil {
		return err
	}
	if v.Collateral.LessThan(req) {
		return fmt.Errorf("%w: removing long leaves %s required", ErrInsufficientCollateral, req)
	}
	if err := e.debit(series.Hash(), e.custody, amount); err != nil {
		return err
	}
	e.credit(series.Hash(), to, amount)
	v.LongAmount = long
	return nil
}

func (e *MemoryEngine) TransferLong(_ context.Context, series model.Series, from, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := series.Hash()
	if _, ok := e.issued[h]; !ok {
		return ErrSeriesNotIssued
	}
	if err := e.debit(h, from, amount); err != nil {
		return err
	}
	e.credit(h, to, amount)
	return nil
}

// SettleVault closes an expired vault: the short's intrinsic value stays in
// custody for long holders to redeem, and the rest of the collateral (plus
// the value of any vaulted longs) is paid to `to`.
func (e *MemoryEngine) SettleVault(_ context.Context, owner common.Address, vaultID uint64, to common.Address) (Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vault(owner, vaultID)
	if err != nil {
		return Settlement{}, err
	}
	if v.Series == nil {
		return Settlement{CollateralReturned: decimal.Zero, CollateralLost: decimal.Zero}, nil
	}
	series := *v.Series
	payout, err := e.payoutPerContract(series)
	if err != nil {
		return Settlement{}, err
	}

	net := v.ShortAmount.Sub(v.LongAmount)
	lost := decimal.Zero
	returned := v.Collateral
	if net.IsPositive() {
		lost = fixedpoint.Min(fixedpoint.MulCollateral(payout, net), v.Collateral)
		returned = v.Collateral.Sub(lost)
	} else if net.IsNegative() {
		returned = returned.Add(fixedpoint.MulCollateral(payout, net.Neg()))
	}

	if v.LongAmount.IsPositive() {
		if err := e.debit(series.Hash(), e.custody, v.LongAmount); err != nil {
			return Settlement{}, err
		}
	}
	if err := e.collateral.Transfer(e.custody, to, returned); err != nil {
		return Settlement{}, fmt.Errorf("margin: settle vault: %w", err)
	}

	v.Series = nil
	v.Collateral = decimal.Zero
	v.ShortAmount = decimal.Zero
	v.LongAmount = decimal.Zero
	return Settlement{CollateralReturned: returned, CollateralLost: lost}, nil
}

// RedeemLong burns expired tokens held by holder and pays their intrinsic
// value from custody. Returns the payout.
func (e *MemoryEngine) RedeemLong(_ context.Context, series model.Series, holder common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := series.Hash()
	if _, ok := e.issued[h]; !ok {
		return decimal.Zero, ErrSeriesNotIssued
	}
	payout, err := e.payoutPerContract(series)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.debit(h, holder, amount); err != nil {
		return decimal.Zero, err
	}
	total := fixedpoint.MulCollateral(payout, amount)
	if err := e.collateral.Transfer(e.custody, holder, total); err != nil {
		return decimal.Zero, fmt.Errorf("margin: redeem: %w", err)
	}
	return total, nil
}

func (e *MemoryEngine) GetVault(_ context.Context, owner common.Address, vaultID uint64) (Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.vault(owner, vaultID)
	if err != nil {
		return Vault{}, err
	}
	out := *v
	if v.Series != nil {
		s := *v.Series
		out.Series = &s
	}
	return out, nil
}

func (e *MemoryEngine) VaultCount(_ context.Context, owner common.Address) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.vaults[owner]))
}

// GetRequiredCollateral returns the margin for amount contracts: strike per
// put, spot times the call multiplier per call, rounded up to collateral
// precision.
func (e *MemoryEngine) GetRequiredCollateral(ctx context.Context, series model.Series, amount decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.required(ctx, series, amount)
}

func (e *MemoryEngine) OptionBalance(series model.Series, holder common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens[series.Hash()][holder]
}

func (e *MemoryEngine) Checkpoint() (rollback func()) {
	e.mu.Lock()
	issued := maps.Clone(e.issued)
	prices := maps.Clone(e.expiryPrices)
	tokens := make(map[common.Hash]map[common.Address]decimal.Decimal, len(e.tokens))
	for h, bals := range e.tokens {
		tokens[h] = maps.Clone(bals)
	}
	vaults := make(map[common.Address][]*Vault, len(e.vaults))
	for owner, vs := range e.vaults {
		cp := make([]*Vault, len(vs))
		for i, v := range vs {
			c := *v
			if v.Series != nil {
				s := *v.Series
				c.Series = &s
			}
			cp[i] = &c
		}
		vaults[owner] = cp
	}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.issued = issued
		e.expiryPrices = prices
		e.tokens = tokens
		e.vaults = vaults
	}
}

func (e *MemoryEngine) vault(owner common.Address, vaultID uint64) (*Vault, error) {
	vs := e.vaults[owner]
	if vaultID == 0 || vaultID > uint64(len(vs)) {
		return nil, fmt.Errorf("%w: %s #%d", ErrVaultNotFound, owner.Hex(), vaultID)
	}
	return vs[vaultID-1], nil
}

func (e *MemoryEngine) vaultFor(owner common.Address, vaultID uint64, series model.Series) (*Vault, error) {
	if _, ok := e.issued[series.Hash()]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSeriesNotIssued, series)
	}
	v, err := e.vault(owner, vaultID)
	if err != nil {
		return nil, err
	}
	if v.Series != nil && v.Series.Hash() != series.Hash() {
		return nil, fmt.Errorf("%w: vault %d holds %s", ErrSeriesMismatch, vaultID, v.Series)
	}
	return v, nil
}

func (e *MemoryEngine) required(ctx context.Context, series model.Series, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	if series.IsPut {
		return series.Strike.Mul(amount).RoundUp(fixedpoint.CollateralDecimals), nil
	}
	spot, err := e.spot.GetRate(ctx, series.Underlying, series.StrikeAsset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("margin: spot: %w", err)
	}
	return spot.Mul(amount).Mul(e.callMultiplier).RoundUp(fixedpoint.CollateralDecimals), nil
}

func (e *MemoryEngine) payoutPerContract(series model.Series) (decimal.Decimal, error) {
	if !series.Expired(e.now()) {
		return decimal.Zero, ErrSeriesNotExpired
	}
	price, ok := e.expiryPrices[expiryKey{series.Underlying, series.Expiration}]
	if !ok {
		return decimal.Zero, ErrNoExpiryPrice
	}
	intrinsic := price.Sub(series.Strike)
	if series.IsPut {
		intrinsic = intrinsic.Neg()
	}
	return fixedpoint.Max(intrinsic, decimal.Zero), nil
}

func (e *MemoryEngine) credit(h common.Hash, to common.Address, amount decimal.Decimal) {
	bals, ok := e.tokens[h]
	if !ok {
		bals = make(map[common.Address]decimal.Decimal)
		e.tokens[h] = bals
	}
	bals[to] = bals[to].Add(amount)
}

func (e *MemoryEngine) debit(h common.Hash, from common.Address, amount decimal.Decimal) error {
	bal := e.tokens[h][from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientOptions, from.Hex(), bal, amount)
	}
	e.tokens[h][from] = bal.Sub(amount)
	return nil
}
