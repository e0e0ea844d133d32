// Package settlement interprets Operate batches: ordered lists of margin
// actions and vault trades that commit together or not at all.
//
// A batch is validated in full before anything moves. It then executes
// inside one pool transaction: exposure ledger first, then the pool's
// handler hooks (ephemeral accumulators, collateral counters, margin engine
// transfers), then premium and fee transfers. The pool's commit checks the
// liquidity buffer and the collateral mirror; any failure undoes the pool,
// the margin engine, the collateral ledger and the exposure ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/catalogue"
	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/exposure"
	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/metrics"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/pool"
	"github.com/optvault/vault-engine/internal/pricing"
)

var (
	ErrEmptyBatch          = errors.New("settlement: empty batch")
	ErrUnauthorisedSender  = errors.New("settlement: unauthorised sender")
	ErrUnapprovedSeries    = errors.New("settlement: series not approved")
	ErrSeriesNotBuyable    = errors.New("settlement: series not buyable")
	ErrSeriesNotSellable   = errors.New("settlement: series not sellable")
	ErrOptionExpiryInvalid = errors.New("settlement: expiry outside allowed window")
	ErrOptionStrikeInvalid = errors.New("settlement: strike outside allowed range")
	ErrForbiddenAction     = errors.New("settlement: action reserved to the margin engine")
	ErrInvalidAmount       = errors.New("settlement: amount must be positive")
	ErrTokenImbalance      = errors.New("settlement: token balance mismatch")
	ErrSeriesNotExpired    = errors.New("settlement: series has not expired")
	ErrUnknownOperation    = errors.New("settlement: unknown operation")

	// Raised by the pool and returned unchanged.
	ErrTradingPaused             = pool.ErrTradingPaused
	ErrMaxLiquidityBufferReached = pool.ErrMaxLiquidityBufferReached
)

// Quoter prices trades. isSell is from the trader's side.
type Quoter interface {
	QuoteOptionPrice(ctx context.Context, series model.Series, amount decimal.Decimal, isSell bool, netExposureOverride decimal.NullDecimal) (pricing.Quote, error)
}

// Config holds the engine's addresses and trading bounds.
type Config struct {
	// Address is the engine's handler identity on the pool.
	Address common.Address
	// Router may act on any trader's vault.
	Router       common.Address
	FeeRecipient common.Address
	OptionParams model.OptionParams
}

// Receipt summarises a committed batch. Collateral figures are pool-side:
// the pool balance moved by PremiumReceived − PremiumPaid −
// CollateralLocked + CollateralReleased.
type Receipt struct {
	BatchID            string          `json:"batch_id"`
	Results            []Result        `json:"results"`
	PremiumReceived    decimal.Decimal `json:"premium_received"`
	PremiumPaid        decimal.Decimal `json:"premium_paid"`
	FeesCollected      decimal.Decimal `json:"fees_collected"`
	CollateralLocked   decimal.Decimal `json:"collateral_locked"`
	CollateralReleased decimal.Decimal `json:"collateral_released"`
}

// Result is the outcome of one operation.
type Result struct {
	Kind    string          `json:"kind"`
	Series  *model.Series   `json:"series,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Premium decimal.Decimal `json:"premium"`
	Fee     decimal.Decimal `json:"fee"`
	Delta   decimal.Decimal `json:"delta"`
	Fill    *pool.Fill      `json:"fill,omitempty"`
}

// Engine is the Settlement Engine.
type Engine struct {
	address      common.Address
	router       common.Address
	feeRecipient common.Address

	pool       *pool.Pool
	collateral *asset.Ledger
	catalogue  *catalogue.Catalogue
	exposures  *exposure.Ledger
	quoter     Quoter

	mu     sync.RWMutex
	params model.OptionParams
	now    func() time.Time
}

// New wires the engine. cfg.Address must be a registered pool handler.
func New(cfg Config, p *pool.Pool, collateral *asset.Ledger, cat *catalogue.Catalogue, exposures *exposure.Ledger, quoter Quoter) *Engine {
	return &Engine{
		address:      cfg.Address,
		router:       cfg.Router,
		feeRecipient: cfg.FeeRecipient,
		pool:         p,
		collateral:   collateral,
		catalogue:    cat,
		exposures:    exposures,
		quoter:       quoter,
		params:       cfg.OptionParams,
		now:          time.Now,
	}
}

// SetClock replaces the engine's clock. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// OptionParams returns the active strike and expiry bounds.
func (e *Engine) OptionParams() model.OptionParams {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetOptionParams replaces the strike and expiry bounds. Governor only.
func (e *Engine) SetOptionParams(caller common.Address, params model.OptionParams) error {
	if caller != e.pool.Governor() {
		return pool.ErrUnauthorisedGovernance
	}
	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
	slog.Info("option params updated",
		"min_call_strike", params.MinCallStrike.String(),
		"max_call_strike", params.MaxCallStrike.String(),
		"min_put_strike", params.MinPutStrike.String(),
		"max_put_strike", params.MaxPutStrike.String(),
		"min_expiry", params.MinExpiry,
		"max_expiry", params.MaxExpiry,
	)
	return nil
}

func (e *Engine) clock() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

// Operate validates and executes batch for caller. Either every operation
// takes effect or none does.
func (e *Engine) Operate(ctx context.Context, caller common.Address, batch []Operation) (Receipt, error) {
	start := time.Now()
	if len(batch) == 0 {
		return Receipt{}, ErrEmptyBatch
	}

	receipt := Receipt{
		BatchID:            uuid.New().String(),
		PremiumReceived:    decimal.Zero,
		PremiumPaid:        decimal.Zero,
		FeesCollected:      decimal.Zero,
		CollateralLocked:   decimal.Zero,
		CollateralReleased: decimal.Zero,
	}
	err := e.pool.Transact(ctx, e.address, func(tx *pool.Tx) error {
		params, now := e.OptionParams(), e.clock()
		for i, op := range batch {
			if err := e.validate(tx, caller, op, params, now); err != nil {
				return fmt.Errorf("operation %d (%s): %w", i, op.Kind(), err)
			}
		}

		tx.OnRollback(e.exposures.Checkpoint())
		touched := make(map[common.Hash]model.Series)
		for i, op := range batch {
			res, err := e.execute(tx, caller, op, &receipt)
			if err != nil {
				return fmt.Errorf("operation %d (%s): %w", i, op.Kind(), err)
			}
			if res.Series != nil {
				touched[res.Series.Hash()] = *res.Series
			}
			receipt.Results = append(receipt.Results, res)
		}
		for _, s := range touched {
			if rec, ok := e.exposures.Record(s); ok {
				tx.StageExposure(rec)
			}
		}
		tx.Emit(events.TypeBatchCommitted, receipt)
		return nil
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if errors.Is(err, pool.ErrBalanceMismatch) {
			err = fmt.Errorf("%w: %w", ErrTokenImbalance, err)
		}
		metrics.BatchesTotal.WithLabelValues("rejected").Inc()
		metrics.BatchLatency.WithLabelValues("rejected").Observe(elapsed)
		slog.Warn("batch rejected",
			"caller", caller.Hex(),
			"operations", len(batch),
			"error", err,
		)
		return Receipt{}, err
	}

	metrics.BatchesTotal.WithLabelValues("committed").Inc()
	metrics.BatchLatency.WithLabelValues("committed").Observe(elapsed)
	for _, res := range receipt.Results {
		metrics.OperationsTotal.WithLabelValues(res.Kind).Inc()
		switch res.Kind {
		case BuyOption.String():
			metrics.OptionVolume.WithLabelValues("buy").Add(res.Amount.InexactFloat64())
		case SellOption.String():
			metrics.OptionVolume.WithLabelValues("sell").Add(res.Amount.InexactFloat64())
		}
	}
	slog.Info("batch committed",
		"batch_id", receipt.BatchID,
		"caller", caller.Hex(),
		"operations", len(batch),
		"premium_received", receipt.PremiumReceived.String(),
		"premium_paid", receipt.PremiumPaid.String(),
		"collateral_locked", receipt.CollateralLocked.String(),
		"collateral_released", receipt.CollateralReleased.String(),
	)
	return receipt, nil
}

// --- Validation ---

func (e *Engine) validate(tx *pool.Tx, caller common.Address, op Operation, params model.OptionParams, now time.Time) error {
	switch a := op.(type) {
	case MarginAction:
		return e.validateMargin(tx, caller, a, params, now)
	case VaultFinanceAction:
		return e.validateFinance(tx, caller, a, params, now)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOperation, op)
	}
}

func (e *Engine) validateMargin(tx *pool.Tx, caller common.Address, a MarginAction, params model.OptionParams, now time.Time) error {
	if a.Owner == e.pool.Address() {
		return fmt.Errorf("%w: pool vaults are not operable", ErrUnauthorisedSender)
	}
	if a.SecondAddress == e.pool.Address() {
		return fmt.Errorf("%w: %s cannot move tokens to or from the pool", ErrUnauthorisedSender, a.Type)
	}
	if a.Owner != caller && caller != e.router {
		return fmt.Errorf("%w: %s acting for %s", ErrUnauthorisedSender, caller.Hex(), a.Owner.Hex())
	}
	if a.pullsFromSecond() && a.SecondAddress != caller && caller != e.router {
		return fmt.Errorf("%w: %s pulling from %s", ErrUnauthorisedSender, caller.Hex(), a.SecondAddress.Hex())
	}
	if a.Type == MintShortOption {
		entry, ok := e.catalogue.Lookup(a.Series)
		if !ok || !entry.Approved {
			return fmt.Errorf("%w: %s", ErrUnapprovedSeries, a.Series)
		}
		if err := checkBounds(a.Series, params, now); err != nil {
			return err
		}
	}
	if tx.State().IsTradingPaused {
		return ErrTradingPaused
	}
	if a.forbidden() {
		return fmt.Errorf("%w: %s", ErrForbiddenAction, a.Type)
	}
	if a.needsAmount() && !a.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

func (e *Engine) validateFinance(tx *pool.Tx, caller common.Address, a VaultFinanceAction, params model.OptionParams, now time.Time) error {
	if a.Recipient == e.pool.Address() {
		return fmt.Errorf("%w: recipient is the pool", ErrUnauthorisedSender)
	}
	if err := e.checkCatalogue(a.Series, a.Type); err != nil {
		return err
	}
	if err := checkBounds(a.Series, params, now); err != nil {
		return err
	}
	if tx.State().IsTradingPaused {
		return ErrTradingPaused
	}
	if a.Type != Issue && !a.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

func (e *Engine) checkCatalogue(series model.Series, typ VaultFinanceActionType) error {
	entry, ok := e.catalogue.Lookup(series)
	if !ok || !entry.Approved {
		return fmt.Errorf("%w: %s", ErrUnapprovedSeries, series)
	}
	switch {
	case typ == BuyOption && !entry.IsBuyable:
		return fmt.Errorf("%w: %s", ErrSeriesNotBuyable, series)
	case typ == SellOption && !entry.IsSellable:
		return fmt.Errorf("%w: %s", ErrSeriesNotSellable, series)
	}
	return nil
}

func checkBounds(series model.Series, params model.OptionParams, now time.Time) error {
	if !params.ExpiryInBounds(series, now) {
		return fmt.Errorf("%w: %s", ErrOptionExpiryInvalid, series.ExpiresAt().Format(time.RFC3339))
	}
	if !params.StrikeInBounds(series) {
		return fmt.Errorf("%w: %s", ErrOptionStrikeInvalid, series.Strike)
	}
	return nil
}

// --- Execution ---

func (e *Engine) execute(tx *pool.Tx, caller common.Address, op Operation, r *Receipt) (Result, error) {
	switch a := op.(type) {
	case MarginAction:
		return e.executeMargin(tx, a)
	case VaultFinanceAction:
		recipient := a.Recipient
		if recipient == (common.Address{}) {
			recipient = caller
		}
		switch a.Type {
		case Issue:
			series := a.Series
			return Result{Kind: a.Kind(), Series: &series, Amount: decimal.Zero, Premium: decimal.Zero, Fee: decimal.Zero, Delta: decimal.Zero},
				tx.HandlerIssue(a.Series)
		case BuyOption:
			return e.buy(tx, caller, recipient, a, r)
		case SellOption:
			return e.sell(tx, caller, recipient, a, r)
		}
	}
	return Result{}, fmt.Errorf("%w: %T", ErrUnknownOperation, op)
}

// buy sells a.Amount contracts from the vault to recipient; caller pays.
func (e *Engine) buy(tx *pool.Tx, caller, recipient common.Address, a VaultFinanceAction, r *Receipt) (Result, error) {
	ctx, m := tx.Context(), e.pool.Margin()
	q, err := e.quoter.QuoteOptionPrice(ctx, a.Series, a.Amount, false, decimal.NewNullDecimal(e.exposures.NetExposure(a.Series)))
	if err != nil {
		return Result{}, err
	}
	_, long, err := tx.Position(a.Series)
	if err != nil {
		return Result{}, err
	}
	fromLong, minted := pool.SplitWrite(a.Amount, long)
	if fromLong.IsPositive() {
		e.exposures.RecordExposureChange(a.Series, fromLong.Neg(), model.Long)
	}
	if minted.IsPositive() {
		e.exposures.RecordExposureChange(a.Series, minted, model.Short)
	}

	if err := tx.ReceivePremium(caller, q.Premium); err != nil {
		return Result{}, err
	}
	before := m.OptionBalance(a.Series, recipient)
	fill, err := tx.HandlerIssueAndWriteOption(a.Series, a.Amount, q.Premium, q.Delta, recipient)
	if err != nil {
		return Result{}, err
	}
	if !fill.Minted.Equal(minted) || !fill.LongsSold.Equal(fromLong) {
		return Result{}, fmt.Errorf("%w: filled %s minted and %s held, expected %s and %s",
			ErrTokenImbalance, fill.Minted, fill.LongsSold, minted, fromLong)
	}
	if got := m.OptionBalance(a.Series, recipient).Sub(before); !got.Equal(a.Amount) {
		return Result{}, fmt.Errorf("%w: recipient received %s of %s", ErrTokenImbalance, got, a.Amount)
	}
	if err := e.collateral.Transfer(caller, e.feeRecipient, q.Fee); err != nil {
		return Result{}, fmt.Errorf("settlement: fee: %w", err)
	}

	r.PremiumReceived = r.PremiumReceived.Add(q.Premium)
	r.FeesCollected = r.FeesCollected.Add(q.Fee)
	r.CollateralLocked = r.CollateralLocked.Add(fill.CollateralLocked)
	series := a.Series
	return Result{
		Kind:    a.Kind(),
		Series:  &series,
		Amount:  a.Amount,
		Premium: q.Premium,
		Fee:     q.Fee,
		Delta:   q.Delta,
		Fill:    &fill,
	}, nil
}

// sell buys a.Amount contracts from caller into the vault; recipient is
// paid the premium less the fee.
func (e *Engine) sell(tx *pool.Tx, caller, recipient common.Address, a VaultFinanceAction, r *Receipt) (Result, error) {
	ctx, m := tx.Context(), e.pool.Margin()
	q, err := e.quoter.QuoteOptionPrice(ctx, a.Series, a.Amount, true, decimal.NewNullDecimal(e.exposures.NetExposure(a.Series)))
	if err != nil {
		return Result{}, err
	}
	short, _, err := tx.Position(a.Series)
	if err != nil {
		return Result{}, err
	}
	burned, bought := pool.SplitBuyback(a.Amount, short)
	if burned.IsPositive() {
		e.exposures.RecordExposureChange(a.Series, burned.Neg(), model.Short)
	}
	if bought.IsPositive() {
		e.exposures.RecordExposureChange(a.Series, bought, model.Long)
	}

	before := m.OptionBalance(a.Series, caller)
	fill, err := tx.HandlerBuybackOption(a.Series, a.Amount, q.Premium, q.Delta, caller)
	if err != nil {
		return Result{}, err
	}
	if !fill.Burned.Equal(burned) || !fill.LongsBought.Equal(bought) {
		return Result{}, fmt.Errorf("%w: filled %s burned and %s bought, expected %s and %s",
			ErrTokenImbalance, fill.Burned, fill.LongsBought, burned, bought)
	}
	if got := before.Sub(m.OptionBalance(a.Series, caller)); !got.Equal(a.Amount) {
		return Result{}, fmt.Errorf("%w: seller delivered %s of %s", ErrTokenImbalance, got, a.Amount)
	}

	fee := fixedpoint.Min(q.Fee, q.Premium)
	if err := tx.PayPremium(recipient, q.Premium.Sub(fee)); err != nil {
		return Result{}, err
	}
	if err := tx.PayPremium(e.feeRecipient, fee); err != nil {
		return Result{}, err
	}

	r.PremiumPaid = r.PremiumPaid.Add(q.Premium)
	r.FeesCollected = r.FeesCollected.Add(fee)
	r.CollateralReleased = r.CollateralReleased.Add(fill.CollateralReleased)
	series := a.Series
	return Result{
		Kind:    a.Kind(),
		Series:  &series,
		Amount:  a.Amount,
		Premium: q.Premium,
		Fee:     fee,
		Delta:   q.Delta,
		Fill:    &fill,
	}, nil
}

func (e *Engine) executeMargin(tx *pool.Tx, a MarginAction) (Result, error) {
	ctx, m := tx.Context(), e.pool.Margin()
	res := Result{Kind: a.Kind(), Amount: a.Amount, Premium: decimal.Zero, Fee: decimal.Zero, Delta: decimal.Zero}

	var err error
	switch a.Type {
	case OpenVault:
		err = m.OpenVault(ctx, a.Owner, a.VaultID)
	case DepositCollateral:
		err = m.DepositCollateral(ctx, a.Owner, a.VaultID, a.Amount, a.SecondAddress)
	case WithdrawCollateral:
		err = m.WithdrawCollateral(ctx, a.Owner, a.VaultID, a.Amount, a.SecondAddress)
	case MintShortOption:
		before := m.OptionBalance(a.Series, a.SecondAddress)
		if err = m.MintOption(ctx, a.Owner, a.VaultID, a.Series, a.Amount, a.SecondAddress); err == nil {
			if got := m.OptionBalance(a.Series, a.SecondAddress).Sub(before); !got.Equal(a.Amount) {
				err = fmt.Errorf("%w: minted %s of %s", ErrTokenImbalance, got, a.Amount)
			}
		}
	case BurnShortOption:
		before := m.OptionBalance(a.Series, a.SecondAddress)
		if err = m.BurnOption(ctx, a.Owner, a.VaultID, a.Series, a.Amount, a.SecondAddress); err == nil {
			if got := before.Sub(m.OptionBalance(a.Series, a.SecondAddress)); !got.Equal(a.Amount) {
				err = fmt.Errorf("%w: burned %s of %s", ErrTokenImbalance, got, a.Amount)
			}
		}
	case DepositLongOption:
		err = m.DepositLong(ctx, a.Owner, a.VaultID, a.Series, a.Amount, a.SecondAddress)
	case WithdrawLongOption:
		err = m.WithdrawLong(ctx, a.Owner, a.VaultID, a.Series, a.Amount, a.SecondAddress)
	case SettleVault:
		_, err = m.SettleVault(ctx, a.Owner, a.VaultID, a.SecondAddress)
	default:
		err = fmt.Errorf("%w: %s", ErrForbiddenAction, a.Type)
	}
	return res, err
}

// --- Keeper and quote paths ---

// SettleExpired settles the pool's position in an expired series: the short
// vault is closed, held longs are redeemed and the exposure record is
// reconciled to zero. Keeper only; allowed while trading is paused.
func (e *Engine) SettleExpired(ctx context.Context, caller common.Address, series model.Series) (pool.VaultSettlement, error) {
	if !e.pool.IsKeeper(caller) {
		return pool.VaultSettlement{}, fmt.Errorf("%w: %s", pool.ErrUnauthorisedKeeper, caller.Hex())
	}
	if !series.Expired(e.clock()) {
		return pool.VaultSettlement{}, fmt.Errorf("%w: %s", ErrSeriesNotExpired, series)
	}

	var res pool.VaultSettlement
	err := e.pool.Transact(ctx, e.address, func(tx *pool.Tx) error {
		tx.OnRollback(e.exposures.Checkpoint())
		var err error
		res, err = tx.HandlerSettleVault(series)
		if err != nil {
			return err
		}
		tx.StageExposure(e.exposures.Reconcile(series))
		tx.Emit(events.TypeSeriesSettled, map[string]any{"series": series, "settlement": res})
		return nil
	})
	if err != nil {
		return pool.VaultSettlement{}, err
	}
	slog.Info("series settled",
		"series", series.String(),
		"collateral_returned", res.CollateralReturned.String(),
		"collateral_lost", res.CollateralLost.String(),
		"long_payout", res.LongPayout.String(),
	)
	return res, nil
}

// QuoteOptionPrice quotes a trade after the same catalogue and bounds checks
// Operate applies. isSell is from the trader's side. Without an override the
// net exposure is read from the committed ledger.
func (e *Engine) QuoteOptionPrice(ctx context.Context, series model.Series, amount decimal.Decimal, isSell bool, netExposureOverride decimal.NullDecimal) (pricing.Quote, error) {
	typ, direction := BuyOption, "buy"
	if isSell {
		typ, direction = SellOption, "sell"
	}
	if err := e.checkCatalogue(series, typ); err != nil {
		return pricing.Quote{}, err
	}
	if err := checkBounds(series, e.OptionParams(), e.clock()); err != nil {
		return pricing.Quote{}, err
	}
	if !netExposureOverride.Valid {
		e.pool.Read(func() {
			netExposureOverride = decimal.NewNullDecimal(e.exposures.NetExposure(series))
		})
	}
	q, err := e.quoter.QuoteOptionPrice(ctx, series, amount, isSell, netExposureOverride)
	if err != nil {
		return pricing.Quote{}, err
	}
	metrics.QuotesTotal.WithLabelValues(direction).Inc()
	return q, nil
}
