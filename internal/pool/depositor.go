package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/metrics"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/nav"
)

// Deposit moves amount of collateral from caller into the pool and adds it
// to caller's receipt for the current deposit epoch. A pending amount from a
// closed epoch is first converted to unredeemed shares at that epoch's price.
func (p *Pool) Deposit(ctx context.Context, caller common.Address, amount decimal.Decimal) error {
	amount = fixedpoint.Collateral(amount)
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	var receipt model.DepositReceipt
	err := p.atomic(ctx, caller, func(tx *Tx) error {
		projected := TotalAssets(tx.state).Add(amount)
		if projected.GreaterThan(tx.state.CollateralCap) {
			return fmt.Errorf("%w: %s would exceed cap %s", ErrTotalSupplyReached, projected, tx.state.CollateralCap)
		}
		if err := tx.pull(caller, amount); err != nil {
			return err
		}
		tx.state.PendingDeposits = tx.state.PendingDeposits.Add(amount)

		r, err := tx.resolvedDeposit(caller)
		if err != nil {
			return err
		}
		r.Epoch = tx.state.DepositEpoch
		r.Amount = r.Amount.Add(amount)
		tx.changes.Deposits[caller] = r
		receipt = r

		tx.emit(events.TypeDeposit, map[string]any{"amount": amount, "epoch": r.Epoch})
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("deposit",
		"depositor", caller.Hex(),
		"amount", amount.String(),
		"epoch", receipt.Epoch,
		"pending", receipt.Amount.String(),
	)
	return nil
}

// Redeem transfers up to shares of caller's unredeemed shares out of escrow.
// Requests above what is available are capped. Returns the shares moved.
func (p *Pool) Redeem(ctx context.Context, caller common.Address, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, ErrInvalidShareAmount
	}
	var redeemed decimal.Decimal
	err := p.atomic(ctx, caller, func(tx *Tx) error {
		var err error
		redeemed, err = tx.redeem(caller, shares)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if redeemed.IsPositive() {
		slog.Info("shares redeemed", "depositor", caller.Hex(), "shares", redeemed.String())
	}
	return redeemed, nil
}

// InitiateWithdraw escrows shares into caller's withdrawal receipt for the
// current withdrawal epoch. Unredeemed shares are redeemed first.
func (p *Pool) InitiateWithdraw(ctx context.Context, caller common.Address, shares decimal.Decimal) error {
	shares = fixedpoint.Wad(shares)
	if !shares.IsPositive() {
		return ErrInvalidShareAmount
	}
	var receipt model.WithdrawalReceipt
	err := p.atomic(ctx, caller, func(tx *Tx) error {
		r, err := tx.resolvedDeposit(caller)
		if err != nil {
			return err
		}
		if r.UnredeemedShares.IsPositive() {
			if _, err := tx.redeem(caller, r.UnredeemedShares); err != nil {
				return err
			}
		}

		if bal := p.shares.BalanceOf(caller); bal.LessThan(shares) {
			return fmt.Errorf("%w: holds %s, withdrawing %s", ErrInsufficientShareBalance, bal, shares)
		}

		w := tx.withdrawalReceipt(caller)
		if w.Shares.IsPositive() && w.Epoch < tx.state.WithdrawalEpoch {
			return fmt.Errorf("%w: %s shares from epoch %d", ErrExistingWithdrawal, w.Shares, w.Epoch)
		}
		if err := p.shares.Transfer(caller, p.address, shares); err != nil {
			return err
		}
		tx.touchShares(caller, p.address)

		w.Epoch = tx.state.WithdrawalEpoch
		w.Shares = w.Shares.Add(shares)
		tx.changes.Withdrawals[caller] = w
		tx.state.PendingWithdrawals = tx.state.PendingWithdrawals.Add(shares)
		receipt = w

		tx.emit(events.TypeWithdrawInitiated, map[string]any{"shares": shares, "epoch": w.Epoch})
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("withdrawal initiated",
		"depositor", caller.Hex(),
		"shares", shares.String(),
		"epoch", receipt.Epoch,
		"queued", receipt.Shares.String(),
	)
	return nil
}

// CompleteWithdraw pays out every share in caller's closed withdrawal
// receipt. Returns the collateral paid.
func (p *Pool) CompleteWithdraw(ctx context.Context, caller common.Address) (decimal.Decimal, error) {
	return p.completeWithdraw(ctx, caller, decimal.NullDecimal{})
}

// CompleteWithdrawShares pays out shares of caller's closed withdrawal
// receipt. Returns the collateral paid.
func (p *Pool) CompleteWithdrawShares(ctx context.Context, caller common.Address, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, ErrInvalidShareAmount
	}
	return p.completeWithdraw(ctx, caller, decimal.NewNullDecimal(shares))
}

func (p *Pool) completeWithdraw(ctx context.Context, caller common.Address, requested decimal.NullDecimal) (decimal.Decimal, error) {
	var paid, shares decimal.Decimal
	var epoch uint64
	err := p.atomic(ctx, caller, func(tx *Tx) error {
		w := tx.withdrawalReceipt(caller)
		if !w.Shares.IsPositive() {
			return ErrNoExistingWithdrawal
		}
		if w.Epoch >= tx.state.WithdrawalEpoch {
			return fmt.Errorf("%w: receipt epoch %d, current %d", ErrEpochNotClosed, w.Epoch, tx.state.WithdrawalEpoch)
		}
		shares = w.Shares
		if requested.Valid {
			if requested.Decimal.GreaterThan(w.Shares) {
				return fmt.Errorf("%w: receipt holds %s, requested %s", ErrInsufficientShareBalance, w.Shares, requested.Decimal)
			}
			shares = requested.Decimal
		}
		price, ok := p.withdrawalPrices.Price(w.Epoch)
		if !ok {
			return fmt.Errorf("pool: no withdrawal price for closed epoch %d", w.Epoch)
		}

		paid = fixedpoint.Min(nav.CollateralForShares(shares, price), tx.state.PartitionedFunds)
		epoch = w.Epoch

		w.Shares = w.Shares.Sub(shares)
		tx.changes.Withdrawals[caller] = w
		tx.state.PartitionedFunds = tx.state.PartitionedFunds.Sub(paid)
		if err := tx.push(caller, paid); err != nil {
			return err
		}

		tx.emit(events.TypeWithdrawCompleted, map[string]any{"shares": shares, "paid": paid, "epoch": epoch})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	if paid.IsZero() {
		metrics.DustWithdrawals.Inc()
		slog.Warn("withdrawal rounded to zero collateral",
			"depositor", caller.Hex(),
			"shares", shares.String(),
			"epoch", epoch,
		)
	} else {
		slog.Info("withdrawal completed",
			"depositor", caller.Hex(),
			"shares", shares.String(),
			"paid", paid.String(),
			"epoch", epoch,
		)
	}
	return paid, nil
}

// --- Receipt helpers ---

func (tx *Tx) depositReceipt(addr common.Address) model.DepositReceipt {
	if r, ok := tx.changes.Deposits[addr]; ok {
		return r
	}
	return tx.p.deposits[addr]
}

func (tx *Tx) withdrawalReceipt(addr common.Address) model.WithdrawalReceipt {
	if r, ok := tx.changes.Withdrawals[addr]; ok {
		return r
	}
	return tx.p.withdrawals[addr]
}

// resolvedDeposit returns addr's receipt with any amount pending from a
// closed epoch converted to unredeemed shares at that epoch's price.
func (tx *Tx) resolvedDeposit(addr common.Address) (model.DepositReceipt, error) {
	r := tx.depositReceipt(addr)
	if r.Amount.IsPositive() && r.Epoch < tx.state.DepositEpoch {
		price, ok := tx.p.depositPrices.Price(r.Epoch)
		if !ok {
			return r, fmt.Errorf("pool: no deposit price for closed epoch %d", r.Epoch)
		}
		r.UnredeemedShares = r.UnredeemedShares.Add(nav.SharesForDeposit(r.Amount, price))
		r.Amount = decimal.Zero
	}
	return r, nil
}

func (tx *Tx) redeem(addr common.Address, shares decimal.Decimal) (decimal.Decimal, error) {
	r, err := tx.resolvedDeposit(addr)
	if err != nil {
		return decimal.Zero, err
	}
	toRedeem := fixedpoint.Min(shares, r.UnredeemedShares)
	r.UnredeemedShares = r.UnredeemedShares.Sub(toRedeem)
	tx.changes.Deposits[addr] = r
	if !toRedeem.IsPositive() {
		return decimal.Zero, nil
	}

	if err := tx.p.shares.Transfer(tx.p.address, addr, toRedeem); err != nil {
		return decimal.Zero, err
	}
	tx.touchShares(tx.p.address, addr)
	tx.emit(events.TypeRedeem, map[string]any{"shares": toRedeem})
	return toRedeem, nil
}

func (tx *Tx) touchShares(addrs ...common.Address) {
	for _, a := range addrs {
		tx.sharesTouched[a] = struct{}{}
	}
}
