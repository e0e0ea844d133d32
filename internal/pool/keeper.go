package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/metrics"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/nav"
)

// PauseTradingAndRequest pauses trading and asks the Portfolio Values Feed
// for fresh figures. The epoch cannot close until the feed fulfills.
func (p *Pool) PauseTradingAndRequest(ctx context.Context, caller common.Address) error {
	if err := p.requireKeeper(caller); err != nil {
		return err
	}
	err := p.atomic(ctx, caller, func(tx *Tx) error {
		if p.feed == nil {
			return ErrFeedNotConfigured
		}
		tx.state.IsTradingPaused = true
		tx.state.Phase = model.PhaseAwaitingFulfillment
		if err := p.feed.RequestFulfillment(ctx, p.underlying, p.strikeAsset); err != nil {
			return fmt.Errorf("pool: request fulfillment: %w", err)
		}
		tx.emit(events.TypeTradingPaused, map[string]any{"deposit_epoch": tx.state.DepositEpoch})
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("trading paused, portfolio values requested", "keeper", caller.Hex())
	return nil
}

// ExecuteEpochCalculation closes the current epoch. Pending deposits are
// priced and minted into escrow; pending withdrawals are priced, their
// shares burned and their collateral partitioned, unless they exceed the
// withdrawal capacity, in which case the withdrawal epoch stays open.
// Ephemeral values are cleared and trading resumes.
func (p *Pool) ExecuteEpochCalculation(ctx context.Context, caller common.Address) (nav.EpochResult, error) {
	if err := p.requireKeeper(caller); err != nil {
		return nav.EpochResult{}, err
	}
	var (
		res             nav.EpochResult
		depositEpoch    uint64
		withdrawalEpoch uint64
	)
	err := p.atomic(ctx, caller, func(tx *Tx) error {
		if !tx.state.IsTradingPaused {
			return ErrTradingNotPaused
		}
		if tx.state.Phase != model.PhaseFulfilled {
			return ErrAwaitingFulfillment
		}
		liabilities, err := p.liabilities()
		if err != nil {
			return err
		}
		if err := tx.refreshHedges(); err != nil {
			return err
		}
		assets, err := p.assets(ctx, tx.state)
		if err != nil {
			return err
		}

		res, err = nav.CloseEpoch(nav.EpochInput{
			TotalSupply:             tx.state.TotalSupply,
			TotalAssets:             assets,
			TotalLiabilities:        liabilities,
			PendingDeposits:         tx.state.PendingDeposits,
			PendingWithdrawalShares: tx.state.PendingWithdrawals,
			WithdrawalCapacity:      WithdrawalCapacity(tx.state),
		})
		if err != nil {
			return err
		}

		depositEpoch = tx.state.DepositEpoch
		withdrawalEpoch = tx.state.WithdrawalEpoch
		if err := tx.recordPrice(model.DepositPrice, depositEpoch, res); err != nil {
			return err
		}
		if err := p.shares.Mint(p.address, res.SharesToMint); err != nil {
			return err
		}
		tx.touchShares(p.address)
		tx.state.TotalSupply = tx.state.TotalSupply.Add(res.SharesToMint)
		tx.state.PendingDeposits = decimal.Zero
		tx.state.DepositEpoch++

		if res.WithdrawalsProcessed {
			if err := tx.recordPrice(model.WithdrawalPrice, withdrawalEpoch, res); err != nil {
				return err
			}
			if err := p.shares.Burn(p.address, tx.state.PendingWithdrawals); err != nil {
				return err
			}
			tx.state.TotalSupply = tx.state.TotalSupply.Sub(tx.state.PendingWithdrawals)
			tx.state.PartitionedFunds = tx.state.PartitionedFunds.Add(res.TotalWithdrawAmount)
			tx.state.PendingWithdrawals = decimal.Zero
			tx.state.WithdrawalEpoch++
		} else {
			tx.emit(events.TypeWithdrawalDeferred, map[string]any{
				"withdrawal_epoch": withdrawalEpoch,
				"pending_shares":   tx.state.PendingWithdrawals,
			})
		}

		tx.state.Ephemeral = model.Clean()
		tx.state.IsTradingPaused = false
		tx.state.Phase = model.PhaseTrading
		tx.emit(events.TypeEpochExecuted, map[string]any{
			"deposit_epoch":         depositEpoch,
			"deposit_price":         res.DepositPricePerShare,
			"withdrawal_epoch":      withdrawalEpoch,
			"withdrawal_price":      res.WithdrawalPricePerShare,
			"withdrawals_processed": res.WithdrawalsProcessed,
			"nav":                   res.NAV,
		})
		return nil
	})
	if err != nil {
		return nav.EpochResult{}, err
	}

	metrics.EpochsExecuted.Inc()
	metrics.SharePrice.WithLabelValues(string(model.DepositPrice)).Set(res.DepositPricePerShare.InexactFloat64())
	if res.WithdrawalsProcessed {
		metrics.SharePrice.WithLabelValues(string(model.WithdrawalPrice)).Set(res.WithdrawalPricePerShare.InexactFloat64())
	} else {
		metrics.WithdrawalDeferrals.Inc()
		slog.Warn("withdrawals deferred, insufficient free collateral",
			"withdrawal_epoch", withdrawalEpoch,
		)
	}
	slog.Info("epoch executed",
		"deposit_epoch", depositEpoch,
		"nav", res.NAV.String(),
		"deposit_pps", res.DepositPricePerShare.String(),
		"withdrawal_pps", res.WithdrawalPricePerShare.String(),
		"shares_minted", res.SharesToMint.String(),
		"partitioned", res.TotalWithdrawAmount.String(),
		"withdrawals_processed", res.WithdrawalsProcessed,
	)
	return res, nil
}

func (tx *Tx) recordPrice(kind model.PriceKind, epoch uint64, res nav.EpochResult) error {
	table, price := tx.p.depositPrices, res.DepositPricePerShare
	if kind == model.WithdrawalPrice {
		table, price = tx.p.withdrawalPrices, res.WithdrawalPricePerShare
	}
	if err := table.Record(epoch, price); err != nil {
		return err
	}
	tx.changes.Prices = append(tx.changes.Prices, model.EpochPrice{Kind: kind, Epoch: epoch, Price: price})
	return nil
}

func (p *Pool) requireKeeper(caller common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.keepers[caller] {
		return fmt.Errorf("%w: %s", ErrUnauthorisedKeeper, caller.Hex())
	}
	return nil
}
