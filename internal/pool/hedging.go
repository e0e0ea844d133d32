package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/metrics"
)

var (
	ErrInvalidReactor = errors.New("pool: no hedging reactor at index")
	ErrReactorExists  = errors.New("pool: hedging reactor already registered")
	ErrReactorNotFlat = errors.New("pool: hedging reactor still carries delta")
)

// HedgingReactor holds a delta hedge for the pool. A reactor draws the
// collateral it needs from the pool account and sends it back on Withdraw;
// the pool books every movement against its own balance.
type HedgingReactor interface {
	Address() common.Address

	// HedgeDelta offsets delta: a negative delta is bought, a positive one
	// sold as far as the reactor's position allows. It returns the change
	// in the reactor's own delta.
	HedgeDelta(ctx context.Context, delta decimal.Decimal) (decimal.Decimal, error)

	// Withdraw returns up to amount of idle collateral to the pool and
	// reports how much moved.
	Withdraw(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)

	Delta() decimal.Decimal
	Value(ctx context.Context) (decimal.Decimal, error)
	Checkpoint() (rollback func())
}

// SetHedgingReactor appends r to the pool's reactors. Governor only.
func (p *Pool) SetHedgingReactor(ctx context.Context, caller common.Address, r HedgingReactor) error {
	return p.governed(ctx, caller, func(tx *Tx) error {
		if slices.ContainsFunc(p.reactors, func(x HedgingReactor) bool { return x.Address() == r.Address() }) {
			return fmt.Errorf("%w: %s", ErrReactorExists, r.Address().Hex())
		}
		p.reactors = append(p.reactors, r)
		if err := tx.refreshHedges(); err != nil {
			return err
		}
		tx.emit(events.TypeParametersChanged, map[string]string{"hedging_reactor_added": r.Address().Hex()})
		return nil
	})
}

// RemoveHedgingReactor flattens the reactor at index, pulls its collateral
// back into the pool and drops it. Governor only.
func (p *Pool) RemoveHedgingReactor(ctx context.Context, caller common.Address, index int) error {
	return p.governed(ctx, caller, func(tx *Tx) error {
		r, err := p.reactorAt(index)
		if err != nil {
			return err
		}
		tx.OnRollback(r.Checkpoint())
		err = tx.throughReactor(func() error {
			if delta := r.Delta(); !delta.IsZero() {
				if _, err := r.HedgeDelta(ctx, delta); err != nil {
					return err
				}
			}
			_, err := r.Withdraw(ctx, p.collateral.BalanceOf(r.Address()))
			return err
		})
		if err != nil {
			return err
		}
		if !r.Delta().IsZero() {
			return fmt.Errorf("%w: %s holds %s", ErrReactorNotFlat, r.Address().Hex(), r.Delta())
		}
		p.reactors = slices.Delete(slices.Clone(p.reactors), index, index+1)
		if err := tx.refreshHedges(); err != nil {
			return err
		}
		tx.emit(events.TypeParametersChanged, map[string]string{"hedging_reactor_removed": r.Address().Hex()})
		return nil
	})
}

// HedgingReactors lists the registered reactors in index order.
func (p *Pool) HedgingReactors() []common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]common.Address, len(p.reactors))
	for i, r := range p.reactors {
		out[i] = r.Address()
	}
	return out
}

// RebalancePortfolioDelta asks the reactor at index to hedge delta and
// returns the change in its delta. Keeper only. Passing PortfolioDelta
// flattens the pool as far as the reactor can.
func (p *Pool) RebalancePortfolioDelta(ctx context.Context, caller common.Address, delta decimal.Decimal, index int) (decimal.Decimal, error) {
	if err := p.requireKeeper(caller); err != nil {
		return decimal.Zero, err
	}
	var (
		change  decimal.Decimal
		reactor common.Address
	)
	err := p.atomic(ctx, caller, func(tx *Tx) error {
		r, err := p.reactorAt(index)
		if err != nil {
			return err
		}
		reactor = r.Address()
		tx.OnRollback(r.Checkpoint())
		err = tx.throughReactor(func() error {
			var err error
			change, err = r.HedgeDelta(ctx, delta)
			return err
		})
		if err != nil {
			return fmt.Errorf("pool: hedge %s: %w", reactor.Hex(), err)
		}
		if err := tx.refreshHedges(); err != nil {
			return err
		}
		tx.emit(events.TypeDeltaHedged, map[string]any{
			"reactor":      reactor.Hex(),
			"requested":    delta,
			"delta_change": change,
		})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	metrics.HedgeRebalances.WithLabelValues(reactor.Hex()).Inc()
	slog.Info("portfolio delta rebalanced",
		"keeper", caller.Hex(),
		"reactor", reactor.Hex(),
		"requested", delta.String(),
		"delta_change", change.String(),
	)
	return change, nil
}

// PortfolioDelta is the fulfilled book delta plus delta written since the
// last fulfillment plus the reactors' hedges.
func (p *Pool) PortfolioDelta() (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.feed == nil {
		return decimal.Zero, ErrFeedNotConfigured
	}
	values, ok := p.feed.PortfolioValues(p.underlying, p.strikeAsset)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no values for %s/%s", ErrAwaitingFulfillment, p.underlying.Hex(), p.strikeAsset.Hex())
	}
	delta := values.Delta.Add(p.state.Ephemeral.Delta)
	for _, r := range p.reactors {
		delta = delta.Add(r.Delta())
	}
	return delta, nil
}

func (p *Pool) reactorAt(index int) (HedgingReactor, error) {
	if index < 0 || index >= len(p.reactors) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidReactor, index)
	}
	return p.reactors[index], nil
}

func (p *Pool) reactorsValue(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range p.reactors {
		v, err := r.Value(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("pool: value reactor %s: %w", r.Address().Hex(), err)
		}
		total = total.Add(v)
	}
	return total, nil
}

// throughReactor runs fn and books the collateral it moved in or out of the
// pool account.
func (tx *Tx) throughReactor(fn func() error) error {
	before := tx.p.collateral.BalanceOf(tx.p.address)
	if err := fn(); err != nil {
		return err
	}
	moved := tx.p.collateral.BalanceOf(tx.p.address).Sub(before)
	tx.state.CollateralBalance = tx.state.CollateralBalance.Add(moved)
	return nil
}

// refreshHedges records the reactors' totals on the working state.
func (tx *Tx) refreshHedges() error {
	delta := decimal.Zero
	for _, r := range tx.p.reactors {
		delta = delta.Add(r.Delta())
	}
	value, err := tx.p.reactorsValue(tx.ctx)
	if err != nil {
		return err
	}
	tx.state.ReactorDelta = delta
	tx.state.ReactorValue = value
	return nil
}
