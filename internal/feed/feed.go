// Package feed is an in-process Portfolio Values Feed. It values the pool's
// exposure book at fair value when a fulfiller asks it to, and clears the
// pool's ephemeral accumulators in the same pool transaction so that the
// figures and the reset are never observed apart.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/fixedpoint"
	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/pool"
)

// ErrUnauthorisedFulfiller is returned when Fulfill is called by an address
// outside the fulfiller allow-list.
var ErrUnauthorisedFulfiller = errors.New("feed: caller is not a fulfiller")

// Valuer prices one contract of a series without spreads.
type Valuer interface {
	FairValue(ctx context.Context, series model.Series) (price, delta decimal.Decimal, err error)
}

// SpotSource supplies the underlying price recorded with each snapshot.
type SpotSource interface {
	GetRate(ctx context.Context, base, quote common.Address) (decimal.Decimal, error)
}

// BookSource lists the pool's exposure records.
type BookSource interface {
	Records() []model.ExposureRecord
}

type pair struct {
	underlying  common.Address
	strikeAsset common.Address
}

// Feed is the Portfolio Values Feed.
type Feed struct {
	mu         sync.RWMutex
	pool       *pool.Pool
	address    common.Address
	valuer     Valuer
	spot       SpotSource
	book       BookSource
	fulfillers map[common.Address]bool
	values     map[pair]model.PortfolioValues
	requests   map[pair]time.Time
	now        func() time.Time
}

// New creates a feed that acts on p as handler address. address must be a
// registered pool handler for Fulfill to succeed.
func New(p *pool.Pool, address common.Address, valuer Valuer, spot SpotSource, book BookSource, fulfillers []common.Address) *Feed {
	f := &Feed{
		pool:       p,
		address:    address,
		valuer:     valuer,
		spot:       spot,
		book:       book,
		fulfillers: make(map[common.Address]bool),
		values:     make(map[pair]model.PortfolioValues),
		requests:   make(map[pair]time.Time),
		now:        time.Now,
	}
	for _, a := range fulfillers {
		f.fulfillers[a] = true
	}
	return f
}

// SetFulfiller grants or revokes fulfiller rights.
func (f *Feed) SetFulfiller(addr common.Address, auth bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfillers[addr] = auth
}

// RequestFulfillment records that fresh values are wanted. It does not
// compute anything.
func (f *Feed) RequestFulfillment(_ context.Context, underlying, strikeAsset common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[pair{underlying, strikeAsset}] = f.now()
	slog.Info("portfolio values requested", "underlying", underlying.Hex(), "strike_asset", strikeAsset.Hex())
	return nil
}

// Pending reports whether a request for the pair is outstanding.
func (f *Feed) Pending(underlying, strikeAsset common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.requests[pair{underlying, strikeAsset}]
	return ok
}

// Fulfill values the book for the pair and resets the pool's ephemeral
// accumulators atomically.
func (f *Feed) Fulfill(ctx context.Context, caller, underlying, strikeAsset common.Address) (model.PortfolioValues, error) {
	f.mu.RLock()
	authorised := f.fulfillers[caller]
	f.mu.RUnlock()
	if !authorised {
		return model.PortfolioValues{}, fmt.Errorf("%w: %s", ErrUnauthorisedFulfiller, caller.Hex())
	}

	key := pair{underlying, strikeAsset}
	var values model.PortfolioValues
	err := f.pool.Transact(ctx, f.address, func(tx *pool.Tx) error {
		var err error
		values, err = f.compute(ctx, underlying, strikeAsset)
		if err != nil {
			return err
		}

		f.mu.Lock()
		prev, hadPrev := f.values[key]
		prevRequest, hadRequest := f.requests[key]
		f.values[key] = values
		delete(f.requests, key)
		f.mu.Unlock()
		tx.OnRollback(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if hadPrev {
				f.values[key] = prev
			} else {
				delete(f.values, key)
			}
			if hadRequest {
				f.requests[key] = prevRequest
			}
		})

		tx.ResetEphemeralValues()
		tx.Emit(events.TypeFulfilled, values)
		return nil
	})
	if err != nil {
		return model.PortfolioValues{}, err
	}

	slog.Info("portfolio values fulfilled",
		"underlying", underlying.Hex(),
		"delta", values.Delta.String(),
		"liabilities", values.Liabilities.String(),
		"spot", values.Spot.String(),
	)
	return values, nil
}

// PortfolioValues returns the last fulfilled snapshot for the pair.
func (f *Feed) PortfolioValues(underlying, strikeAsset common.Address) (model.PortfolioValues, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[pair{underlying, strikeAsset}]
	return v, ok
}

// AggregateDelta returns the pool's delta from the last snapshot.
func (f *Feed) AggregateDelta(underlying, strikeAsset common.Address) (decimal.Decimal, bool) {
	v, ok := f.PortfolioValues(underlying, strikeAsset)
	return v.Delta, ok
}

// compute values every record of the pair: liabilities are the net short
// contracts times fair value, delta is the negated net times option delta.
func (f *Feed) compute(ctx context.Context, underlying, strikeAsset common.Address) (model.PortfolioValues, error) {
	spot, err := f.spot.GetRate(ctx, underlying, strikeAsset)
	if err != nil {
		return model.PortfolioValues{}, fmt.Errorf("feed: spot: %w", err)
	}
	liabilities, delta := decimal.Zero, decimal.Zero
	for _, rec := range f.book.Records() {
		if rec.Series.Underlying != underlying || rec.Series.StrikeAsset != strikeAsset {
			continue
		}
		net := rec.NetExposure()
		if net.IsZero() {
			continue
		}
		price, unitDelta, err := f.valuer.FairValue(ctx, rec.Series)
		if err != nil {
			return model.PortfolioValues{}, fmt.Errorf("feed: value %s: %w", rec.Series, err)
		}
		liabilities = liabilities.Add(net.Mul(price))
		delta = delta.Sub(net.Mul(unitDelta))
	}
	return model.PortfolioValues{
		Underlying:  underlying,
		StrikeAsset: strikeAsset,
		Delta:       fixedpoint.Wad(delta),
		Liabilities: fixedpoint.Collateral(liabilities),
		Spot:        spot,
		UpdatedAt:   f.now().UTC(),
	}, nil
}
