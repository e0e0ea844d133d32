package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

type priceKey struct {
	kind  model.PriceKind
	epoch uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	pool        *model.PoolState
	exposures   map[common.Hash]model.ExposureRecord
	deposits    map[common.Address]model.DepositReceipt
	withdrawals map[common.Address]model.WithdrawalReceipt
	shares      map[common.Address]decimal.Decimal
	prices      map[priceKey]decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exposures:   make(map[common.Hash]model.ExposureRecord),
		deposits:    make(map[common.Address]model.DepositReceipt),
		withdrawals: make(map[common.Address]model.WithdrawalReceipt),
		shares:      make(map[common.Address]decimal.Decimal),
		prices:      make(map[priceKey]decimal.Decimal),
	}
}

func (s *MemoryStore) Apply(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check write-once prices before touching anything.
	for _, p := range cs.Prices {
		if _, ok := s.prices[priceKey{p.Kind, p.Epoch}]; ok {
			return fmt.Errorf("%w: %s epoch %d", ErrPriceExists, p.Kind, p.Epoch)
		}
	}

	if cs.Pool != nil {
		copy := *cs.Pool
		s.pool = &copy
	}
	for _, e := range cs.Exposures {
		s.exposures[e.Series.Hash()] = e
	}
	for addr, r := range cs.Deposits {
		s.deposits[addr] = r
	}
	for addr, r := range cs.Withdrawals {
		s.withdrawals[addr] = r
	}
	for addr, bal := range cs.Shares {
		s.shares[addr] = bal
	}
	for _, p := range cs.Prices {
		s.prices[priceKey{p.Kind, p.Epoch}] = p.Price
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Deposits:    maps.Clone(s.deposits),
		Withdrawals: maps.Clone(s.withdrawals),
		Shares:      maps.Clone(s.shares),
	}
	if s.pool != nil {
		copy := *s.pool
		snap.Pool = &copy
	}
	for _, e := range s.exposures {
		snap.Exposures = append(snap.Exposures, e)
	}
	for k, p := range s.prices {
		snap.Prices = append(snap.Prices, model.EpochPrice{Kind: k.kind, Epoch: k.epoch, Price: p})
	}
	sort.Slice(snap.Prices, func(i, j int) bool {
		if snap.Prices[i].Kind != snap.Prices[j].Kind {
			return snap.Prices[i].Kind < snap.Prices[j].Kind
		}
		return snap.Prices[i].Epoch < snap.Prices[j].Epoch
	})
	return snap, nil
}

func (s *MemoryStore) GetPoolState(_ context.Context) (*model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ErrNotFound
	}
	copy := *s.pool
	return &copy, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, addr common.Address) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Account{
		Address:    addr,
		Shares:     s.shares[addr],
		Deposit:    s.deposits[addr],
		Withdrawal: s.withdrawals[addr],
	}, nil
}

func (s *MemoryStore) GetEpochPrice(_ context.Context, kind model.PriceKind, epoch uint64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[priceKey{kind, epoch}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s price for epoch %d", ErrNotFound, kind, epoch)
	}
	return p, nil
}

func (s *MemoryStore) ListExposures(_ context.Context) ([]model.ExposureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ExposureRecord, 0, len(s.exposures))
	for _, e := range s.exposures {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Series.Expiration < out[j].Series.Expiration ||
			(out[i].Series.Expiration == out[j].Series.Expiration && out[i].Series.Strike.LessThan(out[j].Series.Strike))
	})
	return out, nil
}
