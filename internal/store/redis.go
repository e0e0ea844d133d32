package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Epoch prices are write-once, so they are cached without expiry.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, cs *Changeset) error {
	if err := s.primary.Apply(ctx, cs); err != nil {
		return err
	}

	var keys []string
	if cs.Pool != nil {
		keys = append(keys, poolKey())
	}
	if len(cs.Exposures) > 0 {
		keys = append(keys, exposuresKey())
	}
	touched := make(map[common.Address]struct{})
	for addr := range cs.Deposits {
		touched[addr] = struct{}{}
	}
	for addr := range cs.Withdrawals {
		touched[addr] = struct{}{}
	}
	for addr := range cs.Shares {
		touched[addr] = struct{}{}
	}
	for addr := range touched {
		keys = append(keys, accountKey(addr))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPoolState(ctx context.Context) (*model.PoolState, error) {
	data, err := s.rdb.Get(ctx, poolKey()).Bytes()
	if err == nil {
		var p model.PoolState
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPoolState(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(), p, s.ttl)
	return p, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, addr common.Address) (Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(addr)).Bytes()
	if err == nil {
		var a Account
		if json.Unmarshal(data, &a) == nil {
			return a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, addr)
	if err != nil {
		return Account{}, err
	}
	s.cache(ctx, accountKey(addr), a, s.ttl)
	return a, nil
}

func (s *CachedStore) GetEpochPrice(ctx context.Context, kind model.PriceKind, epoch uint64) (decimal.Decimal, error) {
	key := epochPriceKey(kind, epoch)
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if p, err := decimal.NewFromString(v); err == nil {
			return p, nil
		}
	}

	p, err := s.primary.GetEpochPrice(ctx, kind, epoch)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, key, p.String(), 0)
	return p, nil
}

func (s *CachedStore) ListExposures(ctx context.Context) ([]model.ExposureRecord, error) {
	data, err := s.rdb.Get(ctx, exposuresKey()).Bytes()
	if err == nil {
		var out []model.ExposureRecord
		if json.Unmarshal(data, &out) == nil {
			return out, nil
		}
	}

	out, err := s.primary.ListExposures(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, exposuresKey(), out, s.ttl)
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Load(ctx context.Context) (Snapshot, error) {
	return s.primary.Load(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any, ttl time.Duration) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, ttl)
	}
}

func poolKey() string {
	return "vault:pool"
}

func exposuresKey() string {
	return "vault:exposures"
}

func accountKey(a common.Address) string {
	return fmt.Sprintf("vault:account:%s", a.Hex())
}

func epochPriceKey(kind model.PriceKind, epoch uint64) string {
	return fmt.Sprintf("vault:price:%s:%d", kind, epoch)
}
