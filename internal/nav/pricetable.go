package nav

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

// ErrPriceAlreadyRecorded is returned when an epoch's price is written twice.
var ErrPriceAlreadyRecorded = errors.New("nav: price already recorded for epoch")

// PriceTable is an append-only epoch → price-per-share mapping.
type PriceTable struct {
	mu     sync.RWMutex
	kind   model.PriceKind
	prices map[uint64]decimal.Decimal
}

// NewPriceTable creates an empty table.
func NewPriceTable(kind model.PriceKind) *PriceTable {
	return &PriceTable{kind: kind, prices: make(map[uint64]decimal.Decimal)}
}

// Kind reports which table this is.
func (t *PriceTable) Kind() model.PriceKind {
	return t.kind
}

// Record writes the price for epoch exactly once.
func (t *PriceTable) Record(epoch uint64, price decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.prices[epoch]; ok {
		return fmt.Errorf("%w: %s epoch %d is %s", ErrPriceAlreadyRecorded, t.kind, epoch, existing)
	}
	t.prices[epoch] = price
	return nil
}

// Price returns the price recorded for epoch.
func (t *PriceTable) Price(epoch uint64) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[epoch]
	return p, ok
}

// Load seeds the table from persisted entries of this kind.
func (t *PriceTable) Load(entries []model.EpochPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		if e.Kind == t.kind {
			t.prices[e.Epoch] = e.Price
		}
	}
}

// Checkpoint captures the table; calling the returned func restores it.
func (t *PriceTable) Checkpoint() (rollback func()) {
	t.mu.RLock()
	saved := maps.Clone(t.prices)
	t.mu.RUnlock()
	return func() {
		t.mu.Lock()
		t.prices = saved
		t.mu.Unlock()
	}
}
