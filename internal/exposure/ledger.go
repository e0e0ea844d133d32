// Package exposure keeps the vault's per-series long/short book. Net exposure
// (short minus long) feeds the quoting engine's slippage model.
//
// The ledger performs no validation beyond series identity; quantity and sign
// checks belong to the settlement engine, which is the only writer.
package exposure

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
)

// Ledger is the Exposure Ledger.
type Ledger struct {
	mu      sync.RWMutex
	records map[common.Hash]*model.ExposureRecord
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[common.Hash]*model.ExposureRecord)}
}

// Load replaces the ledger contents with persisted records.
func (l *Ledger) Load(records []model.ExposureRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[common.Hash]*model.ExposureRecord, len(records))
	for _, r := range records {
		rec := r
		rec.SeriesHash = r.Series.Hash()
		l.records[rec.SeriesHash] = &rec
	}
}

// RecordExposureChange adds quantityDelta to the chosen leg, creating the
// record on first use. Returns the updated record.
func (l *Ledger) RecordExposureChange(series model.Series, quantityDelta decimal.Decimal, dir model.Direction) model.ExposureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := series.Hash()
	rec, ok := l.records[h]
	if !ok {
		rec = &model.ExposureRecord{Series: series, SeriesHash: h}
		l.records[h] = rec
	}
	switch dir {
	case model.Long:
		rec.LongExposure = rec.LongExposure.Add(quantityDelta)
	case model.Short:
		rec.ShortExposure = rec.ShortExposure.Add(quantityDelta)
	}
	return *rec
}

// NetExposure returns short minus long for the series; zero when unknown.
func (l *Ledger) NetExposure(series model.Series) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.records[series.Hash()]; ok {
		return rec.NetExposure()
	}
	return decimal.Zero
}

// Record returns a copy of the series record.
func (l *Ledger) Record(series model.Series) (model.ExposureRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[series.Hash()]
	if !ok {
		return model.ExposureRecord{}, false
	}
	return *rec, true
}

// Records returns copies of all records ordered by expiration then strike.
func (l *Ledger) Records() []model.ExposureRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.ExposureRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Series, out[j].Series
		if a.Expiration != b.Expiration {
			return a.Expiration < b.Expiration
		}
		if !a.Strike.Equal(b.Strike) {
			return a.Strike.LessThan(b.Strike)
		}
		return !a.IsPut && b.IsPut
	})
	return out
}

// Reconcile zeroes both legs once the series has been settled after expiry.
func (l *Ledger) Reconcile(series model.Series) model.ExposureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := series.Hash()
	rec, ok := l.records[h]
	if !ok {
		rec = &model.ExposureRecord{Series: series, SeriesHash: h}
		l.records[h] = rec
	}
	rec.LongExposure = decimal.Zero
	rec.ShortExposure = decimal.Zero
	return *rec
}

// Checkpoint captures the ledger; calling the returned func restores it.
func (l *Ledger) Checkpoint() (rollback func()) {
	l.mu.RLock()
	saved := make(map[common.Hash]model.ExposureRecord, len(l.records))
	for h, r := range l.records {
		saved[h] = *r
	}
	l.mu.RUnlock()

	return func() {
		restored := make(map[common.Hash]*model.ExposureRecord, len(saved))
		for h, r := range saved {
			rec := r
			restored[h] = &rec
		}
		l.mu.Lock()
		l.records = restored
		l.mu.Unlock()
	}
}
