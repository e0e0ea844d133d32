// Package catalogue holds the set of option series the vault has approved for
// trading, each with independent buy and sell switches.
package catalogue

import (
	"errors"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/optvault/vault-engine/internal/model"
)

// ErrSeriesNotFound is returned when changing a series that was never issued.
var ErrSeriesNotFound = errors.New("catalogue: series not found")

// Entry is one catalogue line.
type Entry struct {
	Series     model.Series `json:"series"`
	Approved   bool         `json:"approved"`
	IsBuyable  bool         `json:"is_buyable"`
	IsSellable bool         `json:"is_sellable"`
}

// Option is the input to IssueNewSeries and ChangeOptionBuyOrSell.
type Option struct {
	Series     model.Series `json:"series"`
	IsBuyable  bool         `json:"is_buyable"`
	IsSellable bool         `json:"is_sellable"`
}

// Catalogue is safe for concurrent use.
type Catalogue struct {
	mu      sync.RWMutex
	entries map[common.Hash]*Entry
}

// New creates an empty catalogue.
func New() *Catalogue {
	return &Catalogue{entries: make(map[common.Hash]*Entry)}
}

// IssueNewSeries approves each option with its buy/sell switches. Reissuing
// an approved series overwrites the switches.
func (c *Catalogue) IssueNewSeries(opts []Option) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range opts {
		c.entries[o.Series.Hash()] = &Entry{
			Series:     o.Series,
			Approved:   true,
			IsBuyable:  o.IsBuyable,
			IsSellable: o.IsSellable,
		}
	}
}

// ChangeOptionBuyOrSell updates the switches of already issued series.
func (c *Catalogue) ChangeOptionBuyOrSell(opts []Option) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range opts {
		e, ok := c.entries[o.Series.Hash()]
		if !ok {
			return ErrSeriesNotFound
		}
		e.IsBuyable = o.IsBuyable
		e.IsSellable = o.IsSellable
	}
	return nil
}

// Revoke withdraws approval for a series.
func (c *Catalogue) Revoke(series model.Series) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[series.Hash()]
	if !ok {
		return ErrSeriesNotFound
	}
	e.Approved = false
	return nil
}

// Lookup returns the catalogue line for a series.
func (c *Catalogue) Lookup(series model.Series) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[series.Hash()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Expirations lists the distinct approved expirations in ascending order.
func (c *Catalogue) Expirations() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []int64
	for _, e := range c.entries {
		if e.Approved && !slices.Contains(out, e.Series.Expiration) {
			out = append(out, e.Series.Expiration)
		}
	}
	slices.Sort(out)
	return out
}

// Entries returns all lines for an expiration.
func (c *Catalogue) Entries(expiration int64) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entry
	for _, e := range c.entries {
		if e.Series.Expiration == expiration {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return a.Series.Strike.Cmp(b.Series.Strike)
	})
	return out
}
