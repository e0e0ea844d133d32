package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when the feed has no rate for a pair.
var ErrNoPrice = errors.New("pricing: no price for pair")

// PriceFeed is the spot oracle: the price of base expressed in quote.
type PriceFeed interface {
	GetRate(ctx context.Context, base, quote common.Address) (decimal.Decimal, error)
}

// ManualPriceFeed is a settable PriceFeed for development and tests.
type ManualPriceFeed struct {
	mu    sync.RWMutex
	rates map[[2]common.Address]decimal.Decimal
}

// NewManualPriceFeed creates an empty feed.
func NewManualPriceFeed() *ManualPriceFeed {
	return &ManualPriceFeed{rates: make(map[[2]common.Address]decimal.Decimal)}
}

// SetRate sets the price of base in quote.
func (f *ManualPriceFeed) SetRate(base, quote common.Address, rate decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[[2]common.Address{base, quote}] = rate
}

func (f *ManualPriceFeed) GetRate(_ context.Context, base, quote common.Address) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.rates[[2]common.Address{base, quote}]
	if !ok || !r.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoPrice, base.Hex(), quote.Hex())
	}
	return r, nil
}
