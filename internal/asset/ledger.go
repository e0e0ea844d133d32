// Package asset keeps ERC20-style balances of the collateral asset.
//
// It stands in for the token contract the pool, traders and the margin engine
// move collateral through. Every mutation is reversible through Checkpoint so
// a failed settlement batch leaves balances untouched.
package asset

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the sender's balance.
	ErrInsufficientBalance = errors.New("asset: insufficient balance")

	// ErrInvalidAmount is returned for negative transfer amounts.
	ErrInvalidAmount = errors.New("asset: amount must not be negative")
)

// Ledger holds balances for a single asset.
type Ledger struct {
	mu       sync.RWMutex
	symbol   string
	balances map[common.Address]decimal.Decimal
}

// NewLedger creates an empty ledger.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:   symbol,
		balances: make(map[common.Address]decimal.Decimal),
	}
}

// Symbol returns the asset symbol.
func (l *Ledger) Symbol() string {
	return l.symbol
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr common.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

// Mint credits addr out of thin air. Used for faucets and test seeding.
func (l *Ledger) Mint(addr common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = l.balances[addr].Add(amount)
	return nil
}

// Burn removes amount from addr.
func (l *Ledger) Burn(addr common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[addr]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, burning %s",
			ErrInsufficientBalance, addr.Hex(), bal, l.symbol, amount)
	}
	l.balances[addr] = bal.Sub(amount)
	return nil
}

// Load seeds balances, replacing any existing entries for those addresses.
func (l *Ledger) Load(balances map[common.Address]decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, bal := range balances {
		l.balances[addr] = bal
	}
}

// Transfer moves amount from one address to another.
func (l *Ledger) Transfer(from, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, from.Hex(), bal, l.symbol, amount)
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// Checkpoint captures all balances; calling the returned func restores them.
func (l *Ledger) Checkpoint() (rollback func()) {
	l.mu.RLock()
	saved := maps.Clone(l.balances)
	l.mu.RUnlock()

	return func() {
		l.mu.Lock()
		l.balances = saved
		l.mu.Unlock()
	}
}
