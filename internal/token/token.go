// Package token implements the fungible synthetic token minted against
// collateralized positions.
package token

import (
	"errors"
	"fmt"
	"sync"

	fpmath "SynthLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrInsufficientTokens = errors.New("insufficient token balance")

// Token is the mint/burn surface an engine needs.
type Token interface {
	Address() common.Address
	Mint(to common.Address, amount fpmath.Decimal) error
	Burn(from common.Address, amount fpmath.Decimal) error
	Transfer(from, to common.Address, amount fpmath.Decimal) error
	BalanceOf(owner common.Address) fpmath.Decimal
	TotalSupply() fpmath.Decimal
}

// SyntheticToken is an in-memory fungible token with total-supply tracking.
type SyntheticToken struct {
	mu       sync.RWMutex
	address  common.Address
	name     string
	symbol   string
	balances map[common.Address]fpmath.Decimal
	supply   fpmath.Decimal
}

func (t *SyntheticToken) Address() common.Address { return t.address }
func (t *SyntheticToken) Name() string            { return t.name }
func (t *SyntheticToken) Symbol() string          { return t.symbol }

func (t *SyntheticToken) Mint(to common.Address, amount fpmath.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, err := t.supply.Add(amount)
	if err != nil {
		return fmt.Errorf("mint %s: %w", t.symbol, err)
	}
	// balance <= supply, so this cannot overflow once supply did not
	bal, _ := t.balances[to].Add(amount)
	t.supply = supply
	t.balances[to] = bal
	return nil
}

func (t *SyntheticToken) Burn(from common.Address, amount fpmath.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s %s, burn %s", ErrInsufficientTokens, from.Hex(), bal, t.symbol, amount)
	}
	t.balances[from], _ = bal.Sub(amount)
	t.supply, _ = t.supply.Sub(amount)
	if t.balances[from].IsZero() {
		delete(t.balances, from)
	}
	return nil
}

func (t *SyntheticToken) Transfer(from, to common.Address, amount fpmath.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s %s, transfer %s", ErrInsufficientTokens, from.Hex(), bal, t.symbol, amount)
	}
	t.balances[from], _ = bal.Sub(amount)
	t.balances[to], _ = t.balances[to].Add(amount)
	return nil
}

func (t *SyntheticToken) BalanceOf(owner common.Address) fpmath.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[owner]
}

func (t *SyntheticToken) TotalSupply() fpmath.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}

// Factory creates synthetic tokens and keeps them addressable.
type Factory struct {
	mu     sync.RWMutex
	tokens map[common.Address]*SyntheticToken
}

func NewFactory() *Factory {
	return &Factory{tokens: make(map[common.Address]*SyntheticToken)}
}

func (f *Factory) CreateToken(name, symbol string) (*SyntheticToken, error) {
	if name == "" || symbol == "" {
		return nil, errors.New("token name and symbol are required")
	}
	id := uuid.New()
	t := &SyntheticToken{
		address:  common.BytesToAddress(id[:]),
		name:     name,
		symbol:   symbol,
		balances: make(map[common.Address]fpmath.Decimal),
	}
	f.mu.Lock()
	f.tokens[t.address] = t
	f.mu.Unlock()
	return t, nil
}

func (f *Factory) Get(addr common.Address) (*SyntheticToken, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tokens[addr]
	return t, ok
}
