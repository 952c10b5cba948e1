// Package whitelist holds the externally mutable membership sets consulted
// before admitting a collateral currency or a price identifier.
package whitelist

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralGate answers whether a collateral currency is accepted.
type CollateralGate interface {
	IsOnWhitelist(token common.Address) bool
}

// IdentifierGate answers whether a price identifier is supported.
type IdentifierGate interface {
	IsIdentifierSupported(id Identifier) bool
}

// AddressWhitelist is a concurrent set of addresses.
type AddressWhitelist struct {
	mu      sync.RWMutex
	members map[common.Address]struct{}
}

func NewAddressWhitelist() *AddressWhitelist {
	return &AddressWhitelist{members: make(map[common.Address]struct{})}
}

func (w *AddressWhitelist) AddToWhitelist(addr common.Address) {
	w.mu.Lock()
	w.members[addr] = struct{}{}
	w.mu.Unlock()
}

func (w *AddressWhitelist) RemoveFromWhitelist(addr common.Address) {
	w.mu.Lock()
	delete(w.members, addr)
	w.mu.Unlock()
}

func (w *AddressWhitelist) IsOnWhitelist(addr common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.members[addr]
	return ok
}

// GetWhitelist returns the members in byte order.
func (w *AddressWhitelist) GetWhitelist() []common.Address {
	w.mu.RLock()
	out := make([]common.Address, 0, len(w.members))
	for a := range w.members {
		out = append(out, a)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Identifier is a right-padded 32-byte price identifier, e.g. "UMATEST".
type Identifier [32]byte

// NewIdentifier pads (or truncates) name into an Identifier.
func NewIdentifier(name string) Identifier {
	var id Identifier
	copy(id[:], name)
	return id
}

func (id Identifier) String() string {
	return string(bytes.TrimRight(id[:], "\x00"))
}

// IdentifierWhitelist is a concurrent set of supported identifiers.
type IdentifierWhitelist struct {
	mu  sync.RWMutex
	ids map[Identifier]struct{}
}

func NewIdentifierWhitelist() *IdentifierWhitelist {
	return &IdentifierWhitelist{ids: make(map[Identifier]struct{})}
}

func (w *IdentifierWhitelist) AddSupportedIdentifier(id Identifier) {
	w.mu.Lock()
	w.ids[id] = struct{}{}
	w.mu.Unlock()
}

func (w *IdentifierWhitelist) RemoveSupportedIdentifier(id Identifier) {
	w.mu.Lock()
	delete(w.ids, id)
	w.mu.Unlock()
}

func (w *IdentifierWhitelist) IsIdentifierSupported(id Identifier) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.ids[id]
	return ok
}
