package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeParty    AccountScope = iota // collateral a party holds outside the engine
	AccountScopeEngine                       // collateral custodied by the engine
	AccountScopeExternal                     // boundary: funds entering or leaving the system
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Party sub-types
	SubTypeWallet AccountSubType = iota

	// Engine sub-types
	SubTypePositionCollateral
	SubTypeLiquidationEscrow
	SubTypeDisputeBond
	SubTypeExpiryPool

	// External sub-types
	SubTypeExternalFunding
)

// AccountKey is the in-memory key for balance tracking.
// Owner is the party (wallet) or sponsor (engine accounts). Index is the
// per-sponsor liquidation id for escrow and bond accounts.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address
	SubType AccountSubType
	Index   uint64
}

// NewWalletKey creates the key for a party's collateral wallet
func NewWalletKey(party common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeParty, Owner: party, SubType: SubTypeWallet}
}

// NewPositionKey creates the key for a sponsor's position collateral
func NewPositionKey(sponsor common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeEngine, Owner: sponsor, SubType: SubTypePositionCollateral}
}

// NewEscrowKey creates the key for collateral locked by a liquidation
func NewEscrowKey(sponsor common.Address, liquidationID uint64) AccountKey {
	return AccountKey{Scope: AccountScopeEngine, Owner: sponsor, SubType: SubTypeLiquidationEscrow, Index: liquidationID}
}

// NewBondKey creates the key for a disputer's bond on a liquidation
func NewBondKey(sponsor common.Address, liquidationID uint64) AccountKey {
	return AccountKey{Scope: AccountScopeEngine, Owner: sponsor, SubType: SubTypeDisputeBond, Index: liquidationID}
}

// NewExpiryPoolKey creates the key for the post-expiration redemption pool
func NewExpiryPoolKey() AccountKey {
	return AccountKey{Scope: AccountScopeEngine, SubType: SubTypeExpiryPool}
}

// NewExternalKey creates the boundary account collateral enters and leaves through
func NewExternalKey() AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: SubTypeExternalFunding}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeParty:
		return fmt.Sprintf("party:%s:%s", k.Owner.Hex(), k.SubTypeName())
	case AccountScopeEngine:
		switch k.SubType {
		case SubTypeLiquidationEscrow, SubTypeDisputeBond:
			return fmt.Sprintf("engine:%s:%s:%d", k.Owner.Hex(), k.SubTypeName(), k.Index)
		case SubTypeExpiryPool:
			return "engine:expiry_pool"
		}
		return fmt.Sprintf("engine:%s:%s", k.Owner.Hex(), k.SubTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.SubTypeName())
	}
	return "unknown"
}

// SubTypeName returns the purpose segment of the account path
func (k AccountKey) SubTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypePositionCollateral:
		return "position"
	case SubTypeLiquidationEscrow:
		return "escrow"
	case SubTypeDisputeBond:
		return "bond"
	case SubTypeExpiryPool:
		return "expiry_pool"
	case SubTypeExternalFunding:
		return "funding"
	default:
		return "unknown"
	}
}

// IsExternal reports whether the account is the system boundary
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}
