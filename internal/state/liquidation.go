package state

import (
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidationStatus is the dispute state of a liquidation record
type LiquidationStatus int32

const (
	LiquidationPreDispute LiquidationStatus = iota
	LiquidationDisputed
	LiquidationDisputeSucceeded
	LiquidationDisputeFailed
	LiquidationExpired
)

func (ls LiquidationStatus) String() string {
	switch ls {
	case LiquidationPreDispute:
		return "PreDispute"
	case LiquidationDisputed:
		return "Disputed"
	case LiquidationDisputeSucceeded:
		return "DisputeSucceeded"
	case LiquidationDisputeFailed:
		return "DisputeFailed"
	case LiquidationExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether only withdrawal is left.
func (ls LiquidationStatus) IsTerminal() bool {
	return ls == LiquidationDisputeSucceeded || ls == LiquidationDisputeFailed || ls == LiquidationExpired
}

var validLiquidationTransitions = map[LiquidationStatus][]LiquidationStatus{
	LiquidationPreDispute: {
		LiquidationDisputed,
		LiquidationExpired,
	},
	LiquidationDisputed: {
		LiquidationDisputeSucceeded,
		LiquidationDisputeFailed,
	},
}

// CanTransitionTo validates state transitions
func (ls LiquidationStatus) CanTransitionTo(next LiquidationStatus) bool {
	for _, allowed := range validLiquidationTransitions[ls] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Role is a party's claim on a liquidation record.
type Role uint8

const (
	RoleLiquidator Role = iota
	RoleSponsor
	RoleDisputer
)

var allRoles = [...]Role{RoleLiquidator, RoleSponsor, RoleDisputer}

func (r Role) String() string {
	switch r {
	case RoleLiquidator:
		return "liquidator"
	case RoleSponsor:
		return "sponsor"
	case RoleDisputer:
		return "disputer"
	default:
		return "unknown"
	}
}

// Liquidation is one liquidation record, addressed by (Sponsor, ID).
type Liquidation struct {
	ID         uint64
	Sponsor    common.Address
	Liquidator common.Address
	Disputer   common.Address // zero until disputed

	Status           LiquidationStatus
	LockedCollateral fpmath.Decimal
	TokensLiquidated fpmath.Decimal
	LiquidationPrice fpmath.Decimal // locked collateral per token at request time
	RequestedAt      time.Time
	DisputeBond      fpmath.Decimal

	SettlementPrice    fpmath.Decimal
	HasSettlementPrice bool

	Payout   *Payout // set when the record reaches a terminal state
	paid     [len(allRoles)]bool
	Archived bool
}

// LivenessEndsAt is when the dispute window closes.
func (l *Liquidation) LivenessEndsAt(liveness time.Duration) time.Time {
	return l.RequestedAt.Add(liveness)
}

// DisputableAt reports now < requestTime + liveness.
func (l *Liquidation) DisputableAt(now time.Time, liveness time.Duration) bool {
	return now.Before(l.LivenessEndsAt(liveness))
}

// HasRole reports whether addr holds role on this record.
func (l *Liquidation) HasRole(addr common.Address, role Role) bool {
	switch role {
	case RoleLiquidator:
		return l.Liquidator == addr
	case RoleSponsor:
		return l.Sponsor == addr
	case RoleDisputer:
		return l.Status != LiquidationPreDispute && l.Status != LiquidationExpired && l.Disputer == addr
	}
	return false
}

// Roles lists every role addr holds.
func (l *Liquidation) Roles(addr common.Address) []Role {
	var out []Role
	for _, r := range allRoles {
		if l.HasRole(addr, r) {
			out = append(out, r)
		}
	}
	return out
}

func (l *Liquidation) Paid(role Role) bool { return l.paid[role] }

func (l *Liquidation) MarkPaid(role Role) { l.paid[role] = true }

// FullyPaid reports whether every role with a non-zero share has withdrawn.
func (l *Liquidation) FullyPaid() bool {
	if l.Payout == nil {
		return false
	}
	for _, r := range allRoles {
		if !l.Payout.For(r).IsZero() && !l.paid[r] {
			return false
		}
	}
	return true
}

// Clone returns a copy safe to hand to readers.
func (l *Liquidation) Clone() Liquidation {
	c := *l
	if l.Payout != nil {
		p := *l.Payout
		c.Payout = &p
	}
	return c
}

// CanonicalBytes returns deterministic serialization for hashing
func (l *Liquidation) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, l.Sponsor.Bytes()...)
	buf = appendInt64LE(buf, int64(l.ID))
	buf = append(buf, l.Liquidator.Bytes()...)
	buf = append(buf, l.Disputer.Bytes()...)
	buf = append(buf, byte(l.Status))
	buf = l.LockedCollateral.AppendBytes(buf)
	buf = l.TokensLiquidated.AppendBytes(buf)
	buf = l.DisputeBond.AppendBytes(buf)
	buf = appendInt64LE(buf, l.RequestedAt.Unix())
	for _, r := range allRoles {
		if l.paid[r] {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}
