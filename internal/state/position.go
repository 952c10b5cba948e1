package state

import (
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// WithdrawalRequest is a pending slow withdrawal.
type WithdrawalRequest struct {
	Amount      fpmath.Decimal
	RequestedAt time.Time
}

// PassesAt reports whether the liveness window has elapsed at now (inclusive).
func (w *WithdrawalRequest) PassesAt(now time.Time, liveness time.Duration) bool {
	return !now.Before(w.RequestedAt.Add(liveness))
}

// Position is one sponsor's collateralized debt.
type Position struct {
	Sponsor           common.Address
	Collateral        fpmath.Decimal
	TokensOutstanding fpmath.Decimal
	Withdrawal        *WithdrawalRequest // nil when none pending
	Version           int64
}

// Exists reports whether the position holds anything.
func (p *Position) Exists() bool {
	return !p.Collateral.IsZero() || !p.TokensOutstanding.IsZero()
}

// Ratio returns collateral per token. ok is false when there is no debt.
func (p *Position) Ratio() (ratio fpmath.Decimal, ok bool, err error) {
	if p.TokensOutstanding.IsZero() {
		return fpmath.Zero, false, nil
	}
	r, err := p.Collateral.Div(p.TokensOutstanding)
	return r, err == nil, err
}

// Clone returns a deep copy safe to hand to readers.
func (p *Position) Clone() Position {
	c := *p
	if p.Withdrawal != nil {
		w := *p.Withdrawal
		c.Withdrawal = &w
	}
	return c
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, p.Sponsor.Bytes()...)
	buf = p.Collateral.AppendBytes(buf)
	buf = p.TokensOutstanding.AppendBytes(buf)

	if p.Withdrawal != nil {
		buf = append(buf, 1)
		buf = p.Withdrawal.Amount.AppendBytes(buf)
		buf = appendInt64LE(buf, p.Withdrawal.RequestedAt.Unix())
	} else {
		buf = append(buf, 0)
	}

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
