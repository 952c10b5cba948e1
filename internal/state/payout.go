package state

import (
	"errors"
	"fmt"

	fpmath "SynthLedger/internal/math"
)

// Share is what one role receives, by source account.
type Share struct {
	FromEscrow fpmath.Decimal
	FromBond   fpmath.Decimal
}

func (s Share) IsZero() bool { return s.FromEscrow.IsZero() && s.FromBond.IsZero() }

func (s Share) Total() (fpmath.Decimal, error) { return s.FromEscrow.Add(s.FromBond) }

// Payout splits locked collateral (escrow) and the dispute bond between the
// three roles. Every payout adds up to exactly LockedCollateral + DisputeBond.
type Payout struct {
	Liquidator Share
	Sponsor    Share
	Disputer   Share
}

func (p *Payout) For(role Role) Share {
	switch role {
	case RoleLiquidator:
		return p.Liquidator
	case RoleSponsor:
		return p.Sponsor
	case RoleDisputer:
		return p.Disputer
	}
	return Share{}
}

// Total sums every share.
func (p *Payout) Total() (fpmath.Decimal, error) {
	return fpmath.Sum(
		p.Liquidator.FromEscrow, p.Liquidator.FromBond,
		p.Sponsor.FromEscrow, p.Sponsor.FromBond,
		p.Disputer.FromEscrow, p.Disputer.FromBond,
	)
}

var ErrNotResolved = errors.New("liquidation not resolved")

// ComputePayout returns the distribution for a terminal record.
//
//	Expired:          liquidator gets L.
//	DisputeFailed:    liquidator gets L + floor(dPct*B), sponsor floor(sPct*B),
//	                  disputer the rest of B.
//	DisputeSucceeded: with TRV = min(floor(tokens*price), L), disputer gets
//	                  B + floor(dPct*TRV), liquidator floor((1-sPct-dPct)*TRV),
//	                  sponsor the rest of L.
//
// On a successful dispute the sponsor receives L - TRV + floor(sPct*TRV) plus
// rounding dust, not all of L: the liquidator keeps (1-sPct-dPct)*TRV as
// payment for the tokens it burned.
func ComputePayout(l *Liquidation, p *Params) (*Payout, error) {
	locked, bond := l.LockedCollateral, l.DisputeBond

	switch l.Status {
	case LiquidationExpired:
		return &Payout{Liquidator: Share{FromEscrow: locked}}, nil

	case LiquidationDisputeFailed:
		shares, rest, err := fpmath.Split(bond, p.DisputerDisputeRewardPct, p.SponsorDisputeRewardPct)
		if err != nil {
			return nil, fmt.Errorf("split bond: %w", err)
		}
		return &Payout{
			Liquidator: Share{FromEscrow: locked, FromBond: shares[0]},
			Sponsor:    Share{FromBond: shares[1]},
			Disputer:   Share{FromBond: rest},
		}, nil

	case LiquidationDisputeSucceeded:
		if !l.HasSettlementPrice {
			return nil, fmt.Errorf("dispute succeeded without settlement price")
		}
		trv, err := TokenRedemptionValue(l.TokensLiquidated, l.SettlementPrice, locked)
		if err != nil {
			return nil, err
		}
		liqPct, err := fpmath.Complement(p.SponsorDisputeRewardPct, p.DisputerDisputeRewardPct)
		if err != nil {
			return nil, fmt.Errorf("reward pcts: %w", err)
		}
		shares, rest, err := fpmath.Split(trv, p.DisputerDisputeRewardPct, liqPct)
		if err != nil {
			return nil, fmt.Errorf("split redemption value: %w", err)
		}
		// locked >= trv, so the sponsor residual is non-negative
		excess, _ := locked.Sub(trv)
		sponsor, err := excess.Add(rest)
		if err != nil {
			return nil, err
		}
		return &Payout{
			Liquidator: Share{FromEscrow: shares[1]},
			Sponsor:    Share{FromEscrow: sponsor},
			Disputer:   Share{FromEscrow: shares[0], FromBond: bond},
		}, nil
	}
	return nil, fmt.Errorf("%w: status %s", ErrNotResolved, l.Status)
}

// TokenRedemptionValue is min(floor(tokens*price), locked).
func TokenRedemptionValue(tokens, price, locked fpmath.Decimal) (fpmath.Decimal, error) {
	v, err := tokens.Mul(price)
	if err != nil {
		return fpmath.Zero, err
	}
	return fpmath.Min(v, locked), nil
}

// DisputeSucceeds reports whether the position was adequately collateralized
// at the settlement price: locked >= tokens * price * requirement.
func DisputeSucceeds(l *Liquidation, price, requirement fpmath.Decimal) (bool, error) {
	value, err := fpmath.MulDiv(l.TokensLiquidated, price, fpmath.One, fpmath.RoundUp)
	if err != nil {
		return false, err
	}
	required, err := fpmath.MulDiv(value, requirement, fpmath.One, fpmath.RoundUp)
	if err != nil {
		return false, err
	}
	return l.LockedCollateral.GreaterOrEqual(required), nil
}
