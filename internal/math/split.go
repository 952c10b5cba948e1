package math

import "fmt"

// Split carves percentage shares out of amount. Each share is
// floor(amount * pct), so the shares can never add up to more than amount;
// whatever the flooring leaves behind is returned as the remainder and must be
// routed to a fallback party by the caller.
func Split(amount Decimal, pcts ...Decimal) (shares []Decimal, remainder Decimal, err error) {
	totalPct, err := Sum(pcts...)
	if err != nil {
		return nil, Zero, err
	}
	if totalPct.GreaterThan(One) {
		return nil, Zero, fmt.Errorf("split percentages sum to %s > 1", totalPct)
	}

	shares = make([]Decimal, len(pcts))
	remainder = amount
	for i, pct := range pcts {
		share, err := amount.Mul(pct)
		if err != nil {
			return nil, Zero, err
		}
		shares[i] = share
		if remainder, err = remainder.Sub(share); err != nil {
			// unreachable while totalPct <= 1
			return nil, Zero, fmt.Errorf("split over-allocated: %w", err)
		}
	}
	return shares, remainder, nil
}

// Complement returns 1 - sum(pcts).
func Complement(pcts ...Decimal) (Decimal, error) {
	total, err := Sum(pcts...)
	if err != nil {
		return Zero, err
	}
	return One.Sub(total)
}
