package state

import (
	"bytes"
	"fmt"
	"sort"

	fpmath "SynthLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// PositionManager owns every sponsor position of one engine instance and the
// instance-wide collateral and debt totals.
type PositionManager struct {
	positions       map[common.Address]*Position
	totalCollateral fpmath.Decimal
	totalTokens     fpmath.Decimal
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[common.Address]*Position),
	}
}

// GetPosition returns existing position or nil
func (pm *PositionManager) GetPosition(sponsor common.Address) *Position {
	return pm.positions[sponsor]
}

// GetOrCreatePosition returns existing or creates a new empty position
func (pm *PositionManager) GetOrCreatePosition(sponsor common.Address) *Position {
	pos := pm.positions[sponsor]
	if pos == nil {
		pos = &Position{Sponsor: sponsor}
		pm.positions[sponsor] = pos
	}
	return pos
}

// Prune removes the position once collateral and debt are both zero.
func (pm *PositionManager) Prune(sponsor common.Address) {
	if pos := pm.positions[sponsor]; pos != nil && !pos.Exists() {
		delete(pm.positions, sponsor)
	}
}

// Sponsors returns every sponsor with a position, in byte order.
func (pm *PositionManager) Sponsors() []common.Address {
	out := make([]common.Address, 0, len(pm.positions))
	for s := range pm.positions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Count returns the number of open positions.
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}

// AdjustCollateral applies a signed change to a position and the totals.
func (pm *PositionManager) AdjustCollateral(pos *Position, add, remove fpmath.Decimal) error {
	next, err := applyDelta(pos.Collateral, add, remove)
	if err != nil {
		return fmt.Errorf("position %s collateral: %w", pos.Sponsor.Hex(), err)
	}
	total, err := applyDelta(pm.totalCollateral, add, remove)
	if err != nil {
		return fmt.Errorf("total collateral: %w", err)
	}
	pos.Collateral = next
	pm.totalCollateral = total
	pos.Version++
	return nil
}

// AdjustTokens applies a signed change to a position's debt and the totals.
func (pm *PositionManager) AdjustTokens(pos *Position, add, remove fpmath.Decimal) error {
	next, err := applyDelta(pos.TokensOutstanding, add, remove)
	if err != nil {
		return fmt.Errorf("position %s tokens: %w", pos.Sponsor.Hex(), err)
	}
	total, err := applyDelta(pm.totalTokens, add, remove)
	if err != nil {
		return fmt.Errorf("total tokens: %w", err)
	}
	pos.TokensOutstanding = next
	pm.totalTokens = total
	pos.Version++
	return nil
}

func applyDelta(v, add, remove fpmath.Decimal) (fpmath.Decimal, error) {
	v, err := v.Add(add)
	if err != nil {
		return fpmath.Zero, err
	}
	return v.Sub(remove)
}

// Totals returns instance-wide collateral and token debt.
func (pm *PositionManager) Totals() (collateral, tokens fpmath.Decimal) {
	return pm.totalCollateral, pm.totalTokens
}

// GlobalRatio returns total collateral per outstanding token.
// ok is false while no tokens are outstanding.
func (pm *PositionManager) GlobalRatio() (ratio fpmath.Decimal, ok bool, err error) {
	if pm.totalTokens.IsZero() {
		return fpmath.Zero, false, nil
	}
	r, err := pm.totalCollateral.Div(pm.totalTokens)
	return r, err == nil, err
}

// MeetsRequirement reports collateral/tokens >= requirement, inclusive.
// It compares collateral against ceil(tokens * requirement) so no rounding
// can admit a ratio below the requirement. Zero debt always passes.
func MeetsRequirement(collateral, tokens, requirement fpmath.Decimal) (bool, error) {
	if tokens.IsZero() {
		return true, nil
	}
	needed, err := fpmath.MulDiv(tokens, requirement, fpmath.One, fpmath.RoundUp)
	if err != nil {
		return false, err
	}
	return collateral.GreaterOrEqual(needed), nil
}

// MeetsMinimum reports tokens >= minimum or tokens == 0.
func MeetsMinimum(tokens, minimum fpmath.Decimal) bool {
	return tokens.IsZero() || tokens.GreaterOrEqual(minimum)
}

// ProRata returns floor(part * whole / total); whole when part == total.
func ProRata(part, total, whole fpmath.Decimal) (fpmath.Decimal, error) {
	if part.Equal(total) {
		return whole, nil
	}
	return fpmath.MulDiv(part, whole, total, fpmath.RoundDown)
}
