package state

import (
	"fmt"
	"time"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
)

// Params are the immutable per-instance parameters of an engine.
type Params struct {
	ExpirationTimestamp time.Time
	WithdrawalLiveness  time.Duration
	LiquidationLiveness time.Duration

	CollateralAddress common.Address
	PriceIdentifier   whitelist.Identifier
	SyntheticName     string
	SyntheticSymbol   string

	CollateralRequirement    fpmath.Decimal // minimum collateral/debt, e.g. 1.2
	DisputeBondPct           fpmath.Decimal // of locked collateral
	SponsorDisputeRewardPct  fpmath.Decimal
	DisputerDisputeRewardPct fpmath.Decimal
	MinSponsorTokens         fpmath.Decimal
	StrikePrice              fpmath.Decimal // informational, carried for clients

	// WithdrawalRequestLimit admits a slow withdrawal request that would take
	// the position below the collateral requirement when amount <= limit.
	WithdrawalRequestLimit fpmath.Decimal
	// MintAboveGlobalRatio additionally requires a minting position to be at
	// or above the instance-wide collateralization ratio.
	MintAboveGlobalRatio bool
}

// ValidateParams checks that parameters are usable.
// collateral requirement >= 1, reward percentages sum <= 1, liveness > 0.
func ValidateParams(p *Params) error {
	if p.ExpirationTimestamp.IsZero() {
		return fmt.Errorf("expiration_timestamp is required")
	}
	if p.WithdrawalLiveness <= 0 {
		return fmt.Errorf("withdrawal_liveness must be > 0, got %s", p.WithdrawalLiveness)
	}
	if p.LiquidationLiveness <= 0 {
		return fmt.Errorf("liquidation_liveness must be > 0, got %s", p.LiquidationLiveness)
	}
	if p.CollateralAddress == (common.Address{}) {
		return fmt.Errorf("collateral_address is required")
	}
	if p.PriceIdentifier == (whitelist.Identifier{}) {
		return fmt.Errorf("price_identifier is required")
	}
	if p.CollateralRequirement.LessThan(fpmath.One) {
		return fmt.Errorf("collateral_requirement must be >= 1, got %s", p.CollateralRequirement)
	}
	if p.DisputeBondPct.GreaterThan(fpmath.One) {
		return fmt.Errorf("dispute_bond_pct must be <= 1, got %s", p.DisputeBondPct)
	}
	rewards, err := p.SponsorDisputeRewardPct.Add(p.DisputerDisputeRewardPct)
	if err != nil || rewards.GreaterThan(fpmath.One) {
		return fmt.Errorf("sponsor (%s) + disputer (%s) dispute reward pct must be <= 1",
			p.SponsorDisputeRewardPct, p.DisputerDisputeRewardPct)
	}
	return nil
}
