package ledger

import (
	"fmt"

	fpmath "SynthLedger/internal/math"
)

// InvariantValidator checks the ledger-wide conservation rules after each
// command. Batch-level balance is checked by Batch.Validate on commit.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

// ValidateConservation verifies that everything held in party and engine
// accounts equals what entered through the boundary minus what left it.
func (v *InvariantValidator) ValidateConservation() error {
	held, err := v.tracker.TotalHeld()
	if err != nil {
		return err
	}
	in, out := v.tracker.ExternalFlows()
	net, err := in.Sub(out)
	if err != nil {
		return fmt.Errorf("outflow %s exceeds inflow %s", out, in)
	}
	if !held.Equal(net) {
		return fmt.Errorf("conservation violated: held=%s, inflow-outflow=%s", held, net)
	}
	return nil
}

// ValidateEngineCustody verifies the engine-scope total equals the expected
// sum of position collateral, escrow, bonds and the expiry pool as tracked by
// the state layer.
func (v *InvariantValidator) ValidateEngineCustody(expected fpmath.Decimal) error {
	held, err := v.tracker.TotalInScope(AccountScopeEngine)
	if err != nil {
		return err
	}
	if !held.Equal(expected) {
		return fmt.Errorf("engine custody mismatch: ledger=%s, state=%s", held, expected)
	}
	return nil
}
