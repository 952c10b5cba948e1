package ledger

import (
	"fmt"

	fpmath "SynthLedger/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeFund JournalType = iota
	JournalTypePositionCollateralIn
	JournalTypeDeposit
	JournalTypeWithdrawal
	JournalTypeRedeem
	JournalTypeLiquidationLock
	JournalTypeDisputeBond
	JournalTypeLiquidationPayout
	JournalTypeBondPayout
	JournalTypeExpirySweep
	JournalTypeExpiryPayout
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeFund:
		return "fund"
	case JournalTypePositionCollateralIn:
		return "position_collateral_in"
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeRedeem:
		return "redeem"
	case JournalTypeLiquidationLock:
		return "liquidation_lock"
	case JournalTypeDisputeBond:
		return "dispute_bond"
	case JournalTypeLiquidationPayout:
		return "liquidation_payout"
	case JournalTypeBondPayout:
		return "bond_payout"
	case JournalTypeExpirySweep:
		return "expiry_sweep"
	case JournalTypeExpiryPayout:
		return "expiry_payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry.
// Amount always moves from FromAccount to ToAccount.
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string // Idempotency key of source command
	Sequence    int64
	FromAccount AccountKey
	ToAccount   AccountKey
	Amount      fpmath.Decimal // always > 0
	JournalType JournalType
	Timestamp   int64 // epoch microseconds
}

// Batch represents the set of journal entries produced by one operation.
// A batch applies as a unit or not at all.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal is balanced by
// construction (one amount leaves one account and enters another), so the
// batch is balanced when every journal is.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.FromAccount == j.ToAccount {
			return fmt.Errorf("journal %s moves funds to its own account", j.JournalID)
		}
	}

	return nil
}

// Total returns the sum of every journal amount of a given type.
func (b *Batch) Total(jt JournalType) (fpmath.Decimal, error) {
	total := fpmath.Zero
	for _, j := range b.Journals {
		if j.JournalType != jt {
			continue
		}
		var err error
		if total, err = total.Add(j.Amount); err != nil {
			return fpmath.Zero, err
		}
	}
	return total, nil
}
