package ledger

import (
	"errors"
	"fmt"

	fpmath "SynthLedger/internal/math"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances. Balances are unsigned:
// any movement that would take an account below zero is rejected.
// The external boundary account carries no balance; collateral crossing it is
// counted in the inflow/outflow totals instead.
type BalanceTracker struct {
	balances    map[AccountKey]fpmath.Decimal
	externalIn  fpmath.Decimal
	externalOut fpmath.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Decimal),
	}
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Decimal {
	return bt.balances[key]
}

// Credit increases an account balance.
func (bt *BalanceTracker) Credit(key AccountKey, amount fpmath.Decimal) error {
	s := bt.newStage()
	if err := s.credit(key, amount); err != nil {
		return err
	}
	s.commit()
	return nil
}

// Debit decreases an account balance, failing with ErrInsufficientBalance
// when amount exceeds it.
func (bt *BalanceTracker) Debit(key AccountKey, amount fpmath.Decimal) error {
	s := bt.newStage()
	if err := s.debit(key, amount); err != nil {
		return err
	}
	s.commit()
	return nil
}

// Transfer moves amount between two accounts.
func (bt *BalanceTracker) Transfer(from, to AccountKey, amount fpmath.Decimal) error {
	s := bt.newStage()
	if err := s.move(from, to, amount); err != nil {
		return err
	}
	s.commit()
	return nil
}

// StagedBatch is a batch whose journals have all been checked against current
// balances but not yet applied. Commit must be called before any other
// mutation of the tracker.
type StagedBatch struct {
	stage *stage
	Batch *Batch
}

// Commit applies the staged balances.
func (sb *StagedBatch) Commit() {
	sb.stage.commit()
}

// Stage validates the batch and checks every leg in order against the current
// balances without mutating them.
func (bt *BalanceTracker) Stage(batch *Batch) (*StagedBatch, error) {
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	s := bt.newStage()
	for _, j := range batch.Journals {
		if err := s.move(j.FromAccount, j.ToAccount, j.Amount); err != nil {
			return nil, fmt.Errorf("journal %s (%s): %w", j.JournalID, j.JournalType, err)
		}
	}
	return &StagedBatch{stage: s, Batch: batch}, nil
}

// ApplyBatch applies all journals in a batch, or none of them
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	staged, err := bt.Stage(batch)
	if err != nil {
		return err
	}
	staged.Commit()
	return nil
}

// TotalHeld sums every non-external balance.
func (bt *BalanceTracker) TotalHeld() (fpmath.Decimal, error) {
	total := fpmath.Zero
	for _, v := range bt.balances {
		var err error
		if total, err = total.Add(v); err != nil {
			return fpmath.Zero, err
		}
	}
	return total, nil
}

// TotalInScope sums balances of one scope.
func (bt *BalanceTracker) TotalInScope(scope AccountScope) (fpmath.Decimal, error) {
	total := fpmath.Zero
	for k, v := range bt.balances {
		if k.Scope != scope {
			continue
		}
		var err error
		if total, err = total.Add(v); err != nil {
			return fpmath.Zero, err
		}
	}
	return total, nil
}

// TotalInSubType sums balances of one sub-type across all owners.
func (bt *BalanceTracker) TotalInSubType(subType AccountSubType) (fpmath.Decimal, error) {
	total := fpmath.Zero
	for k, v := range bt.balances {
		if k.SubType != subType || k.IsExternal() {
			continue
		}
		var err error
		if total, err = total.Add(v); err != nil {
			return fpmath.Zero, err
		}
	}
	return total, nil
}

// ExternalFlows returns collateral that has entered and left the system.
func (bt *BalanceTracker) ExternalFlows() (in, out fpmath.Decimal) {
	return bt.externalIn, bt.externalOut
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Decimal {
	snapshot := make(map[AccountKey]fpmath.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

type stage struct {
	bt          *BalanceTracker
	overlay     map[AccountKey]fpmath.Decimal
	externalIn  fpmath.Decimal
	externalOut fpmath.Decimal
}

func (bt *BalanceTracker) newStage() *stage {
	return &stage{
		bt:          bt,
		overlay:     make(map[AccountKey]fpmath.Decimal),
		externalIn:  bt.externalIn,
		externalOut: bt.externalOut,
	}
}

func (s *stage) get(key AccountKey) fpmath.Decimal {
	if v, ok := s.overlay[key]; ok {
		return v
	}
	return s.bt.balances[key]
}

func (s *stage) credit(key AccountKey, amount fpmath.Decimal) error {
	if key.IsExternal() {
		out, err := s.externalOut.Add(amount)
		if err != nil {
			return err
		}
		s.externalOut = out
		return nil
	}
	next, err := s.get(key).Add(amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", key.AccountPath(), err)
	}
	s.overlay[key] = next
	return nil
}

func (s *stage) debit(key AccountKey, amount fpmath.Decimal) error {
	if key.IsExternal() {
		in, err := s.externalIn.Add(amount)
		if err != nil {
			return err
		}
		s.externalIn = in
		return nil
	}
	cur := s.get(key)
	if cur.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientBalance, key.AccountPath(), cur, amount)
	}
	next, _ := cur.Sub(amount)
	s.overlay[key] = next
	return nil
}

func (s *stage) move(from, to AccountKey, amount fpmath.Decimal) error {
	if err := s.debit(from, amount); err != nil {
		return err
	}
	return s.credit(to, amount)
}

func (s *stage) commit() {
	for k, v := range s.overlay {
		if v.IsZero() {
			delete(s.bt.balances, k)
			continue
		}
		s.bt.balances[k] = v
	}
	s.bt.externalIn = s.externalIn
	s.bt.externalOut = s.externalOut
}
