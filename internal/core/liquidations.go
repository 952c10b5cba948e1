package core

import (
	"fmt"

	"SynthLedger/internal/command"
	"SynthLedger/internal/ledger"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"
)

func (e *Engine) handleCreateLiquidation(tx *txn, c *command.CreateLiquidation) (*Result, error) {
	if tx.now.After(c.Deadline) {
		return nil, reject(tx.op, KindTiming, ErrDeadlineExceeded)
	}
	if err := e.requireBeforeExpiry(tx); err != nil {
		return nil, err
	}
	if err := requirePositive(tx, c.Tokens); err != nil {
		return nil, err
	}
	if c.MinPrice.GreaterThan(c.MaxPrice) {
		return nil, reject(tx.op, KindValidation, ErrInvalidPriceBounds)
	}
	pos, err := e.existingPosition(tx, c.Sponsor)
	if err != nil {
		return nil, err
	}
	debt := pos.TokensOutstanding
	if c.Tokens.GreaterThan(debt) {
		return nil, reject(tx.op, KindValidation, ErrTokensExceedDebt)
	}
	remaining, _ := debt.Sub(c.Tokens)
	if !state.MeetsMinimum(remaining, e.params.MinSponsorTokens) {
		return nil, reject(tx.op, KindSolvency, ErrInsufficientTokensLiquidated)
	}
	ratio, _, err := pos.Ratio()
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}
	if ratio.LessThan(c.MinPrice) || ratio.GreaterThan(c.MaxPrice) {
		return nil, reject(tx.op, KindValidation,
			fmt.Errorf("%w: %s not in [%s, %s]", ErrPriceOutOfBounds, ratio, c.MinPrice, c.MaxPrice))
	}
	if e.token.BalanceOf(c.Liquidator).LessThan(c.Tokens) {
		return nil, reject(tx.op, KindSolvency, ErrInsufficientTokens)
	}
	locked, err := state.ProRata(c.Tokens, debt, pos.Collateral)
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}

	id := e.liquidations.NextID(c.Sponsor)
	tx.b.Transfer(ledger.JournalTypeLiquidationLock,
		ledger.NewPositionKey(c.Sponsor), ledger.NewEscrowKey(c.Sponsor, id), locked)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	if err := e.token.Burn(c.Liquidator, c.Tokens); err != nil {
		return nil, reject(tx.op, KindSolvency, err)
	}
	e.commit(tx)

	must(e.positions.AdjustCollateral(pos, fpmath.Zero, locked))
	must(e.positions.AdjustTokens(pos, fpmath.Zero, c.Tokens))
	if w := pos.Withdrawal; w != nil {
		if remaining.IsZero() {
			pos.Withdrawal = nil
		} else {
			scaled, err := fpmath.MulDiv(w.Amount, remaining, debt, fpmath.RoundDown)
			must(err)
			w.Amount = scaled
		}
	}
	rec := &state.Liquidation{
		Sponsor:          c.Sponsor,
		Liquidator:       c.Liquidator,
		Status:           state.LiquidationPreDispute,
		LockedCollateral: locked,
		TokensLiquidated: c.Tokens,
		LiquidationPrice: ratio,
		RequestedAt:      tx.now,
	}
	e.liquidations.Add(rec)
	e.positions.Prune(c.Sponsor)
	tx.touch(c.Sponsor)
	tx.records = append(tx.records, rec)

	if e.metrics != nil {
		e.metrics.LiquidationsCreated.WithLabelValues(e.id).Inc()
	}
	e.log.Info().Str("sponsor", c.Sponsor.Hex()).Uint64("liquidation_id", rec.ID).
		Str("liquidator", c.Liquidator.Hex()).Str("tokens", c.Tokens.String()).
		Str("locked", locked.String()).Msg("liquidation created")
	return &Result{Sponsor: c.Sponsor, LiquidationID: rec.ID, Amount: locked, Price: ratio}, nil
}

func (e *Engine) liquidation(tx *txn, c command.Command, id uint64) (*state.Liquidation, error) {
	l, ok := e.liquidations.Get(c.SponsorAddress(), id)
	if !ok {
		return nil, reject(tx.op, KindValidation, ErrLiquidationNotFound)
	}
	return l, nil
}

func (e *Engine) handleDispute(tx *txn, c *command.Dispute) (*Result, error) {
	l, err := e.liquidation(tx, c, c.LiquidationID)
	if err != nil {
		return nil, err
	}
	switch {
	case l.Status == state.LiquidationExpired:
		return nil, reject(tx.op, KindTiming, ErrLiquidationExpired)
	case l.Status != state.LiquidationPreDispute:
		return nil, reject(tx.op, KindState, ErrAlreadyDisputed)
	case !l.DisputableAt(tx.now, e.params.LiquidationLiveness):
		return nil, reject(tx.op, KindTiming, ErrLiquidationExpired)
	}
	bond, err := l.LockedCollateral.Mul(e.params.DisputeBondPct)
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}

	tx.b.Transfer(ledger.JournalTypeDisputeBond,
		ledger.NewWalletKey(c.Disputer), ledger.NewBondKey(l.Sponsor, l.ID), bond)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.OracleRequests.WithLabelValues(e.id, "dispute").Inc()
	}
	if err := e.oracle.RequestPrice(tx.ctx, e.params.PriceIdentifier, l.RequestedAt); err != nil {
		if !tx.replay {
			return nil, reject(tx.op, KindOracleUnavailable, fmt.Errorf("%w: %v", ErrOracleUnavailable, err))
		}
		// the resolving command carries its own price
		e.log.Warn().Err(err).Uint64("liquidation_id", l.ID).Msg("replayed price request failed")
	}
	e.commit(tx)

	l.Status = state.LiquidationDisputed
	l.Disputer = c.Disputer
	l.DisputeBond = bond
	tx.records = append(tx.records, l)

	e.log.Info().Str("sponsor", l.Sponsor.Hex()).Uint64("liquidation_id", l.ID).
		Str("disputer", c.Disputer.Hex()).Str("bond", bond.String()).Msg("liquidation disputed")
	return &Result{Sponsor: l.Sponsor, LiquidationID: l.ID, Amount: bond}, nil
}

// settleDispute resolves a disputed record in place using the oracle price
// at the liquidation time, or the logged price on replay. Callers pass a copy
// and write it back on success.
func (e *Engine) settleDispute(tx *txn, l *state.Liquidation, logged *fpmath.Decimal) error {
	if l.Status != state.LiquidationDisputed {
		return reject(tx.op, KindState, fmt.Errorf("%w: status %s", ErrNotDisputed, l.Status))
	}
	var price fpmath.Decimal
	if tx.replay && logged != nil {
		price = *logged
	} else {
		var err error
		if price, err = e.resolvedPrice(tx, l.RequestedAt); err != nil {
			return err
		}
	}
	succeeded, err := state.DisputeSucceeds(l, price, e.params.CollateralRequirement)
	if err != nil {
		return reject(tx.op, KindValidation, err)
	}
	l.SettlementPrice = price
	l.HasSettlementPrice = true
	if succeeded {
		l.Status = state.LiquidationDisputeSucceeded
	} else {
		l.Status = state.LiquidationDisputeFailed
	}
	return e.fixPayout(tx, l)
}

func (e *Engine) fixPayout(tx *txn, l *state.Liquidation) error {
	payout, err := state.ComputePayout(l, &e.params)
	if err != nil {
		return reject(tx.op, KindValidation, err)
	}
	l.Payout = payout
	return nil
}

func (e *Engine) handleResolveDispute(tx *txn, c *command.ResolveDispute) (*Result, error) {
	l, err := e.liquidation(tx, c, c.LiquidationID)
	if err != nil {
		return nil, err
	}
	if !tx.replay {
		c.ResolvedPrice = nil
	}
	next := l.Clone()
	if err := e.settleDispute(tx, &next, c.ResolvedPrice); err != nil {
		return nil, err
	}
	c.ResolvedPrice = stampPrice(next.SettlementPrice)
	*l = next
	tx.records = append(tx.records, l)
	e.recordResolution(l)
	return &Result{Sponsor: l.Sponsor, LiquidationID: l.ID, Price: l.SettlementPrice}, nil
}

func (e *Engine) recordResolution(l *state.Liquidation) {
	if e.metrics != nil {
		e.metrics.LiquidationsResolved.WithLabelValues(e.id, l.Status.String()).Inc()
	}
	ev := e.log.Info().Str("sponsor", l.Sponsor.Hex()).Uint64("liquidation_id", l.ID).
		Str("status", l.Status.String())
	if l.HasSettlementPrice {
		ev = ev.Str("settlement_price", l.SettlementPrice.String())
	}
	ev.Msg("liquidation resolved")
}

// handleWithdrawLiquidation pays the caller every unpaid share it holds on a
// record. PreDispute records past liveness expire and disputed records are
// resolved first.
func (e *Engine) handleWithdrawLiquidation(tx *txn, c *command.WithdrawLiquidation) (*Result, error) {
	if !tx.replay {
		c.ResolvedPrice = nil
	}
	l, err := e.liquidation(tx, c, c.LiquidationID)
	if err != nil {
		return nil, err
	}
	if l.Archived {
		return nil, reject(tx.op, KindState, ErrAlreadyWithdrawn)
	}

	next := l.Clone()
	transitioned := false
	switch next.Status {
	case state.LiquidationPreDispute:
		if next.DisputableAt(tx.now, e.params.LiquidationLiveness) {
			return nil, reject(tx.op, KindTiming, ErrLiquidationNotExpired)
		}
		next.Status = state.LiquidationExpired
		if err := e.fixPayout(tx, &next); err != nil {
			return nil, err
		}
		transitioned = true
	case state.LiquidationDisputed:
		if err := e.settleDispute(tx, &next, c.ResolvedPrice); err != nil {
			return nil, err
		}
		c.ResolvedPrice = stampPrice(next.SettlementPrice)
		transitioned = true
	}

	roles := next.Roles(c.Caller)
	if len(roles) == 0 {
		return nil, reject(tx.op, KindValidation, ErrNotLiquidationParty)
	}
	fromEscrow, fromBond := fpmath.Zero, fpmath.Zero
	paidBefore, paidNow := false, false
	for _, r := range roles {
		if next.Paid(r) {
			paidBefore = true
			continue
		}
		share := next.Payout.For(r)
		if share.IsZero() {
			continue
		}
		if fromEscrow, err = fromEscrow.Add(share.FromEscrow); err != nil {
			return nil, reject(tx.op, KindValidation, err)
		}
		if fromBond, err = fromBond.Add(share.FromBond); err != nil {
			return nil, reject(tx.op, KindValidation, err)
		}
		next.MarkPaid(r)
		paidNow = true
	}
	if !paidNow {
		if paidBefore {
			return nil, reject(tx.op, KindState, ErrAlreadyWithdrawn)
		}
		return nil, reject(tx.op, KindState, ErrNothingToWithdraw)
	}

	wallet := ledger.NewWalletKey(c.Caller)
	tx.b.Transfer(ledger.JournalTypeLiquidationPayout, ledger.NewEscrowKey(l.Sponsor, l.ID), wallet, fromEscrow)
	tx.b.Transfer(ledger.JournalTypeBondPayout, ledger.NewBondKey(l.Sponsor, l.ID), wallet, fromBond)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	e.commit(tx)

	*l = next
	if l.FullyPaid() {
		e.liquidations.Archive(l)
	}
	tx.records = append(tx.records, l)
	if transitioned {
		e.recordResolution(l)
	}

	amount, _ := fromEscrow.Add(fromBond)
	e.log.Info().Str("sponsor", l.Sponsor.Hex()).Uint64("liquidation_id", l.ID).
		Str("caller", c.Caller.Hex()).Str("amount", amount.String()).
		Bool("archived", l.Archived).Msg("liquidation withdrawn")
	return &Result{Sponsor: l.Sponsor, LiquidationID: l.ID, Amount: amount, Price: l.SettlementPrice}, nil
}

// stampPrice records a resolved price on the command so the log carries it.
func stampPrice(p fpmath.Decimal) *fpmath.Decimal { return &p }
