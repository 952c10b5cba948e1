package core

import (
	"SynthLedger/internal/command"
	"SynthLedger/internal/ledger"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// requireBeforeExpiry also holds once settlement is fixed, so a clock moved
// back past expiration cannot reopen positions.
func (e *Engine) requireBeforeExpiry(tx *txn) error {
	if e.expiry.settled {
		return reject(tx.op, KindTiming, ErrExpirySettled)
	}
	if !tx.now.Before(e.params.ExpirationTimestamp) {
		return reject(tx.op, KindTiming, ErrAfterExpiration)
	}
	return nil
}

func requirePositive(tx *txn, amount fpmath.Decimal) error {
	if amount.IsZero() {
		return reject(tx.op, KindValidation, ErrZeroAmount)
	}
	return nil
}

func (e *Engine) existingPosition(tx *txn, sponsor common.Address) (*state.Position, error) {
	pos := e.positions.GetPosition(sponsor)
	if pos == nil || !pos.Exists() {
		return nil, reject(tx.op, KindValidation, ErrPositionNotFound)
	}
	return pos, nil
}

// checkGates re-reads both whitelists; they may change between calls.
func (e *Engine) checkGates(tx *txn) error {
	if !e.collGate.IsOnWhitelist(e.params.CollateralAddress) {
		return reject(tx.op, KindValidation, ErrCollateralNotWhitelisted)
	}
	if !e.idGate.IsIdentifierSupported(e.params.PriceIdentifier) {
		return reject(tx.op, KindValidation, ErrIdentifierNotSupported)
	}
	return nil
}

func (e *Engine) requireCollateralized(tx *txn, collateral, tokens fpmath.Decimal) error {
	ok, err := state.MeetsRequirement(collateral, tokens, e.params.CollateralRequirement)
	if err != nil {
		return reject(tx.op, KindValidation, err)
	}
	if !ok {
		return reject(tx.op, KindSolvency, ErrBelowCollateralRequirement)
	}
	return nil
}

func (e *Engine) handleFund(tx *txn, c *command.Fund) (*Result, error) {
	if !e.enableFaucet {
		return nil, reject(tx.op, KindValidation, ErrFaucetDisabled)
	}
	if err := requirePositive(tx, c.Amount); err != nil {
		return nil, err
	}
	tx.b.Transfer(ledger.JournalTypeFund, ledger.NewExternalKey(), ledger.NewWalletKey(c.Party), c.Amount)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	e.commit(tx)
	return &Result{Sponsor: c.Party, Amount: c.Amount}, nil
}

func (e *Engine) handleCreate(tx *txn, c *command.Create) (*Result, error) {
	if err := e.requireBeforeExpiry(tx); err != nil {
		return nil, err
	}
	if err := e.checkGates(tx); err != nil {
		return nil, err
	}
	if c.Collateral.IsZero() && c.Tokens.IsZero() {
		return nil, reject(tx.op, KindValidation, ErrZeroAmount)
	}

	pos := e.positions.GetPosition(c.Sponsor)
	coll, tokens := fpmath.Zero, fpmath.Zero
	if pos != nil {
		if pos.Withdrawal != nil {
			return nil, reject(tx.op, KindState, ErrPendingWithdrawal)
		}
		coll, tokens = pos.Collateral, pos.TokensOutstanding
	}
	newColl, err := coll.Add(c.Collateral)
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}
	newTokens, err := tokens.Add(c.Tokens)
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}
	if err := e.requireCollateralized(tx, newColl, newTokens); err != nil {
		return nil, err
	}
	if !state.MeetsMinimum(newTokens, e.params.MinSponsorTokens) {
		return nil, reject(tx.op, KindSolvency, ErrBelowMinimumSponsorTokens)
	}
	if e.params.MintAboveGlobalRatio && !c.Tokens.IsZero() {
		if gcr, ok, err := e.positions.GlobalRatio(); err == nil && ok {
			meets, err := state.MeetsRequirement(newColl, newTokens, gcr)
			if err != nil {
				return nil, reject(tx.op, KindValidation, err)
			}
			if !meets {
				return nil, reject(tx.op, KindSolvency, ErrBelowGlobalCollateralRatio)
			}
		}
	}

	tx.b.Transfer(ledger.JournalTypePositionCollateralIn,
		ledger.NewWalletKey(c.Caller), ledger.NewPositionKey(c.Sponsor), c.Collateral)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	if !c.Tokens.IsZero() {
		if err := e.token.Mint(c.Caller, c.Tokens); err != nil {
			return nil, reject(tx.op, KindValidation, err)
		}
	}
	e.commit(tx)

	pos = e.positions.GetOrCreatePosition(c.Sponsor)
	must(e.positions.AdjustCollateral(pos, c.Collateral, fpmath.Zero))
	must(e.positions.AdjustTokens(pos, c.Tokens, fpmath.Zero))
	tx.touch(c.Sponsor)

	e.log.Info().Str("sponsor", c.Sponsor.Hex()).Str("collateral", c.Collateral.String()).
		Str("tokens", c.Tokens.String()).Msg("position created")
	return &Result{Sponsor: c.Sponsor, Amount: c.Collateral}, nil
}

func (e *Engine) handleDeposit(tx *txn, c *command.Deposit) (*Result, error) {
	if err := e.requireBeforeExpiry(tx); err != nil {
		return nil, err
	}
	if err := requirePositive(tx, c.Amount); err != nil {
		return nil, err
	}
	pos, err := e.existingPosition(tx, c.Sponsor)
	if err != nil {
		return nil, err
	}

	tx.b.Transfer(ledger.JournalTypeDeposit,
		ledger.NewWalletKey(c.Caller), ledger.NewPositionKey(c.Sponsor), c.Amount)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	e.commit(tx)

	must(e.positions.AdjustCollateral(pos, c.Amount, fpmath.Zero))
	tx.touch(c.Sponsor)
	return &Result{Sponsor: c.Sponsor, Amount: c.Amount}, nil
}

// handleWithdraw is the instant path: allowed only while the remaining
// position still meets the collateral requirement.
func (e *Engine) handleWithdraw(tx *txn, c *command.Withdraw) (*Result, error) {
	if err := e.requireBeforeExpiry(tx); err != nil {
		return nil, err
	}
	if err := requirePositive(tx, c.Amount); err != nil {
		return nil, err
	}
	pos, err := e.existingPosition(tx, c.Sponsor)
	if err != nil {
		return nil, err
	}
	if pos.Withdrawal != nil {
		return nil, reject(tx.op, KindState, ErrPendingWithdrawal)
	}
	remaining, err := pos.Collateral.Sub(c.Amount)
	if err != nil {
		return nil, reject(tx.op, KindValidation, ErrAmountExceedsCollateral)
	}
	if err := e.requireCollateralized(tx, remaining, pos.TokensOutstanding); err != nil {
		return nil, err
	}

	tx.b.Transfer(ledger.JournalTypeWithdrawal,
		ledger.NewPositionKey(c.Sponsor), ledger.NewWalletKey(c.Sponsor), c.Amount)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	e.commit(tx)

	must(e.positions.AdjustCollateral(pos, fpmath.Zero, c.Amount))
	e.positions.Prune(c.Sponsor)
	tx.touch(c.Sponsor)
	return &Result{Sponsor: c.Sponsor, Amount: c.Amount}, nil
}

func (e *Engine) handleRequestWithdrawal(tx *txn, c *command.RequestWithdrawal) (*Result, error) {
	if err := e.requireBeforeExpiry(tx); err != nil {
		return nil, err
	}
	if err := requirePositive(tx, c.Amount); err != nil {
		return nil, err
	}
	pos, err := e.existingPosition(tx, c.Sponsor)
	if err != nil {
		return nil, err
	}
	if pos.Withdrawal != nil {
		return nil, reject(tx.op, KindState, ErrPendingWithdrawal)
	}
	remaining, err := pos.Collateral.Sub(c.Amount)
	if err != nil {
		return nil, reject(tx.op, KindValidation, ErrAmountExceedsCollateral)
	}
	ok, err := state.MeetsRequirement(remaining, pos.TokensOutstanding, e.params.CollateralRequirement)
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}
	if !ok {
		// an open liquidation must not be left short by a withdrawal that
		// lands before it resolves
		if e.liquidations.HasUnresolved(c.Sponsor) {
			return nil, reject(tx.op, KindState, ErrOpenLiquidation)
		}
		if c.Amount.GreaterThan(e.params.WithdrawalRequestLimit) {
			return nil, reject(tx.op, KindSolvency, ErrWithdrawalAboveLimit)
		}
	}

	pos.Withdrawal = &state.WithdrawalRequest{Amount: c.Amount, RequestedAt: tx.now}
	pos.Version++
	tx.touch(c.Sponsor)

	e.log.Info().Str("sponsor", c.Sponsor.Hex()).Str("amount", c.Amount.String()).
		Time("passes_at", tx.now.Add(e.params.WithdrawalLiveness)).Msg("withdrawal requested")
	return &Result{Sponsor: c.Sponsor, Amount: c.Amount}, nil
}

func (e *Engine) handleWithdrawPassedRequest(tx *txn, c *command.WithdrawPassedRequest) (*Result, error) {
	if err := e.requireBeforeExpiry(tx); err != nil {
		return nil, err
	}
	pos, err := e.existingPosition(tx, c.Sponsor)
	if err != nil {
		return nil, err
	}
	req := pos.Withdrawal
	if req == nil {
		return nil, reject(tx.op, KindState, ErrNoPendingWithdrawal)
	}
	if !req.PassesAt(tx.now, e.params.WithdrawalLiveness) {
		return nil, reject(tx.op, KindTiming, ErrWithdrawalNotExpired)
	}
	// liquidations may have shrunk the position since the request
	amount := fpmath.Min(req.Amount, pos.Collateral)

	tx.b.Transfer(ledger.JournalTypeWithdrawal,
		ledger.NewPositionKey(c.Sponsor), ledger.NewWalletKey(c.Sponsor), amount)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	e.commit(tx)

	must(e.positions.AdjustCollateral(pos, fpmath.Zero, amount))
	pos.Withdrawal = nil
	e.positions.Prune(c.Sponsor)
	tx.touch(c.Sponsor)
	return &Result{Sponsor: c.Sponsor, Amount: amount}, nil
}

func (e *Engine) handleCancelWithdrawal(tx *txn, c *command.CancelWithdrawal) (*Result, error) {
	pos, err := e.existingPosition(tx, c.Sponsor)
	if err != nil {
		return nil, err
	}
	if pos.Withdrawal == nil {
		return nil, reject(tx.op, KindState, ErrNoPendingWithdrawal)
	}
	amount := pos.Withdrawal.Amount
	pos.Withdrawal = nil
	pos.Version++
	tx.touch(c.Sponsor)
	return &Result{Sponsor: c.Sponsor, Amount: amount}, nil
}

// handleRedeem burns sponsor tokens for a pro-rata share of the position's
// collateral, leaving the position ratio unchanged.
func (e *Engine) handleRedeem(tx *txn, c *command.Redeem) (*Result, error) {
	if err := e.requireBeforeExpiry(tx); err != nil {
		return nil, err
	}
	if err := requirePositive(tx, c.Tokens); err != nil {
		return nil, err
	}
	pos, err := e.existingPosition(tx, c.Sponsor)
	if err != nil {
		return nil, err
	}
	if pos.Withdrawal != nil {
		return nil, reject(tx.op, KindState, ErrPendingWithdrawal)
	}
	if c.Tokens.GreaterThan(pos.TokensOutstanding) {
		return nil, reject(tx.op, KindValidation, ErrTokensExceedDebt)
	}
	remainingTokens, _ := pos.TokensOutstanding.Sub(c.Tokens)
	if !state.MeetsMinimum(remainingTokens, e.params.MinSponsorTokens) {
		return nil, reject(tx.op, KindSolvency, ErrBelowMinimumSponsorTokens)
	}
	if e.token.BalanceOf(c.Sponsor).LessThan(c.Tokens) {
		return nil, reject(tx.op, KindSolvency, ErrInsufficientTokens)
	}
	returned, err := state.ProRata(c.Tokens, pos.TokensOutstanding, pos.Collateral)
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}

	tx.b.Transfer(ledger.JournalTypeRedeem,
		ledger.NewPositionKey(c.Sponsor), ledger.NewWalletKey(c.Sponsor), returned)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	if err := e.token.Burn(c.Sponsor, c.Tokens); err != nil {
		return nil, reject(tx.op, KindSolvency, err)
	}
	e.commit(tx)

	must(e.positions.AdjustCollateral(pos, fpmath.Zero, returned))
	must(e.positions.AdjustTokens(pos, fpmath.Zero, c.Tokens))
	e.positions.Prune(c.Sponsor)
	tx.touch(c.Sponsor)
	return &Result{Sponsor: c.Sponsor, Amount: returned}, nil
}
