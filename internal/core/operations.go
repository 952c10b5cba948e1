package core

import (
	"context"
	"time"

	"SynthLedger/internal/command"
	fpmath "SynthLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Typed entry points. Each builds the command and dispatches it without an
// idempotency key; transports that need dedup call Dispatch directly.

func (e *Engine) Fund(ctx context.Context, party common.Address, amount fpmath.Decimal) (*Result, error) {
	return e.Dispatch(ctx, &command.Fund{Party: party, Amount: amount})
}

// Create deposits collateral from sponsor and mints tokens to sponsor.
func (e *Engine) Create(ctx context.Context, sponsor common.Address, collateral, tokens fpmath.Decimal) (*Result, error) {
	return e.Dispatch(ctx, &command.Create{Caller: sponsor, Sponsor: sponsor, Collateral: collateral, Tokens: tokens})
}

func (e *Engine) Deposit(ctx context.Context, sponsor common.Address, amount fpmath.Decimal) (*Result, error) {
	return e.Dispatch(ctx, &command.Deposit{Caller: sponsor, Sponsor: sponsor, Amount: amount})
}

func (e *Engine) Withdraw(ctx context.Context, sponsor common.Address, amount fpmath.Decimal) (*Result, error) {
	return e.Dispatch(ctx, &command.Withdraw{Sponsor: sponsor, Amount: amount})
}

func (e *Engine) RequestWithdrawal(ctx context.Context, sponsor common.Address, amount fpmath.Decimal) (*Result, error) {
	return e.Dispatch(ctx, &command.RequestWithdrawal{Sponsor: sponsor, Amount: amount})
}

func (e *Engine) WithdrawPassedRequest(ctx context.Context, sponsor common.Address) (*Result, error) {
	return e.Dispatch(ctx, &command.WithdrawPassedRequest{Sponsor: sponsor})
}

func (e *Engine) CancelWithdrawal(ctx context.Context, sponsor common.Address) (*Result, error) {
	return e.Dispatch(ctx, &command.CancelWithdrawal{Sponsor: sponsor})
}

func (e *Engine) Redeem(ctx context.Context, sponsor common.Address, tokens fpmath.Decimal) (*Result, error) {
	return e.Dispatch(ctx, &command.Redeem{Sponsor: sponsor, Tokens: tokens})
}

func (e *Engine) SettleExpired(ctx context.Context, caller common.Address) (*Result, error) {
	return e.Dispatch(ctx, &command.SettleExpired{Caller: caller})
}

// CreateLiquidation returns the new record id in Result.LiquidationID.
func (e *Engine) CreateLiquidation(
	ctx context.Context,
	liquidator, sponsor common.Address,
	minPrice, maxPrice, tokens fpmath.Decimal,
	deadline time.Time,
) (*Result, error) {
	return e.Dispatch(ctx, &command.CreateLiquidation{
		Liquidator: liquidator,
		Sponsor:    sponsor,
		MinPrice:   minPrice,
		MaxPrice:   maxPrice,
		Tokens:     tokens,
		Deadline:   deadline,
	})
}

func (e *Engine) Dispute(ctx context.Context, disputer, sponsor common.Address, id uint64) (*Result, error) {
	return e.Dispatch(ctx, &command.Dispute{Disputer: disputer, Sponsor: sponsor, LiquidationID: id})
}

func (e *Engine) ResolveDispute(ctx context.Context, sponsor common.Address, id uint64) (*Result, error) {
	return e.Dispatch(ctx, &command.ResolveDispute{Sponsor: sponsor, LiquidationID: id})
}

func (e *Engine) WithdrawLiquidation(ctx context.Context, caller, sponsor common.Address, id uint64) (*Result, error) {
	return e.Dispatch(ctx, &command.WithdrawLiquidation{Caller: caller, Sponsor: sponsor, LiquidationID: id})
}

// TransferTokens moves synthetic tokens between holders through the log.
func (e *Engine) TransferTokens(ctx context.Context, from, to common.Address, amount fpmath.Decimal) (*Result, error) {
	return e.Dispatch(ctx, &command.TransferTokens{From: from, To: to, Amount: amount})
}
