package core

import (
	"errors"
	"fmt"

	"SynthLedger/internal/ledger"
	"SynthLedger/internal/token"
)

// Kind classifies why an operation was rejected.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindSolvency
	KindTiming
	KindState
	KindOracleUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSolvency:
		return "solvency"
	case KindTiming:
		return "timing"
	case KindState:
		return "state"
	case KindOracleUnavailable:
		return "oracle_unavailable"
	default:
		return "unknown"
	}
}

// Validation
var (
	ErrZeroAmount               = errors.New("amount must be positive")
	ErrPositionNotFound         = errors.New("position not found")
	ErrLiquidationNotFound      = errors.New("liquidation not found")
	ErrTokensExceedDebt         = errors.New("tokens exceed position debt")
	ErrAmountExceedsCollateral  = errors.New("amount exceeds position collateral")
	ErrInvalidPriceBounds       = errors.New("min collateral per token exceeds max")
	ErrPriceOutOfBounds         = errors.New("collateral per token outside requested bounds")
	ErrCollateralNotWhitelisted = errors.New("collateral currency not whitelisted")
	ErrIdentifierNotSupported   = errors.New("price identifier not supported")
	ErrNotLiquidationParty      = errors.New("caller holds no role on liquidation")
	ErrFaucetDisabled           = errors.New("funding faucet disabled")
	ErrNothingToSettle          = errors.New("nothing to settle")
	ErrUnknownCommand           = errors.New("unknown command")
)

// Solvency
var (
	ErrBelowCollateralRequirement   = errors.New("below collateral requirement")
	ErrBelowGlobalCollateralRatio   = errors.New("below global collateralization ratio")
	ErrBelowMinimumSponsorTokens    = errors.New("below minimum sponsor tokens")
	ErrInsufficientTokensLiquidated = errors.New("liquidation leaves debt below minimum sponsor tokens")
	ErrWithdrawalAboveLimit         = errors.New("withdrawal request above limit would breach collateral requirement")
	ErrInsufficientBalance          = ledger.ErrInsufficientBalance
	ErrInsufficientTokens           = token.ErrInsufficientTokens
	ErrExpiryPoolEmpty              = errors.New("expiry pool cannot cover held tokens")
)

// Timing
var (
	ErrDeadlineExceeded      = errors.New("deadline exceeded")
	ErrWithdrawalNotExpired  = errors.New("withdrawal liveness not elapsed")
	ErrLiquidationExpired    = errors.New("liquidation liveness elapsed")
	ErrLiquidationNotExpired = errors.New("liquidation liveness not elapsed")
	ErrAfterExpiration       = errors.New("contract expired")
	ErrBeforeExpiration      = errors.New("contract not yet expired")
	ErrExpirySettled         = fmt.Errorf("%w: settlement price fixed", ErrAfterExpiration)
)

// State
var (
	ErrAlreadyDisputed     = errors.New("liquidation already disputed")
	ErrNotDisputed         = errors.New("liquidation not disputed")
	ErrAlreadyWithdrawn    = errors.New("already withdrawn")
	ErrNothingToWithdraw   = errors.New("nothing to withdraw")
	ErrPendingWithdrawal   = errors.New("withdrawal request pending")
	ErrNoPendingWithdrawal = errors.New("no pending withdrawal request")
	ErrOpenLiquidation     = errors.New("position has unresolved liquidations")
)

// ErrOracleUnavailable means the price is not resolved yet. Retry later.
var ErrOracleUnavailable = errors.New("oracle price unavailable")

// OpError is returned by every rejected engine operation. A rejected
// operation leaves all balances and records unchanged.
type OpError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func reject(op string, kind Kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// KindOf returns the rejection kind, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnknown
}

// IsRetryable is true only while an oracle price is pending.
func IsRetryable(err error) bool {
	return KindOf(err) == KindOracleUnavailable
}
