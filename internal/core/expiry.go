package core

import (
	"fmt"
	"time"

	"SynthLedger/internal/command"
	"SynthLedger/internal/ledger"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// expiryState is fixed by the first successful settlement after expiration.
type expiryState struct {
	settled bool
	price   fpmath.Decimal
	rate    fpmath.Decimal // collateral paid per token held
}

type sweepLeg struct {
	pos  *state.Position
	owed fpmath.Decimal
}

// expirationPrice fixes the settlement price. A replayed command uses the
// price logged with it.
func (e *Engine) expirationPrice(tx *txn, logged *fpmath.Decimal) (fpmath.Decimal, error) {
	if tx.replay && logged != nil {
		return *logged, nil
	}
	at := e.params.ExpirationTimestamp
	if e.metrics != nil {
		e.metrics.OracleRequests.WithLabelValues(e.id, "expiry").Inc()
	}
	if err := e.oracle.RequestPrice(tx.ctx, e.params.PriceIdentifier, at); err != nil {
		return fpmath.Zero, reject(tx.op, KindOracleUnavailable, fmt.Errorf("%w: %v", ErrOracleUnavailable, err))
	}
	return e.resolvedPrice(tx, at)
}

// resolvedPrice reads a resolved oracle price; pending is OracleUnavailable.
func (e *Engine) resolvedPrice(tx *txn, at time.Time) (fpmath.Decimal, error) {
	q, err := e.oracle.GetPrice(tx.ctx, e.params.PriceIdentifier, at)
	if err != nil {
		return fpmath.Zero, reject(tx.op, KindOracleUnavailable, fmt.Errorf("%w: %v", ErrOracleUnavailable, err))
	}
	if !q.Resolved() {
		return fpmath.Zero, reject(tx.op, KindOracleUnavailable, ErrOracleUnavailable)
	}
	return q.Price, nil
}

// planSweep stages the one-time move of min(collateral, debt*price) from
// every position into the expiry pool and returns the resulting rate.
func (e *Engine) planSweep(tx *txn, price fpmath.Decimal) ([]sweepLeg, fpmath.Decimal, fpmath.Decimal, error) {
	pool := e.balances.GetBalance(ledger.NewExpiryPoolKey())
	_, totalTokens := e.positions.Totals()
	var legs []sweepLeg
	for _, s := range e.positions.Sponsors() {
		pos := e.positions.GetPosition(s)
		value, err := pos.TokensOutstanding.Mul(price)
		if err != nil {
			return nil, fpmath.Zero, fpmath.Zero, reject(tx.op, KindValidation, err)
		}
		owed := fpmath.Min(pos.Collateral, value)
		tx.b.Transfer(ledger.JournalTypeExpirySweep, ledger.NewPositionKey(s), ledger.NewExpiryPoolKey(), owed)
		if pool, err = pool.Add(owed); err != nil {
			return nil, fpmath.Zero, fpmath.Zero, reject(tx.op, KindValidation, err)
		}
		legs = append(legs, sweepLeg{pos: pos, owed: owed})
	}
	rate := price
	if !totalTokens.IsZero() {
		perToken, err := pool.Div(totalTokens)
		if err != nil {
			return nil, fpmath.Zero, fpmath.Zero, reject(tx.op, KindValidation, err)
		}
		rate = fpmath.Min(price, perToken)
	}
	return legs, pool, rate, nil
}

// handleSettleExpired pays the caller's position excess and redeems every
// token the caller holds at the expiry rate.
func (e *Engine) handleSettleExpired(tx *txn, c *command.SettleExpired) (*Result, error) {
	if !tx.replay {
		c.ResolvedPrice = nil
	}
	// once fixed, settlement stays open whatever the clock reads
	if !e.expiry.settled && tx.now.Before(e.params.ExpirationTimestamp) {
		return nil, reject(tx.op, KindTiming, ErrBeforeExpiration)
	}

	price, rate := e.expiry.price, e.expiry.rate
	pool := e.balances.GetBalance(ledger.NewExpiryPoolKey())
	var legs []sweepLeg
	if !e.expiry.settled {
		var err error
		if price, err = e.expirationPrice(tx, c.ResolvedPrice); err != nil {
			return nil, err
		}
		if legs, pool, rate, err = e.planSweep(tx, price); err != nil {
			return nil, err
		}
	}

	excess, err := e.excessAfterSweep(c.Caller, legs)
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}
	held := e.token.BalanceOf(c.Caller)
	redeemed, err := held.Mul(rate)
	if err != nil {
		return nil, reject(tx.op, KindValidation, err)
	}
	if excess.IsZero() && held.IsZero() {
		return nil, reject(tx.op, KindValidation, ErrNothingToSettle)
	}
	if pool.IsZero() && !redeemed.IsZero() {
		return nil, reject(tx.op, KindSolvency, ErrExpiryPoolEmpty)
	}
	redeemed = fpmath.Min(redeemed, pool)

	wallet := ledger.NewWalletKey(c.Caller)
	tx.b.Transfer(ledger.JournalTypeExpiryPayout, ledger.NewPositionKey(c.Caller), wallet, excess)
	tx.b.Transfer(ledger.JournalTypeExpiryPayout, ledger.NewExpiryPoolKey(), wallet, redeemed)
	if err := e.stage(tx); err != nil {
		return nil, err
	}
	if !held.IsZero() {
		if err := e.token.Burn(c.Caller, held); err != nil {
			return nil, reject(tx.op, KindSolvency, err)
		}
	}
	e.commit(tx)

	if !e.expiry.settled {
		c.ResolvedPrice = stampPrice(price)
		e.expiry = expiryState{settled: true, price: price, rate: rate}
		for _, leg := range legs {
			must(e.positions.AdjustCollateral(leg.pos, fpmath.Zero, leg.owed))
			must(e.positions.AdjustTokens(leg.pos, fpmath.Zero, leg.pos.TokensOutstanding))
			leg.pos.Withdrawal = nil
			tx.touch(leg.pos.Sponsor)
		}
		e.log.Info().Str("price", price.String()).Str("rate", rate.String()).
			Int("positions", len(legs)).Msg("expiry settlement price fixed")
	}
	if pos := e.positions.GetPosition(c.Caller); pos != nil {
		must(e.positions.AdjustCollateral(pos, fpmath.Zero, excess))
		pos.Withdrawal = nil
		tx.touch(c.Caller)
	}
	for _, s := range tx.sponsors {
		e.positions.Prune(s)
	}

	total, _ := excess.Add(redeemed)
	return &Result{Sponsor: c.Caller, Amount: total, Price: price}, nil
}

// excessAfterSweep is the collateral left in the caller's position once its
// debt has been swept.
func (e *Engine) excessAfterSweep(caller common.Address, legs []sweepLeg) (fpmath.Decimal, error) {
	pos := e.positions.GetPosition(caller)
	if pos == nil {
		return fpmath.Zero, nil
	}
	for _, leg := range legs {
		if leg.pos.Sponsor == caller {
			return pos.Collateral.Sub(leg.owed)
		}
	}
	return pos.Collateral, nil
}

// SettlementPrice returns the cached expiry price once settlement has begun.
func (e *Engine) SettlementPrice() (price, rate fpmath.Decimal, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expiry.price, e.expiry.rate, e.expiry.settled
}
