package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"SynthLedger/internal/clock"
	"SynthLedger/internal/command"
	"SynthLedger/internal/ledger"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"
	"SynthLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Output is everything the engine emits for one accepted command
type Output struct {
	Envelope    *command.Envelope
	Batch       *ledger.Batch // nil for state-only commands
	StateDigest []byte
}

// Result describes an accepted command.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool

	Sponsor       common.Address
	LiquidationID uint64
	Amount        fpmath.Decimal // collateral paid out or locked
	Price         fpmath.Decimal // settlement price used, if any
}

// Config wires an engine instance to its collaborators.
type Config struct {
	InstanceID     string
	Params         *state.Params
	Clock          clock.Clock
	Oracle         oracle.Oracle
	Token          token.Token
	CollateralGate whitelist.CollateralGate
	IdentifierGate whitelist.IdentifierGate

	DBChecker           DBIdempotencyChecker
	IdempotencyCapacity int
	StartSequence       int64
	EnableFaucet        bool

	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	PersistChan chan<- Output // blocking send
	PublishChan chan<- Output // dropped when full
}

// Engine is one synthetic-asset settlement instance. Every operation runs
// under a single lock and either applies completely or not at all.
type Engine struct {
	mu sync.Mutex

	id       string
	params   state.Params
	clock    clock.Clock
	oracle   oracle.Oracle
	token    token.Token
	collGate whitelist.CollateralGate
	idGate   whitelist.IdentifierGate

	balances     *ledger.BalanceTracker
	journalGen   *ledger.JournalGenerator
	validator    *ledger.InvariantValidator
	positions    *state.PositionManager
	liquidations *state.LiquidationManager
	expiry       expiryState

	chain        *HashChain
	idempotency  *IdempotencyChecker
	enableFaucet bool

	metrics     *observability.Metrics
	log         zerolog.Logger
	persistChan chan<- Output
	publishChan chan<- Output
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Params == nil {
		return nil, errors.New("engine params are required")
	}
	if err := state.ValidateParams(cfg.Params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if cfg.Oracle == nil || cfg.Token == nil {
		return nil, errors.New("engine requires an oracle and a token")
	}
	if cfg.CollateralGate == nil || cfg.IdentifierGate == nil {
		return nil, errors.New("engine requires collateral and identifier whitelists")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 100_000
	}

	balances := ledger.NewBalanceTracker()
	return &Engine{
		id:           cfg.InstanceID,
		params:       *cfg.Params,
		clock:        cfg.Clock,
		oracle:       cfg.Oracle,
		token:        cfg.Token,
		collGate:     cfg.CollateralGate,
		idGate:       cfg.IdentifierGate,
		balances:     balances,
		journalGen:   ledger.NewJournalGenerator(cfg.StartSequence),
		validator:    ledger.NewInvariantValidator(balances),
		positions:    state.NewPositionManager(),
		liquidations: state.NewLiquidationManager(),
		chain:        NewHashChain(cfg.InstanceID),
		idempotency:  NewIdempotencyChecker(cfg.IdempotencyCapacity, cfg.DBChecker, cfg.Metrics),
		enableFaucet: cfg.EnableFaucet,
		metrics:      cfg.Metrics,
		log:          cfg.Logger.With().Str("instance", cfg.InstanceID).Logger(),
		persistChan:  cfg.PersistChan,
		publishChan:  cfg.PublishChan,
	}, nil
}

func (e *Engine) ID() string { return e.id }

// Params returns a copy of the instance parameters.
func (e *Engine) Params() state.Params { return e.params }

func (e *Engine) Token() token.Token { return e.token }

// WarmIdempotency preloads composite keys persisted before a restart.
func (e *Engine) WarmIdempotency(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.Warm(keys)
}

// txn carries one command through validation, staging and commit.
type txn struct {
	ctx    context.Context
	op     string
	now    time.Time
	replay bool // applying a logged command
	b      *ledger.BatchBuilder
	batch  *ledger.Batch
	staged *ledger.StagedBatch

	sponsors []common.Address
	records  []*state.Liquidation
}

func (tx *txn) touch(sponsor common.Address) {
	for _, s := range tx.sponsors {
		if s == sponsor {
			return
		}
	}
	tx.sponsors = append(tx.sponsors, sponsor)
}

// stage checks every leg against current balances without applying them.
func (e *Engine) stage(tx *txn) error {
	tx.batch = tx.b.Build()
	if tx.batch == nil {
		return nil
	}
	staged, err := e.balances.Stage(tx.batch)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return reject(tx.op, KindSolvency, err)
		}
		return reject(tx.op, KindValidation, err)
	}
	tx.staged = staged
	return nil
}

func (e *Engine) commit(tx *txn) {
	if tx.staged != nil {
		tx.staged.Commit()
	}
}

// must guards state updates after commit; a failure means the ledger and
// state have diverged.
func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: post-commit state update failed: %v", err))
	}
}

// Dispatch applies one command.
func (e *Engine) Dispatch(ctx context.Context, cmd command.Command) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyAt(ctx, cmd, nil)
}

// applyAt is the processing pipeline. Caller holds e.mu. A non-nil replay
// applies a logged command: its time and reference come from the log, only
// the in-memory dedup tier is consulted, and nothing is emitted.
func (e *Engine) applyAt(ctx context.Context, cmd command.Command, replay *replayCtx) (*Result, error) {
	start := time.Now()
	ct := cmd.CommandType()
	op := ct.String()
	key := cmd.IdempotencyKey()

	if key != "" {
		var dup bool
		if replay != nil {
			dup = e.idempotency.SeenInMemory(op, key)
		} else {
			dup = e.idempotency.IsDuplicate(ctx, op, key)
		}
		if dup {
			e.log.Debug().Str("op", op).Str("key", key).Msg("duplicate command dropped")
			return &Result{Duplicate: true, Sequence: e.journalGen.Sequence() - 1, StateHash: e.chain.Tip()}, nil
		}
	}

	ref := key
	now := e.clock.Now()
	if replay != nil {
		ref, now = replay.ref, replay.at
	}
	if ref == "" {
		ref = uuid.NewString()
	}
	tx := &txn{ctx: ctx, op: op, now: now, replay: replay != nil, b: e.journalGen.Begin(ref, now)}

	res, err := e.handle(tx, cmd)
	if err != nil {
		kind := KindOf(err)
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(e.id, op, kind.String()).Inc()
			if kind == KindOracleUnavailable {
				e.metrics.OracleDeferrals.WithLabelValues(e.id, op).Inc()
			}
		}
		e.log.Info().Err(err).Str("op", op).Str("kind", kind.String()).
			Str("sponsor", cmd.SponsorAddress().Hex()).Msg("operation rejected")
		return nil, err
	}

	if err := e.postCheckInvariants(tx); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	sequence := e.journalGen.Sequence()
	digest := e.computeStateDigest(ct, tx)
	prev := e.chain.Tip()
	hash := e.chain.Extend(sequence, digest)

	payload, err := command.Encode(cmd)
	if err != nil {
		// every command type is plain data; encoding cannot fail
		panic(fmt.Sprintf("FATAL: encode %s: %v", op, err))
	}
	env := &command.Envelope{
		InstanceID:     e.id,
		Sequence:       sequence,
		IdempotencyKey: ref,
		Type:           ct,
		Sponsor:        cmd.SponsorAddress(),
		Timestamp:      now,
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}
	if replay == nil {
		e.emit(Output{Envelope: env, Batch: tx.batch, StateDigest: digest})
	}

	if key != "" {
		e.idempotency.MarkProcessed(op, key)
	}
	e.journalGen.Advance()

	res.Sequence = sequence
	res.StateHash = hash
	e.recordApplied(op, tx, start)
	e.log.Debug().Str("op", op).Int64("sequence", sequence).
		Str("sponsor", cmd.SponsorAddress().Hex()).Msg("operation applied")
	return res, nil
}

func (e *Engine) handle(tx *txn, cmd command.Command) (*Result, error) {
	switch c := cmd.(type) {
	case *command.Fund:
		return e.handleFund(tx, c)
	case *command.Create:
		return e.handleCreate(tx, c)
	case *command.Deposit:
		return e.handleDeposit(tx, c)
	case *command.Withdraw:
		return e.handleWithdraw(tx, c)
	case *command.RequestWithdrawal:
		return e.handleRequestWithdrawal(tx, c)
	case *command.WithdrawPassedRequest:
		return e.handleWithdrawPassedRequest(tx, c)
	case *command.CancelWithdrawal:
		return e.handleCancelWithdrawal(tx, c)
	case *command.Redeem:
		return e.handleRedeem(tx, c)
	case *command.SettleExpired:
		return e.handleSettleExpired(tx, c)
	case *command.CreateLiquidation:
		return e.handleCreateLiquidation(tx, c)
	case *command.Dispute:
		return e.handleDispute(tx, c)
	case *command.ResolveDispute:
		return e.handleResolveDispute(tx, c)
	case *command.WithdrawLiquidation:
		return e.handleWithdrawLiquidation(tx, c)
	case *command.TransferTokens:
		return e.handleTransferTokens(tx, c)
	}
	return nil, reject(tx.op, KindValidation, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd))
}

// emit hands the output to persistence (blocking, backpressure) and to the
// publisher (non-blocking, dropped when full).
func (e *Engine) emit(out Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (e *Engine) recordApplied(op string, tx *txn, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpsApplied.WithLabelValues(e.id, op).Inc()
	e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	e.metrics.CoreSequence.WithLabelValues(e.id).Set(float64(e.journalGen.Sequence()))
	e.metrics.OpenLiquidations.WithLabelValues(e.id).Set(float64(e.liquidations.OpenCount()))
	e.metrics.OpenPositions.WithLabelValues(e.id).Set(float64(e.positions.Count()))
	if tx.batch != nil {
		for _, j := range tx.batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, sub := range []ledger.AccountSubType{
		ledger.SubTypePositionCollateral, ledger.SubTypeLiquidationEscrow,
		ledger.SubTypeDisputeBond, ledger.SubTypeExpiryPool,
	} {
		if held, err := e.balances.TotalInSubType(sub); err == nil {
			f, _ := held.Shopspring().Float64()
			e.metrics.EngineHeld.WithLabelValues(e.id, ledger.AccountKey{SubType: sub}.SubTypeName()).Set(f)
		}
	}
	if ratio, ok, err := e.positions.GlobalRatio(); err == nil && ok {
		f, _ := ratio.Shopspring().Float64()
		e.metrics.GlobalRatio.WithLabelValues(e.id).Set(f)
	}
}

// computeStateDigest hashes the command type, the touched positions and
// records, and the applied journals.
func (e *Engine) computeStateDigest(ct command.Type, tx *txn) []byte {
	h := sha256.New()
	h.Write([]byte(ct.String()))
	for _, s := range tx.sponsors {
		if pos := e.positions.GetPosition(s); pos != nil {
			h.Write(pos.CanonicalBytes())
		} else {
			h.Write(s.Bytes())
		}
	}
	for _, l := range tx.records {
		h.Write(l.CanonicalBytes())
	}
	if tx.batch != nil {
		for _, j := range tx.batch.Journals {
			h.Write([]byte(j.FromAccount.AccountPath()))
			h.Write([]byte(j.ToAccount.AccountPath()))
			h.Write(j.Amount.AppendBytes(nil))
		}
	}
	return h.Sum(nil)
}

// postCheckInvariants verifies that every touched position and record agrees
// with its ledger account.
func (e *Engine) postCheckInvariants(tx *txn) error {
	for _, s := range tx.sponsors {
		want := fpmath.Zero
		if pos := e.positions.GetPosition(s); pos != nil {
			want = pos.Collateral
		}
		if got := e.balances.GetBalance(ledger.NewPositionKey(s)); !got.Equal(want) {
			return fmt.Errorf("position %s: ledger=%s state=%s", s.Hex(), got, want)
		}
	}
	for _, l := range tx.records {
		if err := e.checkRecordCustody(l); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkRecordCustody(l *state.Liquidation) error {
	escrow, bond, err := remainingCustody(l)
	if err != nil {
		return err
	}
	if got := e.balances.GetBalance(ledger.NewEscrowKey(l.Sponsor, l.ID)); !got.Equal(escrow) {
		return fmt.Errorf("liquidation %s/%d escrow: ledger=%s state=%s", l.Sponsor.Hex(), l.ID, got, escrow)
	}
	if got := e.balances.GetBalance(ledger.NewBondKey(l.Sponsor, l.ID)); !got.Equal(bond) {
		return fmt.Errorf("liquidation %s/%d bond: ledger=%s state=%s", l.Sponsor.Hex(), l.ID, got, bond)
	}
	return nil
}

// remainingCustody is what a record should still hold in escrow and bond.
func remainingCustody(l *state.Liquidation) (escrow, bond fpmath.Decimal, err error) {
	escrow, bond = l.LockedCollateral, l.DisputeBond
	if l.Payout == nil {
		return escrow, bond, nil
	}
	for _, r := range []state.Role{state.RoleLiquidator, state.RoleSponsor, state.RoleDisputer} {
		if !l.Paid(r) {
			continue
		}
		share := l.Payout.For(r)
		if escrow, err = escrow.Sub(share.FromEscrow); err != nil {
			return escrow, bond, err
		}
		if bond, err = bond.Sub(share.FromBond); err != nil {
			return escrow, bond, err
		}
	}
	return escrow, bond, nil
}

// CheckInvariants runs the full ledger audit: conservation across the system
// boundary and custody of every position, record and the expiry pool.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validator.ValidateConservation(); err != nil {
		return err
	}
	expected := fpmath.Zero
	add := func(v fpmath.Decimal) (err error) {
		expected, err = expected.Add(v)
		return err
	}
	for _, s := range e.positions.Sponsors() {
		pos := e.positions.GetPosition(s)
		if got := e.balances.GetBalance(ledger.NewPositionKey(s)); !got.Equal(pos.Collateral) {
			return fmt.Errorf("position %s: ledger=%s state=%s", s.Hex(), got, pos.Collateral)
		}
		if err := add(pos.Collateral); err != nil {
			return err
		}
	}
	for _, s := range e.liquidations.Sponsors() {
		for _, l := range e.liquidations.ForSponsor(s) {
			if err := e.checkRecordCustody(l); err != nil {
				return err
			}
			escrow, bond, err := remainingCustody(l)
			if err != nil {
				return err
			}
			if err := add(escrow); err != nil {
				return err
			}
			if err := add(bond); err != nil {
				return err
			}
		}
	}
	if err := add(e.balances.GetBalance(ledger.NewExpiryPoolKey())); err != nil {
		return err
	}
	return e.validator.ValidateEngineCustody(expected)
}

// --- Read-only views ---

// GetPosition returns a copy of the sponsor's position.
func (e *Engine) GetPosition(sponsor common.Address) (state.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.positions.GetPosition(sponsor)
	if pos == nil {
		return state.Position{}, false
	}
	return pos.Clone(), true
}

// GetLiquidation returns a copy of one record.
func (e *Engine) GetLiquidation(sponsor common.Address, id uint64) (state.Liquidation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.liquidations.Get(sponsor, id)
	if !ok {
		return state.Liquidation{}, reject("GetLiquidation", KindValidation, ErrLiquidationNotFound)
	}
	return l.Clone(), nil
}

// GetLiquidations returns copies of every record of a sponsor.
func (e *Engine) GetLiquidations(sponsor common.Address) []state.Liquidation {
	e.mu.Lock()
	defer e.mu.Unlock()
	recs := e.liquidations.ForSponsor(sponsor)
	out := make([]state.Liquidation, 0, len(recs))
	for _, l := range recs {
		out = append(out, l.Clone())
	}
	return out
}

// GetCurrentCollateralizationRatio returns total collateral per outstanding
// token; ok is false while nothing is minted.
func (e *Engine) GetCurrentCollateralizationRatio() (ratio fpmath.Decimal, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.GlobalRatio()
}

// Totals returns total position collateral and outstanding debt.
func (e *Engine) Totals() (collateral, tokens fpmath.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Totals()
}

// Balance returns one ledger account balance.
func (e *Engine) Balance(key ledger.AccountKey) fpmath.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances.GetBalance(key)
}

// WalletBalance returns a party's free collateral.
func (e *Engine) WalletBalance(party common.Address) fpmath.Decimal {
	return e.Balance(ledger.NewWalletKey(party))
}

// Sponsors lists every sponsor with an open position.
func (e *Engine) Sponsors() []common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Sponsors()
}

// Head returns the last applied sequence and state hash.
func (e *Engine) Head() (int64, [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.journalGen.Sequence() - 1, e.chain.Tip()
}
