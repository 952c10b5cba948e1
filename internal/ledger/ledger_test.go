package ledger_test

import (
	"errors"
	"testing"
	"time"

	"SynthLedger/internal/ledger"
	fpmath "SynthLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	sponsor    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	liquidator = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func dec(s string) fpmath.Decimal { return fpmath.MustFromString(s) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	path := ledger.NewWalletKey(sponsor).AccountPath()
	expected := "party:" + sponsor.Hex() + ":wallet"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_EscrowPath(t *testing.T) {
	path := ledger.NewEscrowKey(sponsor, 3).AccountPath()
	expected := "engine:" + sponsor.Hex() + ":escrow:3"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalKey()
	if key.AccountPath() != "external:funding" {
		t.Errorf("got %q", key.AccountPath())
	}
	if !key.IsExternal() {
		t.Error("external key should report IsExternal")
	}
}

func TestAccountKey_EscrowKeysDistinctPerLiquidation(t *testing.T) {
	if ledger.NewEscrowKey(sponsor, 0) == ledger.NewEscrowKey(sponsor, 1) {
		t.Error("escrow keys for different liquidation ids must differ")
	}
	if ledger.NewEscrowKey(sponsor, 0) == ledger.NewBondKey(sponsor, 0) {
		t.Error("escrow and bond keys must differ")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.GetBalance(ledger.NewWalletKey(sponsor)).IsZero() {
		t.Error("initial balance should be 0")
	}
}

func TestBalanceTracker_CreditDebit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewWalletKey(sponsor)

	if err := bt.Credit(key, dec("1000")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := bt.Debit(key, dec("400")); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if got := bt.GetBalance(key); !got.Equal(dec("600")) {
		t.Errorf("balance: got %s, want 600", got)
	}
}

func TestBalanceTracker_DebitInsufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewWalletKey(sponsor)
	_ = bt.Credit(key, dec("10"))

	err := bt.Debit(key, dec("10.000000000000000001"))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := bt.GetBalance(key); !got.Equal(dec("10")) {
		t.Errorf("failed debit changed balance to %s", got)
	}
}

func TestBalanceTracker_Transfer(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	from := ledger.NewWalletKey(sponsor)
	to := ledger.NewPositionKey(sponsor)
	_ = bt.Credit(from, dec("5"))

	if err := bt.Transfer(from, to, dec("5")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !bt.GetBalance(from).IsZero() || !bt.GetBalance(to).Equal(dec("5")) {
		t.Errorf("from=%s to=%s", bt.GetBalance(from), bt.GetBalance(to))
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1)

	batch := jg.Begin("fund-1", time.Unix(0, 0)).
		Transfer(ledger.JournalTypeFund, ledger.NewExternalKey(), ledger.NewWalletKey(sponsor), dec("1000")).
		Transfer(ledger.JournalTypePositionCollateralIn, ledger.NewWalletKey(sponsor), ledger.NewPositionKey(sponsor), dec("700")).
		Build()

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if !bt.GetBalance(ledger.NewWalletKey(sponsor)).Equal(dec("300")) {
		t.Errorf("wallet: got %s, want 300", bt.GetBalance(ledger.NewWalletKey(sponsor)))
	}
	if !bt.GetBalance(ledger.NewPositionKey(sponsor)).Equal(dec("700")) {
		t.Errorf("position: got %s, want 700", bt.GetBalance(ledger.NewPositionKey(sponsor)))
	}
}

func TestBalanceTracker_ApplyBatchAllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Credit(ledger.NewWalletKey(sponsor), dec("100"))
	jg := ledger.NewJournalGenerator(1)

	// first leg is fine, second overdraws
	batch := jg.Begin("bad", time.Unix(0, 0)).
		Transfer(ledger.JournalTypeDeposit, ledger.NewWalletKey(sponsor), ledger.NewPositionKey(sponsor), dec("60")).
		Transfer(ledger.JournalTypeDeposit, ledger.NewWalletKey(sponsor), ledger.NewPositionKey(sponsor), dec("60")).
		Build()

	err := bt.ApplyBatch(batch)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if !bt.GetBalance(ledger.NewWalletKey(sponsor)).Equal(dec("100")) {
		t.Error("rejected batch must leave balances untouched")
	}
	if !bt.GetBalance(ledger.NewPositionKey(sponsor)).IsZero() {
		t.Error("rejected batch must leave balances untouched")
	}
}

func TestBalanceTracker_StageDoesNotMutate(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1)
	batch := jg.Begin("fund", time.Unix(0, 0)).
		Transfer(ledger.JournalTypeFund, ledger.NewExternalKey(), ledger.NewWalletKey(sponsor), dec("1")).
		Build()

	staged, err := bt.Stage(batch)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if !bt.GetBalance(ledger.NewWalletKey(sponsor)).IsZero() {
		t.Fatal("stage must not apply balances")
	}
	staged.Commit()
	if !bt.GetBalance(ledger.NewWalletKey(sponsor)).Equal(dec("1")) {
		t.Error("commit should apply balances")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	_ = bt.Credit(ledger.NewWalletKey(sponsor), dec("999"))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = fpmath.Zero
	}

	if !bt.GetBalance(ledger.NewWalletKey(sponsor)).Equal(dec("999")) {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:   uuid.New(),
				BatchID:     batchID,
				FromAccount: ledger.NewExternalKey(),
				ToAccount:   ledger.NewWalletKey(sponsor),
				Amount:      fpmath.Zero,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:   uuid.New(),
				BatchID:     batchID,
				FromAccount: ledger.NewWalletKey(sponsor),
				ToAccount:   ledger.NewWalletKey(sponsor),
				Amount:      dec("1"),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{
			{
				JournalID:   uuid.New(),
				BatchID:     uuid.New(),
				FromAccount: ledger.NewExternalKey(),
				ToAccount:   ledger.NewWalletKey(sponsor),
				Amount:      dec("1"),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch id should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_SkipsZeroLegs(t *testing.T) {
	jg := ledger.NewJournalGenerator(10)
	b := jg.Begin("payout", time.Unix(100, 0)).
		Transfer(ledger.JournalTypeLiquidationPayout, ledger.NewEscrowKey(sponsor, 0), ledger.NewWalletKey(liquidator), dec("5")).
		Transfer(ledger.JournalTypeLiquidationPayout, ledger.NewEscrowKey(sponsor, 0), ledger.NewWalletKey(sponsor), fpmath.Zero)

	batch := b.Build()
	if len(batch.Journals) != 1 {
		t.Fatalf("journals: got %d, want 1", len(batch.Journals))
	}
	if batch.Sequence != 10 || batch.Journals[0].Sequence != 10 {
		t.Errorf("sequence: batch=%d journal=%d", batch.Sequence, batch.Journals[0].Sequence)
	}
	if jg.Advance() != 11 {
		t.Errorf("advance: got %d, want 11", jg.Sequence())
	}
	if batch.Journals[0].Timestamp != time.Unix(100, 0).UnixMicro() {
		t.Errorf("timestamp: got %d", batch.Journals[0].Timestamp)
	}
}

func TestJournalGenerator_EmptyBuildIsNil(t *testing.T) {
	jg := ledger.NewJournalGenerator(5)
	if b := jg.Begin("noop", time.Unix(0, 0)).Build(); b != nil {
		t.Fatal("empty builder should build nil")
	}
	if jg.Sequence() != 5 {
		t.Errorf("build must not advance the sequence, got %d", jg.Sequence())
	}
}

func TestBatch_Total(t *testing.T) {
	jg := ledger.NewJournalGenerator(1)
	batch := jg.Begin("x", time.Unix(0, 0)).
		Transfer(ledger.JournalTypeBondPayout, ledger.NewBondKey(sponsor, 0), ledger.NewWalletKey(sponsor), dec("1")).
		Transfer(ledger.JournalTypeBondPayout, ledger.NewBondKey(sponsor, 0), ledger.NewWalletKey(liquidator), dec("2")).
		Transfer(ledger.JournalTypeLiquidationPayout, ledger.NewEscrowKey(sponsor, 0), ledger.NewWalletKey(liquidator), dec("4")).
		Build()

	total, err := batch.Total(ledger.JournalTypeBondPayout)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Equal(dec("3")) {
		t.Errorf("got %s, want 3", total)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Conservation(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	_ = bt.Transfer(ledger.NewExternalKey(), ledger.NewWalletKey(sponsor), dec("1000"))
	_ = bt.Transfer(ledger.NewWalletKey(sponsor), ledger.NewPositionKey(sponsor), dec("700"))
	_ = bt.Transfer(ledger.NewPositionKey(sponsor), ledger.NewEscrowKey(sponsor, 0), dec("70"))
	_ = bt.Transfer(ledger.NewWalletKey(sponsor), ledger.NewExternalKey(), dec("100"))

	if err := v.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
	in, out := bt.ExternalFlows()
	if !in.Equal(dec("1000")) || !out.Equal(dec("100")) {
		t.Errorf("flows: in=%s out=%s", in, out)
	}
	if err := v.ValidateEngineCustody(dec("700")); err != nil {
		t.Errorf("custody: %v", err)
	}
	if err := v.ValidateEngineCustody(dec("630")); err == nil {
		t.Error("expected custody mismatch")
	}
}
