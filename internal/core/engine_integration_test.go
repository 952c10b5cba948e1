package core_test

import (
	"encoding/json"
	"testing"
	"time"

	"SynthLedger/internal/command"
	"SynthLedger/internal/core"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test: Output stream
// ============================================================================

func TestOutputs_SequencesAreContiguous(t *testing.T) {
	h := testutil.NewHarness(t, nil)

	for i := 0; i < 5; i++ {
		if _, err := h.Engine.Fund(ctx, sponsor, d("100")); err != nil {
			t.Fatalf("fund %d: %v", i, err)
		}
	}

	outputs := h.Drain()
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
		if o.Batch == nil || o.Batch.Sequence != int64(i) {
			t.Errorf("output %d: batch sequence does not match envelope", i)
		}
	}
}

func TestOutputs_HashChainLinks(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	h.Fund(t, "10000", sponsor)
	if _, err := h.Engine.Create(ctx, sponsor, d("10000"), d("200")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.Engine.RequestWithdrawal(ctx, sponsor, d("10")); err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}

	outputs := h.Drain()
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev hash does not link to output %d", i, i-1)
		}
	}

	seq, head := h.Engine.Head()
	if seq != 2 || head != outputs[2].Envelope.StateHash {
		t.Errorf("head: got seq %d, want 2 with last state hash", seq)
	}

	// state-only commands emit an envelope without a batch
	if outputs[2].Batch != nil {
		t.Errorf("request withdrawal should not move collateral")
	}
}

func TestOutputs_RejectedCommandEmitsNothing(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	h.Fund(t, "100", sponsor)
	h.Drain()

	if _, err := h.Engine.Create(ctx, sponsor, d("100"), d("100")); err == nil {
		t.Fatal("expected solvency rejection")
	}
	if out := h.Drain(); len(out) != 0 {
		t.Fatalf("expected no output for rejected command, got %d", len(out))
	}

	// the next accepted command takes the next sequence
	res, err := h.Engine.Fund(ctx, sponsor, d("1"))
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if res.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", res.Sequence)
	}
}

func TestOutputs_CreateJournals(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	h.Fund(t, "1000", sponsor)
	h.Drain()

	if _, err := h.Engine.Create(ctx, sponsor, d("600"), d("100")); err != nil {
		t.Fatalf("create: %v", err)
	}
	outputs := h.Drain()
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}

	batch := outputs[0].Batch
	if len(batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypePositionCollateralIn {
		t.Errorf("expected PositionCollateralIn, got %s", j.JournalType)
	}
	if j.FromAccount != ledger.NewWalletKey(sponsor) || j.ToAccount != ledger.NewPositionKey(sponsor) {
		t.Errorf("unexpected legs: %s -> %s", j.FromAccount.AccountPath(), j.ToAccount.AccountPath())
	}
	if !j.Amount.Equal(d("600")) {
		t.Errorf("expected amount 600, got %s", j.Amount)
	}

	env := outputs[0].Envelope
	if env.Type != command.TypeCreate || env.Sponsor != sponsor {
		t.Errorf("envelope: type %s sponsor %s", env.Type, env.Sponsor.Hex())
	}
	var decoded command.Create
	if err := json.Unmarshal(env.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !decoded.Tokens.Equal(d("100")) || decoded.Sponsor != sponsor {
		t.Errorf("payload round trip lost fields: %+v", decoded)
	}
}

func TestOutputs_LiquidationLifecycleJournals(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	id := openAndLiquidate(t, h)
	h.Fund(t, "500", disputer)
	if _, err := h.Engine.Dispute(ctx, disputer, sponsor, id); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	l, _ := h.Engine.GetLiquidation(sponsor, id)
	if err := h.Oracle.PushPrice(testutil.PriceIdentifier, l.RequestedAt, d("50")); err != nil {
		t.Fatalf("push price: %v", err)
	}
	h.Drain()

	if _, err := h.Engine.WithdrawLiquidation(ctx, liquidator, sponsor, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	outputs := h.Drain()
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	batch := outputs[0].Batch
	escrow, _ := batch.Total(ledger.JournalTypeLiquidationPayout)
	bond, _ := batch.Total(ledger.JournalTypeBondPayout)
	if !escrow.Equal(d("5000")) || !bond.Equal(d("50")) {
		t.Errorf("liquidator payout: escrow %s bond %s", escrow, bond)
	}
}

// ============================================================================
// Test: Channels and metrics
// ============================================================================

func TestPublishChannel_DropsWhenFull(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	params := h.Engine.Params()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	publish := make(chan core.Output, 1)

	e, err := core.NewEngine(core.Config{
		InstanceID:     "drops",
		Params:         &params,
		Clock:          h.Clock,
		Oracle:         h.Oracle,
		Token:          h.Token,
		CollateralGate: h.Collateral,
		IdentifierGate: h.Identifiers,
		EnableFaucet:   true,
		Metrics:        metrics,
		PublishChan:    publish,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := e.Fund(ctx, sponsor, d("1")); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	if got := promtest.ToFloat64(metrics.PublishDrops); got != 2 {
		t.Errorf("expected 2 dropped publishes, got %v", got)
	}
	if got := promtest.ToFloat64(metrics.OpsApplied.WithLabelValues("drops", "Fund")); got != 3 {
		t.Errorf("expected 3 applied, got %v", got)
	}

	if _, err := e.Withdraw(ctx, sponsor, d("1")); err == nil {
		t.Fatal("expected rejection without a position")
	}
	if got := promtest.ToFloat64(metrics.OpsRejected.WithLabelValues("drops", "Withdraw", "validation")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
}

func TestWarmIdempotency_DropsReplayedKey(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	h.Engine.WarmIdempotency([]string{core.CompositeKey("Fund", "replayed")})

	res, err := h.Engine.Dispatch(ctx, &command.Fund{Key: "replayed", Party: sponsor, Amount: d("5")})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Duplicate {
		t.Error("expected warmed key to be treated as duplicate")
	}
	if !h.Engine.WalletBalance(sponsor).IsZero() {
		t.Error("duplicate must not move collateral")
	}
}

func TestClockAdvance_DrivesEnvelopeTime(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	h.Clock.Advance(90 * time.Second)
	if _, err := h.Engine.Fund(ctx, sponsor, d("1")); err != nil {
		t.Fatalf("fund: %v", err)
	}
	out := h.Drain()
	if want := testutil.Genesis.Add(90 * time.Second); !out[0].Envelope.Timestamp.Equal(want) {
		t.Errorf("envelope time %s, want %s", out[0].Envelope.Timestamp, want)
	}
}
