package persistence_test

import (
	"context"
	"testing"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/persistence"
	"SynthLedger/internal/testutil"

	"github.com/rs/zerolog"
)

var (
	sponsor = testutil.Addr(1)
	holder  = testutil.Addr(4)
)

func TestRows_EnvelopeAndJournals(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	h.Fund(t, "1000", sponsor)
	if _, err := h.Engine.Create(context.Background(), sponsor, testutil.D("600"), testutil.D("100")); err != nil {
		t.Fatalf("create: %v", err)
	}
	outputs := h.Drain()
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}

	er, jrs := persistence.Rows(outputs[1])
	if er.CommandType != "Create" || er.Sequence != 1 {
		t.Errorf("envelope row: type %s sequence %d", er.CommandType, er.Sequence)
	}
	if er.Sponsor != sponsor.Hex() {
		t.Errorf("sponsor: got %s", er.Sponsor)
	}
	if len(er.StateHash) != 32 || len(er.PrevHash) != 32 {
		t.Errorf("hash lengths: %d / %d", len(er.StateHash), len(er.PrevHash))
	}
	if len(jrs) != 1 {
		t.Fatalf("expected 1 journal row, got %d", len(jrs))
	}
	if jrs[0].Amount != "600" {
		t.Errorf("amount: got %s, want 600", jrs[0].Amount)
	}
	if jrs[0].JournalType != "position_collateral_in" {
		t.Errorf("journal type: got %s", jrs[0].JournalType)
	}
	if jrs[0].Sequence != er.Sequence || jrs[0].InstanceID != er.InstanceID {
		t.Errorf("journal row not linked to its envelope")
	}
}

func TestRows_StateOnlyCommandHasNoJournals(t *testing.T) {
	h := testutil.NewHarness(t, nil)
	h.Fund(t, "1000", sponsor)
	ctx := context.Background()
	if _, err := h.Engine.Create(ctx, sponsor, testutil.D("1000"), testutil.D("100")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.Engine.RequestWithdrawal(ctx, sponsor, testutil.D("1")); err != nil {
		t.Fatalf("request: %v", err)
	}
	outputs := h.Drain()
	_, jrs := persistence.Rows(outputs[len(outputs)-1])
	if len(jrs) != 0 {
		t.Errorf("expected no journal rows, got %d", len(jrs))
	}
}

// TestCommandLog_WriteReplay persists a run through the worker, reloads it
// and replays it into a fresh engine.
func TestCommandLog_WriteReplay(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	src := testutil.NewHarness(t, nil)
	instance := src.Engine.ID()
	worker := persistence.NewPersistenceWorker(db, src.Persist, 2, 10*time.Millisecond, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	src.Fund(t, "1000", sponsor, holder)
	if _, err := src.Engine.Create(ctx, sponsor, testutil.D("1000"), testutil.D("100")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := src.Engine.TransferTokens(ctx, sponsor, holder, testutil.D("10")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	close(src.Persist)
	if err := <-done; err != nil {
		t.Fatalf("worker: %v", err)
	}

	reader := persistence.NewLogReader(db)
	latest, err := reader.GetLatestSequence(ctx, instance)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 3 {
		t.Fatalf("expected latest sequence 3, got %d", latest)
	}

	envs, err := reader.LoadAll(ctx, instance, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dst := testutil.NewHarness(t, nil)
	if _, err := dst.Engine.Replay(ctx, envs); err != nil {
		t.Fatalf("replay: %v", err)
	}
	_, srcHead := src.Engine.Head()
	_, dstHead := dst.Engine.Head()
	if srcHead != dstHead {
		t.Error("replayed head differs from source")
	}
	if !dst.Token.BalanceOf(holder).Equal(testutil.D("10")) {
		t.Errorf("replayed token balance: %s", dst.Token.BalanceOf(holder))
	}

	checker := persistence.NewPostgresIdempotencyChecker(db, instance)
	dup, err := checker.IsDuplicate(ctx, "TransferTokens", envs[3].IdempotencyKey)
	if err != nil || !dup {
		t.Errorf("expected logged key to be a duplicate (err=%v)", err)
	}

	keys, err := reader.RecentKeys(ctx, instance, 2)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 2 || keys[1] != core.CompositeKey("TransferTokens", envs[3].IdempotencyKey) {
		t.Errorf("recent keys: %v", keys)
	}
}
