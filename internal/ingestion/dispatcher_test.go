package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"SynthLedger/internal/ingestion"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/testutil"
	"SynthLedger/internal/whitelist"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackRecorder struct {
	acks, naks int
}

func (r *ackRecorder) msg(kind ingestion.MessageKind, subject string, data []byte) ingestion.RawMessage {
	return ingestion.RawMessage{
		Kind:    kind,
		Subject: subject,
		Data:    data,
		AckFunc: func() { r.acks++ },
		NakFunc: func() { r.naks++ },
	}
}

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, *testutil.Harness, *observability.Metrics) {
	t.Helper()
	h := testutil.NewHarness(t, nil)
	m := observability.NewMetrics(prometheus.NewRegistry())
	d := ingestion.NewDispatcher(h.Engine, ingestion.StorePriceSink(h.Oracle.PushPrice), m, zerolog.Nop())
	return d, h, m
}

func TestDispatcher_CommandOutcomes(t *testing.T) {
	d, h, m := newDispatcher(t)
	ctx := context.Background()
	rec := &ackRecorder{}

	fund := mustJSON(t, map[string]interface{}{
		"idempotency_key": "fund-1",
		"party":           sponsorHex,
		"amount":          "250",
	})
	assert.Equal(t, ingestion.OutcomeApplied, d.Handle(ctx, rec.msg(ingestion.KindCommand, "synth.commands.test-instance.Fund", fund)))
	assert.Equal(t, ingestion.OutcomeDuplicate, d.Handle(ctx, rec.msg(ingestion.KindCommand, "synth.commands.test-instance.Fund", fund)))
	assert.True(t, h.Engine.WalletBalance(testutil.Addr(1)).Equal(testutil.D("250")))

	withdraw := mustJSON(t, map[string]interface{}{
		"idempotency_key": "w-1",
		"sponsor":         sponsorHex,
		"amount":          "1",
	})
	assert.Equal(t, ingestion.OutcomeRejected, d.Handle(ctx, rec.msg(ingestion.KindCommand, "synth.commands.test-instance.Withdraw", withdraw)))
	assert.Equal(t, ingestion.OutcomeMalformed, d.Handle(ctx, rec.msg(ingestion.KindCommand, "synth.commands.test-instance.Fund", []byte("{"))))

	assert.Equal(t, 4, rec.acks)
	assert.Equal(t, 0, rec.naks)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.IngestMessages.WithLabelValues("command", ingestion.OutcomeDuplicate)))
}

func TestDispatcher_PendingOracleIsRedelivered(t *testing.T) {
	d, h, _ := newDispatcher(t)
	ctx := context.Background()
	rec := &ackRecorder{}

	h.Clock.Advance(31 * 24 * time.Hour)
	settle := mustJSON(t, map[string]interface{}{
		"idempotency_key": "settle-1",
		"caller":          sponsorHex,
	})
	assert.Equal(t, ingestion.OutcomeDeferred, d.Handle(ctx, rec.msg(ingestion.KindCommand, "synth.commands.test-instance.SettleExpired", settle)))
	assert.Equal(t, 0, rec.acks)
	assert.Equal(t, 1, rec.naks)
}

func TestDispatcher_DeferredBacksOffByDeliveryCount(t *testing.T) {
	d, h, _ := newDispatcher(t)
	rec := &ackRecorder{}
	var delays []time.Duration

	h.Clock.Advance(31 * 24 * time.Hour)
	settle := mustJSON(t, map[string]interface{}{
		"idempotency_key": "settle-1",
		"caller":          sponsorHex,
	})
	for _, delivered := range []uint64{1, 3, 40} {
		msg := rec.msg(ingestion.KindCommand, "synth.commands.test-instance.SettleExpired", settle)
		msg.Delivered = delivered
		msg.DeferFunc = func(delay time.Duration) { delays = append(delays, delay) }
		assert.Equal(t, ingestion.OutcomeDeferred, d.Handle(context.Background(), msg))
	}

	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second, time.Minute}, delays)
	assert.Zero(t, rec.naks)
	assert.Zero(t, rec.acks)
}

func TestDispatcher_PriceFeed(t *testing.T) {
	d, h, _ := newDispatcher(t)
	ctx := context.Background()
	rec := &ackRecorder{}
	at := testutil.Genesis.Add(time.Hour)

	price := func(seq int64, p string) []byte {
		return mustJSON(t, map[string]interface{}{
			"identifier": "TEST/USD",
			"time_unix":  at.Unix(),
			"price":      p,
			"sequence":   seq,
		})
	}

	assert.Equal(t, ingestion.OutcomeApplied, d.Handle(ctx, rec.msg(ingestion.KindPrice, "synth.prices.TEST/USD", price(2, "1.5"))))
	assert.Equal(t, ingestion.OutcomeStale, d.Handle(ctx, rec.msg(ingestion.KindPrice, "synth.prices.TEST/USD", price(1, "9"))))
	// resolved prices are final
	assert.Equal(t, ingestion.OutcomeRejected, d.Handle(ctx, rec.msg(ingestion.KindPrice, "synth.prices.TEST/USD", price(3, "2"))))

	q, err := h.Oracle.GetPrice(ctx, testutil.PriceIdentifier, at)
	require.NoError(t, err)
	assert.True(t, q.Resolved())
	assert.True(t, q.Price.Equal(testutil.D("1.5")))
	assert.Equal(t, 3, rec.acks)
	assert.Equal(t, int64(3), d.Sequencer().Last(testutil.PriceIdentifier))
}

func TestDispatcher_SinkFailureIsRejected(t *testing.T) {
	sink := func(context.Context, whitelist.Identifier, time.Time, fpmath.Decimal) error {
		return errors.New("redis down")
	}
	h := testutil.NewHarness(t, nil)
	d := ingestion.NewDispatcher(h.Engine, sink, nil, zerolog.Nop())
	rec := &ackRecorder{}
	data := mustJSON(t, map[string]interface{}{"identifier": "TEST/USD", "time_unix": 1, "price": "1"})
	assert.Equal(t, ingestion.OutcomeRejected, d.Handle(context.Background(), rec.msg(ingestion.KindPrice, "synth.prices.TEST/USD", data)))
}

func TestPriceSequencer_GapsTolerated(t *testing.T) {
	ps := ingestion.NewPriceSequencer()
	id := whitelist.NewIdentifier("ETH/USD")

	assert.True(t, ps.Accept(id, 1))
	assert.True(t, ps.Accept(id, 4))
	assert.False(t, ps.Accept(id, 4))
	assert.False(t, ps.Accept(id, 2))
	assert.True(t, ps.Accept(id, 0))
	assert.Equal(t, int64(1), ps.Gaps(id))
	assert.Equal(t, int64(4), ps.Last(id))

	ps.Seed(id, 10)
	assert.False(t, ps.Accept(id, 9))
}
