package ingestion

import (
	"context"
	"errors"
	"time"

	"SynthLedger/internal/command"
	"SynthLedger/internal/core"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/whitelist"

	"github.com/rs/zerolog"
)

// CommandApplier is the engine surface the dispatcher drives.
type CommandApplier interface {
	Dispatch(ctx context.Context, cmd command.Command) (*core.Result, error)
}

// PriceSink resolves an oracle price. oracle.RedisOracle.PushPrice matches;
// StorePriceSink adapts the in-process store.
type PriceSink func(ctx context.Context, id whitelist.Identifier, ts time.Time, price fpmath.Decimal) error

// StorePriceSink wraps a context-free PushPrice.
func StorePriceSink(push func(whitelist.Identifier, time.Time, fpmath.Decimal) error) PriceSink {
	return func(_ context.Context, id whitelist.Identifier, ts time.Time, price fpmath.Decimal) error {
		return push(id, ts, price)
	}
}

// Dispatcher consumes raw NATS messages, applies commands to the engine and
// feeds prices to the oracle. Acks follow the outcome: accepted, duplicate
// and permanently rejected messages are acked; messages waiting on an oracle
// price are redelivered after a growing delay.
type Dispatcher struct {
	engine  CommandApplier
	prices  PriceSink
	seq     *PriceSequencer
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(engine CommandApplier, prices PriceSink, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		prices:  prices,
		seq:     NewPriceSequencer(),
		metrics: metrics,
		log:     logger,
	}
}

// Sequencer exposes the price sequencer for recovery seeding.
func (d *Dispatcher) Sequencer() *PriceSequencer { return d.seq }

// Run processes messages until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Outcome labels for the ingest metric.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeDeferred  = "deferred"
	OutcomeMalformed = "malformed"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
)

// Handle processes one message and returns its outcome label.
func (d *Dispatcher) Handle(ctx context.Context, raw RawMessage) string {
	var outcome string
	if raw.Kind == KindPrice {
		outcome = d.handlePrice(ctx, raw)
	} else {
		outcome = d.handleCommand(ctx, raw)
	}

	switch outcome {
	case OutcomeDeferred:
		if raw.DeferFunc != nil {
			raw.DeferFunc(DeferDelay(raw.Delivered))
		} else if raw.NakFunc != nil {
			raw.NakFunc()
		}
	case OutcomeFailed:
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	default:
		if raw.AckFunc != nil {
			raw.AckFunc()
		}
	}
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(raw.Kind.String(), outcome).Inc()
	}
	return outcome
}

func (d *Dispatcher) handleCommand(ctx context.Context, raw RawMessage) string {
	cmd, err := ParseCommand(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		return OutcomeMalformed
	}

	res, err := d.engine.Dispatch(ctx, cmd)
	if err != nil {
		var oe *core.OpError
		switch {
		case core.IsRetryable(err):
			d.log.Debug().Err(err).Str("key", cmd.IdempotencyKey()).Msg("oracle price pending, redelivering")
			return OutcomeDeferred
		case errors.As(err, &oe):
			d.log.Info().Err(err).Str("key", cmd.IdempotencyKey()).Msg("command rejected")
			return OutcomeRejected
		default:
			d.log.Error().Err(err).Str("key", cmd.IdempotencyKey()).Msg("command failed")
			return OutcomeFailed
		}
	}
	if res.Duplicate {
		return OutcomeDuplicate
	}
	return OutcomeApplied
}

func (d *Dispatcher) handlePrice(ctx context.Context, raw RawMessage) string {
	upd, err := ParsePriceUpdate(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed price")
		return OutcomeMalformed
	}
	if !d.seq.Accept(upd.Identifier, upd.Sequence) {
		return OutcomeStale
	}
	if err := d.prices(ctx, upd.Identifier, upd.Time, upd.Price); err != nil {
		// a conflicting value for a resolved price is permanent
		d.log.Warn().Err(err).Str("identifier", upd.Identifier.String()).Msg("price rejected")
		return OutcomeRejected
	}
	return OutcomeApplied
}
