package persistence

import (
	"context"
	"database/sql"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine's send on that channel blocks, so if this worker falls behind
// the engine stalls rather than losing a command.
type PersistenceWorker struct {
	writer       *CommandLogWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewCommandLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          logger,
	}
}

// batch accumulates the rows of consecutive outputs for one transaction.
type batch struct {
	envs     []EnvelopeRow
	journals []JournalRow
}

func (b *batch) add(out core.Output) {
	er, jrs := Rows(out)
	b.envs = append(b.envs, er)
	b.journals = append(b.journals, jrs...)
}

func (b *batch) empty() bool { return len(b.envs) == 0 }

func (b *batch) clear() {
	b.envs = b.envs[:0]
	b.journals = b.journals[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. A closed channel drains the batch and returns nil;
// cancellation drains it and returns ctx.Err().
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{
		envs:     make([]EnvelopeRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*2),
	}
	ticker := time.NewTicker(pw.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pw.drain(b)
			return ctx.Err()
		case out, ok := <-pw.inputChan:
			if !ok {
				pw.drain(b)
				return nil
			}
			b.add(out)
			if len(b.envs) >= pw.batchSize {
				pw.commit(ctx, b, "full")
				ticker.Reset(pw.flushTimeout)
			}
		case <-ticker.C:
			pw.commit(ctx, b, "timeout")
		}
	}
}

func (pw *PersistenceWorker) commit(ctx context.Context, b *batch, reason string) {
	if b.empty() {
		return
	}
	if err := pw.flushWithRetry(ctx, b.envs, b.journals); err != nil {
		pw.log.Error().Err(err).Str("reason", reason).Int("envelopes", len(b.envs)).
			Int64("last_sequence", b.envs[len(b.envs)-1].Sequence).Msg("batch lost")
	}
	b.clear()
}

func (pw *PersistenceWorker) drain(b *batch) {
	if b.empty() {
		return
	}
	if err := pw.flush(context.Background(), b.envs, b.journals); err != nil {
		pw.log.Error().Err(err).Int("envelopes", len(b.envs)).Msg("final flush failed")
	}
	b.clear()
}

const (
	minRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff = 30 * time.Second
)

func nextBackoff(d time.Duration) time.Duration {
	if d *= 2; d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// flushWithRetry retries until the write succeeds. Once ctx is cancelled it
// makes one last attempt on a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, envs []EnvelopeRow, journals []JournalRow) error {
	err := pw.flush(ctx, envs, journals)
	for attempt, backoff := 1, minRetryBackoff; err != nil; attempt, backoff = attempt+1, nextBackoff(backoff) {
		pw.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
			Int("envelopes", len(envs)).Msg("persistence retry")
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
		select {
		case <-ctx.Done():
			return pw.flush(context.Background(), envs, journals)
		case <-time.After(backoff):
		}
		if err = pw.flush(ctx, envs, journals); err == nil {
			pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
		}
	}
	return nil
}

func (pw *PersistenceWorker) flush(ctx context.Context, envs []EnvelopeRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEnvelopeBatch(ctx, tx, envs); err != nil {
		pw.recordError("write_envelopes")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.recordError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(envs)))
		pw.metrics.PersistEnvelopesWritten.Add(float64(len(envs)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		last := envs[len(envs)-1]
		pw.metrics.PersistLastSequence.WithLabelValues(last.InstanceID).Set(float64(last.Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) recordError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
