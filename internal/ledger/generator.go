package ledger

import (
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/google/uuid"
)

// JournalGenerator creates journal batches for engine operations and stamps
// them with the sequence of the command that produced them. The sequence
// moves only through Advance, once per accepted command.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// Sequence returns the sequence the next batch will carry.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// Advance moves to the next sequence.
func (jg *JournalGenerator) Advance() int64 {
	jg.sequence++
	return jg.sequence
}

// BatchBuilder accumulates the legs of one operation.
type BatchBuilder struct {
	batch *Batch
}

// Begin starts a batch for the command identified by ref.
func (jg *JournalGenerator) Begin(ref string, ts time.Time) *BatchBuilder {
	return &BatchBuilder{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  ref,
			Sequence:  jg.sequence,
			Timestamp: ts.UnixMicro(),
		},
	}
}

// Transfer appends a leg. Zero amounts are skipped so callers can add
// payout legs without checking each share.
func (b *BatchBuilder) Transfer(jt JournalType, from, to AccountKey, amount fpmath.Decimal) *BatchBuilder {
	if amount.IsZero() {
		return b
	}
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:   uuid.New(),
		BatchID:     b.batch.BatchID,
		EventRef:    b.batch.EventRef,
		Sequence:    b.batch.Sequence,
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
		JournalType: jt,
		Timestamp:   b.batch.Timestamp,
	})
	return b
}

// Empty reports whether no leg has been added.
func (b *BatchBuilder) Empty() bool {
	return len(b.batch.Journals) == 0
}

// Build returns the batch, or nil when no leg was added.
func (b *BatchBuilder) Build() *Batch {
	if b.Empty() {
		return nil
	}
	return b.batch
}
