package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"SynthLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CommandLogWriter writes envelopes and journals to the command log using
// multi-row INSERTs. Writes are idempotent on the primary keys, so a retried
// batch never double-writes.
type CommandLogWriter struct {
	db *sql.DB
}

// EnvelopeRow represents a row in command_log.envelopes
type EnvelopeRow struct {
	InstanceID     string
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Sponsor        string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in command_log.journal
type JournalRow struct {
	JournalID   string
	BatchID     string
	EventRef    string
	InstanceID  string
	Sequence    int64
	FromAccount string
	ToAccount   string
	Amount      string // NUMERIC(78,18)
	JournalType string
	TimestampUS int64
}

func NewCommandLogWriter(db *sql.DB) *CommandLogWriter {
	return &CommandLogWriter{db: db}
}

// Rows converts one engine output into its log rows.
func Rows(out core.Output) (EnvelopeRow, []JournalRow) {
	env := out.Envelope
	er := EnvelopeRow{
		InstanceID:     env.InstanceID,
		Sequence:       env.Sequence,
		CommandType:    env.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		Sponsor:        env.Sponsor.Hex(),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
	if out.Batch == nil {
		return er, nil
	}
	jrs := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		jrs = append(jrs, JournalRow{
			JournalID:   j.JournalID.String(),
			BatchID:     j.BatchID.String(),
			EventRef:    j.EventRef,
			InstanceID:  env.InstanceID,
			Sequence:    j.Sequence,
			FromAccount: j.FromAccount.AccountPath(),
			ToAccount:   j.ToAccount.AccountPath(),
			Amount:      j.Amount.String(),
			JournalType: j.JournalType.String(),
			TimestampUS: j.Timestamp,
		})
	}
	return er, jrs
}

// WriteEnvelopeBatch writes a batch of envelopes to command_log.envelopes.
func (w *CommandLogWriter) WriteEnvelopeBatch(ctx context.Context, ex execer, envs []EnvelopeRow) error {
	if len(envs) == 0 {
		return nil
	}

	query := `INSERT INTO command_log.envelopes
		(instance_id, sequence, command_type, idempotency_key, sponsor, payload, state_hash, prev_hash, ts)
		VALUES `

	values := make([]string, 0, len(envs))
	args := make([]interface{}, 0, len(envs)*9)

	for i, e := range envs {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.InstanceID, e.Sequence, e.CommandType, e.IdempotencyKey, e.Sponsor,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (instance_id, sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to command_log.journal.
func (w *CommandLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO command_log.journal
		(journal_id, batch_id, event_ref, instance_id, sequence, from_account, to_account, amount, journal_type, ts_us)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.InstanceID, j.Sequence,
			j.FromAccount, j.ToAccount, j.Amount, j.JournalType, j.TimestampUS,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
