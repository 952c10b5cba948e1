package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"SynthLedger/internal/command"
	"SynthLedger/internal/core"

	"github.com/ethereum/go-ethereum/common"
)

// LogReader loads a persisted command log for replay after a restart.
type LogReader struct {
	db *sql.DB
}

func NewLogReader(db *sql.DB) *LogReader {
	return &LogReader{db: db}
}

// LoadEnvelopesFrom loads up to limit envelopes of one instance starting at
// fromSequence, in sequence order.
func (r *LogReader) LoadEnvelopesFrom(ctx context.Context, instanceID string, fromSequence int64, limit int) ([]command.Envelope, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, sponsor, payload, state_hash, prev_hash, ts
		FROM command_log.envelopes
		WHERE instance_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, instanceID, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []command.Envelope
	for rows.Next() {
		var (
			env                 command.Envelope
			typeName, sponsor   string
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &typeName, &env.IdempotencyKey, &sponsor,
			&env.Payload, &stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, err
		}
		env.InstanceID = instanceID
		env.Type = command.ParseType(typeName)
		if env.Type == command.TypeUnknown {
			return nil, fmt.Errorf("sequence %d: unknown command type %q", env.Sequence, typeName)
		}
		env.Sponsor = common.HexToAddress(sponsor)
		if len(stateHash) != 32 || len(prevHash) != 32 {
			return nil, fmt.Errorf("sequence %d: malformed hash", env.Sequence)
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		env.Timestamp = env.Timestamp.UTC()
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// LoadAll pages through the whole log of one instance.
func (r *LogReader) LoadAll(ctx context.Context, instanceID string, pageSize int) ([]command.Envelope, error) {
	if pageSize <= 0 {
		pageSize = 10_000
	}
	var all []command.Envelope
	var next int64
	for {
		page, err := r.LoadEnvelopesFrom(ctx, instanceID, next, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		next = page[len(page)-1].Sequence + 1
	}
}

// GetLatestSequence returns the highest logged sequence, or -1 for an empty log.
func (r *LogReader) GetLatestSequence(ctx context.Context, instanceID string) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM command_log.envelopes WHERE instance_id = $1
	`, instanceID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// RecentKeys returns the composite idempotency keys of the last limit
// commands, oldest first, for warming the in-memory dedup tier.
func (r *LogReader) RecentKeys(ctx context.Context, instanceID string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT command_type, idempotency_key FROM (
			SELECT sequence, command_type, idempotency_key
			FROM command_log.envelopes
			WHERE instance_id = $1
			ORDER BY sequence DESC
			LIMIT $2
		) recent ORDER BY sequence ASC
	`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var ct, key string
		if err := rows.Scan(&ct, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(ct, key))
	}
	return keys, rows.Err()
}
