package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the second dedup tier behind the engine's
// in-memory LRU. It looks keys up in the persisted command log.
type PostgresIdempotencyChecker struct {
	db         *sql.DB
	instanceID string
	timeout    time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB, instanceID string) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:         db,
		instanceID: instanceID,
		timeout:    500 * time.Millisecond,
	}
}

// IsDuplicate checks if the command exists in the command log
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	query := `
        SELECT 1
        FROM command_log.envelopes
        WHERE instance_id = $1 AND command_type = $2 AND idempotency_key = $3
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, pic.instanceID, commandType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
