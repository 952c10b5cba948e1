package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock held while migrating, so several
// engine instances starting against one database apply each file once.
const migrationLockID = 0x53594e5448 // "SYNTH"

// Migrator applies the SQL files in a directory, named
// {version}_{name}.up.sql / {version}_{name}.down.sql.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

type migration struct {
	version string
	up      string // file names
	down    string
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, log: logger}
}

// Up applies every pending migration in version order, one transaction each.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		pending, err := m.pending(ctx, conn)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			m.log.Debug().Msg("schema up to date")
		}
		for _, mig := range pending {
			err := m.inTx(ctx, conn, mig.up,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`, mig.version, mig.up)
			if err != nil {
				return err
			}
			m.log.Info().Str("version", mig.version).Str("file", mig.up).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.log.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		all, err := m.scan()
		if err != nil {
			return err
		}
		mig, ok := all[version]
		if !ok || mig.down == "" {
			return fmt.Errorf("no down migration for version %s", version)
		}
		if err := m.inTx(ctx, conn, mig.down,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return err
		}
		m.log.Info().Str("version", version).Str("file", mig.down).Msg("rolled back migration")
		return nil
	})
}

// Pending lists the up files not yet applied.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := ensureMigrationTable(ctx, conn); err != nil {
		return nil, err
	}
	pending, err := m.pending(ctx, conn)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(pending))
	for i, mig := range pending {
		files[i] = mig.up
	}
	return files, nil
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.log.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// inTx executes a migration file and its bookkeeping statement atomically.
func (m *Migrator) inTx(ctx context.Context, conn *sql.Conn, file, record string, args ...interface{}) error {
	body, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) pending(ctx context.Context, conn *sql.Conn) ([]migration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	all, err := m.scan()
	if err != nil {
		return nil, err
	}
	var out []migration
	for v, mig := range all {
		if !applied[v] && mig.up != "" {
			out = append(out, mig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// scan indexes the directory's migration files by version.
func (m *Migrator) scan() (map[string]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	all := make(map[string]migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		mig := all[version]
		mig.version = version
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			mig.up = name
		case strings.HasSuffix(name, ".down.sql"):
			mig.down = name
		default:
			continue
		}
		all[version] = mig
	}
	return all, nil
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}
