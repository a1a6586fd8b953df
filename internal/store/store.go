// Package store is the single embedded SQL database behind the
// orchestrator: chats, messages, scheduled tasks, task run logs, usage
// records, memory summaries, preferences and knowledge docs. WAL
// journaling with a busy timeout, on the one driver this system ships
// (modernc.org/sqlite — no cgo).
package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store wraps the single SQLite connection used by every component.
// SQLite with WAL mode tolerates exactly one writer; a single *sql.DB with
// a capped connection pool serialises writers for us, matching the
// busy-timeout retry story the rest of the stack relies on.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the database at dsn and configures the
// pragmas the core requires: WAL journaling and a 5-second busy timeout.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store: dsn required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to set pragma: %s", pragma)
		}
	}

	// WAL mode tolerates one writer; keep a single connection so Go's pool
	// serialises every statement and SQLite never sees two writers at once.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	return s, nil
}

// Close is idempotent for graceful shutdown.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate runs every additive migration not yet applied, gated by a schema
// version counter. Migrations are idempotent (CREATE TABLE IF NOT EXISTS).
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return errors.Wrap(err, "failed to create schema_version table")
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for current < len(migrations) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin migration transaction")
		}
		if _, err := tx.ExecContext(ctx, migrations[current]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to apply migration %d", current)
		}
		if current == 0 {
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (1)`); err != nil {
				tx.Rollback()
				return errors.Wrap(err, "failed to seed schema_version")
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, current+1); err != nil {
				tx.Rollback()
				return errors.Wrap(err, "failed to bump schema_version")
			}
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "failed to commit migration %d", current)
		}
		current++
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read schema_version")
	}
	return version, nil
}
