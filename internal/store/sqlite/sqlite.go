package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"reconbatch/internal/store"
)

// Store provides the SQLite-backed outcome repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the batch state database at path and runs
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", path, err)
	}

	// Orchestrator slots record outcomes concurrently.
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("state database %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("state database %s: %w", path, err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordOutcome implements store.Store.
func (s *Store) RecordOutcome(ctx context.Context, o *store.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_outcomes (job_id, status, attempts, exit_code, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (job_id) DO UPDATE SET
			status        = excluded.status,
			attempts      = excluded.attempts,
			exit_code     = excluded.exit_code,
			error_message = excluded.error_message,
			updated_at    = CURRENT_TIMESTAMP`,
		o.JobID, o.Status, o.Attempts, o.ExitCode, o.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("record outcome for job %s: %w", o.JobID, err)
	}
	return nil
}

// GetOutcome implements store.Store.
func (s *Store) GetOutcome(ctx context.Context, jobID string) (*store.Outcome, error) {
	var o store.Outcome
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, status, attempts, exit_code, error_message, updated_at
		FROM job_outcomes WHERE job_id = ?`, jobID,
	).Scan(&o.JobID, &o.Status, &o.Attempts, &o.ExitCode, &o.ErrorMessage, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome for job %s: %w", jobID, err)
	}
	return &o, nil
}

// ListOutcomes implements store.Store.
func (s *Store) ListOutcomes(ctx context.Context) ([]store.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, status, attempts, exit_code, error_message, updated_at
		FROM job_outcomes ORDER BY updated_at DESC, job_id`)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []store.Outcome
	for rows.Next() {
		var o store.Outcome
		if err := rows.Scan(&o.JobID, &o.Status, &o.Attempts, &o.ExitCode, &o.ErrorMessage, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
