// Package store persists terminal job outcomes so re-runs of a batch can
// skip work that already succeeded.
package store

import (
	"context"
	"time"
)

// Outcome is the durable record of a job that reached a terminal state.
type Outcome struct {
	JobID        string
	Status       string
	Attempts     int
	ExitCode     *int
	ErrorMessage *string
	UpdatedAt    time.Time
}

// Store records and retrieves job outcomes.
type Store interface {
	// RecordOutcome upserts the terminal outcome for a job.
	RecordOutcome(ctx context.Context, o *Outcome) error

	// GetOutcome returns the recorded outcome for a job, or nil when the
	// job has never reached a terminal state.
	GetOutcome(ctx context.Context, jobID string) (*Outcome, error)

	// ListOutcomes returns all recorded outcomes, newest first.
	ListOutcomes(ctx context.Context) ([]Outcome, error)

	Close() error
}
