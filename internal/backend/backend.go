// Package backend provides the pluggable execution strategies that run one
// resolved graph instance: local process, container, or cluster scheduler.
package backend

import (
	"context"
	"fmt"
	"io"
	"os"

	"reconbatch/internal/job"
)

// Backend submits a job for execution.
// Implementations include local process, Docker, Slurm and Kubernetes.
type Backend interface {
	// Submit starts one attempt of the job and returns a handle. The
	// resolved graph is serialized to the job's GraphPath and handed to
	// the external tool as its single file argument.
	Submit(ctx context.Context, j *job.Job) (Handle, error)

	// Name identifies the backend in logs and error messages.
	Name() string
}

// Handle represents one running attempt.
type Handle interface {
	// Wait blocks until the attempt finishes and returns the exit result.
	// It polls suspended work (process wait, scheduler queries) without
	// requiring any orchestrator lock to be held.
	Wait(ctx context.Context) (ExitResult, error)

	// Cancel terminates the underlying process or allocation.
	Cancel(ctx context.Context) error

	// Logs returns a reader over the attempt's combined output.
	Logs(ctx context.Context) (io.ReadCloser, error)
}

// ExitResult is the outcome of one finished attempt.
type ExitResult struct {
	ExitCode int
	Err      error
}

// SubmissionError reports a failure to hand the job to the backend, e.g. a
// temporarily unreachable scheduler. It is retryable.
type SubmissionError struct {
	Backend string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submission failed: %v", e.Backend, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ExecutionError reports a failed attempt: a non-zero exit, or a zero exit
// with a missing declared output. It is retryable.
type ExecutionError struct {
	JobID    string
	ExitCode int
	Reason   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s: execution failed (exit %d): %s", e.JobID, e.ExitCode, e.Reason)
}

// VerifyOutputs checks that every declared output artifact was actually
// produced. A zero exit code with a missing declared output is a failure,
// not a success; external tools have been observed to silently no-op.
func VerifyOutputs(j *job.Job) error {
	for _, a := range j.Artifacts {
		info, err := os.Stat(a.Path)
		if err != nil {
			return &ExecutionError{
				JobID:    j.ID,
				ExitCode: 0,
				Reason:   fmt.Sprintf("declared output %q missing at %s", a.Name, a.Path),
			}
		}
		if info.IsDir() {
			return &ExecutionError{
				JobID:    j.ID,
				ExitCode: 0,
				Reason:   fmt.Sprintf("declared output %q at %s is a directory", a.Name, a.Path),
			}
		}
	}
	return nil
}

// writeGraphDoc serializes the resolved graph for the external tool.
func writeGraphDoc(j *job.Job) error {
	if j.Graph == nil {
		return fmt.Errorf("job %s has no resolved graph", j.ID)
	}
	if j.GraphPath == "" {
		return fmt.Errorf("job %s has no graph document path", j.ID)
	}
	return j.Graph.WriteFile(j.GraphPath)
}
