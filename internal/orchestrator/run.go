package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"reconbatch/internal/backend"
	"reconbatch/internal/graph"
	"reconbatch/internal/job"
	"reconbatch/internal/template"
)

// idleWait bounds how long the dispatcher sleeps when nothing is ready; a
// finishing attempt wakes it earlier.
const idleWait = 500 * time.Millisecond

// Run drains the pending queue, dispatching up to Concurrency jobs at a time
// to the backend, and blocks until every job is terminal or the context is
// cancelled. It never fail-fasts: per-job errors are recorded on the job and
// the run proceeds with the rest.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	sem := make(chan struct{}, o.opts.Concurrency)
	var inflight sync.WaitGroup
	wake := make(chan struct{}, 1)

	poke := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	for ctx.Err() == nil {
		j, sleep, allDone := o.nextDispatch()
		if allDone {
			break
		}
		if j == nil {
			select {
			case <-ctx.Done():
			case <-time.After(sleep):
			case <-wake:
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Undo the dispatch marking so the report shows the job
			// where it actually stopped.
			o.mu.Lock()
			j.Status = job.StatusPending
			o.mu.Unlock()
			continue
		}

		inflight.Add(1)
		go func(j *job.Job) {
			defer inflight.Done()
			defer func() {
				<-sem
				poke()
			}()
			o.runAttempt(ctx, j)
		}(j)
	}

	inflight.Wait()
	return o.report(), ctx.Err()
}

// nextDispatch pops the next dispatchable job under the table lock, marking
// it Submitted so no other slot can take it. sleep is how long the caller
// may wait when nothing is ready; allDone means every job is terminal.
func (o *Orchestrator) nextDispatch() (next *job.Job, sleep time.Duration, allDone bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	sleep = idleWait
	allDone = true

	for _, id := range o.order {
		j := o.jobs[id]
		if j.Status.Terminal() {
			continue
		}
		allDone = false
		if j.Status != job.StatusPending {
			continue
		}
		if wait := j.NotBefore.Sub(now); wait > 0 {
			if wait < sleep {
				sleep = wait
			}
			continue
		}
		if err := j.Transition(job.StatusSubmitted); err != nil {
			// Table is lock-guarded, so this cannot happen.
			o.log.Error("dispatch transition rejected", "job_id", id, "error", err)
			continue
		}
		return j, 0, false
	}
	return nil, sleep, allDone
}

// runAttempt executes one attempt of a job against the backend and applies
// the resulting state transition. No orchestrator lock is held while the
// backend is waiting.
func (o *Orchestrator) runAttempt(ctx context.Context, j *job.Job) {
	tracer := otel.Tracer("reconbatch/orchestrator")
	ctx, span := tracer.Start(ctx, "job_attempt",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.Int("job.attempt", j.Attempts+1),
			attribute.String("backend", o.backend.Name()),
		),
	)
	defer span.End()

	log := o.log.With("job_id", j.ID, "attempt", j.Attempts+1, "backend", o.backend.Name())

	o.metrics.Attempts.Add(ctx, 1)
	o.metrics.Inflight.Add(ctx, 1)
	defer o.metrics.Inflight.Add(ctx, -1)

	if err := os.MkdirAll(filepath.Dir(j.GraphPath), 0o755); err != nil {
		o.finishAttempt(ctx, j, fmt.Errorf("prepare job directory: %w", err))
		return
	}

	attemptCtx := ctx
	var cancelAttempt context.CancelFunc
	if j.Timeout > 0 {
		attemptCtx, cancelAttempt = context.WithTimeout(ctx, j.Timeout)
		defer cancelAttempt()
	}

	h, err := o.backend.Submit(attemptCtx, j)
	if err != nil {
		span.RecordError(err)
		log.Error("submission failed", "error", err)
		o.finishAttempt(ctx, j, err)
		return
	}

	o.mu.Lock()
	transitionErr := j.Transition(job.StatusRunning)
	if transitionErr == nil {
		o.handles[j.ID] = h
	}
	o.mu.Unlock()
	if transitionErr != nil {
		log.Error("running transition rejected", "error", transitionErr)
		return
	}
	log.Info("job running")

	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		o.captureLogs(ctx, j, h)
	}()

	res, waitErr := h.Wait(attemptCtx)
	<-logDone

	o.mu.Lock()
	delete(o.handles, j.ID)
	reason, wasCancelled := o.cancelled[j.ID]
	o.mu.Unlock()

	switch {
	case wasCancelled:
		o.finishCancelled(ctx, j, reason)
	case attemptCtx.Err() == context.DeadlineExceeded:
		// Stop the stray allocation before recording the timeout.
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		h.Cancel(stopCtx)
		stopCancel()
		err := fmt.Errorf("wall-clock budget %s exceeded: %w", j.Timeout, context.DeadlineExceeded)
		span.RecordError(err)
		log.Warn("job timed out", "timeout", j.Timeout)
		o.finishAttempt(ctx, j, err)
	case waitErr != nil:
		span.RecordError(waitErr)
		log.Error("backend wait failed", "error", waitErr)
		o.finishAttempt(ctx, j, waitErr)
	case res.Err != nil:
		span.RecordError(res.Err)
		log.Error("job failed", "exit_code", res.ExitCode, "error", res.Err)
		o.finishAttempt(ctx, j, res.Err)
	default:
		span.SetAttributes(attribute.Int("exit_code", res.ExitCode))
		o.finishSuccess(ctx, j)
	}
}

// finishSuccess moves the job to Succeeded, persists the outcome and folds
// its artifacts into the shared store. A consolidation failure is recorded
// separately and never demotes the job or consumes a retry.
func (o *Orchestrator) finishSuccess(ctx context.Context, j *job.Job) {
	o.mu.Lock()
	j.Attempts++
	j.Err = nil
	err := j.Transition(job.StatusSucceeded)
	o.mu.Unlock()
	if err != nil {
		o.log.Error("success transition rejected", "job_id", j.ID, "error", err)
		return
	}
	o.log.Info("job succeeded", "job_id", j.ID, "attempts", j.Attempts)
	o.metrics.Succeeded.Add(ctx, 1)
	o.persistOutcome(ctx, j)

	if o.merger == nil {
		return
	}
	if err := o.merger.Merge(context.WithoutCancel(ctx), j); err != nil {
		o.mu.Lock()
		j.ConsolidationErr = err
		o.mu.Unlock()
		o.log.Error("consolidation failed", "job_id", j.ID, "error", err)
	}
}

// finishAttempt records a failed attempt and decides between redispatch with
// exponential backoff and terminal exhaustion.
func (o *Orchestrator) finishAttempt(ctx context.Context, j *job.Job, cause error) {
	o.mu.Lock()
	j.Attempts++
	j.Err = cause
	if err := j.Transition(job.StatusFailed); err != nil {
		o.mu.Unlock()
		o.log.Error("failure transition rejected", "job_id", j.ID, "error", err)
		return
	}

	if !retryable(cause) || j.Attempts >= o.opts.MaxAttempts {
		err := j.Transition(job.StatusExhausted)
		o.mu.Unlock()
		if err != nil {
			o.log.Error("exhaustion transition rejected", "job_id", j.ID, "error", err)
			return
		}
		o.log.Error("job exhausted", "job_id", j.ID, "attempts", j.Attempts, "error", cause)
		o.metrics.Exhausted.Add(ctx, 1)
		o.persistOutcome(ctx, j)
		return
	}

	delay := o.backoff(j.Attempts)
	j.NotBefore = time.Now().Add(delay)
	err := j.Transition(job.StatusPending)
	o.mu.Unlock()
	if err != nil {
		o.log.Error("requeue transition rejected", "job_id", j.ID, "error", err)
		return
	}
	o.log.Warn("job failed, will retry", "job_id", j.ID, "attempts", j.Attempts, "backoff", delay, "error", cause)
}

// finishCancelled finalizes a job whose running attempt was cancelled.
func (o *Orchestrator) finishCancelled(ctx context.Context, j *job.Job, reason string) {
	o.mu.Lock()
	j.Err = fmt.Errorf("cancelled: %s", reason)
	err := j.Transition(job.StatusExhausted)
	o.mu.Unlock()
	if err != nil {
		o.log.Error("cancellation transition rejected", "job_id", j.ID, "error", err)
		return
	}
	o.log.Info("job cancelled", "job_id", j.ID, "reason", reason)
	o.metrics.Exhausted.Add(ctx, 1)
	o.persistOutcome(ctx, j)
}

// backoff returns base << (attempt-1), capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.opts.MaxBackoff {
			return o.opts.MaxBackoff
		}
	}
	if d > o.opts.MaxBackoff {
		d = o.opts.MaxBackoff
	}
	return d
}

// retryable classifies an attempt error. Deterministic templating bugs are
// final; everything coming out of a backend is worth another attempt.
func retryable(err error) bool {
	var ve *graph.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var oe *template.UnknownOverrideKeyError
	return !errors.As(err, &oe)
}

// captureLogs copies the attempt's combined output into a per-attempt file
// next to the job's graph document.
func (o *Orchestrator) captureLogs(ctx context.Context, j *job.Job, h backend.Handle) {
	rc, err := h.Logs(ctx)
	if err != nil {
		o.log.Debug("no log stream for job", "job_id", j.ID, "error", err)
		return
	}
	defer rc.Close()

	path := filepath.Join(filepath.Dir(j.GraphPath), fmt.Sprintf("attempt-%d.log", j.Attempts+1))
	f, err := os.Create(path)
	if err != nil {
		o.log.Warn("cannot create attempt log", "job_id", j.ID, "path", path, "error", err)
		io.Copy(io.Discard, rc)
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil && ctx.Err() == nil {
		o.log.Debug("log capture ended early", "job_id", j.ID, "error", err)
	}
}
