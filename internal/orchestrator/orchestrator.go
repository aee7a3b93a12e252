// Package orchestrator owns the per-job state machine: it creates jobs from
// work items, dispatches them to an executor backend under a concurrency
// budget, tracks state, retries failures and reports terminal outcomes.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"reconbatch/internal/backend"
	"reconbatch/internal/graph"
	"reconbatch/internal/job"
	"reconbatch/internal/observability"
	"reconbatch/internal/store"
	"reconbatch/internal/template"
)

// Merger folds a succeeded job's outputs into the shared destination store.
type Merger interface {
	Merge(ctx context.Context, j *job.Job) error
}

// Planner derives per-item template overrides and declared output artifacts.
type Planner interface {
	Overrides(item job.WorkItem) map[string]graph.Param
	Artifacts(item job.WorkItem) []job.OutputArtifact
}

// Options bound a single Run.
type Options struct {
	// Concurrency is the number of dispatch slots. Must be > 0.
	Concurrency int
	// MaxAttempts caps execution attempts per job. Must be >= 1.
	MaxAttempts int
	// JobTimeout is the optional wall-clock budget per attempt; 0 means no
	// budget. A job running past budget fails retryably.
	JobTimeout time.Duration
	// BackoffBase seeds the exponential redispatch delay after a
	// retryable failure.
	BackoffBase time.Duration
	// MaxBackoff caps the redispatch delay.
	MaxBackoff time.Duration
	// WorkDir receives per-job graph documents and attempt logs.
	WorkDir string
}

func (o *Options) applyDefaults() error {
	if o.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", o.Concurrency)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", o.MaxAttempts)
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Minute
	}
	return nil
}

// Orchestrator enumerates work items, creates one Job per item and drives
// each to a terminal state. The job table is the only shared mutable state
// and is guarded by a single mutex; backend waits never hold it.
type Orchestrator struct {
	tpl     *graph.Graph
	backend backend.Backend
	merger  Merger
	outcome store.Store // optional, enables skip-if-done across runs
	planner Planner
	log     *slog.Logger
	opts    Options
	metrics *observability.RunMetrics

	mu        sync.Mutex
	jobs      map[string]*job.Job
	order     []string
	handles   map[string]backend.Handle
	cancelled map[string]string // job id -> cancellation reason
}

// New creates an Orchestrator around a template graph and a backend. The
// outcome store may be nil, which disables cross-run skip-if-done.
func New(tpl *graph.Graph, be backend.Backend, m Merger, st store.Store, p Planner, log *slog.Logger, opts Options) (*Orchestrator, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	metrics, err := observability.NewRunMetrics()
	if err != nil {
		return nil, fmt.Errorf("create run metrics: %w", err)
	}
	return &Orchestrator{
		tpl:       tpl,
		backend:   be,
		merger:    m,
		outcome:   st,
		planner:   p,
		log:       log,
		opts:      opts,
		metrics:   metrics,
		jobs:      make(map[string]*job.Job),
		handles:   make(map[string]backend.Handle),
		cancelled: make(map[string]string),
	}, nil
}

// Enqueue creates one Job per work item. It is idempotent per job id:
// re-enqueuing an item whose job already reached Succeeded, in this run or a
// recorded earlier one, performs zero backend invocations. A template
// resolution failure is deterministic and moves the job straight to
// Exhausted with the error recorded verbatim.
func (o *Orchestrator) Enqueue(ctx context.Context, items []job.WorkItem) error {
	for _, item := range items {
		o.mu.Lock()
		_, exists := o.jobs[item.ID]
		o.mu.Unlock()
		if exists {
			o.log.Debug("item already enqueued, skipping", "job_id", item.ID)
			continue
		}

		j := o.buildJob(ctx, item)
		o.mu.Lock()
		o.jobs[j.ID] = j
		o.order = append(o.order, j.ID)
		o.mu.Unlock()
	}
	return nil
}

func (o *Orchestrator) buildJob(ctx context.Context, item job.WorkItem) *job.Job {
	artifacts := o.planner.Artifacts(item)

	if o.outcome != nil {
		rec, err := o.outcome.GetOutcome(ctx, item.ID)
		if err != nil {
			o.log.Warn("outcome lookup failed, not skipping", "job_id", item.ID, "error", err)
		} else if rec != nil && rec.Status == string(job.StatusSucceeded) {
			o.log.Info("job already succeeded in an earlier run, skipping", "job_id", item.ID)
			j := job.New(item, nil, artifacts)
			j.Status = job.StatusSucceeded
			j.Attempts = rec.Attempts
			return j
		}
	}

	resolved, err := template.Resolve(o.tpl, o.planner.Overrides(item))
	j := job.New(item, resolved, artifacts)
	j.Timeout = o.opts.JobTimeout
	j.GraphPath = filepath.Join(o.opts.WorkDir, item.ID, "graph.yaml")
	if err != nil {
		// Re-attempting cannot change a deterministic templating bug.
		j.Err = err
		j.Status = job.StatusExhausted
		o.log.Error("template resolution failed", "job_id", item.ID, "error", err)
		o.persistOutcome(ctx, j)
	}
	return j
}

// Status returns the current status of a job.
func (o *Orchestrator) Status(jobID string) (job.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("unknown job %q", jobID)
	}
	return j.Status, nil
}

// Summary holds job counts per state plus the number of succeeded jobs
// whose consolidation failed.
type Summary struct {
	Counts              map[job.Status]int
	ConsolidationFailed int
}

// Summary reports the current state distribution for observability.
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Summary{Counts: make(map[job.Status]int)}
	for _, j := range o.jobs {
		s.Counts[j.Status]++
		if j.ConsolidationErr != nil {
			s.ConsolidationFailed++
		}
	}
	return s
}

// Cancel stops a job. A Pending job is removed from the queue; a Running
// job's backend allocation is terminated. Either way the job ends Exhausted
// with a cancellation reason and is never dispatched again.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "cancelled by caller"
	}

	o.mu.Lock()
	j, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("unknown job %q", jobID)
	}

	switch j.Status {
	case job.StatusPending:
		j.Err = fmt.Errorf("cancelled: %s", reason)
		if err := j.Transition(job.StatusExhausted); err != nil {
			o.mu.Unlock()
			return err
		}
		o.mu.Unlock()
		o.persistOutcome(ctx, j)
		o.log.Info("cancelled pending job", "job_id", jobID, "reason", reason)
		return nil

	case job.StatusSubmitted, job.StatusRunning:
		o.cancelled[jobID] = reason
		h := o.handles[jobID]
		o.mu.Unlock()
		if h == nil {
			return nil
		}
		// The attempt goroutine observes the terminated backend and
		// finalizes the Exhausted transition.
		if err := h.Cancel(ctx); err != nil {
			return fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		o.log.Info("cancellation requested", "job_id", jobID, "reason", reason)
		return nil

	default:
		o.mu.Unlock()
		return fmt.Errorf("job %s is %s and cannot be cancelled", jobID, j.Status)
	}
}

// JobFailure pairs a job with its recorded error for the final report.
type JobFailure struct {
	JobID string
	Err   error
}

// Report is the terminal outcome of one Run. Per-job errors never abort the
// run; they are collected here instead.
type Report struct {
	Counts              map[job.Status]int
	Exhausted           []JobFailure
	ConsolidationFailed []JobFailure
}

// OK reports whether every job succeeded and consolidated cleanly.
func (r *Report) OK() bool {
	return len(r.Exhausted) == 0 && len(r.ConsolidationFailed) == 0
}

func (o *Orchestrator) report() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := &Report{Counts: make(map[job.Status]int)}
	ids := append([]string(nil), o.order...)
	sort.Strings(ids)
	for _, id := range ids {
		j := o.jobs[id]
		r.Counts[j.Status]++
		if j.Status == job.StatusExhausted {
			r.Exhausted = append(r.Exhausted, JobFailure{JobID: id, Err: j.Err})
		}
		if j.ConsolidationErr != nil {
			r.ConsolidationFailed = append(r.ConsolidationFailed, JobFailure{JobID: id, Err: j.ConsolidationErr})
		}
	}
	return r
}

func (o *Orchestrator) persistOutcome(ctx context.Context, j *job.Job) {
	if o.outcome == nil {
		return
	}
	rec := &store.Outcome{
		JobID:    j.ID,
		Status:   string(j.Status),
		Attempts: j.Attempts,
	}
	if j.Err != nil {
		msg := j.Err.Error()
		rec.ErrorMessage = &msg
	}
	if err := o.outcome.RecordOutcome(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Warn("failed to persist job outcome", "job_id", j.ID, "error", err)
	}
}
