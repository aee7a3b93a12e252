package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"reconbatch/internal/job"
)

// SlurmConfig configures the cluster-scheduled backend.
type SlurmConfig struct {
	// Tool is the executor invocation; the graph document path is appended.
	Tool []string
	// Partition, Account and GPUs become resource requests in the batch
	// descriptor. Zero values are omitted.
	Partition string
	Account   string
	GPUs      int
	// TimeLimit is the wall-clock request for one allocation.
	TimeLimit time.Duration
	// PollInterval throttles scheduler state queries across all handles so
	// a wide batch does not hammer the controller.
	PollInterval time.Duration

	// CLI entry points, overridable for tests.
	Sbatch  string
	Squeue  string
	Sacct   string
	Scancel string
}

// SlurmBackend submits batch descriptors to a Slurm-compatible scheduler and
// tracks them by the numeric job handle captured from sbatch stdout.
type SlurmBackend struct {
	cfg     SlurmConfig
	limiter *rate.Limiter
}

// NewSlurm creates a cluster-scheduled backend.
func NewSlurm(cfg SlurmConfig) (*SlurmBackend, error) {
	if len(cfg.Tool) == 0 {
		return nil, fmt.Errorf("slurm backend: tool command is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Sbatch == "" {
		cfg.Sbatch = "sbatch"
	}
	if cfg.Squeue == "" {
		cfg.Squeue = "squeue"
	}
	if cfg.Sacct == "" {
		cfg.Sacct = "sacct"
	}
	if cfg.Scancel == "" {
		cfg.Scancel = "scancel"
	}
	return &SlurmBackend{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
	}, nil
}

func (b *SlurmBackend) Name() string { return "slurm" }

// BatchScript renders the scheduler batch descriptor for a job.
func (b *SlurmBackend) BatchScript(j *job.Job, logPath string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&sb, "#SBATCH --job-name=recon-%s\n", j.ID)
	if b.cfg.Partition != "" {
		fmt.Fprintf(&sb, "#SBATCH --partition=%s\n", b.cfg.Partition)
	}
	if b.cfg.Account != "" {
		fmt.Fprintf(&sb, "#SBATCH --account=%s\n", b.cfg.Account)
	}
	if b.cfg.GPUs > 0 {
		fmt.Fprintf(&sb, "#SBATCH --gres=gpu:%d\n", b.cfg.GPUs)
	}
	if b.cfg.TimeLimit > 0 {
		fmt.Fprintf(&sb, "#SBATCH --time=%d\n", int(math.Ceil(b.cfg.TimeLimit.Minutes())))
	}
	fmt.Fprintf(&sb, "#SBATCH --output=%s\n", logPath)
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "exec %s %s\n", strings.Join(b.cfg.Tool, " "), j.GraphPath)
	return sb.String()
}

// Submit implements Backend.Submit by materializing a batch descriptor and
// enqueuing it with sbatch.
func (b *SlurmBackend) Submit(ctx context.Context, j *job.Job) (Handle, error) {
	if err := writeGraphDoc(j); err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}

	dir := filepath.Dir(j.GraphPath)
	scriptPath := filepath.Join(dir, "submit-"+j.ID+".sh")
	logPath := filepath.Join(dir, j.ID+".log")
	if err := os.WriteFile(scriptPath, []byte(b.BatchScript(j, logPath)), 0o755); err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.cfg.Sbatch, "--parsable", scriptPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &SubmissionError{
			Backend: b.Name(),
			Err:     fmt.Errorf("sbatch: %v: %s", err, strings.TrimSpace(stderr.String())),
		}
	}

	// --parsable prints "<id>" or "<id>;<cluster>".
	handle := strings.TrimSpace(stdout.String())
	if i := strings.IndexByte(handle, ';'); i >= 0 {
		handle = handle[:i]
	}
	if _, err := strconv.Atoi(handle); err != nil {
		return nil, &SubmissionError{
			Backend: b.Name(),
			Err:     fmt.Errorf("sbatch returned no numeric job handle: %q", stdout.String()),
		}
	}

	return &slurmHandle{b: b, j: j, schedID: handle, logPath: logPath}, nil
}

type slurmHandle struct {
	b       *SlurmBackend
	j       *job.Job
	schedID string
	logPath string
}

// Wait polls the scheduler until the allocation leaves the queue, then maps
// the accounted final state onto an exit result. Polls go through the
// backend-wide rate limiter.
func (h *slurmHandle) Wait(ctx context.Context) (ExitResult, error) {
	for {
		if err := h.b.limiter.Wait(ctx); err != nil {
			return ExitResult{ExitCode: -1, Err: err}, err
		}

		state, inQueue, err := h.queuedState(ctx)
		if err != nil {
			return ExitResult{ExitCode: -1, Err: err}, err
		}
		if inQueue && !terminalSlurmState(state) {
			continue
		}

		finalState, exitCode, err := h.accountedResult(ctx)
		if err != nil {
			return ExitResult{ExitCode: -1, Err: err}, err
		}
		if !terminalSlurmState(finalState) {
			// Accounting lags the queue briefly after completion.
			continue
		}

		if finalState == "COMPLETED" && exitCode == 0 {
			if err := VerifyOutputs(h.j); err != nil {
				return ExitResult{ExitCode: 0, Err: err}, nil
			}
			return ExitResult{ExitCode: 0}, nil
		}
		return ExitResult{
			ExitCode: exitCode,
			Err: &ExecutionError{
				JobID:    h.j.ID,
				ExitCode: exitCode,
				Reason:   fmt.Sprintf("scheduler reported %s (exit %d)", finalState, exitCode),
			},
		}, nil
	}
}

// queuedState asks squeue for the job's state. inQueue is false once the
// scheduler no longer lists the job.
func (h *slurmHandle) queuedState(ctx context.Context) (state string, inQueue bool, err error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, h.b.cfg.Squeue, "-h", "-j", h.schedID, "-o", "%T")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// squeue fails once the job has aged out of the queue; fall
		// through to accounting in that case.
		return "", false, nil
	}
	state = strings.TrimSpace(stdout.String())
	return state, state != "", nil
}

// accountedResult asks sacct for the final state and exit code.
func (h *slurmHandle) accountedResult(ctx context.Context) (string, int, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, h.b.cfg.Sacct, "-j", h.schedID, "-n", "-X", "-P", "-o", "State,ExitCode")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", -1, fmt.Errorf("sacct query for job %s: %w", h.schedID, err)
	}

	line := strings.TrimSpace(stdout.String())
	if line == "" {
		return "", -1, nil
	}
	fields := strings.SplitN(line, "|", 2)
	state := ""
	if words := strings.Fields(fields[0]); len(words) > 0 {
		state = words[0] // "CANCELLED by 1000" -> "CANCELLED"
	}
	exitCode := -1
	if len(fields) == 2 {
		// ExitCode is "<code>:<signal>".
		codePart := strings.SplitN(fields[1], ":", 2)[0]
		if c, err := strconv.Atoi(strings.TrimSpace(codePart)); err == nil {
			exitCode = c
		}
	}
	return state, exitCode, nil
}

func terminalSlurmState(state string) bool {
	switch state {
	case "COMPLETED", "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
		return true
	default:
		return false
	}
}

// Cancel issues scancel; Slurm acknowledges asynchronously, so cancellation
// is cooperative and the final state surfaces through Wait.
func (h *slurmHandle) Cancel(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, h.b.cfg.Scancel, h.schedID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("scancel job %s: %w", h.schedID, err)
	}
	return nil
}

func (h *slurmHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(h.logPath)
	if err != nil {
		return nil, fmt.Errorf("scheduler log for job %s not available: %w", h.schedID, err)
	}
	return f, nil
}
