package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"reconbatch/internal/job"
)

// LocalConfig configures the local-process backend.
type LocalConfig struct {
	// Tool is the external reconstruction executable plus fixed arguments.
	// The resolved graph document path is appended as the last argument.
	Tool []string
	// WorkDir is the working directory for spawned processes.
	WorkDir string
	// StopGrace is how long Cancel waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
}

// LocalBackend runs the external tool as a child process.
type LocalBackend struct {
	cfg LocalConfig
}

// NewLocal creates a local-process backend.
func NewLocal(cfg LocalConfig) (*LocalBackend, error) {
	if len(cfg.Tool) == 0 {
		return nil, fmt.Errorf("local backend: tool command is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &LocalBackend{cfg: cfg}, nil
}

func (b *LocalBackend) Name() string { return "local" }

// Submit implements Backend.Submit using os/exec.
func (b *LocalBackend) Submit(ctx context.Context, j *job.Job) (Handle, error) {
	if err := writeGraphDoc(j); err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}

	args := append(append([]string(nil), b.cfg.Tool[1:]...), j.GraphPath)
	cmd := exec.Command(b.cfg.Tool[0], args...)
	cmd.Dir = b.cfg.WorkDir

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}

	h := &localHandle{
		j:         j,
		cmd:       cmd,
		logR:      pr,
		logW:      pw,
		stopGrace: b.cfg.StopGrace,
		done:      make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

type localHandle struct {
	j         *job.Job
	cmd       *exec.Cmd
	logR      *os.File
	logW      *os.File
	stopGrace time.Duration

	done    chan struct{}
	waitErr error
}

// reap waits for process exit exactly once and closes the write end of the
// log pipe so log readers see EOF.
func (h *localHandle) reap() {
	h.waitErr = h.cmd.Wait()
	h.logW.Close()
	close(h.done)
}

func (h *localHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Err: ctx.Err()}, ctx.Err()
	case <-h.done:
	}

	if h.waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(h.waitErr, &exitErr) {
			code := exitErr.ExitCode()
			return ExitResult{
				ExitCode: code,
				Err:      &ExecutionError{JobID: h.j.ID, ExitCode: code, Reason: h.waitErr.Error()},
			}, nil
		}
		return ExitResult{ExitCode: -1, Err: h.waitErr}, h.waitErr
	}

	if err := VerifyOutputs(h.j); err != nil {
		return ExitResult{ExitCode: 0, Err: err}, nil
	}
	return ExitResult{ExitCode: 0}, nil
}

// Cancel delivers SIGTERM and escalates to SIGKILL after the grace period.
func (h *localHandle) Cancel(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone.
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(h.stopGrace):
		return h.cmd.Process.Kill()
	}
}

func (h *localHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	return &onceCloser{ReadCloser: h.logR}, nil
}

// onceCloser makes repeated Close calls safe on the shared pipe end.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.ReadCloser.Close() })
	return nil
}
