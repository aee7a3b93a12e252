package backend

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"reconbatch/internal/job"
)

// DockerConfig configures the containerized backend.
type DockerConfig struct {
	// Image is the container image carrying the reconstruction tool.
	Image string
	// Tool is the in-container tool command; the translated graph document
	// path is appended as the last argument.
	Tool []string
	// HostDataDir is the host directory holding inputs, outputs and graph
	// documents. It is bind-mounted at ContainerDataDir, and any host path
	// under it is translated to its container-internal equivalent.
	HostDataDir string
	// ContainerDataDir is the mount point inside the container.
	ContainerDataDir string
}

// DockerBackend runs the tool in a container via the Docker SDK.
type DockerBackend struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDocker creates a Docker-based backend. The client is initialized from
// the standard environment variables (DOCKER_HOST, etc.).
func NewDocker(cfg DockerConfig) (*DockerBackend, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker backend: image is required")
	}
	if len(cfg.Tool) == 0 {
		return nil, fmt.Errorf("docker backend: tool command is required")
	}
	if cfg.ContainerDataDir == "" {
		cfg.ContainerDataDir = "/data"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker backend: create client: %w", err)
	}
	return &DockerBackend{cli: cli, cfg: cfg}, nil
}

func (b *DockerBackend) Name() string { return "docker" }

// translatePath maps a host path under HostDataDir to its container view.
func (b *DockerBackend) translatePath(host string) (string, error) {
	rel, err := filepath.Rel(b.cfg.HostDataDir, host)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the mounted data directory %s", host, b.cfg.HostDataDir)
	}
	return filepath.Join(b.cfg.ContainerDataDir, rel), nil
}

// Submit implements Backend.Submit using Docker containers.
func (b *DockerBackend) Submit(ctx context.Context, j *job.Job) (Handle, error) {
	if err := writeGraphDoc(j); err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}
	graphInContainer, err := b.translatePath(j.GraphPath)
	if err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: err}
	}

	// Check locally first, pull only when missing.
	if _, err := b.cli.ImageInspect(ctx, b.cfg.Image); err != nil {
		reader, err := b.cli.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
		if err != nil {
			return nil, &SubmissionError{Backend: b.Name(), Err: fmt.Errorf("pull image %s: %w", b.cfg.Image, err)}
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	cmd := append(append([]string(nil), b.cfg.Tool...), graphInContainer)
	containerConfig := &container.Config{
		Image: b.cfg.Image,
		Cmd:   cmd,
		Tty:   true,
	}
	hostConfig := &container.HostConfig{
		Binds: []string{b.cfg.HostDataDir + ":" + b.cfg.ContainerDataDir},
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: fmt.Errorf("create container: %w", err)}
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, &SubmissionError{Backend: b.Name(), Err: fmt.Errorf("start container: %w", err)}
	}

	return &dockerHandle{cli: b.cli, j: j, containerID: resp.ID}, nil
}

type dockerHandle struct {
	cli         *client.Client
	j           *job.Job
	containerID string
}

func (h *dockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Err: err}, err
	case status := <-statusCh:
		code := int(status.StatusCode)
		if status.Error != nil {
			return ExitResult{
				ExitCode: code,
				Err:      &ExecutionError{JobID: h.j.ID, ExitCode: code, Reason: status.Error.Message},
			}, nil
		}
		if code != 0 {
			return ExitResult{
				ExitCode: code,
				Err:      &ExecutionError{JobID: h.j.ID, ExitCode: code, Reason: fmt.Sprintf("container exited with code %d", code)},
			}, nil
		}
		if err := VerifyOutputs(h.j); err != nil {
			return ExitResult{ExitCode: 0, Err: err}, nil
		}
		return ExitResult{ExitCode: 0}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Err: ctx.Err()}, ctx.Err()
	}
}

func (h *dockerHandle) Cancel(ctx context.Context) error {
	timeout := 5
	return h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

func (h *dockerHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	return h.cli.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}
