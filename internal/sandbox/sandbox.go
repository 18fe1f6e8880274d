// Package sandbox runs shell commands inside short-lived Docker
// containers, trimmed from the teacher's full container-lifecycle
// wrapper down to what the reference ToolRunner's shell_exec tool needs:
// create, run-to-completion, collect output, remove.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/common/logger"
)

// Config configures the sandbox's default container image and resource
// limits.
type Config struct {
	Image      string
	Memory     int64 // bytes
	CPUQuota   int64
	Timeout    time.Duration
}

// DefaultConfig returns sane defaults for the reference shell_exec tool.
func DefaultConfig() Config {
	return Config{
		Image:   "alpine:3.20",
		Memory:  512 * 1024 * 1024,
		CPUQuota: 100000, // 1 CPU
		Timeout: 60 * time.Second,
	}
}

// Sandbox wraps the Docker client to execute one-shot commands in an
// isolated container.
type Sandbox struct {
	cli    *client.Client
	logger *logger.Logger
	config Config
}

// New creates a Sandbox using the default Docker host configuration.
func New(cfg Config, log *logger.Logger) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Sandbox{cli: cli, logger: log, config: cfg}, nil
}

// Close releases the underlying Docker client.
func (s *Sandbox) Close() error { return s.cli.Close() }

// Result is the outcome of a single Run.
type Result struct {
	ExitCode int64
	Output   string
}

// Run pulls the sandbox image (on every call), executes command in a fresh
// container, waits for it to exit, and returns its combined output.
func (s *Sandbox) Run(ctx context.Context, command string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.ensureImage(runCtx); err != nil {
		return nil, err
	}

	containerCfg := &container.Config{
		Image:      s.config.Image,
		Cmd:        []string{"/bin/sh", "-c", command},
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory:   s.config.Memory,
			CPUQuota: s.config.CPUQuota,
		},
	}

	resp, err := s.cli.ContainerCreate(runCtx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = s.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := s.cli.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	statusCh, errCh := s.cli.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("error waiting for sandbox container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	logs, err := s.cli.ContainerLogs(runCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox logs: %w", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, logs)

	s.logger.Debug("sandbox run complete", zap.String("container_id", containerID), zap.Int64("exit_code", exitCode))

	return &Result{ExitCode: exitCode, Output: buf.String()}, nil
}

func (s *Sandbox) ensureImage(ctx context.Context) error {
	reader, err := s.cli.ImagePull(ctx, s.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull sandbox image %s: %w", s.config.Image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
