package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CLIManager implements Manager using docker/podman CLI.
type CLIManager struct {
	runtime string // "docker" or "podman"
}

// NewCLIManager creates a Manager using the specified runtime.
// Use DetectRuntime() to find an available runtime first.
func NewCLIManager(runtime string) *CLIManager {
	return &CLIManager{runtime: runtime}
}

// Create creates a new container but does not start it.
func (m *CLIManager) Create(ctx context.Context, cfg ContainerConfig) (ContainerID, error) {
	if err := ValidateMounts(cfg.Mounts); err != nil {
		return "", err
	}

	args := []string{"create", "--name", cfg.Name}

	// Add environment variables
	for k, v := range cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	for _, mnt := range cfg.Mounts {
		spec := fmt.Sprintf("%s:%s", mnt.Source, mnt.Target)
		if mnt.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}

	for k, v := range cfg.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}

	// Set working directory if specified
	if cfg.WorkDir != "" {
		args = append(args, "-w", cfg.WorkDir)
	}

	// Image and command come last
	args = append(args, cfg.Image)
	args = append(args, cfg.Cmd...)

	cmd := exec.CommandContext(ctx, m.runtime, args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to create container: %s", exitErr.Stderr)
		}
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return ContainerID(strings.TrimSpace(string(output))), nil
}

// Start starts a previously created container.
func (m *CLIManager) Start(ctx context.Context, id ContainerID) error {
	cmd := exec.CommandContext(ctx, m.runtime, "start", string(id))

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start container: %s", output)
	}

	return nil
}

// Wait blocks until the container exits and returns the exit code.
func (m *CLIManager) Wait(ctx context.Context, id ContainerID) (int, error) {
	cmd := exec.CommandContext(ctx, m.runtime, "wait", string(id))
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return -1, fmt.Errorf("failed to wait for container: %s", exitErr.Stderr)
		}
		return -1, fmt.Errorf("failed to wait for container: %w", err)
	}

	exitCode, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return -1, fmt.Errorf("failed to parse exit code: %w", err)
	}

	return exitCode, nil
}

// Logs returns separate streams for the container's stdout and
// stderr, following docker/podman's own `logs -f` split.
func (m *CLIManager) Logs(ctx context.Context, id ContainerID) (stdout, stderr io.ReadCloser, err error) {
	// -f follows the log output until container exits
	cmd := exec.CommandContext(ctx, m.runtime, "logs", "-f", string(id))

	stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err = cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, nil, fmt.Errorf("failed to start log streaming: %w", err)
	}

	// Caller is responsible for closing both pipes. When ctx is
	// canceled, the command will be killed and the pipes will close.
	return stdout, stderr, nil
}

// Stop stops a running container with the specified timeout.
func (m *CLIManager) Stop(ctx context.Context, id ContainerID, timeout time.Duration) error {
	timeoutSecs := int(timeout.Seconds())
	cmd := exec.CommandContext(ctx, m.runtime, "stop", "-t", strconv.Itoa(timeoutSecs), string(id))

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to stop container: %s", output)
	}

	return nil
}

// Remove removes a stopped container.
func (m *CLIManager) Remove(ctx context.Context, id ContainerID) error {
	cmd := exec.CommandContext(ctx, m.runtime, "rm", string(id))

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to remove container: %s", output)
	}

	return nil
}

// KillByLabel force-kills and removes every container matching
// label=value, regardless of its current state. Used after a job
// timeout to sweep containers the killed build process spawned but
// did not clean up itself.
func (m *CLIManager) KillByLabel(ctx context.Context, label, value string) (int, error) {
	filter := fmt.Sprintf("label=%s=%s", label, value)
	cmd := exec.CommandContext(ctx, m.runtime, "ps", "-aq", "--filter", filter)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to list label-matched containers: %w", err)
	}

	ids := strings.Fields(strings.TrimSpace(string(output)))
	for _, id := range ids {
		exec.CommandContext(ctx, m.runtime, "kill", id).Run()
		exec.CommandContext(ctx, m.runtime, "rm", "-f", id).Run()
	}
	return len(ids), nil
}

// Verify CLIManager implements Manager interface
var _ Manager = (*CLIManager)(nil)
