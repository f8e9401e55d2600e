package container

import (
	"context"
	"io"
	"time"
)

// Manager provides container lifecycle management.
// Implementations must be safe for concurrent use.
type Manager interface {
	// Create creates a new container but does not start it.
	// Returns the container ID on success.
	Create(ctx context.Context, cfg ContainerConfig) (ContainerID, error)

	// Start starts a previously created container.
	Start(ctx context.Context, id ContainerID) error

	// Wait blocks until the container exits and returns the exit code.
	// Returns an error if the container doesn't exist or wait fails.
	Wait(ctx context.Context, id ContainerID) (exitCode int, err error)

	// Logs returns separate streams for the container's stdout and
	// stderr. The caller must close both returned ReadClosers.
	Logs(ctx context.Context, id ContainerID) (stdout, stderr io.ReadCloser, err error)

	// Stop stops a running container. Sends SIGTERM, waits for timeout,
	// then sends SIGKILL if still running.
	Stop(ctx context.Context, id ContainerID, timeout time.Duration) error

	// Remove removes a container. The container must be stopped first.
	Remove(ctx context.Context, id ContainerID) error

	// KillByLabel force-kills every container (running or not)
	// matching label=value, and returns how many it found. Used by
	// the timeout supervisor to reap stragglers a killed build
	// process may have left behind.
	KillByLabel(ctx context.Context, label, value string) (int, error)
}
