// Package container provides the container runtime used to back lab sessions.
package container

import (
	"context"
	"errors"
)

// ErrNotFound reports that the container no longer exists.
var ErrNotFound = errors.New("container not found")

// Container states reported by Inspect.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// Labels applied to every lab container.
const (
	LabelManaged = "vulnzero.managed"
	LabelSession = "vulnzero.session"
	LabelMachine = "vulnzero.machine"
)

// CreateSpec describes a lab container to start.
type CreateSpec struct {
	Name   string
	Image  string
	Ports  map[int]int // container port -> host port
	Env    map[string]string
	Labels map[string]string
}

// Runtime is the narrow capability the lifecycle core needs from a
// container engine. Stop and Remove return an error wrapping ErrNotFound
// when the container is already gone.
type Runtime interface {
	// Create creates and starts a container and returns its handle.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Stop stops a running container.
	Stop(ctx context.Context, handle string) error

	// Remove deletes a container.
	Remove(ctx context.Context, handle string) error

	// Inspect returns the container's state, e.g. StatusRunning.
	Inspect(ctx context.Context, handle string) (string, error)
}

// Pinger is implemented by runtimes that can report engine reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sweeper is implemented by runtimes that can enumerate managed containers.
// RemoveUnknown removes every managed container whose session label is not
// accepted by known and returns how many it removed.
type Sweeper interface {
	RemoveUnknown(ctx context.Context, known func(sessionID string) bool) (int, error)
}
