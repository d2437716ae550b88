// Package containertest provides a deterministic in-memory container runtime
// for tests.
package containertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vulnzero/machines/internal/container"
)

// Runtime is an in-memory container.Runtime. Failure fields inject errors
// into the matching calls; Hook, when set, runs at the start of every call
// and can block to widen race windows.
type Runtime struct {
	mu         sync.Mutex
	next       int
	containers map[string]*Container

	CreateErr  error
	StopErr    error
	RemoveErr  error
	InspectErr error
	Hook       func(op string)

	stops   map[string]int
	removes map[string]int
}

// Container is the fake's record of a created container.
type Container struct {
	Spec   container.CreateSpec
	Status string
}

// New creates an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		stops:      make(map[string]int),
		removes:    make(map[string]int),
	}
}

func (r *Runtime) hook(op string) {
	r.mu.Lock()
	h := r.Hook
	r.mu.Unlock()
	if h != nil {
		h(op)
	}
}

// Create records a running container.
func (r *Runtime) Create(ctx context.Context, spec container.CreateSpec) (string, error) {
	r.hook("create")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.next++
	handle := fmt.Sprintf("fake-%04d", r.next)
	r.containers[handle] = &Container{Spec: spec, Status: container.StatusRunning}
	return handle, nil
}

// Stop marks a container exited.
func (r *Runtime) Stop(ctx context.Context, handle string) error {
	r.hook("stop")
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StopErr != nil {
		return r.StopErr
	}
	c, ok := r.containers[handle]
	if !ok {
		return fmt.Errorf("stop %s: %w", handle, container.ErrNotFound)
	}
	r.stops[handle]++
	c.Status = container.StatusExited
	return nil
}

// Remove deletes a container.
func (r *Runtime) Remove(ctx context.Context, handle string) error {
	r.hook("remove")
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RemoveErr != nil {
		return r.RemoveErr
	}
	if _, ok := r.containers[handle]; !ok {
		return fmt.Errorf("remove %s: %w", handle, container.ErrNotFound)
	}
	r.removes[handle]++
	delete(r.containers, handle)
	return nil
}

// Inspect returns a container's status.
func (r *Runtime) Inspect(ctx context.Context, handle string) (string, error) {
	r.hook("inspect")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.InspectErr != nil {
		return "", r.InspectErr
	}
	c, ok := r.containers[handle]
	if !ok {
		return "", fmt.Errorf("inspect %s: %w", handle, container.ErrNotFound)
	}
	return c.Status, nil
}

// RemoveUnknown deletes containers whose session label is not known. Every
// container in the fake counts as managed.
func (r *Runtime) RemoveUnknown(ctx context.Context, known func(sessionID string) bool) (int, error) {
	r.hook("list")
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	candidates := make(map[string]string)
	for handle, c := range r.containers {
		candidates[handle] = c.Spec.Labels[container.LabelSession]
	}
	r.mu.Unlock()

	removed := 0
	for handle, sessionID := range candidates {
		if known(sessionID) {
			continue
		}
		if err := r.Remove(ctx, handle); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

// SetFailures replaces the injected errors under the fake's lock.
func (r *Runtime) SetFailures(create, stop, remove, inspect error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CreateErr, r.StopErr, r.RemoveErr, r.InspectErr = create, stop, remove, inspect
}

// SetHook installs h under the fake's lock.
func (r *Runtime) SetHook(h func(op string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Hook = h
}

// Vanish deletes a container behind the caller's back.
func (r *Runtime) Vanish(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, handle)
}

// Get returns a copy of the container record.
func (r *Runtime) Get(handle string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[handle]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Running returns the number of live containers.
func (r *Runtime) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Removes returns how many times handle was successfully removed.
func (r *Runtime) Removes(handle string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removes[handle]
}

var (
	_ container.Runtime = (*Runtime)(nil)
	_ container.Sweeper = (*Runtime)(nil)
)
