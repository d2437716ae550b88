package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	labSubnet = "172.29.0.0/16"
)

// DockerRuntime implements Runtime using the Docker API.
type DockerRuntime struct {
	cli     *client.Client
	runtime string // OCI runtime: "" = default (runc), "runsc" = gVisor
	network string
}

// NewDockerRuntime creates a Docker-backed runtime. Lab containers are
// attached to network; runtime selects the OCI runtime.
func NewDockerRuntime(runtime, network string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "runtime", runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerRuntime{cli: cli, runtime: runtime, network: network}, nil
}

// Create creates and starts a lab container, pulling the image once if it
// is not present locally.
func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", fmt.Errorf("container port %d: %w", containerPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}

	envVars := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          envVars,
		ExposedPorts: exposed,
		Labels:       labels,
	}

	hostConfig := &container.HostConfig{
		Runtime:      d.runtime,
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	if d.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.network)
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil && errdefs.IsNotFound(err) {
		slog.Info("Image not present, pulling", "image", spec.Image)
		if pullErr := d.pull(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Container created and started", "container_id", resp.ID, "image", spec.Image, "name", spec.Name)
	return resp.ID, nil
}

func (d *DockerRuntime) pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			slog.Debug("Failed to close image pull stream", "image", ref, "error", closeErr)
		}
	}()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", ref, err)
	}
	return nil
}

// Stop stops a container, waiting up to stopTimeoutSecs before killing it.
func (d *DockerRuntime) Stop(ctx context.Context, handle string) error {
	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("stop container %s: %w", handle, ErrNotFound)
		}
		return fmt.Errorf("stop container %s: %w", handle, err)
	}
	return nil
}

// Remove force-removes a container.
func (d *DockerRuntime) Remove(ctx context.Context, handle string) error {
	if err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", handle, ErrNotFound)
		}
		// A concurrent removal finishing the job counts as gone.
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", handle)
			return fmt.Errorf("remove container %s: %w", handle, ErrNotFound)
		}
		return fmt.Errorf("remove container %s: %w", handle, err)
	}
	slog.Info("Container removed", "container_id", handle)
	return nil
}

// Inspect returns the Docker state string of a container.
func (d *DockerRuntime) Inspect(ctx context.Context, handle string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("inspect container %s: %w", handle, ErrNotFound)
		}
		return "", fmt.Errorf("inspect container %s: %w", handle, err)
	}
	if inspect.State == nil {
		return "", fmt.Errorf("inspect container %s: no state reported", handle)
	}
	return string(inspect.State.Status), nil
}

// Ping checks that the Docker engine is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// RemoveOrphans removes every managed lab container. It runs at startup,
// when the in-memory registry is empty and any labelled container left by a
// previous process is unreachable.
func (d *DockerRuntime) RemoveOrphans(ctx context.Context) (int, error) {
	return d.RemoveUnknown(ctx, func(string) bool { return false })
}

// RemoveUnknown removes managed containers whose session is not known.
func (d *DockerRuntime) RemoveUnknown(ctx context.Context, known func(sessionID string) bool) (int, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("list managed containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		sessionID := c.Labels[LabelSession]
		if known(sessionID) {
			continue
		}
		err := d.Remove(ctx, c.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			slog.Warn("Failed to remove orphaned container", "container_id", c.ID, "error", err)
			continue
		}
		removed++
		slog.Info("Removed orphaned container", "container_id", c.ID, "session_id", sessionID)
	}
	return removed, nil
}

// EnsureNetwork creates the lab bridge network if it doesn't exist.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context) (string, error) {
	if d.network == "" {
		return "", nil
	}

	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == d.network {
			slog.Info("Lab network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := d.cli.NetworkCreate(ctx, d.network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: labSubnet,
				},
			},
		},
		Labels: map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", d.network, err)
	}

	slog.Info("Lab network created", "network_id", createResp.ID, "subnet", labSubnet)
	return createResp.ID, nil
}

// Close releases the Docker client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}

var (
	_ Runtime = (*DockerRuntime)(nil)
	_ Pinger  = (*DockerRuntime)(nil)
)
