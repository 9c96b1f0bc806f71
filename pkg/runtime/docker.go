package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	cli    *client.Client
	closer io.Closer // optional tunnel underneath the client
}

// NewDockerRuntime connects to the engine at host
// (unix:///path or tcp://addr:port) with API version negotiation.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker at %s: %w", host, err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping verifies the engine is reachable
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// CreateContainer creates a container from the spec
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Cmd:    spec.Cmd,
		Labels: spec.Labels,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemorySwapBytes,
		},
	}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if spec.GPUDeviceID != "" {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{
				Driver:       "nvidia",
				DeviceIDs:    []string{spec.GPUDeviceID},
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container
func (r *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// ListContainers lists containers matching all given labels
func (r *DockerRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   c.State,
			Labels:  c.Labels,
			Created: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// ContainerLogs streams container output
func (r *DockerRuntime) ContainerLogs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	logs, err := r.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs for %s: %w", containerID, err)
	}
	return logs, nil
}

// StopContainer stops a container within timeout
func (r *DockerRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force-removes a container
func (r *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Close closes the docker client and any tunnel underneath it
func (r *DockerRuntime) Close() error {
	err := r.cli.Close()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
