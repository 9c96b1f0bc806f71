package runtime

import (
	"context"
	"io"
	"time"
)

// ContainerSpec describes a container to create. Mounts, limits and
// labels are supplied by the worker orchestrator; the runtime applies
// them verbatim.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string
	Labels      map[string]string
	Mounts      []Mount
	MemoryBytes int64
	// MemorySwapBytes equal to MemoryBytes disables swap.
	MemorySwapBytes int64
	NetworkMode     string
	// GPUDeviceID requests a specific GPU device, empty for none.
	GPUDeviceID string
}

// Mount is a bind mount into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo is a summary of a managed container.
type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	State   string
	Labels  map[string]string
	Created time.Time
}

// Runtime is the capability surface the orchestrator needs from a
// container engine on one host.
type Runtime interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// CreateContainer creates a container and returns its id.
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// ListContainers lists containers carrying all the given labels,
	// including stopped ones.
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	// ContainerLogs streams container output. The caller closes the
	// reader.
	ContainerLogs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error)

	// StopContainer stops a container within timeout, then kills it.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error

	// RemoveContainer force-removes a container.
	RemoveContainer(ctx context.Context, containerID string) error

	// Close releases the client connection.
	Close() error
}
