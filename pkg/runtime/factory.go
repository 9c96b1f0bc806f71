package runtime

import (
	"fmt"

	"github.com/docker/docker/client"

	"github.com/calyptra/drover/pkg/types"
)

// Factory builds a Runtime for a worker host. Swapped for a fake in
// tests.
type Factory func(host *types.WorkerHost) (Runtime, error)

// ForHost connects to the container engine on a registered host. Local
// socket hosts use the unix socket directly; remote TCP hosts dial the
// engine either directly or through an SSH tunnel when the host carries
// tunnel config.
func ForHost(host *types.WorkerHost) (Runtime, error) {
	switch host.Kind {
	case types.HostLocalSocket:
		return NewDockerRuntime(host.BaseURL)

	case types.HostRemoteTCP:
		if host.SSH == nil {
			return NewDockerRuntime(host.BaseURL)
		}
		tunnel, err := newSSHTunnel(host.SSH)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", host.Name, err)
		}
		cli, err := client.NewClientWithOpts(
			client.WithHost(host.BaseURL),
			client.WithAPIVersionNegotiation(),
			client.WithDialContext(tunnel.DialContext),
		)
		if err != nil {
			tunnel.Close()
			return nil, fmt.Errorf("failed to connect to docker on %s: %w", host.Name, err)
		}
		return &DockerRuntime{cli: cli, closer: tunnel}, nil

	default:
		return nil, fmt.Errorf("%w: unknown host kind %q", types.ErrValidation, host.Kind)
	}
}
