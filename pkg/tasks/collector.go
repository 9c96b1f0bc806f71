package tasks

import (
	"context"
	"fmt"
	"io"

	"github.com/calyptra/drover/pkg/runtime"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// LogCollector reads recent output of one container. Tests swap in a
// canned implementation.
type LogCollector interface {
	Collect(ctx context.Context, containerID string, tail int) (string, error)
}

// RuntimeLogCollector reads container logs through a host's container
// engine.
type RuntimeLogCollector struct {
	factory runtime.Factory
	host    *types.WorkerHost
}

// NewRuntimeLogCollector creates a collector reading from host.
func NewRuntimeLogCollector(factory runtime.Factory, host *types.WorkerHost) *RuntimeLogCollector {
	return &RuntimeLogCollector{factory: factory, host: host}
}

// Collect returns the last tail lines of the container's output.
func (c *RuntimeLogCollector) Collect(ctx context.Context, containerID string, tail int) (string, error) {
	rt, err := c.factory(c.host)
	if err != nil {
		return "", err
	}
	return collect(ctx, rt, containerID, tail)
}

// StoreLogCollector resolves the collection host per call: the first
// enabled local-socket host wins. Triage keeps working as hosts come
// and go.
type StoreLogCollector struct {
	store   storage.Store
	factory runtime.Factory
}

// NewStoreLogCollector creates a collector backed by the host table.
func NewStoreLogCollector(store storage.Store, factory runtime.Factory) *StoreLogCollector {
	return &StoreLogCollector{store: store, factory: factory}
}

// Collect reads the container's logs from the first enabled
// local-socket host.
func (c *StoreLogCollector) Collect(ctx context.Context, containerID string, tail int) (string, error) {
	hostList, err := c.store.ListWorkerHosts(ctx)
	if err != nil {
		return "", err
	}
	var target *types.WorkerHost
	for _, h := range hostList {
		if h.Enabled && h.Kind == types.HostLocalSocket {
			target = h
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("%w: no local host for log collection", types.ErrNoHostAvailable)
	}
	rt, err := c.factory(target)
	if err != nil {
		return "", err
	}
	return collect(ctx, rt, containerID, tail)
}

func collect(ctx context.Context, rt runtime.Runtime, containerID string, tail int) (string, error) {
	defer rt.Close()

	reader, err := rt.ContainerLogs(ctx, containerID, tail)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read logs for %s: %w", containerID, err)
	}
	return string(data), nil
}
