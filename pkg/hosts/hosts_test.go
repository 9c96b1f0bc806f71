package hosts

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/drover/pkg/runtime"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

func seedHost(t *testing.T, store storage.Store, id string, activeRuns int, lastSeen time.Time) *types.WorkerHost {
	t.Helper()
	h := &types.WorkerHost{
		ID:         id,
		Name:       "host-" + id,
		Kind:       types.HostLocalSocket,
		BaseURL:    "unix:///var/run/docker.sock",
		Enabled:    true,
		Healthy:    true,
		LastSeenAt: &lastSeen,
		ActiveRuns: activeRuns,
	}
	require.NoError(t, store.CreateWorkerHost(context.Background(), h))
	return h
}

func TestRegisterValidatesKind(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, 0)

	err := reg.Register(context.Background(), &types.WorkerHost{
		Name:    "bad",
		Kind:    "teleport",
		BaseURL: "tcp://1.2.3.4:2376",
	})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSelectPrefersLeastLoaded(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, 0)
	now := time.Now()

	seedHost(t, store, "h1", 3, now)
	seedHost(t, store, "h2", 1, now)

	h, err := reg.Select(ctx, "", false, now)
	require.NoError(t, err)
	assert.Equal(t, "h2", h.ID)
}

func TestSelectTieBreaksByID(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, 0)
	now := time.Now()

	seedHost(t, store, "h2", 1, now)
	seedHost(t, store, "h1", 1, now)

	h, err := reg.Select(ctx, "", false, now)
	require.NoError(t, err)
	assert.Equal(t, "h1", h.ID)
}

func TestSelectHonorsHealthyTarget(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, 0)
	now := time.Now()

	seedHost(t, store, "h1", 0, now)
	seedHost(t, store, "h2", 9, now)

	h, err := reg.Select(ctx, "h2", false, now)
	require.NoError(t, err)
	assert.Equal(t, "h2", h.ID)
}

func TestSelectFallsBackFromStaleTarget(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, time.Minute)
	now := time.Now()

	seedHost(t, store, "h1", 0, now)
	seedHost(t, store, "h2", 0, now.Add(-10*time.Minute)) // stale

	h, err := reg.Select(ctx, "h2", false, now)
	require.NoError(t, err)
	assert.Equal(t, "h1", h.ID)
}

func TestSelectGPURequirement(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, 0)
	now := time.Now()

	seedHost(t, store, "h1", 0, now)
	gpuHost := seedHost(t, store, "h2", 5, now)
	gpuHost.Capabilities.GPUCount = 2
	require.NoError(t, store.UpdateWorkerHost(ctx, gpuHost))

	h, err := reg.Select(ctx, "", true, now)
	require.NoError(t, err)
	assert.Equal(t, "h2", h.ID)
}

func TestSelectNoHostAvailable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, 0)

	_, err := reg.Select(ctx, "", false, time.Now())
	assert.ErrorIs(t, err, types.ErrNoHostAvailable)
}

// fakeRuntime satisfies runtime.Runtime for probe tests.
type fakeRuntime struct {
	pingErr error
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeRuntime) CreateContainer(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeRuntime) ContainerLogs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) Close() error                                         { return nil }

func fakeFactory(pingErr error) runtime.Factory {
	return func(host *types.WorkerHost) (runtime.Runtime, error) {
		return &fakeRuntime{pingErr: pingErr}, nil
	}
}

func TestProbeRestoresSelection(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := NewRegistry(store, time.Minute)
	now := time.Now()

	host := seedHost(t, store, "h1", 0, now.Add(-10*time.Minute))

	// Stale host is skipped.
	_, err := reg.Select(ctx, "", false, now)
	assert.ErrorIs(t, err, types.ErrNoHostAvailable)

	mon := NewMonitor(store, fakeFactory(nil), nil, MonitorConfig{StaleThreshold: time.Minute})
	require.NoError(t, mon.Probe(ctx, host, now))

	// A successful probe makes the host selectable again.
	h, err := reg.Select(ctx, "", false, now)
	require.NoError(t, err)
	assert.Equal(t, "h1", h.ID)
}

func TestProbeDampsTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()

	host := seedHost(t, store, "h1", 0, now)
	mon := NewMonitor(store, fakeFactory(errors.New("conn refused")), nil, MonitorConfig{Retries: 3})

	require.NoError(t, mon.Probe(ctx, host, now))
	require.NoError(t, mon.Probe(ctx, host, now))

	h, err := store.GetWorkerHost(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, h.Healthy, "two failures should not demote with retries=3")

	require.NoError(t, mon.Probe(ctx, host, now))
	h, err = store.GetWorkerHost(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
}

func TestProbeReconcilesActiveRuns(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()

	host := seedHost(t, store, "h1", 7, now)
	require.NoError(t, store.CreateRun(ctx, &types.Run{
		ID:           "r1",
		Status:       types.RunRunning,
		WorkerHostID: "h1",
		StartedAt:    now,
	}))

	mon := NewMonitor(store, fakeFactory(nil), nil, MonitorConfig{})
	require.NoError(t, mon.Probe(ctx, host, now))

	h, err := store.GetWorkerHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ActiveRuns)
}

func TestSweepStaleDemotes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()

	seedHost(t, store, "h1", 0, now.Add(-10*time.Minute))
	seedHost(t, store, "h2", 0, now)

	mon := NewMonitor(store, fakeFactory(nil), nil, MonitorConfig{StaleThreshold: time.Minute})
	mon.SweepStale(ctx, now)

	h1, err := store.GetWorkerHost(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, h1.Healthy)

	h2, err := store.GetWorkerHost(ctx, "h2")
	require.NoError(t, err)
	assert.True(t, h2.Healthy)
}
