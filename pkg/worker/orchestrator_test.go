package worker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/drover/pkg/gpu"
	"github.com/calyptra/drover/pkg/runtime"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

type fakeRuntime struct {
	created   []*runtime.ContainerSpec
	started   []string
	removed   []string
	stopped   []string
	existing  []runtime.ContainerInfo
	createErr error
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (f *fakeRuntime) CreateContainer(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return "ctr-" + spec.Name, nil
}
func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}
func (f *fakeRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	return f.existing, nil
}
func (f *fakeRuntime) ContainerLogs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.stopped = append(f.stopped, id)
	return nil
}
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}
func (f *fakeRuntime) Close() error { return nil }

type fixture struct {
	store storage.Store
	rt    *fakeRuntime
	orch  *Orchestrator
	host  *types.WorkerHost
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rt := &fakeRuntime{}
	factory := func(host *types.WorkerHost) (runtime.Runtime, error) { return rt, nil }
	orch := NewOrchestrator(store, gpu.NewScheduler(store), factory, nil, t.TempDir(), t.TempDir())

	host := &types.WorkerHost{
		ID:      "h1",
		Name:    "host-1",
		Kind:    types.HostLocalSocket,
		BaseURL: "unix:///var/run/docker.sock",
		Enabled: true,
		Healthy: true,
	}
	require.NoError(t, store.CreateWorkerHost(ctx, host))
	return &fixture{store: store, rt: rt, orch: orch, host: host}
}

func (f *fixture) allowImage(t *testing.T, name, tag string, requiresGPU bool, minVRAM int) {
	t.Helper()
	require.NoError(t, f.store.CreateWorkerImage(context.Background(), &types.WorkerImage{
		ID:          name + "-" + tag,
		Name:        name,
		Tag:         tag,
		Active:      true,
		RequiresGPU: requiresGPU,
		MinVRAMMB:   minVRAM,
	}))
}

func spawnReq() *SpawnRequest {
	return &SpawnRequest{
		Run:     &types.Run{ID: "run-1"},
		JobID:   "job-1",
		TaskKey: types.TaskLogTriage,
		Image:   "drover-worker",
		Tag:     "v1",
	}
}

func TestSpawnRejectsUnlistedImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.orch.Spawn(ctx, f.host, spawnReq())
	assert.ErrorIs(t, err, types.ErrImageNotAllowed)

	audits, err := f.store.ListWorkerAuditsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.False(t, audits[0].Success)
	assert.Equal(t, types.AuditError, audits[0].Operation)
}

func TestSpawnAppliesContainerInvariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.allowImage(t, "drover-worker", "v1", false, 0)

	id, err := f.orch.Spawn(ctx, f.host, spawnReq())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, f.rt.created, 1)
	spec := f.rt.created[0]

	assert.Equal(t, "true", spec.Labels[LabelEphemeral])
	assert.Equal(t, "run-1", spec.Labels[LabelRunID])
	assert.Equal(t, "job-1", spec.Labels[LabelJobID])
	assert.Equal(t, types.TaskLogTriage, spec.Labels[LabelTaskKey])

	require.Len(t, spec.Mounts, 2)
	assert.Equal(t, "/logs", spec.Mounts[0].Target)
	assert.False(t, spec.Mounts[0].ReadOnly)
	assert.Equal(t, "/uploads", spec.Mounts[1].Target)
	assert.True(t, spec.Mounts[1].ReadOnly)

	assert.Equal(t, "bridge", spec.NetworkMode)
	assert.Equal(t, int64(workerMemoryBytes), spec.MemoryBytes)
	assert.Equal(t, spec.MemoryBytes, spec.MemorySwapBytes, "swap disabled")
	assert.Empty(t, spec.GPUDeviceID)

	audits, err := f.store.ListWorkerAuditsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].Success)
	assert.Equal(t, types.AuditSpawn, audits[0].Operation)
}

func TestSpawnGPURequiredFailsWithoutGPU(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.allowImage(t, "drover-worker", "v1", true, 8000)

	req := spawnReq()
	req.RequireGPU = true
	_, err := f.orch.Spawn(ctx, f.host, req)
	assert.ErrorIs(t, err, types.ErrNoGPUAvailable)
	assert.Empty(t, f.rt.created)
}

func TestSpawnAttachesSelectedGPU(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.allowImage(t, "drover-worker", "v1", true, 4000)

	require.NoError(t, f.store.UpsertGPUState(ctx, &types.GPUState{
		HostID:      "h1",
		GPUID:       "gpu-0",
		TotalVRAMMB: 24000,
		FreeVRAMMB:  20000,
		Available:   true,
		LastUpdated: time.Now(),
	}))

	req := spawnReq()
	req.RequireGPU = true
	_, err := f.orch.Spawn(ctx, f.host, req)
	require.NoError(t, err)

	require.Len(t, f.rt.created, 1)
	spec := f.rt.created[0]
	assert.Equal(t, "gpu-0", spec.GPUDeviceID)
	assert.Equal(t, "gpu-0", spec.Labels[LabelGPUID])

	g, err := f.store.GetGPUState(ctx, "h1", "gpu-0")
	require.NoError(t, err)
	assert.Equal(t, 1, g.ActiveWorkers)
}

func TestSpawnFailureReleasesGPU(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.allowImage(t, "drover-worker", "v1", true, 0)
	f.rt.createErr = errors.New("image pull failed")

	require.NoError(t, f.store.UpsertGPUState(ctx, &types.GPUState{
		HostID:      "h1",
		GPUID:       "gpu-0",
		TotalVRAMMB: 24000,
		FreeVRAMMB:  20000,
		Available:   true,
		LastUpdated: time.Now(),
	}))

	req := spawnReq()
	req.RequireGPU = true
	_, err := f.orch.Spawn(ctx, f.host, req)
	require.Error(t, err)

	g, err := f.store.GetGPUState(ctx, "h1", "gpu-0")
	require.NoError(t, err)
	assert.Equal(t, 0, g.ActiveWorkers, "gpu slot returned on spawn failure")
}

func TestStopRecoversGPUFromLabels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.UpsertGPUState(ctx, &types.GPUState{
		HostID:      "h1",
		GPUID:       "gpu-0",
		TotalVRAMMB: 24000,
		FreeVRAMMB:  20000,
		Available:   true,
		LastUpdated: time.Now(),
	}))
	require.NoError(t, f.store.AdjustGPUActiveWorkers(ctx, "h1", "gpu-0", 1))

	f.rt.existing = []runtime.ContainerInfo{{
		ID:    "ctr-1",
		State: "running",
		Labels: map[string]string{
			LabelEphemeral: "true",
			LabelGPUID:     "gpu-0",
			LabelRunID:     "run-1",
			LabelJobID:     "job-1",
		},
	}}

	require.NoError(t, f.orch.Stop(ctx, f.host, "ctr-1"))
	assert.Equal(t, []string{"ctr-1"}, f.rt.stopped)
	assert.Equal(t, []string{"ctr-1"}, f.rt.removed)

	g, err := f.store.GetGPUState(ctx, "h1", "gpu-0")
	require.NoError(t, err)
	assert.Equal(t, 0, g.ActiveWorkers)

	audits, err := f.store.ListWorkerAuditsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, types.AuditStop, audits[0].Operation)
}

func TestCleanupOrphansRemovesExitedOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.rt.existing = []runtime.ContainerInfo{
		{ID: "ctr-live", State: "running", Labels: map[string]string{LabelEphemeral: "true"}},
		{ID: "ctr-dead", State: "exited", Labels: map[string]string{LabelEphemeral: "true", LabelRunID: "run-9"}},
	}

	require.NoError(t, f.orch.CleanupOrphans(ctx))
	assert.Equal(t, []string{"ctr-dead"}, f.rt.removed)
}
