package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/drover/pkg/events"
	"github.com/calyptra/drover/pkg/hosts"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/tasks"
	"github.com/calyptra/drover/pkg/types"
)

// stubTask lets tests choose the outcome per execution.
type stubTask struct {
	key    string
	result map[string]any
	err    error
	calls  int
}

func (s *stubTask) Key() string { return s.key }
func (s *stubTask) Execute(ctx context.Context, run *types.Run, job *types.Job) (map[string]any, error) {
	s.calls++
	return s.result, s.err
}

type fixture struct {
	store    storage.Store
	registry *tasks.Registry
	disp     *Dispatcher
}

func newFixture(t *testing.T, broker *events.Broker) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	registry := tasks.NewRegistry()
	hostReg := hosts.NewRegistry(store, 0)
	disp := New(store, registry, hostReg, broker, Config{Claimant: "test:1"})

	now := time.Now()
	require.NoError(t, store.CreateWorkerHost(context.Background(), &types.WorkerHost{
		ID: "h1", Name: "host-1", Kind: types.HostLocalSocket,
		BaseURL: "unix:///var/run/docker.sock", Enabled: true, Healthy: true,
		LastSeenAt: &now,
	}))
	return &fixture{store: store, registry: registry, disp: disp}
}

func (f *fixture) seedRun(t *testing.T, runID string, taskKeys ...string) []*types.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.store.CreateRun(ctx, &types.Run{
		ID: runID, Status: types.RunPending, StartedAt: now, CreatedAt: now,
	}))

	var jobs []*types.Job
	for i, key := range taskKeys {
		job := &types.Job{
			ID: runID + "-job-" + key, RunID: runID, TaskKey: key,
			Status: types.JobPending, CreatedAt: now,
		}
		require.NoError(t, f.store.CreateJob(ctx, job))
		require.NoError(t, f.store.CreateQueueItem(ctx, &types.JobQueueItem{
			ID: runID + "-q-" + key, JobID: job.ID, RunID: runID,
			Status: types.QueuePending, CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt: now,
		}))
		jobs = append(jobs, job)
	}
	return jobs
}

func TestTickExecutesJobAndFinishesRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	task := &stubTask{key: types.TaskServiceMap, result: map[string]any{"service_count": 2}}
	f.registry.Register(task)

	f.seedRun(t, "run-1", types.TaskServiceMap)
	require.NoError(t, f.disp.Tick(ctx, time.Now()))

	assert.Equal(t, 1, task.calls)

	run, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunSuccess, run.Status)
	assert.Equal(t, "h1", run.WorkerHostID)
	require.NotNil(t, run.EndedAt)

	jobs, err := f.store.ListJobsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobSuccess, jobs[0].Status)
	assert.Equal(t, 2, jobs[0].Result["service_count"])

	items, err := f.store.ListQueueItems(ctx, types.QueueCompleted)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, items[0].ClaimedBy)

	// Active runs slot returned on terminal transition.
	host, err := f.store.GetWorkerHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 0, host.ActiveRuns)
}

func TestMixedOutcomesYieldPartialRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registry.Register(&stubTask{key: types.TaskServiceMap, result: map[string]any{}})
	f.registry.Register(&stubTask{key: types.TaskGPUReport, err: errors.New("telemetry unavailable")})

	f.seedRun(t, "run-1", types.TaskServiceMap, types.TaskGPUReport)
	require.NoError(t, f.disp.Tick(ctx, time.Now()))

	run, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunPartial, run.Status)

	jobs, err := f.store.ListJobsByRun(ctx, "run-1")
	require.NoError(t, err)
	var latest time.Time
	for _, j := range jobs {
		require.NotNil(t, j.EndedAt)
		if j.EndedAt.After(latest) {
			latest = *j.EndedAt
		}
	}
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, latest, *run.EndedAt, "run ended_at is the latest job ended_at")

	failedItems, err := f.store.ListQueueItems(ctx, types.QueueFailed)
	require.NoError(t, err)
	require.Len(t, failedItems, 1)
	assert.Contains(t, failedItems[0].LastError, "telemetry unavailable")
}

func TestAllFailedYieldsFailedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.registry.Register(&stubTask{key: types.TaskGPUReport, err: errors.New("boom")})

	f.seedRun(t, "run-1", types.TaskGPUReport)
	require.NoError(t, f.disp.Tick(ctx, time.Now()))

	run, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
}

func TestNoHostRequeuesItem(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	registry := tasks.NewRegistry()
	registry.Register(&stubTask{key: types.TaskServiceMap})
	disp := New(store, registry, hosts.NewRegistry(store, 0), nil, Config{Claimant: "test:1"})

	f := &fixture{store: store, registry: registry, disp: disp}
	f.seedRun(t, "run-1", types.TaskServiceMap)

	require.NoError(t, disp.Tick(ctx, time.Now()))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunPending, run.Status)

	items, err := store.ListQueueItems(ctx, types.QueuePending)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].LastError, "no worker host available")
}

func TestTerminalRunPublishesEvent(t *testing.T) {
	ctx := context.Background()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	f := newFixture(t, broker)
	f.registry.Register(&stubTask{key: types.TaskServiceMap, result: map[string]any{}})
	f.seedRun(t, "run-1", types.TaskServiceMap)

	require.NoError(t, f.disp.Tick(ctx, time.Now()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventRunFinished {
				assert.Equal(t, "run-1", ev.Metadata["run_id"])
				assert.Equal(t, string(types.RunSuccess), ev.Metadata["status"])
				return
			}
		case <-deadline:
			t.Fatal("run.finished event not published")
		}
	}
}

func TestStaleClaimSettledWithoutReexecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	task := &stubTask{key: types.TaskServiceMap, result: map[string]any{}}
	f.registry.Register(task)

	jobs := f.seedRun(t, "run-1", types.TaskServiceMap)

	// The job finished but its crashed owner never settled the item.
	ended := time.Now()
	jobs[0].Status = types.JobSuccess
	jobs[0].EndedAt = &ended
	require.NoError(t, f.store.UpdateJob(ctx, jobs[0]))

	require.NoError(t, f.disp.Tick(ctx, time.Now()))

	assert.Equal(t, 0, task.calls, "terminal job must not re-execute")
	items, err := f.store.ListQueueItems(ctx, types.QueueCompleted)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
