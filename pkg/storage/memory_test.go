package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/drover/pkg/types"
)

func ts(t time.Time) *time.Time { return &t }

func TestClaimDueSchedules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	store := NewMemoryStore()
	require.NoError(t, store.CreateSchedule(ctx, &types.Schedule{
		ID: "s1", Name: "due-unclaimed", Kind: types.ScheduleInterval,
		IntervalMinutes: 5, Enabled: true, NextFireAt: &due,
	}))
	require.NoError(t, store.CreateSchedule(ctx, &types.Schedule{
		ID: "s2", Name: "due-claimed-live", Kind: types.ScheduleInterval,
		IntervalMinutes: 5, Enabled: true, NextFireAt: &due,
		ClaimedBy: "other:1", ClaimedUntil: ts(now.Add(time.Minute)),
	}))
	require.NoError(t, store.CreateSchedule(ctx, &types.Schedule{
		ID: "s3", Name: "due-claim-expired", Kind: types.ScheduleInterval,
		IntervalMinutes: 5, Enabled: true, NextFireAt: &due,
		ClaimedBy: "crashed:9", ClaimedUntil: ts(now.Add(-time.Second)),
	}))
	require.NoError(t, store.CreateSchedule(ctx, &types.Schedule{
		ID: "s4", Name: "not-due", Kind: types.ScheduleInterval,
		IntervalMinutes: 5, Enabled: true, NextFireAt: &future,
	}))
	require.NoError(t, store.CreateSchedule(ctx, &types.Schedule{
		ID: "s5", Name: "disabled", Kind: types.ScheduleInterval,
		IntervalMinutes: 5, Enabled: false, NextFireAt: &due,
	}))

	claimed, err := store.ClaimDueSchedules(ctx, "me:42", 2*time.Minute, now, 10)
	require.NoError(t, err)

	var ids []string
	for _, s := range claimed {
		ids = append(ids, s.ID)
		assert.Equal(t, "me:42", s.ClaimedBy)
		require.NotNil(t, s.ClaimedUntil)
		assert.True(t, s.ClaimedUntil.Equal(now.Add(2*time.Minute)))
	}
	// Live claim held elsewhere stays theirs; expired claim is taken over.
	assert.Equal(t, []string{"s1", "s3"}, ids)
}

func TestClaimDueSchedulesSecondClaimantGetsNothing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)

	store := NewMemoryStore()
	require.NoError(t, store.CreateSchedule(ctx, &types.Schedule{
		ID: "s1", Name: "due", Kind: types.ScheduleInterval,
		IntervalMinutes: 5, Enabled: true, NextFireAt: &due,
	}))

	first, err := store.ClaimDueSchedules(ctx, "a:1", time.Minute, now, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := store.ClaimDueSchedules(ctx, "b:2", time.Minute, now, 10)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestClaimQueueItemsReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	store := NewMemoryStore()
	require.NoError(t, store.CreateQueueItem(ctx, &types.JobQueueItem{
		ID: "q1", JobID: "j1", RunID: "r1", Status: types.QueuePending,
		CreatedAt: now.Add(-3 * time.Minute),
	}))
	// Crashed dispatcher: running with expired claim.
	require.NoError(t, store.CreateQueueItem(ctx, &types.JobQueueItem{
		ID: "q2", JobID: "j2", RunID: "r2", Status: types.QueueRunning,
		ClaimedBy: "dead:7", ClaimedUntil: ts(now.Add(-time.Second)),
		Attempts: 1, CreatedAt: now.Add(-2 * time.Minute),
	}))
	// Healthy claim elsewhere.
	require.NoError(t, store.CreateQueueItem(ctx, &types.JobQueueItem{
		ID: "q3", JobID: "j3", RunID: "r3", Status: types.QueueClaimed,
		ClaimedBy: "alive:8", ClaimedUntil: ts(now.Add(time.Minute)),
		Attempts: 1, CreatedAt: now.Add(-time.Minute),
	}))

	claimed, err := store.ClaimQueueItems(ctx, "me:42", 5*time.Minute, now, 10)
	require.NoError(t, err)

	byID := map[string]*types.JobQueueItem{}
	for _, q := range claimed {
		byID[q.ID] = q
	}
	require.Len(t, claimed, 2)
	assert.Contains(t, byID, "q1")
	assert.Contains(t, byID, "q2")
	assert.Equal(t, types.QueueClaimed, byID["q2"].Status)
	assert.Equal(t, "me:42", byID["q2"].ClaimedBy)
	assert.Equal(t, 2, byID["q2"].Attempts)
}

func TestClaimAgentRunsTakeover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	store := NewMemoryStore()
	require.NoError(t, store.CreateAgentRun(ctx, &types.AgentRun{
		ID: "a1", Status: types.AgentPending, CreatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.CreateAgentRun(ctx, &types.AgentRun{
		ID: "a2", Status: types.AgentRunning,
		ClaimedBy: "dead:1", ClaimedUntil: ts(now.Add(-time.Minute)),
		CreatedAt: now.Add(-30 * time.Minute),
	}))
	require.NoError(t, store.CreateAgentRun(ctx, &types.AgentRun{
		ID: "a3", Status: types.AgentRunning,
		ClaimedBy: "alive:2", ClaimedUntil: ts(now.Add(time.Minute)),
		CreatedAt: now.Add(-20 * time.Minute),
	}))
	require.NoError(t, store.CreateAgentRun(ctx, &types.AgentRun{
		ID: "a4", Status: types.AgentCompleted, CreatedAt: now.Add(-10 * time.Minute),
	}))

	claimed, err := store.ClaimAgentRuns(ctx, "me:42", time.Minute, now, 10)
	require.NoError(t, err)

	var ids []string
	for _, a := range claimed {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"a1", "a2"}, ids)
}

func TestExtendAgentClaim(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 11, 0, 0, 0, time.UTC)

	store := NewMemoryStore()
	require.NoError(t, store.CreateAgentRun(ctx, &types.AgentRun{
		ID: "a1", Status: types.AgentRunning,
		ClaimedBy: "me:42", ClaimedUntil: ts(now.Add(time.Minute)),
	}))

	require.NoError(t, store.ExtendAgentClaim(ctx, "a1", "me:42", 5*time.Minute, now))

	got, err := store.GetAgentRun(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.ClaimedUntil.Equal(now.Add(5*time.Minute)))

	err = store.ExtendAgentClaim(ctx, "a1", "impostor:9", time.Minute, now)
	assert.ErrorIs(t, err, types.ErrClaimLost)
}

func TestCreateLLMCallGuardrail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.CreateLLMCall(ctx, &types.LLMCall{
		ID:       "c1",
		RunID:    "r1",
		Metadata: map[string]any{"prompt": "never store this"},
	})
	require.ErrorIs(t, err, types.ErrGuardrailViolation)

	// Nothing persisted after the abort.
	calls, err := store.ListLLMCallsByRun(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, calls)

	require.NoError(t, store.CreateLLMCall(ctx, &types.LLMCall{
		ID:     "c2",
		RunID:  "r1",
		Tokens: types.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}))
	sum, err := store.SumTokensByRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 15, sum.TotalTokens)
}

func TestCountRunningRunsIgnoresPendingBacklog(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// A backlog of pending runs (no hosts yet, dispatcher behind) must
	// not occupy concurrency slots; only running runs do.
	require.NoError(t, store.CreateRun(ctx, &types.Run{ID: "r1", Status: types.RunPending}))
	require.NoError(t, store.CreateRun(ctx, &types.Run{ID: "r2", Status: types.RunRunning}))
	require.NoError(t, store.CreateRun(ctx, &types.Run{ID: "r3", Status: types.RunSuccess}))
	require.NoError(t, store.CreateJob(ctx, &types.Job{ID: "j1", RunID: "r1", TaskKey: types.TaskLogTriage}))
	require.NoError(t, store.CreateJob(ctx, &types.Job{ID: "j2", RunID: "r2", TaskKey: types.TaskLogTriage}))

	global, err := store.CountRunningRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, global)

	perTask, err := store.CountRunningRunsByTask(ctx, types.TaskLogTriage)
	require.NoError(t, err)
	assert.Equal(t, 1, perTask)
}

func TestAdjustSoftCountersFloorAtZero(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()

	require.NoError(t, store.CreateWorkerHost(ctx, &types.WorkerHost{
		ID: "h1", Name: "local", Kind: types.HostLocalSocket, ActiveRuns: 1,
	}))
	require.NoError(t, store.AdjustHostActiveRuns(ctx, "h1", -5))
	h, err := store.GetWorkerHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 0, h.ActiveRuns)

	require.NoError(t, store.UpsertGPUState(ctx, &types.GPUState{
		HostID: "h1", GPUID: "gpu-0", ActiveWorkers: 0, LastUpdated: now,
	}))
	require.NoError(t, store.AdjustGPUActiveWorkers(ctx, "h1", "gpu-0", -1))
	g, err := store.GetGPUState(ctx, "h1", "gpu-0")
	require.NoError(t, err)
	assert.Equal(t, 0, g.ActiveWorkers)
}
