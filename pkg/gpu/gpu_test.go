package gpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

func seedGPU(t *testing.T, store storage.Store, hostID, gpuID string, totalMB, freeMB int, util float64) {
	t.Helper()
	require.NoError(t, store.UpsertGPUState(context.Background(), &types.GPUState{
		HostID:      hostID,
		GPUID:       gpuID,
		TotalVRAMMB: totalMB,
		UsedVRAMMB:  totalMB - freeMB,
		FreeVRAMMB:  freeMB,
		Utilization: util,
		Available:   true,
		LastUpdated: time.Now(),
	}))
}

func TestScoreBlend(t *testing.T) {
	g := &types.GPUState{TotalVRAMMB: 1000, FreeVRAMMB: 250, Utilization: 50}
	// 0.6*(1-0.25) + 0.4*0.5 = 0.45 + 0.20
	assert.InDelta(t, 0.65, g.Score(), 1e-9)
}

func TestSelectPrefersLowerScore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sched := NewScheduler(store)

	seedGPU(t, store, "h1", "gpu-0", 1000, 100, 90) // busy
	seedGPU(t, store, "h1", "gpu-1", 1000, 900, 10) // idle

	a, err := sched.Select(ctx, "h1", Requirements{RequireGPU: true})
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", a.GPUID)

	// Selection bumped the soft counter.
	g, err := store.GetGPUState(ctx, "h1", "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, 1, g.ActiveWorkers)
}

func TestSelectTieBreaksLexically(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sched := NewScheduler(store)

	// Identical telemetry, identical score.
	seedGPU(t, store, "h1", "gpu-1", 1000, 500, 40)
	seedGPU(t, store, "h1", "gpu-0", 1000, 500, 40)

	a, err := sched.Select(ctx, "h1", Requirements{RequireGPU: true})
	require.NoError(t, err)
	assert.Equal(t, "gpu-0", a.GPUID)
}

func TestSelectHonorsSuitableOverride(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sched := NewScheduler(store)

	seedGPU(t, store, "h1", "gpu-0", 1000, 900, 5)
	seedGPU(t, store, "h1", "gpu-1", 1000, 600, 40)

	a, err := sched.Select(ctx, "h1", Requirements{RequireGPU: true, PreferredGPU: "gpu-1"})
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", a.GPUID)
	assert.Equal(t, "explicit override", a.Rationale)
}

func TestSelectIgnoresUnsuitableOverride(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sched := NewScheduler(store)

	seedGPU(t, store, "h1", "gpu-0", 1000, 900, 5)
	seedGPU(t, store, "h1", "gpu-1", 1000, 100, 40) // too little free VRAM

	a, err := sched.Select(ctx, "h1", Requirements{
		RequireGPU:   true,
		MinVRAMMB:    500,
		PreferredGPU: "gpu-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "gpu-0", a.GPUID)
}

func TestSelectCPUFallback(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sched := NewScheduler(store)

	a, err := sched.Select(ctx, "h1", Requirements{RequireGPU: false})
	require.NoError(t, err)
	assert.Equal(t, CPUFallback, a.GPUID)
}

func TestSelectRequireGPUFailsWithNoCandidates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sched := NewScheduler(store)

	seedGPU(t, store, "h1", "gpu-0", 1000, 100, 90)

	_, err := sched.Select(ctx, "h1", Requirements{RequireGPU: true, MinVRAMMB: 500})
	assert.ErrorIs(t, err, types.ErrNoGPUAvailable)
}

func TestReleaseFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sched := NewScheduler(store)

	seedGPU(t, store, "h1", "gpu-0", 1000, 900, 5)

	require.NoError(t, sched.Release(ctx, "h1", "gpu-0"))
	require.NoError(t, sched.Release(ctx, "h1", "gpu-0"))

	g, err := store.GetGPUState(ctx, "h1", "gpu-0")
	require.NoError(t, err)
	assert.Equal(t, 0, g.ActiveWorkers)

	// Releasing the cpu fallback touches nothing.
	require.NoError(t, sched.Release(ctx, "h1", CPUFallback))
}

func TestRecordMetricsPreservesSoftCounter(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sched := NewScheduler(store)
	now := time.Now()

	seedGPU(t, store, "h1", "gpu-0", 1000, 900, 5)
	require.NoError(t, store.AdjustGPUActiveWorkers(ctx, "h1", "gpu-0", 2))

	require.NoError(t, sched.RecordMetrics(ctx, "h1", []Sample{
		{GPUID: "gpu-0", Name: "RTX A6000", TotalVRAMMB: 1000, UsedVRAMMB: 400, Utilization: 30},
	}, now))

	g, err := store.GetGPUState(ctx, "h1", "gpu-0")
	require.NoError(t, err)
	assert.Equal(t, 600, g.FreeVRAMMB)
	assert.Equal(t, 2, g.ActiveWorkers)
	assert.True(t, g.Available)
}
