package gpu

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// Sample is one GPU telemetry reading reported by a host probe.
type Sample struct {
	GPUID       string
	Name        string
	TotalVRAMMB int
	UsedVRAMMB  int
	Utilization float64
}

// Requirements constrain GPU selection for a worker spawn.
type Requirements struct {
	RequireGPU bool
	MinVRAMMB  int
	// PreferredGPU is an explicit operator override, honored only when
	// that GPU is suitable.
	PreferredGPU string
}

// Assignment is the outcome of a selection. GPUID is "cpu" when the
// worker falls back to CPU execution.
type Assignment struct {
	GPUID     string
	Rationale string
}

// CPUFallback is the assignment id for CPU execution.
const CPUFallback = "cpu"

// Scheduler places workers on GPUs by telemetry score.
type Scheduler struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewScheduler creates a GPU scheduler backed by the store.
func NewScheduler(store storage.Store) *Scheduler {
	return &Scheduler{
		store:  store,
		logger: log.WithComponent("gpu"),
	}
}

// RecordMetrics upserts telemetry samples for a host. Free VRAM is
// derived; soft counters carried on existing rows are preserved.
func (s *Scheduler) RecordMetrics(ctx context.Context, hostID string, samples []Sample, now time.Time) error {
	for _, sample := range samples {
		state := &types.GPUState{
			HostID:      hostID,
			GPUID:       sample.GPUID,
			Name:        sample.Name,
			TotalVRAMMB: sample.TotalVRAMMB,
			UsedVRAMMB:  sample.UsedVRAMMB,
			FreeVRAMMB:  sample.TotalVRAMMB - sample.UsedVRAMMB,
			Utilization: sample.Utilization,
			Available:   true,
			LastUpdated: now,
		}
		if existing, err := s.store.GetGPUState(ctx, hostID, sample.GPUID); err == nil {
			state.ActiveWorkers = existing.ActiveWorkers
		}
		if err := s.store.UpsertGPUState(ctx, state); err != nil {
			return fmt.Errorf("record gpu metrics: %w", err)
		}
	}
	return nil
}

// MarkUnavailable removes a GPU from scheduling until the next probe
// reports it again.
func (s *Scheduler) MarkUnavailable(ctx context.Context, hostID, gpuID string) error {
	state, err := s.store.GetGPUState(ctx, hostID, gpuID)
	if err != nil {
		return err
	}
	state.Available = false
	if err := s.store.UpsertGPUState(ctx, state); err != nil {
		return fmt.Errorf("mark gpu unavailable: %w", err)
	}
	return nil
}

// Select picks a GPU on the host for the given requirements and
// increments its active worker counter. Candidates are available GPUs
// with enough free VRAM, ranked by scheduling score ascending with a
// lexical gpu id tie-break. An explicit preferred GPU wins only when it
// is itself a candidate. With no candidates the worker falls back to
// CPU unless the image requires a GPU.
func (s *Scheduler) Select(ctx context.Context, hostID string, req Requirements) (*Assignment, error) {
	states, err := s.store.ListGPUStatesByHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("list gpu states: %w", err)
	}

	var candidates []*types.GPUState
	for _, g := range states {
		if !g.Available {
			continue
		}
		if req.MinVRAMMB > 0 && g.FreeVRAMMB < req.MinVRAMMB {
			continue
		}
		candidates = append(candidates, g)
	}

	if len(candidates) == 0 {
		if req.RequireGPU {
			return nil, fmt.Errorf("host %s: %w", hostID, types.ErrNoGPUAvailable)
		}
		return &Assignment{GPUID: CPUFallback, Rationale: "no suitable gpu, cpu fallback"}, nil
	}

	if req.PreferredGPU != "" {
		for _, g := range candidates {
			if g.GPUID == req.PreferredGPU {
				return s.assign(ctx, g, "explicit override")
			}
		}
		s.logger.Warn().
			Str("host_id", hostID).
			Str("preferred_gpu", req.PreferredGPU).
			Msg("preferred gpu not suitable, falling back to scored selection")
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].Score(), candidates[j].Score()
		if si != sj {
			return si < sj
		}
		return candidates[i].GPUID < candidates[j].GPUID
	})

	best := candidates[0]
	rationale := fmt.Sprintf("score %.4f, free_vram %dMB, util %.1f%%",
		best.Score(), best.FreeVRAMMB, best.Utilization)
	return s.assign(ctx, best, rationale)
}

func (s *Scheduler) assign(ctx context.Context, g *types.GPUState, rationale string) (*Assignment, error) {
	if err := s.store.AdjustGPUActiveWorkers(ctx, g.HostID, g.GPUID, 1); err != nil {
		return nil, fmt.Errorf("adjust gpu workers: %w", err)
	}
	s.logger.Debug().
		Str("host_id", g.HostID).
		Str("gpu_id", g.GPUID).
		Str("rationale", rationale).
		Msg("gpu assigned")
	return &Assignment{GPUID: g.GPUID, Rationale: rationale}, nil
}

// Release returns a worker's GPU slot. Releasing the CPU fallback is a
// no-op; the soft counter floors at zero.
func (s *Scheduler) Release(ctx context.Context, hostID, gpuID string) error {
	if gpuID == "" || gpuID == CPUFallback {
		return nil
	}
	return s.store.AdjustGPUActiveWorkers(ctx, hostID, gpuID, -1)
}
