package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// hotspotUtilization is the threshold above which a GPU counts as a
// hotspot in the report.
const hotspotUtilization = 80.0

// GPUReport summarizes fleet GPU telemetry into a JSON artifact,
// flagging high-utilization hotspots.
type GPUReport struct {
	store    storage.Store
	logsRoot string
}

// NewGPUReport creates the GPU report task.
func NewGPUReport(store storage.Store, logsRoot string) *GPUReport {
	return &GPUReport{store: store, logsRoot: logsRoot}
}

func (t *GPUReport) Key() string { return types.TaskGPUReport }

// Execute walks every host's GPU telemetry and writes gpu_report.json.
// A fleet with no GPUs still produces a report.
func (t *GPUReport) Execute(ctx context.Context, run *types.Run, job *types.Job) (map[string]any, error) {
	hosts, err := t.store.ListWorkerHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}

	var gpus []map[string]any
	var hotspots []map[string]any
	for _, host := range hosts {
		states, serr := t.store.ListGPUStatesByHost(ctx, host.ID)
		if serr != nil {
			return nil, fmt.Errorf("list gpu states for %s: %w", host.ID, serr)
		}
		for _, g := range states {
			entry := map[string]any{
				"host_id":     g.HostID,
				"gpu_id":      g.GPUID,
				"gpu_name":    g.Name,
				"utilization": g.Utilization,
				"vram_used":   g.UsedVRAMMB,
				"vram_free":   g.FreeVRAMMB,
				"vram_total":  g.TotalVRAMMB,
				"available":   g.Available,
			}
			gpus = append(gpus, entry)
			if g.Utilization > hotspotUtilization {
				hotspots = append(hotspots, entry)
			}
		}
	}

	status := "success"
	if len(gpus) == 0 {
		status = "no_gpus_available"
	}
	report := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"gpu_count": len(gpus),
		"gpus":      gpus,
		"hotspots":  hotspots,
		"status":    status,
	}

	content, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode gpu report: %w", err)
	}
	if _, err := writeArtifact(ctx, t.store, t.logsRoot, run.ID, "gpu_report.json", types.ArtifactJSON, "application/json", content); err != nil {
		return nil, err
	}

	return map[string]any{
		"gpu_count": len(gpus),
		"hotspots":  len(hotspots),
		"status":    status,
	}, nil
}
