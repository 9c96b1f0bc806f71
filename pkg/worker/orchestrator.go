package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/events"
	"github.com/calyptra/drover/pkg/gpu"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/metrics"
	"github.com/calyptra/drover/pkg/runtime"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// Container labels identifying drover-managed workers.
const (
	LabelEphemeral = "drover.ephemeral"
	LabelRunID     = "drover.run_id"
	LabelJobID     = "drover.job_id"
	LabelTaskKey   = "drover.task_key"
	LabelGPUID     = "drover.gpu_id"
	LabelHostID    = "drover.host_id"
)

const (
	// workerMemoryBytes caps worker memory at 4 GiB; swap is disabled
	// by setting the swap limit to the same value.
	workerMemoryBytes = 4 * 1024 * 1024 * 1024

	stopTimeout = 30 * time.Second
)

// SpawnRequest describes one worker container to launch.
type SpawnRequest struct {
	Run        *types.Run
	JobID      string
	TaskKey    string
	Image      string
	Tag        string
	RequireGPU bool
	// ExplicitGPU is an operator override passed through to GPU
	// selection.
	ExplicitGPU string
	Env         []string
	Cmd         []string
}

// Orchestrator spawns and reaps worker containers on registered hosts.
// Every lifecycle event leaves a WorkerAudit row, including refusals.
type Orchestrator struct {
	store       storage.Store
	gpus        *gpu.Scheduler
	factory     runtime.Factory
	broker      *events.Broker
	logsRoot    string
	uploadsRoot string
	logger      zerolog.Logger
}

// NewOrchestrator creates a worker orchestrator. logsRoot is mounted
// read-write into workers, uploadsRoot read-only.
func NewOrchestrator(store storage.Store, gpus *gpu.Scheduler, factory runtime.Factory, broker *events.Broker, logsRoot, uploadsRoot string) *Orchestrator {
	return &Orchestrator{
		store:       store,
		gpus:        gpus,
		factory:     factory,
		broker:      broker,
		logsRoot:    logsRoot,
		uploadsRoot: uploadsRoot,
		logger:      log.WithComponent("worker"),
	}
}

// Spawn launches a worker container for a job on the host already
// assigned to the run. The image must carry an active allowlist entry;
// GPU placement follows the allowlist entry's requirements.
func (o *Orchestrator) Spawn(ctx context.Context, host *types.WorkerHost, req *SpawnRequest) (string, error) {
	imageRef := req.Image + ":" + req.Tag

	entry, err := o.store.GetWorkerImage(ctx, req.Image, req.Tag)
	if err != nil || !entry.Active {
		auditErr := fmt.Errorf("image %s: %w", imageRef, types.ErrImageNotAllowed)
		o.audit(ctx, req, "", imageRef, "", "", false, auditErr.Error())
		metrics.WorkerSpawns.WithLabelValues("rejected").Inc()
		return "", auditErr
	}

	assignment := &gpu.Assignment{GPUID: gpu.CPUFallback}
	requireGPU := req.RequireGPU || entry.RequiresGPU
	if requireGPU || req.ExplicitGPU != "" {
		assignment, err = o.gpus.Select(ctx, host.ID, gpu.Requirements{
			RequireGPU:   entry.RequiresGPU,
			MinVRAMMB:    entry.MinVRAMMB,
			PreferredGPU: req.ExplicitGPU,
		})
		if err != nil {
			o.audit(ctx, req, "", imageRef, "", "", false, err.Error())
			metrics.WorkerSpawns.WithLabelValues("no_gpu").Inc()
			return "", err
		}
	}

	spec := o.containerSpec(host, req, imageRef, assignment.GPUID)

	rt, err := o.factory(host)
	if err != nil {
		o.releaseGPU(ctx, host.ID, assignment.GPUID)
		o.audit(ctx, req, "", imageRef, assignment.GPUID, assignment.Rationale, false, err.Error())
		metrics.WorkerSpawns.WithLabelValues("error").Inc()
		return "", err
	}
	defer rt.Close()

	containerID, err := rt.CreateContainer(ctx, spec)
	if err == nil {
		err = rt.StartContainer(ctx, containerID)
	}
	if err != nil {
		o.releaseGPU(ctx, host.ID, assignment.GPUID)
		o.audit(ctx, req, containerID, imageRef, assignment.GPUID, assignment.Rationale, false, err.Error())
		metrics.WorkerSpawns.WithLabelValues("error").Inc()
		return "", fmt.Errorf("spawn worker on %s: %w", host.Name, err)
	}

	o.audit(ctx, req, containerID, imageRef, assignment.GPUID, assignment.Rationale, true, "")
	metrics.WorkerSpawns.WithLabelValues("success").Inc()
	o.publish(events.EventWorkerSpawned, containerID, req.Run.ID, host.ID)
	o.logger.Info().
		Str("container_id", containerID).
		Str("image", imageRef).
		Str("gpu_id", assignment.GPUID).
		Str("run_id", req.Run.ID).
		Str("host_id", host.ID).
		Msg("worker spawned")
	return containerID, nil
}

func (o *Orchestrator) containerSpec(host *types.WorkerHost, req *SpawnRequest, imageRef, gpuID string) *runtime.ContainerSpec {
	labels := map[string]string{
		LabelEphemeral: "true",
		LabelRunID:     req.Run.ID,
		LabelJobID:     req.JobID,
		LabelTaskKey:   req.TaskKey,
		LabelHostID:    host.ID,
	}
	if gpuID != gpu.CPUFallback {
		labels[LabelGPUID] = gpuID
	}

	spec := &runtime.ContainerSpec{
		Name:   fmt.Sprintf("drover-%s-%s", req.TaskKey, req.JobID),
		Image:  imageRef,
		Env:    req.Env,
		Cmd:    req.Cmd,
		Labels: labels,
		// Exactly two mounts; no other host paths enter the container.
		Mounts: []runtime.Mount{
			{Source: filepath.Join(o.logsRoot, "runs", req.Run.ID), Target: "/logs", ReadOnly: false},
			{Source: o.uploadsRoot, Target: "/uploads", ReadOnly: true},
		},
		MemoryBytes:     workerMemoryBytes,
		MemorySwapBytes: workerMemoryBytes,
		NetworkMode:     "bridge",
	}
	if gpuID != gpu.CPUFallback {
		spec.GPUDeviceID = gpuID
	}
	return spec
}

// Stop stops and removes a worker container, returning its GPU slot.
// Failures are audited but not fatal; the orphan sweep retries later.
func (o *Orchestrator) Stop(ctx context.Context, host *types.WorkerHost, containerID string) error {
	rt, err := o.factory(host)
	if err != nil {
		return err
	}
	defer rt.Close()

	var gpuID, runID, jobID string
	if infos, lerr := rt.ListContainers(ctx, map[string]string{LabelEphemeral: "true"}); lerr == nil {
		for _, info := range infos {
			if info.ID == containerID {
				gpuID = info.Labels[LabelGPUID]
				runID = info.Labels[LabelRunID]
				jobID = info.Labels[LabelJobID]
				break
			}
		}
	}

	stopErr := rt.StopContainer(ctx, containerID, stopTimeout)
	if rerr := rt.RemoveContainer(ctx, containerID); stopErr == nil {
		stopErr = rerr
	}

	if gpuID != "" {
		o.releaseGPU(ctx, host.ID, gpuID)
	}

	audit := &types.WorkerAudit{
		ID:          uuid.New().String(),
		RunID:       runID,
		JobID:       jobID,
		Operation:   types.AuditStop,
		ContainerID: containerID,
		GPUAssigned: gpuID,
		Success:     stopErr == nil,
		CreatedAt:   time.Now(),
	}
	if stopErr != nil {
		audit.ErrorMessage = stopErr.Error()
	}
	if err := o.store.CreateWorkerAudit(ctx, audit); err != nil {
		o.logger.Error().Err(err).Msg("failed to write stop audit")
	}

	if stopErr == nil {
		o.publish(events.EventWorkerStopped, containerID, runID, host.ID)
	}
	return stopErr
}

// ListActive returns drover-managed containers on the host, optionally
// narrowed by extra labels.
func (o *Orchestrator) ListActive(ctx context.Context, host *types.WorkerHost, extra map[string]string) ([]runtime.ContainerInfo, error) {
	rt, err := o.factory(host)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	labels := map[string]string{LabelEphemeral: "true"}
	for k, v := range extra {
		labels[k] = v
	}
	return rt.ListContainers(ctx, labels)
}

// CleanupOrphans removes exited ephemeral containers on every healthy
// host and returns their GPU slots.
func (o *Orchestrator) CleanupOrphans(ctx context.Context) error {
	hosts, err := o.store.ListWorkerHosts(ctx)
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}

	for _, host := range hosts {
		if !host.Enabled || !host.Healthy {
			continue
		}
		if err := o.cleanupHost(ctx, host); err != nil {
			o.logger.Error().Err(err).Str("host_id", host.ID).Msg("orphan cleanup failed")
		}
	}
	return nil
}

func (o *Orchestrator) cleanupHost(ctx context.Context, host *types.WorkerHost) error {
	rt, err := o.factory(host)
	if err != nil {
		return err
	}
	defer rt.Close()

	infos, err := rt.ListContainers(ctx, map[string]string{LabelEphemeral: "true"})
	if err != nil {
		return err
	}

	for _, info := range infos {
		if info.State == "running" {
			continue
		}
		if err := rt.RemoveContainer(ctx, info.ID); err != nil {
			o.logger.Warn().Err(err).Str("container_id", info.ID).Msg("failed to remove orphan")
			continue
		}
		if gpuID := info.Labels[LabelGPUID]; gpuID != "" {
			o.releaseGPU(ctx, host.ID, gpuID)
		}
		o.audit(ctx, &SpawnRequest{
			Run:   &types.Run{ID: info.Labels[LabelRunID]},
			JobID: info.Labels[LabelJobID],
		}, info.ID, info.Image, info.Labels[LabelGPUID], "orphan cleanup", true, "")
		o.logger.Info().
			Str("container_id", info.ID).
			Str("host_id", host.ID).
			Msg("orphan worker removed")
	}
	return nil
}

// Logs copies a worker container's output into the run's log directory.
func (o *Orchestrator) Logs(ctx context.Context, host *types.WorkerHost, containerID, runID string, tail int) (string, error) {
	rt, err := o.factory(host)
	if err != nil {
		return "", err
	}
	defer rt.Close()

	reader, err := rt.ContainerLogs(ctx, containerID, tail)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	dir := filepath.Join(o.logsRoot, "runs", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, containerID[:12]+".log")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create log file: %w", err)
	}
	defer f.Close()

	if _, err := f.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("copy logs: %w", err)
	}
	return path, nil
}

func (o *Orchestrator) releaseGPU(ctx context.Context, hostID, gpuID string) {
	if err := o.gpus.Release(ctx, hostID, gpuID); err != nil {
		o.logger.Error().Err(err).Str("gpu_id", gpuID).Msg("failed to release gpu")
	}
}

func (o *Orchestrator) audit(ctx context.Context, req *SpawnRequest, containerID, image, gpuID, rationale string, success bool, errMsg string) {
	op := types.AuditSpawn
	if !success {
		op = types.AuditError
	}
	a := &types.WorkerAudit{
		ID:           uuid.New().String(),
		RunID:        req.Run.ID,
		JobID:        req.JobID,
		Operation:    op,
		ContainerID:  containerID,
		Image:        image,
		GPUAssigned:  gpuID,
		GPURationale: rationale,
		Success:      success,
		ErrorMessage: errMsg,
		CreatedAt:    time.Now(),
	}
	if err := o.store.CreateWorkerAudit(ctx, a); err != nil {
		o.logger.Error().Err(err).Msg("failed to write worker audit")
	}
}

func (o *Orchestrator) publish(eventType events.EventType, containerID, runID, hostID string) {
	if o.broker == nil {
		return
	}
	o.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"container_id": containerID,
			"run_id":       runID,
			"host_id":      hostID,
		},
	})
}
