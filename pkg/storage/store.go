package storage

import (
	"context"
	"time"

	"github.com/calyptra/drover/pkg/types"
)

// Store defines the interface for orchestrator state storage.
// Implemented by the Postgres store for production and the in-memory
// store for tests and single-process smoke runs.
//
// The Claim* methods are the multi-instance safety boundary: each
// atomically selects eligible rows, stamps (claimed_by, claimed_until)
// and returns only rows this claimant now owns. A row whose claim has
// expired is eligible again even though claimed_by is still set.
type Store interface {
	// Directives
	CreateDirective(ctx context.Context, d *types.Directive) error
	GetDirective(ctx context.Context, id string) (*types.Directive, error)
	GetDirectiveByName(ctx context.Context, name string) (*types.Directive, error)
	ListDirectives(ctx context.Context) ([]*types.Directive, error)
	UpdateDirective(ctx context.Context, d *types.Directive) error

	// Job templates
	CreateJobTemplate(ctx context.Context, t *types.JobTemplate) error
	GetJobTemplateByTaskKey(ctx context.Context, taskKey string) (*types.JobTemplate, error)
	ListJobTemplates(ctx context.Context) ([]*types.JobTemplate, error)
	UpdateJobTemplate(ctx context.Context, t *types.JobTemplate) error

	// Schedules
	CreateSchedule(ctx context.Context, s *types.Schedule) error
	GetSchedule(ctx context.Context, id string) (*types.Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (*types.Schedule, error)
	ListSchedules(ctx context.Context) ([]*types.Schedule, error)
	UpdateSchedule(ctx context.Context, s *types.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error

	// ClaimDueSchedules claims up to limit enabled schedules whose
	// next_fire_at <= now and whose claim is absent or expired.
	ClaimDueSchedules(ctx context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.Schedule, error)
	// ReleaseScheduleClaim clears the claim if still held by claimant.
	ReleaseScheduleClaim(ctx context.Context, scheduleID, claimant string) error

	// Runs
	CreateRun(ctx context.Context, r *types.Run) error
	GetRun(ctx context.Context, id string) (*types.Run, error)
	ListRuns(ctx context.Context) ([]*types.Run, error)
	ListRunsBySchedule(ctx context.Context, scheduleID string) ([]*types.Run, error)
	ListRunsSince(ctx context.Context, since time.Time) ([]*types.Run, error)
	UpdateRun(ctx context.Context, r *types.Run) error
	CountRunningRuns(ctx context.Context) (int, error)
	CountRunningRunsByTask(ctx context.Context, taskKey string) (int, error)

	// Jobs
	CreateJob(ctx context.Context, j *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobsByRun(ctx context.Context, runID string) ([]*types.Job, error)
	UpdateJob(ctx context.Context, j *types.Job) error

	// Job queue
	CreateQueueItem(ctx context.Context, q *types.JobQueueItem) error
	GetQueueItem(ctx context.Context, id string) (*types.JobQueueItem, error)
	ListQueueItems(ctx context.Context, status types.QueueStatus) ([]*types.JobQueueItem, error)
	UpdateQueueItem(ctx context.Context, q *types.JobQueueItem) error
	// ClaimQueueItems claims up to limit pending items, plus items whose
	// claim expired before completion.
	ClaimQueueItems(ctx context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.JobQueueItem, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a *types.RunArtifact) error
	ListArtifactsByRun(ctx context.Context, runID string) ([]*types.RunArtifact, error)

	// LLM calls. CreateLLMCall runs the guardrail check; a violation
	// aborts the write.
	CreateLLMCall(ctx context.Context, c *types.LLMCall) error
	ListLLMCallsByRun(ctx context.Context, runID string) ([]*types.LLMCall, error)
	SumTokensByRun(ctx context.Context, runID string) (types.TokenUsage, error)

	// Worker hosts
	CreateWorkerHost(ctx context.Context, h *types.WorkerHost) error
	GetWorkerHost(ctx context.Context, id string) (*types.WorkerHost, error)
	GetWorkerHostByName(ctx context.Context, name string) (*types.WorkerHost, error)
	ListWorkerHosts(ctx context.Context) ([]*types.WorkerHost, error)
	UpdateWorkerHost(ctx context.Context, h *types.WorkerHost) error
	// AdjustHostActiveRuns applies delta to the soft counter, floored
	// at zero.
	AdjustHostActiveRuns(ctx context.Context, hostID string, delta int) error

	// GPU telemetry
	UpsertGPUState(ctx context.Context, g *types.GPUState) error
	GetGPUState(ctx context.Context, hostID, gpuID string) (*types.GPUState, error)
	ListGPUStatesByHost(ctx context.Context, hostID string) ([]*types.GPUState, error)
	// AdjustGPUActiveWorkers applies delta to the soft counter, floored
	// at zero.
	AdjustGPUActiveWorkers(ctx context.Context, hostID, gpuID string, delta int) error

	// Image allowlist
	CreateWorkerImage(ctx context.Context, w *types.WorkerImage) error
	GetWorkerImage(ctx context.Context, name, tag string) (*types.WorkerImage, error)
	ListWorkerImages(ctx context.Context) ([]*types.WorkerImage, error)
	UpdateWorkerImage(ctx context.Context, w *types.WorkerImage) error

	// Container log-collection allowlist
	UpsertAllowedContainer(ctx context.Context, c *types.AllowedContainer) error
	ListAllowedContainers(ctx context.Context) ([]*types.AllowedContainer, error)

	// Worker audit trail, append-only
	CreateWorkerAudit(ctx context.Context, a *types.WorkerAudit) error
	ListWorkerAuditsByRun(ctx context.Context, runID string) ([]*types.WorkerAudit, error)

	// Agent runs
	CreateAgentRun(ctx context.Context, a *types.AgentRun) error
	GetAgentRun(ctx context.Context, id string) (*types.AgentRun, error)
	ListAgentRuns(ctx context.Context) ([]*types.AgentRun, error)
	UpdateAgentRun(ctx context.Context, a *types.AgentRun) error
	// ClaimAgentRuns claims pending agent runs, plus running ones whose
	// executor claim expired (crashed executor takeover).
	ClaimAgentRuns(ctx context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.AgentRun, error)
	// ExtendAgentClaim renews the lease between steps; returns
	// types.ErrClaimLost if another claimant took over.
	ExtendAgentClaim(ctx context.Context, agentRunID, claimant string, ttl time.Duration, now time.Time) error

	// Agent steps. CreateAgentStep runs the guardrail check on inputs.
	CreateAgentStep(ctx context.Context, s *types.AgentStep) error
	UpdateAgentStep(ctx context.Context, s *types.AgentStep) error
	ListAgentSteps(ctx context.Context, agentRunID string) ([]*types.AgentStep, error)

	// Notification targets and delivery records
	CreateNotificationTarget(ctx context.Context, t *types.NotificationTarget) error
	ListNotificationTargets(ctx context.Context) ([]*types.NotificationTarget, error)
	CreateRunNotification(ctx context.Context, n *types.RunNotification) error
	UpdateRunNotification(ctx context.Context, n *types.RunNotification) error
	ListRunNotificationsByRun(ctx context.Context, runID string) ([]*types.RunNotification, error)

	// Utility
	Close() error
}
