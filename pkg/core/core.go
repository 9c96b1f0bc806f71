package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/agent"
	"github.com/calyptra/drover/pkg/clock"
	"github.com/calyptra/drover/pkg/hosts"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/scheduler"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// Agent budget defaults applied when a launch request leaves them zero.
const (
	DefaultAgentMaxSteps      = 10
	DefaultAgentTimeBudgetMin = 30
	DefaultAgentTokenBudget   = 50000
)

// Service is the operations surface an API layer calls. It owns no
// loops; the scheduler, dispatcher and agent executor run separately.
type Service struct {
	store     storage.Store
	hosts     *hosts.Registry
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
}

// NewService creates the operations service.
func NewService(store storage.Store, hostRegistry *hosts.Registry, sched *scheduler.Scheduler) *Service {
	return &Service{
		store:     store,
		hosts:     hostRegistry,
		scheduler: sched,
		logger:    log.WithComponent("core"),
	}
}

// CreateScheduleInput carries the create_schedule parameters.
type CreateScheduleInput struct {
	Name            string
	TaskKey         string
	Kind            types.ScheduleKind
	IntervalMinutes int
	CronExpr        string
	Timezone        string
	FireAt          *time.Time
	MaxGlobal       int
	MaxPerJob       int
	DirectiveID     string
	CustomDirective string
}

// CreateSchedule validates the input, computes the initial next_fire_at
// and persists the schedule enabled.
func (s *Service) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*types.Schedule, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: schedule name is required", types.ErrValidation)
	}
	if strings.TrimSpace(in.TaskKey) == "" {
		return nil, fmt.Errorf("%w: task key is required", types.ErrValidation)
	}
	if _, err := s.store.GetJobTemplateByTaskKey(ctx, in.TaskKey); err != nil {
		return nil, fmt.Errorf("%w: unknown task key %q", types.ErrValidation, in.TaskKey)
	}
	switch in.Kind {
	case types.ScheduleInterval:
		if in.IntervalMinutes <= 0 {
			return nil, fmt.Errorf("%w: interval schedule needs a positive interval", types.ErrValidation)
		}
	case types.ScheduleCron:
		if err := clock.ValidateCron(in.CronExpr); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
		}
	case types.ScheduleOneShot:
		if in.FireAt == nil {
			return nil, fmt.Errorf("%w: one_shot schedule needs fire_at", types.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown schedule kind %q", types.ErrValidation, in.Kind)
	}
	if in.DirectiveID != "" {
		if _, err := s.store.GetDirective(ctx, in.DirectiveID); err != nil {
			return nil, fmt.Errorf("directive %s: %w", in.DirectiveID, err)
		}
	}

	now := time.Now()
	sched := &types.Schedule{
		ID:              uuid.New().String(),
		Name:            in.Name,
		TaskKey:         in.TaskKey,
		DirectiveID:     in.DirectiveID,
		CustomDirective: in.CustomDirective,
		Kind:            in.Kind,
		IntervalMinutes: in.IntervalMinutes,
		CronExpr:        in.CronExpr,
		Timezone:        in.Timezone,
		FireAt:          in.FireAt,
		Enabled:         true,
		MaxGlobal:       in.MaxGlobal,
		MaxPerJob:       in.MaxPerJob,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	next, err := clock.NextFire(sched, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	sched.NextFireAt = next

	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("schedule_id", sched.ID).
		Str("name", sched.Name).
		Str("kind", string(sched.Kind)).
		Msg("schedule created")
	return sched, nil
}

// LaunchRun creates an ad-hoc run for the directive. Host availability
// is checked first so no Run row exists when nothing can serve it.
func (s *Service) LaunchRun(ctx context.Context, directiveID string, taskKeys []string, targetHostID string) (*types.Run, error) {
	now := time.Now()
	if _, err := s.hosts.Select(ctx, targetHostID, false, now); err != nil {
		return nil, err
	}

	directive, err := s.store.GetDirective(ctx, directiveID)
	if err != nil {
		return nil, fmt.Errorf("directive %s: %w", directiveID, err)
	}
	snapshot := directive.Snapshot()

	if len(taskKeys) == 0 {
		taskKeys = snapshot.TaskList
	}
	if len(taskKeys) == 0 {
		return nil, fmt.Errorf("%w: no tasks to run", types.ErrValidation)
	}

	run := &types.Run{
		ID:           uuid.New().String(),
		Directive:    snapshot,
		Status:       types.RunPending,
		Approval:     types.ApprovalNone,
		TargetHostID: targetHostID,
		StartedAt:    now,
		CreatedAt:    now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	for _, taskKey := range taskKeys {
		job := &types.Job{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			TaskKey:   taskKey,
			Status:    types.JobPending,
			CreatedAt: now,
		}
		if err := s.store.CreateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		if err := s.store.CreateQueueItem(ctx, &types.JobQueueItem{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			RunID:     run.ID,
			Status:    types.QueuePending,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("create queue item: %w", err)
		}
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("directive", snapshot.Name).
		Int("jobs", len(taskKeys)).
		Msg("run launched")
	return run, nil
}

// RunScheduleNow fires a schedule immediately, bypassing next_fire_at
// but honoring everything else the scheduler would: directive
// resolution, the run layout, and one_shot self-disabling. A disabled
// schedule cannot be fired, which keeps an already-fired one_shot at
// one run total.
func (s *Service) RunScheduleNow(ctx context.Context, scheduleID string) (*types.Run, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, err)
	}
	if !sched.Enabled {
		return nil, fmt.Errorf("%w: schedule %s is disabled", types.ErrIllegalTransition, scheduleID)
	}
	template, err := s.store.GetJobTemplateByTaskKey(ctx, sched.TaskKey)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", sched.TaskKey, err)
	}
	if !template.Active {
		return nil, fmt.Errorf("%w: job template for %s is inactive", types.ErrValidation, sched.TaskKey)
	}

	directive, err := s.scheduler.ResolveDirective(ctx, sched, template)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	run, err := s.scheduler.CreateRunForSchedule(ctx, sched, directive, now)
	if err != nil {
		return nil, err
	}

	sched.LastFireAt = &now
	sched.UpdatedAt = now
	if sched.Kind == types.ScheduleOneShot {
		sched.Enabled = false
		sched.NextFireAt = nil
	}
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return run, nil
}

// AgentLimits carries the launch_agent budget knobs. Zero values take
// the package defaults.
type AgentLimits struct {
	MaxSteps          int
	TimeBudgetMinutes int
	TokenBudget       int
}

// LaunchAgent plans an agent run for the goal and persists it with its
// steps. Directives requiring approval leave the run in
// pending_approval, which the executor never claims.
func (s *Service) LaunchAgent(ctx context.Context, goal, directiveID string, limits AgentLimits) (*types.AgentRun, []*types.AgentStep, error) {
	directive, err := s.store.GetDirective(ctx, directiveID)
	if err != nil {
		return nil, nil, fmt.Errorf("directive %s: %w", directiveID, err)
	}
	snapshot := directive.Snapshot()

	steps, err := agent.Plan(goal, snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("plan generation failed: %w", err)
	}
	if err := agent.ValidatePlan(steps, snapshot); err != nil {
		return nil, nil, fmt.Errorf("plan generation failed: %w", err)
	}

	if limits.MaxSteps <= 0 {
		limits.MaxSteps = DefaultAgentMaxSteps
	}
	if limits.TimeBudgetMinutes <= 0 {
		limits.TimeBudgetMinutes = DefaultAgentTimeBudgetMin
	}
	if limits.TokenBudget <= 0 {
		limits.TokenBudget = DefaultAgentTokenBudget
	}

	status := types.AgentPending
	if snapshot.ApprovalRequired {
		status = types.AgentPendingApproval
	}

	now := time.Now()
	run := &types.AgentRun{
		ID:                uuid.New().String(),
		OperatorGoal:      goal,
		Directive:         snapshot,
		Status:            status,
		MaxSteps:          limits.MaxSteps,
		TimeBudgetMinutes: limits.TimeBudgetMinutes,
		TokenBudget:       limits.TokenBudget,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateAgentRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create agent run: %w", err)
	}
	for _, step := range steps {
		step.ID = uuid.New().String()
		step.AgentRunID = run.ID
		step.CreatedAt = now
		if err := s.store.CreateAgentStep(ctx, step); err != nil {
			return nil, nil, fmt.Errorf("create agent step: %w", err)
		}
	}

	s.logger.Info().
		Str("agent_run_id", run.ID).
		Str("status", string(status)).
		Int("steps", len(steps)).
		Msg("agent launched")
	return run, steps, nil
}

// ApproveAgent releases a pending_approval run to the executor.
func (s *Service) ApproveAgent(ctx context.Context, id string) (*types.AgentRun, error) {
	run, err := s.store.GetAgentRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != types.AgentPendingApproval {
		return nil, fmt.Errorf("%w: agent run %s is %s", types.ErrIllegalTransition, id, run.Status)
	}
	run.Status = types.AgentPending
	run.UpdatedAt = time.Now()
	if err := s.store.UpdateAgentRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// CancelAgent requests cancellation. A run that has not started ends
// immediately; a running one is picked up at the executor's next
// budget check.
func (s *Service) CancelAgent(ctx context.Context, id string) (*types.AgentRun, error) {
	run, err := s.store.GetAgentRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("%w: agent run %s already %s", types.ErrIllegalTransition, id, run.Status)
	}

	now := time.Now()
	wasIdle := run.Status == types.AgentPending || run.Status == types.AgentPendingApproval
	run.Status = types.AgentCancelled
	run.UpdatedAt = now
	if wasIdle {
		run.EndedAt = &now
	}
	if err := s.store.UpdateAgentRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info().Str("agent_run_id", id).Msg("agent cancellation requested")
	return run, nil
}

// RunReport is the structural report of a run.
type RunReport struct {
	Markdown    string
	JSON        map[string]any
	TotalTokens int
}

// GetRunReport returns the run's persisted report fields.
func (s *Service) GetRunReport(ctx context.Context, runID string) (*RunReport, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunReport{
		Markdown:    run.ReportMarkdown,
		JSON:        run.ReportJSON,
		TotalTokens: run.Tokens.TotalTokens,
	}, nil
}

// SinceReport summarizes activity since the last successful run.
type SinceReport struct {
	LastSuccess *types.Run
	RunsSince   []*types.Run
}

// SinceLastSuccess finds the most recent successful run and every run
// created after it finished. With no successful run yet, both fields
// are empty.
func (s *Service) SinceLastSuccess(ctx context.Context) (*SinceReport, error) {
	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	var last *types.Run
	for _, r := range runs {
		if r.Status != types.RunSuccess || r.EndedAt == nil {
			continue
		}
		if last == nil || r.EndedAt.After(*last.EndedAt) {
			last = r
		}
	}
	if last == nil {
		return &SinceReport{}, nil
	}

	since, err := s.store.ListRunsSince(ctx, *last.EndedAt)
	if err != nil {
		return nil, err
	}
	report := &SinceReport{LastSuccess: last}
	for _, r := range since {
		if r.ID == last.ID {
			continue
		}
		report.RunsSince = append(report.RunsSince, r)
	}
	return report, nil
}
