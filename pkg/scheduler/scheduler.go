package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/clock"
	"github.com/calyptra/drover/pkg/events"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/metrics"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

const (
	// deferBackoff is the fixed re-check delay when the concurrency
	// gate rejects a due schedule.
	deferBackoff = 60 * time.Second

	DefaultTickInterval = 15 * time.Second
	DefaultClaimTTL     = 2 * time.Minute
	DefaultBatchSize    = 10
)

// Config tunes the scheduler loop. Zero values take defaults; an empty
// Claimant uses hostname:pid.
type Config struct {
	TickInterval time.Duration
	ClaimTTL     time.Duration
	BatchSize    int
	Claimant     string
}

// Scheduler fires due schedules into Runs. Multiple instances may run
// concurrently; the schedule claim lease keeps each due schedule with
// exactly one instance per fire.
type Scheduler struct {
	store  storage.Store
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(store storage.Store, broker *events.Broker, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Claimant == "" {
		cfg.Claimant = clock.ClaimantID()
	}
	return &Scheduler{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("scheduler").With().Str("claimant", cfg.Claimant).Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().
		Dur("tick_interval", s.cfg.TickInterval).
		Dur("claim_ttl", s.cfg.ClaimTTL).
		Msg("scheduler started")
}

// Stop halts the loop after the current tick completes.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickInterval)
			if err := s.Tick(ctx, time.Now()); err != nil {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			}
			cancel()
		}
	}
}

// Tick performs one scheduler pass: host keep-alives, then claim and
// fire due schedules. Exported for tests and one-shot CLI invocation.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	s.heartbeatHosts(ctx, now)

	claimed, err := s.store.ClaimDueSchedules(ctx, s.cfg.Claimant, s.cfg.ClaimTTL, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim due schedules: %w", err)
	}
	metrics.SchedulesClaimed.Add(float64(len(claimed)))

	for _, schedule := range claimed {
		if err := s.fireClaimed(ctx, schedule, now); err != nil {
			s.logger.Error().Err(err).
				Str("schedule_id", schedule.ID).
				Str("schedule", schedule.Name).
				Msg("failed to fire schedule")
		}
	}
	return nil
}

// heartbeatHosts refreshes last_seen_at on every enabled host. The
// deep probe belongs to the host monitor; this keep-alive only stops
// the staleness sweep from demoting hosts in a single-process setup.
func (s *Scheduler) heartbeatHosts(ctx context.Context, now time.Time) {
	hosts, err := s.store.ListWorkerHosts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list hosts for heartbeat")
		return
	}
	for _, h := range hosts {
		if !h.Enabled {
			continue
		}
		h.LastSeenAt = &now
		if err := s.store.UpdateWorkerHost(ctx, h); err != nil {
			s.logger.Error().Err(err).Str("host_id", h.ID).Msg("host heartbeat failed")
		}
	}
}

// fireClaimed processes one claimed schedule and always releases the
// claim on exit.
func (s *Scheduler) fireClaimed(ctx context.Context, schedule *types.Schedule, now time.Time) error {
	defer func() {
		if err := s.store.ReleaseScheduleClaim(ctx, schedule.ID, s.cfg.Claimant); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to release schedule claim")
		}
	}()

	template, err := s.store.GetJobTemplateByTaskKey(ctx, schedule.TaskKey)
	if err != nil || !template.Active {
		schedule.Enabled = false
		schedule.UpdatedAt = now
		if uerr := s.store.UpdateSchedule(ctx, schedule); uerr != nil {
			return uerr
		}
		s.logger.Warn().
			Str("schedule_id", schedule.ID).
			Str("task_key", schedule.TaskKey).
			Msg("job template inactive, schedule disabled")
		return nil
	}

	if deferred, err := s.gate(ctx, schedule, now); err != nil {
		return err
	} else if deferred {
		return nil
	}

	directive, err := s.ResolveDirective(ctx, schedule, template)
	if err != nil {
		return err
	}

	if _, err := s.CreateRunForSchedule(ctx, schedule, directive, now); err != nil {
		return err
	}

	return s.advance(ctx, schedule, now)
}

// gate enforces the schedule's concurrency limits. A rejected schedule
// is deferred by a fixed backoff instead of firing.
func (s *Scheduler) gate(ctx context.Context, schedule *types.Schedule, now time.Time) (bool, error) {
	exceeded := false
	if schedule.MaxGlobal > 0 {
		global, err := s.store.CountRunningRuns(ctx)
		if err != nil {
			return false, fmt.Errorf("count running runs: %w", err)
		}
		exceeded = global >= schedule.MaxGlobal
	}
	if !exceeded && schedule.MaxPerJob > 0 {
		perTask, err := s.store.CountRunningRunsByTask(ctx, schedule.TaskKey)
		if err != nil {
			return false, fmt.Errorf("count running runs by task: %w", err)
		}
		exceeded = perTask >= schedule.MaxPerJob
	}
	if !exceeded {
		return false, nil
	}

	next := now.Add(deferBackoff)
	schedule.NextFireAt = &next
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		return false, err
	}
	metrics.SchedulesDeferred.Inc()
	s.logger.Info().
		Str("schedule_id", schedule.ID).
		Time("next_fire_at", next).
		Msg("concurrency gate deferred schedule")
	return true, nil
}

// ResolveDirective picks the schedule's explicit directive over the
// template default and snapshots it. An ad-hoc custom directive body
// becomes an anonymous snapshot.
func (s *Scheduler) ResolveDirective(ctx context.Context, schedule *types.Schedule, template *types.JobTemplate) (types.DirectiveSnapshot, error) {
	directiveID := schedule.DirectiveID
	if directiveID == "" {
		directiveID = template.DefaultDirectiveID
	}
	if directiveID != "" {
		d, err := s.store.GetDirective(ctx, directiveID)
		if err != nil {
			return types.DirectiveSnapshot{}, fmt.Errorf("resolve directive %s: %w", directiveID, err)
		}
		return d.Snapshot(), nil
	}
	return types.DirectiveSnapshot{
		Name:        "ad-hoc",
		Description: schedule.CustomDirective,
	}, nil
}

// CreateRunForSchedule creates the pending Run with one Job and queue
// item per task in the directive's task list (falling back to the
// schedule's own task key). Shared with the run-now operation.
func (s *Scheduler) CreateRunForSchedule(ctx context.Context, schedule *types.Schedule, directive types.DirectiveSnapshot, now time.Time) (*types.Run, error) {
	taskList := directive.TaskList
	if len(taskList) == 0 {
		taskList = []string{schedule.TaskKey}
	}

	run := &types.Run{
		ID:         uuid.New().String(),
		Directive:  directive,
		Status:     types.RunPending,
		Approval:   types.ApprovalNone,
		ScheduleID: schedule.ID,
		StartedAt:  now,
		CreatedAt:  now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	for _, taskKey := range taskList {
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
		item := &types.JobQueueItem{
			ID:        uuid.New().String(),
			JobID:     job.ID,
			RunID:     run.ID,
			Status:    types.QueuePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateQueueItem(ctx, item); err != nil {
			return nil, fmt.Errorf("create queue item: %w", err)
		}
	}

	metrics.SchedulesFired.Inc()
	s.publish(events.EventScheduleFired, schedule, run)
	s.publish(events.EventRunCreated, schedule, run)
	s.logger.Info().
		Str("schedule_id", schedule.ID).
		Str("run_id", run.ID).
		Int("jobs", len(taskList)).
		Msg("schedule fired")
	return run, nil
}

// advance moves the schedule past this fire: one_shot schedules
// disable themselves, recurring ones recompute next_fire_at.
func (s *Scheduler) advance(ctx context.Context, schedule *types.Schedule, now time.Time) error {
	schedule.LastFireAt = &now
	schedule.UpdatedAt = now

	if schedule.Kind == types.ScheduleOneShot {
		schedule.Enabled = false
		schedule.NextFireAt = nil
	} else {
		next, err := clock.NextFire(schedule, now)
		if err != nil {
			return fmt.Errorf("compute next fire: %w", err)
		}
		schedule.NextFireAt = next
	}
	return s.store.UpdateSchedule(ctx, schedule)
}

func (s *Scheduler) publish(eventType events.EventType, schedule *types.Schedule, run *types.Run) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"schedule_id": schedule.ID,
			"run_id":      run.ID,
			"task_key":    schedule.TaskKey,
		},
	})
}
