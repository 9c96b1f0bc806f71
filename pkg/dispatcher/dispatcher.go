package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/clock"
	"github.com/calyptra/drover/pkg/events"
	"github.com/calyptra/drover/pkg/hosts"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/metrics"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/tasks"
	"github.com/calyptra/drover/pkg/types"
)

const (
	DefaultTickInterval = 5 * time.Second
	DefaultClaimTTL     = 2 * time.Minute
	DefaultBatchSize    = 10
)

// Config tunes the dispatcher loop. Zero values take defaults.
type Config struct {
	TickInterval time.Duration
	ClaimTTL     time.Duration
	BatchSize    int
	Claimant     string
}

// Dispatcher drains the job queue: it claims queue items under a TTL
// lease, executes the job's task, and keeps the Run aggregate current.
type Dispatcher struct {
	store    storage.Store
	registry *tasks.Registry
	hosts    *hosts.Registry
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(store storage.Store, registry *tasks.Registry, hostRegistry *hosts.Registry, broker *events.Broker, cfg Config) *Dispatcher {
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
	return &Dispatcher{
		store:    store,
		registry: registry,
		hosts:    hostRegistry,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("dispatcher").With().Str("claimant", cfg.Claimant).Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info().
		Dur("tick_interval", d.cfg.TickInterval).
		Dur("claim_ttl", d.cfg.ClaimTTL).
		Msg("dispatcher started")
}

// Stop halts the loop after the current tick completes.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ClaimTTL)
			if err := d.Tick(ctx, time.Now()); err != nil {
				d.logger.Error().Err(err).Msg("dispatcher tick failed")
			}
			cancel()
		}
	}
}

// Tick claims a batch of queue items and works through them.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatcherTickDuration)

	items, err := d.store.ClaimQueueItems(ctx, d.cfg.Claimant, d.cfg.ClaimTTL, now, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim queue items: %w", err)
	}
	metrics.QueueItemsClaimed.Add(float64(len(items)))

	for _, item := range items {
		if err := d.process(ctx, item, now); err != nil {
			d.logger.Error().Err(err).
				Str("queue_item_id", item.ID).
				Str("job_id", item.JobID).
				Msg("failed to process queue item")
		}
	}
	return nil
}

func (d *Dispatcher) process(ctx context.Context, item *types.JobQueueItem, now time.Time) error {
	job, err := d.store.GetJob(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	// A claim reclaimed after a crash may point at a job that already
	// finished; just settle the queue item.
	if job.Status.Terminal() {
		return d.settle(ctx, item, job, now)
	}

	run, err := d.store.GetRun(ctx, item.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}

	if run.Status == types.RunPending {
		if err := d.startRun(ctx, run, now); err != nil {
			if errors.Is(err, types.ErrNoHostAvailable) {
				// Put the item back; a later tick retries once a host
				// becomes available.
				return d.requeue(ctx, item, err, now)
			}
			return err
		}
	}

	item.Status = types.QueueRunning
	item.UpdatedAt = now
	if err := d.store.UpdateQueueItem(ctx, item); err != nil {
		return err
	}

	d.execute(ctx, run, job, now)
	if err := d.settle(ctx, item, job, now); err != nil {
		return err
	}
	return d.UpdateRunAggregate(ctx, run.ID)
}

// startRun transitions a pending run to running and pins it to a host.
func (d *Dispatcher) startRun(ctx context.Context, run *types.Run, now time.Time) error {
	if run.WorkerHostID == "" {
		host, err := d.hosts.Select(ctx, run.TargetHostID, false, now)
		if err != nil {
			return err
		}
		run.WorkerHostID = host.ID
		if err := d.store.AdjustHostActiveRuns(ctx, host.ID, 1); err != nil {
			d.logger.Error().Err(err).Str("host_id", host.ID).Msg("failed to bump host active runs")
		}
	}
	run.Status = types.RunRunning
	run.StartedAt = now
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	d.publishRun(events.EventRunStarted, run)
	return nil
}

// execute runs the task for a job and records its outcome on the job
// row. Task errors become job failures, not dispatcher errors.
func (d *Dispatcher) execute(ctx context.Context, run *types.Run, job *types.Job, now time.Time) {
	job.Status = types.JobRunning
	job.StartedAt = &now
	if err := d.store.UpdateJob(ctx, job); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job running")
	}
	d.publishJob(events.EventJobStarted, run, job)

	var result map[string]any
	task, err := d.registry.Get(job.TaskKey)
	if err == nil {
		result, err = task.Execute(ctx, run, job)
	}

	ended := time.Now()
	job.EndedAt = &ended
	if err != nil {
		job.Status = types.JobFailed
		job.ErrorMessage = err.Error()
		metrics.JobsExecuted.WithLabelValues(job.TaskKey, "failure").Inc()
		d.logger.Warn().Err(err).
			Str("job_id", job.ID).
			Str("task_key", job.TaskKey).
			Msg("job failed")
	} else {
		job.Status = types.JobSuccess
		job.Result = result
		metrics.JobsExecuted.WithLabelValues(job.TaskKey, "success").Inc()
	}
	if uerr := d.store.UpdateJob(ctx, job); uerr != nil {
		d.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("failed to record job outcome")
	}
	d.publishJob(events.EventJobFinished, run, job)
}

// settle moves the queue item to its final state and drops the claim.
func (d *Dispatcher) settle(ctx context.Context, item *types.JobQueueItem, job *types.Job, now time.Time) error {
	if job.Status == types.JobFailed {
		item.Status = types.QueueFailed
		item.LastError = job.ErrorMessage
	} else {
		item.Status = types.QueueCompleted
	}
	item.ClaimedBy = ""
	item.ClaimedUntil = nil
	item.UpdatedAt = now
	return d.store.UpdateQueueItem(ctx, item)
}

// requeue releases a claimed item back to pending after a transient
// obstacle.
func (d *Dispatcher) requeue(ctx context.Context, item *types.JobQueueItem, cause error, now time.Time) error {
	item.Status = types.QueuePending
	item.ClaimedBy = ""
	item.ClaimedUntil = nil
	item.LastError = cause.Error()
	item.UpdatedAt = now
	return d.store.UpdateQueueItem(ctx, item)
}

// ExecuteTaskRun creates a single-job run for taskKey and drives it
// through the normal pipeline synchronously. The agent executor uses
// this for task_call steps so they share host selection, execution and
// aggregation with scheduled runs.
func (d *Dispatcher) ExecuteTaskRun(ctx context.Context, directive types.DirectiveSnapshot, taskKey string, now time.Time) (*types.Run, error) {
	run := &types.Run{
		ID:        uuid.New().String(),
		Directive: directive,
		Status:    types.RunPending,
		StartedAt: now,
		CreatedAt: now,
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	job := &types.Job{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		TaskKey:   taskKey,
		Status:    types.JobPending,
		CreatedAt: now,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	until := now.Add(d.cfg.ClaimTTL)
	item := &types.JobQueueItem{
		ID:           uuid.New().String(),
		JobID:        job.ID,
		RunID:        run.ID,
		Status:       types.QueuePending,
		ClaimedBy:    d.cfg.Claimant,
		ClaimedUntil: &until,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.CreateQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create queue item: %w", err)
	}
	d.publishRun(events.EventRunCreated, run)

	if err := d.process(ctx, item, now); err != nil {
		return run, err
	}
	return d.store.GetRun(ctx, run.ID)
}

// UpdateRunAggregate recomputes a run's status from its jobs:
// running wins, then pending, then the failed/success mix. On a
// terminal transition the run's ended_at becomes the latest job
// ended_at, tokens are summed from the ledger, and the host's active
// runs counter is returned.
func (d *Dispatcher) UpdateRunAggregate(ctx context.Context, runID string) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	jobs, err := d.store.ListJobsByRun(ctx, runID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	var running, pending, failed, success int
	var latestEnd *time.Time
	for _, j := range jobs {
		switch j.Status {
		case types.JobRunning:
			running++
		case types.JobPending:
			pending++
		case types.JobFailed:
			failed++
		case types.JobSuccess:
			success++
		}
		if j.EndedAt != nil && (latestEnd == nil || j.EndedAt.After(*latestEnd)) {
			latestEnd = j.EndedAt
		}
	}

	var status types.RunStatus
	switch {
	case running > 0:
		status = types.RunRunning
	case pending > 0:
		status = types.RunPending
	case failed > 0 && success > 0:
		status = types.RunPartial
	case failed > 0:
		status = types.RunFailed
	default:
		status = types.RunSuccess
	}

	if status == run.Status {
		return nil
	}
	run.Status = status

	if status.Terminal() {
		run.EndedAt = latestEnd
		if usage, terr := d.store.SumTokensByRun(ctx, runID); terr == nil {
			run.Tokens = usage
		}
		if run.WorkerHostID != "" {
			if aerr := d.store.AdjustHostActiveRuns(ctx, run.WorkerHostID, -1); aerr != nil {
				d.logger.Error().Err(aerr).Str("host_id", run.WorkerHostID).Msg("failed to drop host active runs")
			}
		}
	}
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if status.Terminal() {
		d.publishRun(events.EventRunFinished, run)
		d.logger.Info().
			Str("run_id", run.ID).
			Str("status", string(status)).
			Int("total_tokens", run.Tokens.TotalTokens).
			Msg("run finished")
	}
	return nil
}

func (d *Dispatcher) publishRun(eventType events.EventType, run *types.Run) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"run_id": run.ID,
			"status": string(run.Status),
		},
	})
}

func (d *Dispatcher) publishJob(eventType events.EventType, run *types.Run, job *types.Job) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"run_id":   run.ID,
			"job_id":   job.ID,
			"task_key": job.TaskKey,
			"status":   string(job.Status),
		},
	})
}
