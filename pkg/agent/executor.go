package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
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
	DefaultTickInterval = 10 * time.Second
	DefaultClaimTTL     = 5 * time.Minute
	DefaultBatchSize    = 5

	stepAttempts   = 3
	stepRetryDelay = 2 * time.Second
)

// TaskRunner executes a single task as a Run through the job pipeline.
// The dispatcher satisfies this.
type TaskRunner interface {
	ExecuteTaskRun(ctx context.Context, directive types.DirectiveSnapshot, taskKey string, now time.Time) (*types.Run, error)
}

// Config tunes the executor loop. Zero values take defaults.
type Config struct {
	TickInterval time.Duration
	ClaimTTL     time.Duration
	BatchSize    int
	Claimant     string

	// RetryDelay overrides the pause between step attempts.
	RetryDelay time.Duration
}

// Executor claims agent runs under a TTL lease and walks their step
// plans under the wall-time, step-count and token budgets.
type Executor struct {
	store  storage.Store
	runner TaskRunner
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewExecutor creates an agent executor.
func NewExecutor(store storage.Store, runner TaskRunner, broker *events.Broker, cfg Config) *Executor {
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
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = stepRetryDelay
	}
	return &Executor{
		store:  store,
		runner: runner,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("agent").With().Str("claimant", cfg.Claimant).Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the tick loop.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.run()
	e.logger.Info().
		Dur("tick_interval", e.cfg.TickInterval).
		Dur("claim_ttl", e.cfg.ClaimTTL).
		Msg("agent executor started")
}

// Stop halts the loop after the current tick completes.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info().Msg("agent executor stopped")
}

func (e *Executor) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.Tick(context.Background(), time.Now()); err != nil {
				e.logger.Error().Err(err).Msg("agent tick failed")
			}
		}
	}
}

// Tick claims eligible agent runs and executes each to its next stop
// point. Runs awaiting approval are never claimed; a cancelled run is
// observed at its next budget check.
func (e *Executor) Tick(ctx context.Context, now time.Time) error {
	claimed, err := e.store.ClaimAgentRuns(ctx, e.cfg.Claimant, e.cfg.ClaimTTL, now, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim agent runs: %w", err)
	}
	for _, a := range claimed {
		if err := e.execute(ctx, a, now); err != nil {
			e.logger.Error().Err(err).Str("agent_run_id", a.ID).Msg("agent run execution failed")
		}
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, a *types.AgentRun, now time.Time) error {
	if a.Status == types.AgentPending {
		a.Status = types.AgentRunning
		if a.StartedAt == nil {
			a.StartedAt = &now
		}
		if err := e.store.UpdateAgentRun(ctx, a); err != nil {
			return err
		}
		e.publish(events.EventAgentStarted, a)
	}

	steps, err := e.store.ListAgentSteps(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	for {
		// Cancellation is an external status write; reload before the
		// budget checks so it takes effect between steps.
		fresh, err := e.store.GetAgentRun(ctx, a.ID)
		if err != nil {
			return err
		}
		a = fresh

		checkNow := time.Now()
		if a.CurrentStep >= len(steps) || a.CurrentStep >= a.MaxSteps {
			return e.finish(ctx, a, types.AgentCompleted, "", checkNow)
		}
		// A zero budget is spent immediately, not unlimited; operator
		// inputs are defaulted before the run is created.
		if a.Elapsed(checkNow) > time.Duration(a.TimeBudgetMinutes)*time.Minute {
			return e.finish(ctx, a, types.AgentTimeout, "time budget exhausted", checkNow)
		}
		if a.TokensUsed >= a.TokenBudget {
			return e.finish(ctx, a, types.AgentExpired, "token budget exhausted", checkNow)
		}
		if a.Status == types.AgentCancelled {
			return e.finish(ctx, a, types.AgentCancelled, "", checkNow)
		}

		step := steps[a.CurrentStep]
		if err := e.runStep(ctx, a, step); err != nil {
			return e.finish(ctx, a, types.AgentFailed,
				fmt.Sprintf("step %d failed: %v", step.StepIndex, err), time.Now())
		}

		// Renew the lease before writing progress; a lost claim means
		// another instance owns the run and this one must not touch it.
		if err := e.store.ExtendAgentClaim(ctx, a.ID, e.cfg.Claimant, e.cfg.ClaimTTL, time.Now()); err != nil {
			if errors.Is(err, types.ErrClaimLost) {
				e.logger.Warn().Str("agent_run_id", a.ID).Msg("agent claim lost, yielding")
				return nil
			}
			return err
		}
		// Re-read before writing progress so a concurrent status change,
		// cancellation in particular, survives the update.
		latest, err := e.store.GetAgentRun(ctx, a.ID)
		if err != nil {
			return err
		}
		latest.CurrentStep = a.CurrentStep + 1
		latest.TokensUsed = a.TokensUsed
		if err := e.store.UpdateAgentRun(ctx, latest); err != nil {
			return err
		}
		a = latest
	}
}

// runStep executes one step with a bounded retry. The retry covers
// transient failures such as no host being available yet.
func (e *Executor) runStep(ctx context.Context, a *types.AgentRun, step *types.AgentStep) error {
	started := time.Now()
	step.Status = types.StepRunning
	step.StartedAt = &started
	if err := e.store.UpdateAgentStep(ctx, step); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= stepAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(e.cfg.RetryDelay):
			}
			if lastErr != nil {
				break
			}
		}
		lastErr = e.performStep(ctx, a, step)
		if lastErr == nil {
			break
		}
		e.logger.Warn().Err(lastErr).
			Str("agent_run_id", a.ID).
			Int("step_index", step.StepIndex).
			Int("attempt", attempt).
			Msg("agent step attempt failed")
	}

	ended := time.Now()
	step.EndedAt = &ended
	if lastErr != nil {
		step.Status = types.StepFailed
		step.ErrorMessage = lastErr.Error()
		metrics.AgentStepsExecuted.WithLabelValues("failure").Inc()
	} else {
		step.Status = types.StepSuccess
		metrics.AgentStepsExecuted.WithLabelValues("success").Inc()
	}
	if uerr := e.store.UpdateAgentStep(ctx, step); uerr != nil {
		return uerr
	}
	return lastErr
}

func (e *Executor) performStep(ctx context.Context, a *types.AgentRun, step *types.AgentStep) error {
	switch step.Type {
	case types.StepTaskCall:
		return e.performTaskCall(ctx, a, step)
	case types.StepWait:
		return e.performWait(ctx, step)
	case types.StepDecision, types.StepNotify:
		// Reserved step kinds; recorded but inert.
		return nil
	default:
		return fmt.Errorf("%w: unknown step type %q", types.ErrValidation, step.Type)
	}
}

// performTaskCall launches a run for the step's task through the job
// pipeline and folds its token usage into the agent budget. Only the
// run id and artifact path land on the step; no content does.
func (e *Executor) performTaskCall(ctx context.Context, a *types.AgentRun, step *types.AgentStep) error {
	run, err := e.runner.ExecuteTaskRun(ctx, a.Directive, step.TaskKey, time.Now())
	if run != nil {
		step.RunID = run.ID
		step.OutputsRef = filepath.Join("runs", run.ID)
	}
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s not terminal after execution (status %s)", run.ID, run.Status)
	}

	// Accumulated in memory; persisted after the claim is renewed.
	a.TokensUsed += run.Tokens.TotalTokens

	if run.Status == types.RunFailed {
		return fmt.Errorf("task %s failed: %s", step.TaskKey, run.ErrorMessage)
	}
	return nil
}

func (e *Executor) performWait(ctx context.Context, step *types.AgentStep) error {
	seconds := 0
	if raw, ok := step.Inputs["seconds"]; ok {
		switch v := raw.(type) {
		case int:
			seconds = v
		case float64:
			seconds = int(v)
		}
	}
	if seconds <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(seconds) * time.Second):
		return nil
	}
}

// finish records the terminal status, stamps ended_at and releases the
// claim.
func (e *Executor) finish(ctx context.Context, a *types.AgentRun, status types.AgentStatus, errMsg string, now time.Time) error {
	a.Status = status
	a.EndedAt = &now
	if errMsg != "" {
		a.ErrorMessage = errMsg
	}
	a.ClaimedBy = ""
	a.ClaimedUntil = nil
	if err := e.store.UpdateAgentRun(ctx, a); err != nil {
		return err
	}

	metrics.AgentRunsFinished.WithLabelValues(string(status)).Inc()
	e.publish(events.EventAgentFinished, a)
	e.logger.Info().
		Str("agent_run_id", a.ID).
		Str("status", string(status)).
		Int("steps_executed", a.CurrentStep).
		Int("tokens_used", a.TokensUsed).
		Msg("agent run finished")
	return nil
}

func (e *Executor) publish(eventType events.EventType, a *types.AgentRun) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"agent_run_id": a.ID,
			"status":       string(a.Status),
		},
	})
}
