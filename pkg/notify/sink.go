package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/events"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/metrics"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// errorSummaryLimit caps stored and delivered error text.
const errorSummaryLimit = 1000

// Payload is the structural summary delivered for a finished run. It
// carries counts and identifiers only, never task output or LLM text.
type Payload struct {
	RunID         string
	Status        types.RunStatus
	DirectiveName string
	JobsTotal     int
	JobsCompleted int
	JobsFailed    int
	TotalTokens   int
	StartedAt     time.Time
	EndedAt       *time.Time
	ErrorSummary  string
}

// Sender delivers a payload to one target kind.
type Sender interface {
	Kind() types.NotificationKind
	Send(ctx context.Context, target *types.NotificationTarget, p *Payload) error
}

// Sink fans finished runs out to the enabled notification targets.
// Delivery is at most once per run and target; failures are recorded,
// not retried.
type Sink struct {
	store   storage.Store
	broker  *events.Broker
	senders map[types.NotificationKind]Sender
	logger  zerolog.Logger

	sub    events.Subscriber
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSink creates a sink with the given senders.
func NewSink(store storage.Store, broker *events.Broker, senders ...Sender) *Sink {
	byKind := make(map[types.NotificationKind]Sender, len(senders))
	for _, s := range senders {
		byKind[s.Kind()] = s
	}
	return &Sink{
		store:   store,
		broker:  broker,
		senders: byKind,
		logger:  log.WithComponent("notify"),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to run.finished events and delivers in the background.
func (s *Sink) Start() {
	s.sub = s.broker.Subscribe()
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Int("senders", len(s.senders)).Msg("notification sink started")
}

// Stop unsubscribes and waits for in-flight deliveries.
func (s *Sink) Stop() {
	close(s.stopCh)
	s.broker.Unsubscribe(s.sub)
	s.wg.Wait()
	s.logger.Info().Msg("notification sink stopped")
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			if ev.Type != events.EventRunFinished {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.NotifyRun(ctx, ev.Metadata["run_id"]); err != nil {
				s.logger.Error().Err(err).Str("run_id", ev.Metadata["run_id"]).Msg("notification dispatch failed")
			}
			cancel()
		}
	}
}

// NotifyRun delivers the run's structural summary to every enabled
// target, recording one RunNotification per attempt.
func (s *Sink) NotifyRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	targets, err := s.store.ListNotificationTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	payload, err := s.buildPayload(ctx, run)
	if err != nil {
		return err
	}

	for _, target := range targets {
		if !target.Enabled {
			continue
		}
		s.deliver(ctx, target, run, payload)
	}
	return nil
}

func (s *Sink) deliver(ctx context.Context, target *types.NotificationTarget, run *types.Run, p *Payload) {
	rec := &types.RunNotification{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		TargetID:  target.ID,
		Status:    types.NotificationPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateRunNotification(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to record notification")
		return
	}
	s.attempt(ctx, target, rec, p)
}

// attempt delivers one payload and records the outcome on rec.
func (s *Sink) attempt(ctx context.Context, target *types.NotificationTarget, rec *types.RunNotification, p *Payload) {
	var err error
	sender, ok := s.senders[target.Kind]
	if !ok {
		err = fmt.Errorf("%w: no sender for kind %q", types.ErrValidation, target.Kind)
	} else {
		err = sender.Send(ctx, target, p)
	}

	if err != nil {
		rec.Status = types.NotificationFailed
		rec.ErrorSummary = truncate(err.Error(), errorSummaryLimit)
		metrics.NotificationsSent.WithLabelValues(string(target.Kind), "failure").Inc()
		s.logger.Warn().Err(err).
			Str("run_id", rec.RunID).
			Str("target", target.Name).
			Msg("notification delivery failed")
	} else {
		sent := time.Now()
		rec.Status = types.NotificationSent
		rec.SentAt = &sent
		rec.ErrorSummary = ""
		metrics.NotificationsSent.WithLabelValues(string(target.Kind), "success").Inc()
		s.logger.Info().
			Str("run_id", rec.RunID).
			Str("target", target.Name).
			Msg("notification sent")
	}
	if uerr := s.store.UpdateRunNotification(ctx, rec); uerr != nil {
		s.logger.Error().Err(uerr).Str("run_id", rec.RunID).Msg("failed to record notification outcome")
	}
}

// RetryFailed re-attempts failed deliveries at least minAge old,
// scanning runs created inside the window. Records are retried in
// place so a run and target pair never accumulates duplicates.
func (s *Sink) RetryFailed(ctx context.Context, minAge, window time.Duration) (int, error) {
	targets, err := s.store.ListNotificationTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list targets: %w", err)
	}
	byID := make(map[string]*types.NotificationTarget, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	runs, err := s.store.ListRunsSince(ctx, time.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("list runs: %w", err)
	}

	retried := 0
	for _, run := range runs {
		if !run.Status.Terminal() {
			continue
		}
		recs, rerr := s.store.ListRunNotificationsByRun(ctx, run.ID)
		if rerr != nil {
			continue
		}
		var payload *Payload
		for _, rec := range recs {
			if rec.Status != types.NotificationFailed || time.Since(rec.CreatedAt) < minAge {
				continue
			}
			target := byID[rec.TargetID]
			if target == nil || !target.Enabled {
				continue
			}
			if payload == nil {
				payload, rerr = s.buildPayload(ctx, run)
				if rerr != nil {
					break
				}
			}
			s.attempt(ctx, target, rec, payload)
			retried++
		}
	}
	return retried, nil
}

func (s *Sink) buildPayload(ctx context.Context, run *types.Run) (*Payload, error) {
	jobs, err := s.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	p := &Payload{
		RunID:         run.ID,
		Status:        run.Status,
		DirectiveName: run.Directive.Name,
		JobsTotal:     len(jobs),
		TotalTokens:   run.Tokens.TotalTokens,
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
		ErrorSummary:  truncate(run.ErrorMessage, errorSummaryLimit),
	}
	for _, j := range jobs {
		switch j.Status {
		case types.JobSuccess:
			p.JobsCompleted++
		case types.JobFailed:
			p.JobsFailed++
		}
	}
	return p, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
