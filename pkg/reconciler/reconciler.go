package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/metrics"
)

const (
	DefaultTickInterval = time.Minute

	// Failed notifications are retried once they are at least
	// DefaultRetryMinAge old, scanning runs created inside
	// DefaultRetryWindow.
	DefaultRetryMinAge = 10 * time.Minute
	DefaultRetryWindow = 24 * time.Hour
)

// OrphanCleaner removes exited worker containers and returns their GPU
// slots. The worker orchestrator implements it.
type OrphanCleaner interface {
	CleanupOrphans(ctx context.Context) error
}

// NotificationRetrier re-attempts failed notification deliveries. The
// notification sink implements it.
type NotificationRetrier interface {
	RetryFailed(ctx context.Context, minAge, window time.Duration) (int, error)
}

// Config tunes the housekeeping loop. Zero values take defaults.
type Config struct {
	TickInterval time.Duration
	RetryMinAge  time.Duration
	RetryWindow  time.Duration
}

// Reconciler is the periodic housekeeping loop: it sweeps orphaned
// worker containers off the hosts and retries failed notification
// deliveries. Both sweeps are level-triggered; a missed tick is made
// up by the next one.
type Reconciler struct {
	workers  OrphanCleaner
	notifier NotificationRetrier
	cfg      Config
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reconciler.
func New(workers OrphanCleaner, notifier NotificationRetrier, cfg Config) *Reconciler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RetryMinAge <= 0 {
		cfg.RetryMinAge = DefaultRetryMinAge
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = DefaultRetryWindow
	}
	return &Reconciler{
		workers:  workers,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info().
		Dur("tick_interval", r.cfg.TickInterval).
		Msg("reconciler started")
}

// Stop halts the loop after the current tick completes.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info().Msg("reconciler stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TickInterval)
			if err := r.Tick(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconcile tick failed")
			}
			cancel()
		}
	}
}

// Tick performs one housekeeping pass. Sweep failures are logged and
// never abort the other sweeps.
func (r *Reconciler) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileTickDuration)

	if r.workers != nil {
		if err := r.workers.CleanupOrphans(ctx); err != nil {
			r.logger.Error().Err(err).Msg("orphan cleanup failed")
		}
	}

	if r.notifier != nil {
		retried, err := r.notifier.RetryFailed(ctx, r.cfg.RetryMinAge, r.cfg.RetryWindow)
		if err != nil {
			r.logger.Error().Err(err).Msg("notification retry sweep failed")
		} else if retried > 0 {
			r.logger.Info().Int("retried", retried).Msg("retried failed notifications")
		}
	}

	return nil
}
