package hosts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/events"
	"github.com/calyptra/drover/pkg/health"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/runtime"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// Monitor keeps worker host health current. It runs a periodic engine
// probe per host and a staleness sweep that demotes hosts nobody has
// seen within the threshold.
type Monitor struct {
	store          storage.Store
	factory        runtime.Factory
	broker         *events.Broker
	probeInterval  time.Duration
	staleThreshold time.Duration
	probeConfig    health.Config
	logger         zerolog.Logger

	mu       sync.Mutex
	statuses map[string]*health.Status

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// MonitorConfig tunes the probe loop. Zero values take defaults.
type MonitorConfig struct {
	ProbeInterval  time.Duration
	StaleThreshold time.Duration
	// Retries is the consecutive probe failures before a host is
	// marked unhealthy.
	Retries int
}

// NewMonitor creates a host health monitor. The factory builds a
// runtime client per probe; tests swap in a fake.
func NewMonitor(store storage.Store, factory runtime.Factory, broker *events.Broker, cfg MonitorConfig) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	probeConfig := health.DefaultConfig()
	probeConfig.Interval = cfg.ProbeInterval
	if cfg.Retries > 0 {
		probeConfig.Retries = cfg.Retries
	}
	return &Monitor{
		store:          store,
		factory:        factory,
		broker:         broker,
		probeInterval:  cfg.ProbeInterval,
		staleThreshold: cfg.StaleThreshold,
		probeConfig:    probeConfig,
		logger:         log.WithComponent("host-monitor"),
		statuses:       make(map[string]*health.Status),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info().
		Dur("probe_interval", m.probeInterval).
		Dur("stale_threshold", m.staleThreshold).
		Msg("host monitor started")
}

// Stop halts the probe loop and waits for the current pass to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("host monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.probeInterval)
			m.Tick(ctx, time.Now())
			cancel()
		}
	}
}

// Tick probes every enabled host, then sweeps stale ones. Exported so
// CLI one-shot probing and tests can drive it directly.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	hosts, err := m.store.ListWorkerHosts(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list hosts for probe")
		return
	}

	for _, h := range hosts {
		if !h.Enabled {
			continue
		}
		if err := m.Probe(ctx, h, now); err != nil {
			m.logger.Error().Err(err).Str("host_id", h.ID).Msg("host probe error")
		}
	}

	m.SweepStale(ctx, now)
}

// Probe pings the host's container engine and folds the result into
// the host record. A successful probe refreshes last_seen_at and
// reconciles the active runs counter against actual running runs.
func (m *Monitor) Probe(ctx context.Context, host *types.WorkerHost, now time.Time) error {
	result := m.probe(ctx, host)

	status := m.status(host.ID)
	wasHealthy := status.Healthy
	status.Update(result, m.probeConfig)

	if result.Healthy {
		host.LastSeenAt = &now
		host.Healthy = true
		if count, err := m.countRunningRuns(ctx, host.ID); err == nil && count != host.ActiveRuns {
			m.logger.Debug().
				Str("host_id", host.ID).
				Int("counter", host.ActiveRuns).
				Int("actual", count).
				Msg("reconciling active runs counter")
			host.ActiveRuns = count
		}
	} else {
		host.Healthy = status.Healthy
	}
	if err := m.store.UpdateWorkerHost(ctx, host); err != nil {
		return err
	}

	if wasHealthy != status.Healthy {
		m.publishTransition(host, status.Healthy, result.Message)
	}
	return nil
}

func (m *Monitor) probe(ctx context.Context, host *types.WorkerHost) health.Result {
	// Remote engines reached directly over TCP get a cheap reachability
	// check before the engine client is built. Tunneled hosts dial
	// through SSH, where a raw TCP probe would test the wrong address.
	if host.Kind == types.HostRemoteTCP && host.SSH == nil {
		if addr := strings.TrimPrefix(host.BaseURL, "tcp://"); addr != host.BaseURL {
			if result := health.NewTCPChecker(addr).Check(ctx); !result.Healthy {
				return result
			}
		}
	}

	rt, err := m.factory(host)
	if err != nil {
		return health.Result{
			Healthy:   false,
			Message:   err.Error(),
			CheckedAt: time.Now(),
		}
	}
	defer rt.Close()

	return health.NewEngineChecker(rt).Check(ctx)
}

// SweepStale demotes healthy hosts whose last_seen_at fell behind the
// threshold. Probes failing for a while already demoted their hosts;
// the sweep catches hosts the probe loop never reaches.
func (m *Monitor) SweepStale(ctx context.Context, now time.Time) {
	hosts, err := m.store.ListWorkerHosts(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list hosts for staleness sweep")
		return
	}

	for _, h := range hosts {
		if !h.Healthy || !h.IsStale(now, m.staleThreshold) {
			continue
		}
		h.Healthy = false
		if err := m.store.UpdateWorkerHost(ctx, h); err != nil {
			m.logger.Error().Err(err).Str("host_id", h.ID).Msg("failed to demote stale host")
			continue
		}
		m.logger.Warn().
			Str("host_id", h.ID).
			Str("name", h.Name).
			Msg("host marked unhealthy, last_seen_at stale")
		m.publishTransition(h, false, "stale last_seen_at")
	}
}

func (m *Monitor) countRunningRuns(ctx context.Context, hostID string) (int, error) {
	runs, err := m.store.ListRuns(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range runs {
		if r.Status == types.RunRunning && r.WorkerHostID == hostID {
			count++
		}
	}
	return count, nil
}

func (m *Monitor) status(hostID string) *health.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[hostID]
	if !ok {
		s = health.NewStatus()
		m.statuses[hostID] = s
	}
	return s
}

func (m *Monitor) publishTransition(host *types.WorkerHost, healthy bool, message string) {
	if m.broker == nil {
		return
	}
	eventType := events.EventHostUnhealthy
	if healthy {
		eventType = events.EventHostHealthy
	}
	m.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Metadata: map[string]string{
			"host_id":   host.ID,
			"host_name": host.Name,
		},
	})
}
