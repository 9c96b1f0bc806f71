package hosts

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// DefaultStaleThreshold is how long a host may go unseen before
// selection skips it.
const DefaultStaleThreshold = 2 * time.Minute

// Registry manages worker host records and host selection.
type Registry struct {
	store          storage.Store
	staleThreshold time.Duration
	logger         zerolog.Logger
}

// NewRegistry creates a host registry. A zero staleThreshold uses the
// default.
func NewRegistry(store storage.Store, staleThreshold time.Duration) *Registry {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Registry{
		store:          store,
		staleThreshold: staleThreshold,
		logger:         log.WithComponent("hosts"),
	}
}

// Register adds a worker host. Names are unique; hosts start enabled
// and unproven (healthy=false until the first probe).
func (r *Registry) Register(ctx context.Context, host *types.WorkerHost) error {
	if host.Name == "" {
		return fmt.Errorf("%w: host name is required", types.ErrValidation)
	}
	if host.Kind != types.HostLocalSocket && host.Kind != types.HostRemoteTCP {
		return fmt.Errorf("%w: unknown host kind %q", types.ErrValidation, host.Kind)
	}
	if host.BaseURL == "" {
		return fmt.Errorf("%w: host base url is required", types.ErrValidation)
	}
	if host.ID == "" {
		host.ID = uuid.New().String()
	}
	now := time.Now()
	host.CreatedAt = now
	host.UpdatedAt = now

	if err := r.store.CreateWorkerHost(ctx, host); err != nil {
		return fmt.Errorf("register host %s: %w", host.Name, err)
	}
	r.logger.Info().
		Str("host_id", host.ID).
		Str("name", host.Name).
		Str("kind", string(host.Kind)).
		Msg("worker host registered")
	return nil
}

// Heartbeat refreshes last_seen_at without probing the engine.
func (r *Registry) Heartbeat(ctx context.Context, hostID string, now time.Time) error {
	host, err := r.store.GetWorkerHost(ctx, hostID)
	if err != nil {
		return err
	}
	host.LastSeenAt = &now
	return r.store.UpdateWorkerHost(ctx, host)
}

// ListAvailable returns enabled, healthy, non-stale hosts, filtered to
// GPU-carrying hosts when requiresGPU is set.
func (r *Registry) ListAvailable(ctx context.Context, requiresGPU bool, now time.Time) ([]*types.WorkerHost, error) {
	all, err := r.store.ListWorkerHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}

	var out []*types.WorkerHost
	for _, h := range all {
		if !h.Enabled || !h.Healthy || h.IsStale(now, r.staleThreshold) {
			continue
		}
		if requiresGPU && !h.HasGPU() {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// Select picks a host for a run. An explicit target wins only while it
// is enabled, healthy and recently seen; otherwise the least loaded
// available host is chosen, ties broken by host id. Returns
// ErrNoHostAvailable when nothing qualifies.
func (r *Registry) Select(ctx context.Context, targetID string, requiresGPU bool, now time.Time) (*types.WorkerHost, error) {
	if targetID != "" {
		target, err := r.store.GetWorkerHost(ctx, targetID)
		if err == nil && target.Enabled && target.Healthy && !target.IsStale(now, r.staleThreshold) {
			return target, nil
		}
		r.logger.Warn().
			Str("target_host_id", targetID).
			Msg("target host not available, falling back to selection")
	}

	candidates, err := r.ListAvailable(ctx, requiresGPU, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, types.ErrNoHostAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ActiveRuns != candidates[j].ActiveRuns {
			return candidates[i].ActiveRuns < candidates[j].ActiveRuns
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}
