package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// ServiceMap enumerates enabled allowlisted containers into a JSON
// topology artifact.
type ServiceMap struct {
	store    storage.Store
	logsRoot string
}

// NewServiceMap creates the service map task.
func NewServiceMap(store storage.Store, logsRoot string) *ServiceMap {
	return &ServiceMap{store: store, logsRoot: logsRoot}
}

func (t *ServiceMap) Key() string { return types.TaskServiceMap }

// Execute writes services.json from the container allowlist. Disabled
// entries are excluded; an empty allowlist still produces a map.
func (t *ServiceMap) Execute(ctx context.Context, run *types.Run, job *types.Job) (map[string]any, error) {
	containers, err := t.store.ListAllowedContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list allowed containers: %w", err)
	}

	var services []map[string]any
	for _, c := range containers {
		if !c.Enabled {
			continue
		}
		services = append(services, map[string]any{
			"container_id": c.ContainerID,
			"name":         c.Name,
			"description":  c.Description,
		})
	}

	status := "success"
	if len(services) == 0 {
		status = "no_services_available"
	}
	serviceMap := map[string]any{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"service_count": len(services),
		"services":      services,
		"status":        status,
	}

	content, err := json.MarshalIndent(serviceMap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode service map: %w", err)
	}
	if _, err := writeArtifact(ctx, t.store, t.logsRoot, run.ID, "services.json", types.ArtifactJSON, "application/json", content); err != nil {
		return nil, err
	}

	return map[string]any{
		"service_count": len(services),
		"status":        status,
	}, nil
}
