// drover-migrate applies the database schema and optionally seeds the
// operational tables (worker hosts, image allowlist, job templates,
// directives, notification targets) from a YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

var (
	seedPath = flag.String("seed", "", "YAML seed file applied after migration")
	down     = flag.Bool("down", false, "Roll back the last migration instead of migrating up")
	dryRun   = flag.Bool("dry-run", false, "Parse and report the seed file without writing")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("Drover Database Migration Tool")
	log.Println("==============================")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *down {
		if err := storage.MigrateDown(ctx, dbURL); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("✓ Rolled back one migration")
		return
	}

	if err := storage.Migrate(ctx, dbURL); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✓ Schema is up to date")

	if *seedPath == "" {
		return
	}

	seed, err := loadSeed(*seedPath)
	if err != nil {
		log.Fatalf("Failed to load seed file: %v", err)
	}
	log.Printf("Seed: %d hosts, %d images, %d containers, %d templates, %d directives, %d notification targets",
		len(seed.WorkerHosts), len(seed.WorkerImages), len(seed.AllowedContainers),
		len(seed.JobTemplates), len(seed.Directives), len(seed.NotificationTargets))

	if *dryRun {
		log.Println("Dry run completed. No changes made.")
		return
	}

	store, err := storage.NewPostgresStore(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer store.Close()

	if err := applySeed(ctx, store, seed); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Println("✓ Seed applied")
}

// seedFile mirrors the YAML layout. Entries already present (by their
// natural key) are skipped, so re-running the tool is safe.
type seedFile struct {
	WorkerHosts []struct {
		Name    string                 `yaml:"name"`
		Kind    string                 `yaml:"kind"`
		BaseURL string                 `yaml:"base_url"`
		Enabled bool                   `yaml:"enabled"`
		SSH     *types.SSHTunnelConfig `yaml:"ssh,omitempty"`
		GPUs    int                    `yaml:"gpu_count,omitempty"`
	} `yaml:"worker_hosts"`

	WorkerImages []struct {
		Name        string `yaml:"name"`
		Tag         string `yaml:"tag"`
		Description string `yaml:"description,omitempty"`
		Active      bool   `yaml:"active"`
		RequiresGPU bool   `yaml:"requires_gpu,omitempty"`
		MinVRAMMB   int    `yaml:"min_vram_mb,omitempty"`
	} `yaml:"worker_images"`

	AllowedContainers []struct {
		ContainerID string `yaml:"container_id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description,omitempty"`
		Enabled     bool   `yaml:"enabled"`
	} `yaml:"allowed_containers"`

	JobTemplates []struct {
		TaskKey     string `yaml:"task_key"`
		Name        string `yaml:"name"`
		Description string `yaml:"description,omitempty"`
		Active      bool   `yaml:"active"`
	} `yaml:"job_templates"`

	Directives []struct {
		Name             string         `yaml:"name"`
		Description      string         `yaml:"description,omitempty"`
		Config           map[string]any `yaml:"config,omitempty"`
		TaskList         []string       `yaml:"task_list"`
		ApprovalRequired bool           `yaml:"approval_required,omitempty"`
	} `yaml:"directives"`

	NotificationTargets []struct {
		Name       string `yaml:"name"`
		Kind       string `yaml:"kind"`
		Enabled    bool   `yaml:"enabled"`
		WebhookURL string `yaml:"webhook_url,omitempty"`
		Email      string `yaml:"email,omitempty"`
	} `yaml:"notification_targets"`
}

func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &seed, nil
}

func applySeed(ctx context.Context, store storage.Store, seed *seedFile) error {
	now := time.Now()

	existingHosts := map[string]bool{}
	if hostList, err := store.ListWorkerHosts(ctx); err == nil {
		for _, h := range hostList {
			existingHosts[h.Name] = true
		}
	}
	for _, h := range seed.WorkerHosts {
		if existingHosts[h.Name] {
			log.Printf("  host %q exists, skipping", h.Name)
			continue
		}
		err := store.CreateWorkerHost(ctx, &types.WorkerHost{
			ID:           uuid.New().String(),
			Name:         h.Name,
			Kind:         types.HostKind(h.Kind),
			BaseURL:      h.BaseURL,
			SSH:          h.SSH,
			Capabilities: types.HostCapabilities{GPUCount: h.GPUs},
			Enabled:      h.Enabled,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("host %q: %w", h.Name, err)
		}
		log.Printf("  + host %q", h.Name)
	}

	for _, img := range seed.WorkerImages {
		if _, err := store.GetWorkerImage(ctx, img.Name, img.Tag); err == nil {
			log.Printf("  image %s:%s exists, skipping", img.Name, img.Tag)
			continue
		}
		err := store.CreateWorkerImage(ctx, &types.WorkerImage{
			ID:          uuid.New().String(),
			Name:        img.Name,
			Tag:         img.Tag,
			Description: img.Description,
			Active:      img.Active,
			RequiresGPU: img.RequiresGPU,
			MinVRAMMB:   img.MinVRAMMB,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("image %s:%s: %w", img.Name, img.Tag, err)
		}
		log.Printf("  + image %s:%s", img.Name, img.Tag)
	}

	for _, c := range seed.AllowedContainers {
		err := store.UpsertAllowedContainer(ctx, &types.AllowedContainer{
			ContainerID: c.ContainerID,
			Name:        c.Name,
			Description: c.Description,
			Enabled:     c.Enabled,
			CreatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("container %q: %w", c.Name, err)
		}
		log.Printf("  ~ container %q", c.Name)
	}

	for _, tmpl := range seed.JobTemplates {
		if _, err := store.GetJobTemplateByTaskKey(ctx, tmpl.TaskKey); err == nil {
			log.Printf("  template %q exists, skipping", tmpl.TaskKey)
			continue
		}
		err := store.CreateJobTemplate(ctx, &types.JobTemplate{
			ID:          uuid.New().String(),
			TaskKey:     tmpl.TaskKey,
			Name:        tmpl.Name,
			Description: tmpl.Description,
			Active:      tmpl.Active,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("template %q: %w", tmpl.TaskKey, err)
		}
		log.Printf("  + template %q", tmpl.TaskKey)
	}

	for _, d := range seed.Directives {
		if _, err := store.GetDirectiveByName(ctx, d.Name); err == nil {
			log.Printf("  directive %q exists, skipping", d.Name)
			continue
		}
		err := store.CreateDirective(ctx, &types.Directive{
			ID:               uuid.New().String(),
			Name:             d.Name,
			Description:      d.Description,
			Config:           d.Config,
			TaskList:         d.TaskList,
			ApprovalRequired: d.ApprovalRequired,
			Version:          1,
			Active:           true,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err != nil {
			return fmt.Errorf("directive %q: %w", d.Name, err)
		}
		log.Printf("  + directive %q", d.Name)
	}

	existingTargets := map[string]bool{}
	if list, err := store.ListNotificationTargets(ctx); err == nil {
		for _, t := range list {
			existingTargets[t.Name] = true
		}
	}
	for _, t := range seed.NotificationTargets {
		if existingTargets[t.Name] {
			log.Printf("  notification target %q exists, skipping", t.Name)
			continue
		}
		err := store.CreateNotificationTarget(ctx, &types.NotificationTarget{
			ID:         uuid.New().String(),
			Name:       t.Name,
			Kind:       types.NotificationKind(t.Kind),
			Enabled:    t.Enabled,
			WebhookURL: t.WebhookURL,
			Email:      t.Email,
			CreatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("notification target %q: %w", t.Name, err)
		}
		log.Printf("  + notification target %q", t.Name)
	}

	return nil
}
