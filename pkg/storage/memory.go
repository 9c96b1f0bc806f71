package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calyptra/drover/pkg/guardrail"
	"github.com/calyptra/drover/pkg/types"
)

// MemoryStore is a mutex-serialized in-memory Store. It backs tests and
// single-process smoke runs; claim atomicity holds because every method
// runs under the one lock.
type MemoryStore struct {
	mu sync.Mutex

	directives       map[string]*types.Directive
	templates        map[string]*types.JobTemplate
	schedules        map[string]*types.Schedule
	runs             map[string]*types.Run
	jobs             map[string]*types.Job
	queue            map[string]*types.JobQueueItem
	artifacts        map[string]*types.RunArtifact
	llmCalls         map[string]*types.LLMCall
	hosts            map[string]*types.WorkerHost
	gpus             map[string]*types.GPUState // key hostID/gpuID
	images           map[string]*types.WorkerImage
	allowedContainer map[string]*types.AllowedContainer
	audits           []*types.WorkerAudit
	agentRuns        map[string]*types.AgentRun
	agentSteps       map[string]*types.AgentStep
	notifyTargets    map[string]*types.NotificationTarget
	runNotifications map[string]*types.RunNotification
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		directives:       make(map[string]*types.Directive),
		templates:        make(map[string]*types.JobTemplate),
		schedules:        make(map[string]*types.Schedule),
		runs:             make(map[string]*types.Run),
		jobs:             make(map[string]*types.Job),
		queue:            make(map[string]*types.JobQueueItem),
		artifacts:        make(map[string]*types.RunArtifact),
		llmCalls:         make(map[string]*types.LLMCall),
		hosts:            make(map[string]*types.WorkerHost),
		gpus:             make(map[string]*types.GPUState),
		images:           make(map[string]*types.WorkerImage),
		allowedContainer: make(map[string]*types.AllowedContainer),
		agentRuns:        make(map[string]*types.AgentRun),
		agentSteps:       make(map[string]*types.AgentStep),
		notifyTargets:    make(map[string]*types.NotificationTarget),
		runNotifications: make(map[string]*types.RunNotification),
	}
}

func gpuKey(hostID, gpuID string) string {
	return hostID + "/" + gpuID
}

// Directives

func (m *MemoryStore) CreateDirective(_ context.Context, d *types.Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.directives {
		if existing.Name == d.Name {
			return fmt.Errorf("directive name %q taken: %w", d.Name, types.ErrValidation)
		}
	}
	cp := *d
	m.directives[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDirective(_ context.Context, id string) (*types.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directives[id]
	if !ok {
		return nil, fmt.Errorf("directive %s: %w", id, types.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetDirectiveByName(_ context.Context, name string) (*types.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.directives {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("directive %q: %w", name, types.ErrNotFound)
}

func (m *MemoryStore) ListDirectives(_ context.Context) ([]*types.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Directive, 0, len(m.directives))
	for _, d := range m.directives {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateDirective(_ context.Context, d *types.Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.directives[d.ID]; !ok {
		return fmt.Errorf("directive %s: %w", d.ID, types.ErrNotFound)
	}
	cp := *d
	m.directives[d.ID] = &cp
	return nil
}

// Job templates

func (m *MemoryStore) CreateJobTemplate(_ context.Context, t *types.JobTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.templates {
		if existing.TaskKey == t.TaskKey {
			return fmt.Errorf("job template task key %q taken: %w", t.TaskKey, types.ErrValidation)
		}
	}
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJobTemplateByTaskKey(_ context.Context, taskKey string) (*types.JobTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.TaskKey == taskKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("job template %q: %w", taskKey, types.ErrNotFound)
}

func (m *MemoryStore) ListJobTemplates(_ context.Context) ([]*types.JobTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.JobTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskKey < out[j].TaskKey })
	return out, nil
}

func (m *MemoryStore) UpdateJobTemplate(_ context.Context, t *types.JobTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; !ok {
		return fmt.Errorf("job template %s: %w", t.ID, types.ErrNotFound)
	}
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

// Schedules

func (m *MemoryStore) CreateSchedule(_ context.Context, s *types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.schedules {
		if existing.Name == s.Name {
			return fmt.Errorf("schedule name %q taken: %w", s.Name, types.ErrValidation)
		}
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, types.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetScheduleByName(_ context.Context, name string) (*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedules {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("schedule %q: %w", name, types.ErrNotFound)
}

func (m *MemoryStore) ListSchedules(_ context.Context) ([]*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s *types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return fmt.Errorf("schedule %s: %w", s.ID, types.ErrNotFound)
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, types.ErrNotFound)
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) ClaimDueSchedules(_ context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*types.Schedule
	for _, s := range m.schedules {
		if !s.Enabled || s.NextFireAt == nil || s.NextFireAt.After(now) {
			continue
		}
		if s.Claimed(now) {
			continue
		}
		due = append(due, s)
	}
	// Earliest-due first, matching the Postgres claim order.
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextFireAt.Equal(*due[j].NextFireAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextFireAt.Before(*due[j].NextFireAt)
	})

	until := now.Add(ttl)
	var claimed []*types.Schedule
	for _, s := range due {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		s.ClaimedBy = claimant
		s.ClaimedUntil = &until
		s.UpdatedAt = now
		cp := *s
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) ReleaseScheduleClaim(_ context.Context, scheduleID, claimant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, types.ErrNotFound)
	}
	if s.ClaimedBy == claimant {
		s.ClaimedBy = ""
		s.ClaimedUntil = nil
	}
	return nil
}

// Runs

func (m *MemoryStore) CreateRun(_ context.Context, r *types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, types.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRuns(_ context.Context) ([]*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListRunsBySchedule(_ context.Context, scheduleID string) ([]*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Run
	for _, r := range m.runs {
		if r.ScheduleID == scheduleID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListRunsSince(_ context.Context, since time.Time) ([]*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Run
	for _, r := range m.runs {
		if !r.CreatedAt.Before(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, r *types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return fmt.Errorf("run %s: %w", r.ID, types.ErrNotFound)
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *MemoryStore) CountRunningRuns(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.runs {
		if r.Status == types.RunRunning {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountRunningRunsByTask(_ context.Context, taskKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.runs {
		if r.Status != types.RunRunning {
			continue
		}
		for _, job := range m.jobs {
			if job.RunID == r.ID && job.TaskKey == taskKey {
				count++
				break
			}
		}
	}
	return count, nil
}

// Jobs

func (m *MemoryStore) CreateJob(_ context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListJobsByRun(_ context.Context, runID string) ([]*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Job
	for _, j := range m.jobs {
		if j.RunID == runID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return fmt.Errorf("job %s: %w", j.ID, types.ErrNotFound)
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

// Job queue

func (m *MemoryStore) CreateQueueItem(_ context.Context, q *types.JobQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.queue[q.ID] = &cp
	return nil
}

func (m *MemoryStore) GetQueueItem(_ context.Context, id string) (*types.JobQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[id]
	if !ok {
		return nil, fmt.Errorf("queue item %s: %w", id, types.ErrNotFound)
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) ListQueueItems(_ context.Context, status types.QueueStatus) ([]*types.JobQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.JobQueueItem
	for _, q := range m.queue {
		if q.Status == status {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateQueueItem(_ context.Context, q *types.JobQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[q.ID]; !ok {
		return fmt.Errorf("queue item %s: %w", q.ID, types.ErrNotFound)
	}
	cp := *q
	m.queue[q.ID] = &cp
	return nil
}

func (m *MemoryStore) ClaimQueueItems(_ context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.JobQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*types.JobQueueItem
	for _, q := range m.queue {
		ok := q.Status == types.QueuePending
		// Expired claim on an unfinished item is reclaimable.
		if (q.Status == types.QueueClaimed || q.Status == types.QueueRunning) &&
			q.ClaimedUntil != nil && !q.ClaimedUntil.After(now) {
			ok = true
		}
		if ok {
			eligible = append(eligible, q)
		}
	}
	// Oldest first, matching the Postgres claim order.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	until := now.Add(ttl)
	var claimed []*types.JobQueueItem
	for _, q := range eligible {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		q.Status = types.QueueClaimed
		q.ClaimedBy = claimant
		q.ClaimedUntil = &until
		q.Attempts++
		q.UpdatedAt = now
		cp := *q
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// Artifacts

func (m *MemoryStore) CreateArtifact(_ context.Context, a *types.RunArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ListArtifactsByRun(_ context.Context, runID string) ([]*types.RunArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RunArtifact
	for _, a := range m.artifacts {
		if a.RunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// LLM calls

func (m *MemoryStore) CreateLLMCall(_ context.Context, c *types.LLMCall) error {
	if err := guardrail.CheckLLMCall(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.llmCalls[c.ID] = &cp
	return nil
}

func (m *MemoryStore) ListLLMCallsByRun(_ context.Context, runID string) ([]*types.LLMCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.LLMCall
	for _, c := range m.llmCalls {
		if c.RunID == runID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SumTokensByRun(_ context.Context, runID string) (types.TokenUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum types.TokenUsage
	for _, c := range m.llmCalls {
		if c.RunID == runID {
			sum.Add(c.Tokens)
		}
	}
	return sum, nil
}

// Worker hosts

func (m *MemoryStore) CreateWorkerHost(_ context.Context, h *types.WorkerHost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.hosts {
		if existing.Name == h.Name {
			return fmt.Errorf("worker host name %q taken: %w", h.Name, types.ErrValidation)
		}
	}
	cp := *h
	m.hosts[h.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkerHost(_ context.Context, id string) (*types.WorkerHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, fmt.Errorf("worker host %s: %w", id, types.ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) GetWorkerHostByName(_ context.Context, name string) (*types.WorkerHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.hosts {
		if h.Name == name {
			cp := *h
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("worker host %q: %w", name, types.ErrNotFound)
}

func (m *MemoryStore) ListWorkerHosts(_ context.Context) ([]*types.WorkerHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.WorkerHost, 0, len(m.hosts))
	for _, h := range m.hosts {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateWorkerHost(_ context.Context, h *types.WorkerHost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hosts[h.ID]; !ok {
		return fmt.Errorf("worker host %s: %w", h.ID, types.ErrNotFound)
	}
	cp := *h
	m.hosts[h.ID] = &cp
	return nil
}

func (m *MemoryStore) AdjustHostActiveRuns(_ context.Context, hostID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[hostID]
	if !ok {
		return fmt.Errorf("worker host %s: %w", hostID, types.ErrNotFound)
	}
	h.ActiveRuns += delta
	if h.ActiveRuns < 0 {
		h.ActiveRuns = 0
	}
	return nil
}

// GPU telemetry

func (m *MemoryStore) UpsertGPUState(_ context.Context, g *types.GPUState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.gpus[gpuKey(g.HostID, g.GPUID)] = &cp
	return nil
}

func (m *MemoryStore) GetGPUState(_ context.Context, hostID, gpuID string) (*types.GPUState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gpus[gpuKey(hostID, gpuID)]
	if !ok {
		return nil, fmt.Errorf("gpu %s/%s: %w", hostID, gpuID, types.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) ListGPUStatesByHost(_ context.Context, hostID string) ([]*types.GPUState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.GPUState
	for _, g := range m.gpus {
		if g.HostID == hostID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GPUID < out[j].GPUID })
	return out, nil
}

func (m *MemoryStore) AdjustGPUActiveWorkers(_ context.Context, hostID, gpuID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gpus[gpuKey(hostID, gpuID)]
	if !ok {
		return fmt.Errorf("gpu %s/%s: %w", hostID, gpuID, types.ErrNotFound)
	}
	g.ActiveWorkers += delta
	if g.ActiveWorkers < 0 {
		g.ActiveWorkers = 0
	}
	return nil
}

// Image allowlist

func (m *MemoryStore) CreateWorkerImage(_ context.Context, w *types.WorkerImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.images {
		if existing.Name == w.Name && existing.Tag == w.Tag {
			return fmt.Errorf("worker image %s already allowlisted: %w", w.Ref(), types.ErrValidation)
		}
	}
	cp := *w
	m.images[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkerImage(_ context.Context, name, tag string) (*types.WorkerImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.images {
		if w.Name == name && w.Tag == tag {
			cp := *w
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("worker image %s:%s: %w", name, tag, types.ErrNotFound)
}

func (m *MemoryStore) ListWorkerImages(_ context.Context) ([]*types.WorkerImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.WorkerImage, 0, len(m.images))
	for _, w := range m.images {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out, nil
}

func (m *MemoryStore) UpdateWorkerImage(_ context.Context, w *types.WorkerImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[w.ID]; !ok {
		return fmt.Errorf("worker image %s: %w", w.ID, types.ErrNotFound)
	}
	cp := *w
	m.images[w.ID] = &cp
	return nil
}

// Container log-collection allowlist

func (m *MemoryStore) UpsertAllowedContainer(_ context.Context, c *types.AllowedContainer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.allowedContainer[c.ContainerID] = &cp
	return nil
}

func (m *MemoryStore) ListAllowedContainers(_ context.Context) ([]*types.AllowedContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.AllowedContainer, 0, len(m.allowedContainer))
	for _, c := range m.allowedContainer {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

// Worker audit trail

func (m *MemoryStore) CreateWorkerAudit(_ context.Context, a *types.WorkerAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *MemoryStore) ListWorkerAuditsByRun(_ context.Context, runID string) ([]*types.WorkerAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.WorkerAudit
	for _, a := range m.audits {
		if a.RunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Agent runs

func (m *MemoryStore) CreateAgentRun(_ context.Context, a *types.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agentRuns[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgentRun(_ context.Context, id string) (*types.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentRuns[id]
	if !ok {
		return nil, fmt.Errorf("agent run %s: %w", id, types.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgentRuns(_ context.Context) ([]*types.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.AgentRun, 0, len(m.agentRuns))
	for _, a := range m.agentRuns {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateAgentRun(_ context.Context, a *types.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agentRuns[a.ID]; !ok {
		return fmt.Errorf("agent run %s: %w", a.ID, types.ErrNotFound)
	}
	cp := *a
	m.agentRuns[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ClaimAgentRuns(_ context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.agentRuns))
	for id := range m.agentRuns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	until := now.Add(ttl)
	var claimed []*types.AgentRun
	for _, id := range ids {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		a := m.agentRuns[id]
		eligible := a.Status == types.AgentPending
		// A running agent with an expired executor claim belongs to a
		// crashed instance and is taken over.
		if a.Status == types.AgentRunning &&
			(a.ClaimedUntil == nil || !a.ClaimedUntil.After(now)) {
			eligible = true
		}
		if !eligible {
			continue
		}
		a.ClaimedBy = claimant
		a.ClaimedUntil = &until
		a.UpdatedAt = now
		cp := *a
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) ExtendAgentClaim(_ context.Context, agentRunID, claimant string, ttl time.Duration, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentRuns[agentRunID]
	if !ok {
		return fmt.Errorf("agent run %s: %w", agentRunID, types.ErrNotFound)
	}
	if a.ClaimedBy != claimant {
		return fmt.Errorf("agent run %s held by %s: %w", agentRunID, a.ClaimedBy, types.ErrClaimLost)
	}
	until := now.Add(ttl)
	a.ClaimedUntil = &until
	return nil
}

// Agent steps

func (m *MemoryStore) CreateAgentStep(_ context.Context, s *types.AgentStep) error {
	if err := guardrail.CheckStepInputs(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.agentSteps[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateAgentStep(_ context.Context, s *types.AgentStep) error {
	if err := guardrail.CheckStepInputs(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agentSteps[s.ID]; !ok {
		return fmt.Errorf("agent step %s: %w", s.ID, types.ErrNotFound)
	}
	cp := *s
	m.agentSteps[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAgentSteps(_ context.Context, agentRunID string) ([]*types.AgentStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AgentStep
	for _, s := range m.agentSteps {
		if s.AgentRunID == agentRunID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// Notifications

func (m *MemoryStore) CreateNotificationTarget(_ context.Context, t *types.NotificationTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.notifyTargets[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ListNotificationTargets(_ context.Context) ([]*types.NotificationTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.NotificationTarget, 0, len(m.notifyTargets))
	for _, t := range m.notifyTargets {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRunNotification(_ context.Context, n *types.RunNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.runNotifications[n.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRunNotification(_ context.Context, n *types.RunNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runNotifications[n.ID]; !ok {
		return fmt.Errorf("run notification %s: %w", n.ID, types.ErrNotFound)
	}
	cp := *n
	m.runNotifications[n.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRunNotificationsByRun(_ context.Context, runID string) ([]*types.RunNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RunNotification
	for _, n := range m.runNotifications {
		if n.RunID == runID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
