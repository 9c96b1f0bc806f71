package types

import (
	"time"
)

// DirectiveCategory is the closed set of directive categories.
type DirectiveCategory string

const (
	DirectiveLogTriage  DirectiveCategory = "D1"
	DirectiveGPUReport  DirectiveCategory = "D2"
	DirectiveServiceMap DirectiveCategory = "D3"
	DirectiveCustom     DirectiveCategory = "D4"
)

// Directive is a reusable task-plan template. Runs never hold a live
// reference to a Directive; they snapshot its fields at creation.
type Directive struct {
	ID               string
	Category         DirectiveCategory
	Name             string // unique
	Description      string
	Config           map[string]any
	TaskList         []string // task keys this directive permits
	ApprovalRequired bool
	MaxConcurrent    int
	Version          int
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Snapshot captures the directive fields a Run carries.
func (d *Directive) Snapshot() DirectiveSnapshot {
	cfg := make(map[string]any, len(d.Config))
	for k, v := range d.Config {
		cfg[k] = v
	}
	return DirectiveSnapshot{
		Name:             d.Name,
		Description:      d.Description,
		Config:           cfg,
		TaskList:         append([]string(nil), d.TaskList...),
		ApprovalRequired: d.ApprovalRequired,
		Version:          d.Version,
	}
}

// DirectiveSnapshot is the frozen copy of a directive stored on a Run or
// AgentRun. Later directive edits never affect it.
type DirectiveSnapshot struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Config           map[string]any `json:"config,omitempty"`
	TaskList         []string       `json:"task_list,omitempty"`
	ApprovalRequired bool           `json:"approval_required,omitempty"`
	Version          int            `json:"version,omitempty"`
}

// Task keys form a small closed set. New kinds register a Task
// implementation under a new key.
const (
	TaskLogTriage       = "log_triage"
	TaskGPUReport       = "gpu_report"
	TaskServiceMap      = "service_map"
	TaskRepoCopilotPlan = "repo_copilot_plan"
)

// JobTemplate is a named task kind with default configuration.
type JobTemplate struct {
	ID                 string
	TaskKey            string // unique
	Name               string
	Description        string
	DefaultDirectiveID string
	Config             map[string]any
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ScheduleKind selects which recurrence fields of a Schedule are populated.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleOneShot  ScheduleKind = "one_shot"
)

// Schedule is a recurrence rule that produces Runs. Exactly one kind-specific
// field group is populated. The claim pair (ClaimedBy, ClaimedUntil) is a
// lease; never mutate one without the other.
type Schedule struct {
	ID              string
	Name            string // unique
	TaskKey         string
	DirectiveID     string // optional override of the template default
	CustomDirective string // free-text directive body for ad-hoc schedules
	Kind            ScheduleKind
	IntervalMinutes int        // interval kind
	CronExpr        string     // cron kind
	Timezone        string     // cron kind, IANA name
	FireAt          *time.Time // one_shot kind
	NextFireAt      *time.Time
	LastFireAt      *time.Time
	Enabled         bool
	MaxGlobal       int // 0 = unlimited
	MaxPerJob       int // 0 = unlimited
	ClaimedBy       string
	ClaimedUntil    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Claimed reports whether the schedule holds a live claim at now.
func (s *Schedule) Claimed(now time.Time) bool {
	return s.ClaimedBy != "" && s.ClaimedUntil != nil && s.ClaimedUntil.After(now)
}

// RunStatus is the lifecycle vocabulary for Runs.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunPartial, RunCancelled:
		return true
	}
	return false
}

// ApprovalStatus gates execution of runs whose directive requires sign-off.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// TokenUsage is a counts-only token ledger. It never holds content.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Run is a single execution instance. It owns its Jobs and Artifacts.
type Run struct {
	ID             string
	Directive      DirectiveSnapshot
	Status         RunStatus
	Approval       ApprovalStatus
	ScheduleID     string // empty for on-demand runs
	WorkerHostID   string // assigned at dispatch
	TargetHostID   string // explicit operator override
	StartedAt      time.Time
	EndedAt        *time.Time
	Tokens         TokenUsage
	ReportMarkdown string         // aggregates and structural findings only
	ReportJSON     map[string]any // aggregates and structural findings only
	ErrorMessage   string
	CreatedAt      time.Time
}

// JobStatus is the Run vocabulary minus partial and cancelled.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Job is a unit of work within a Run, keyed by task key.
type Job struct {
	ID           string
	RunID        string
	TaskKey      string
	Status       JobStatus
	StartedAt    *time.Time
	EndedAt      *time.Time
	Result       map[string]any // structured result, never LLM content
	ErrorMessage string
	Tokens       TokenUsage
	CreatedAt    time.Time
}

// QueueStatus is the dispatcher-facing state of a JobQueueItem.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueClaimed   QueueStatus = "claimed"
	QueueRunning   QueueStatus = "running"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// JobQueueItem is the dispatcher handle for a Job, one-to-one.
type JobQueueItem struct {
	ID           string
	JobID        string
	RunID        string
	Status       QueueStatus
	ClaimedBy    string
	ClaimedUntil *time.Time
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ArtifactKind classifies files a Run produced.
type ArtifactKind string

const (
	ArtifactMarkdown ArtifactKind = "markdown"
	ArtifactJSON     ArtifactKind = "json"
	ArtifactLog      ArtifactKind = "log"
	ArtifactData     ArtifactKind = "data"
)

// RunArtifact references a file produced by a Run. Contents live on the
// filesystem under the logs root; only the path is persisted.
type RunArtifact struct {
	ID        string
	RunID     string
	Kind      ArtifactKind
	Path      string // relative to LOGS_ROOT
	SizeBytes int64
	MimeType  string
	CreatedAt time.Time
}

// LLMCall is the per-invocation token ledger. No field may ever hold prompt
// or response text; guardrail checks reject metadata carrying any.
type LLMCall struct {
	ID         string
	RunID      string
	WorkerID   string
	Endpoint   string
	ModelID    string
	Tokens     TokenUsage
	DurationMS int64
	Success    bool
	// Metadata holds structural annotations only. Forbidden keys
	// (prompt, response, messages, ...) abort the write.
	Metadata  map[string]any
	CreatedAt time.Time
}

// HostKind selects how the container runtime on a WorkerHost is reached.
type HostKind string

const (
	HostLocalSocket HostKind = "local_socket"
	HostRemoteTCP   HostKind = "remote_tcp"
)

// SSHTunnelConfig carries tunnel parameters for remote_tcp hosts. It never
// appears in logs or reports.
type SSHTunnelConfig struct {
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	User    string `json:"user" yaml:"user"`
	KeyPath string `json:"key_path" yaml:"key_path"`
	// KnownHostsPath enables host key verification against the file.
	// Empty means trust on first use.
	KnownHostsPath string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
}

// HostCapabilities describes what a WorkerHost can run.
type HostCapabilities struct {
	GPUCount       int               `json:"gpu_count" yaml:"gpu_count"`
	MaxConcurrency int               `json:"max_concurrency" yaml:"max_concurrency"`
	Labels         map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// WorkerHost is a registered execution target exposing a container runtime.
type WorkerHost struct {
	ID           string
	Name         string // unique
	Kind         HostKind
	BaseURL      string // unix:///path or tcp://host:port
	SSH          *SSHTunnelConfig
	Capabilities HostCapabilities
	Enabled      bool
	Healthy      bool
	LastSeenAt   *time.Time
	// ActiveRuns is a soft counter, a load hint rather than truth. It may
	// drift on crash and is reconciled during health probes.
	ActiveRuns int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsStale reports whether the host has not been seen within threshold.
func (h *WorkerHost) IsStale(now time.Time, threshold time.Duration) bool {
	if h.LastSeenAt == nil {
		return true
	}
	return now.Sub(*h.LastSeenAt) > threshold
}

// HasGPU reports whether the host advertises any GPU.
func (h *WorkerHost) HasGPU() bool {
	return h.Capabilities.GPUCount > 0
}

// GPUState is per-GPU telemetry used for scheduling decisions.
type GPUState struct {
	HostID      string
	GPUID       string
	Name        string
	TotalVRAMMB int
	UsedVRAMMB  int
	FreeVRAMMB  int
	Utilization float64 // percent, 0-100
	Available   bool
	// ActiveWorkers is a soft counter with a floor of zero.
	ActiveWorkers int
	LastUpdated   time.Time
}

// Score is the scheduling score, a weighted blend of VRAM pressure (60%)
// and utilization (40%). Lower is better.
func (g *GPUState) Score() float64 {
	headroom := 0.0
	if g.TotalVRAMMB > 0 {
		headroom = float64(g.FreeVRAMMB) / float64(g.TotalVRAMMB)
	}
	return 0.6*(1-headroom) + 0.4*(g.Utilization/100)
}

// WorkerImage is an allowlist entry for worker container images.
// Uniqueness is on (Name, Tag).
type WorkerImage struct {
	ID          string
	Name        string
	Tag         string
	Description string
	Active      bool
	RequiresGPU bool
	MinVRAMMB   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ref returns the image reference name:tag.
func (w *WorkerImage) Ref() string {
	return w.Name + ":" + w.Tag
}

// AllowedContainer marks a container eligible for log collection.
type AllowedContainer struct {
	ContainerID string // primary key
	Name        string
	Description string
	Enabled     bool
	CreatedAt   time.Time
}

// AuditOperation is a worker lifecycle event kind.
type AuditOperation string

const (
	AuditSpawn  AuditOperation = "spawn"
	AuditStart  AuditOperation = "start"
	AuditStop   AuditOperation = "stop"
	AuditRemove AuditOperation = "remove"
	AuditError  AuditOperation = "error"
)

// WorkerAudit is an append-only record of a worker lifecycle event.
type WorkerAudit struct {
	ID           string
	JobID        string
	RunID        string
	Operation    AuditOperation
	ContainerID  string
	Image        string
	GPUAssigned  string // gpu id or "cpu"
	GPURationale string
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// AgentStatus is the lifecycle vocabulary for AgentRuns.
type AgentStatus string

const (
	AgentPending         AgentStatus = "pending"
	AgentPendingApproval AgentStatus = "pending_approval"
	AgentRunning         AgentStatus = "running"
	AgentCompleted       AgentStatus = "completed"
	AgentFailed          AgentStatus = "failed"
	AgentCancelled       AgentStatus = "cancelled"
	AgentTimeout         AgentStatus = "timeout"
	AgentExpired         AgentStatus = "expired"
)

// Terminal reports whether the agent status is final.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentCancelled, AgentTimeout, AgentExpired:
		return true
	}
	return false
}

// AgentRun is an autonomous multi-step run executing a plan under wall-time,
// step-count and token budgets. It owns its AgentSteps.
type AgentRun struct {
	ID                string
	OperatorGoal      string
	Directive         DirectiveSnapshot
	Status            AgentStatus
	CurrentStep       int
	MaxSteps          int
	TimeBudgetMinutes int
	TokenBudget       int
	TokensUsed        int
	ClaimedBy         string
	ClaimedUntil      *time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TokensRemaining returns the unspent token budget, never negative.
func (a *AgentRun) TokensRemaining() int {
	if rem := a.TokenBudget - a.TokensUsed; rem > 0 {
		return rem
	}
	return 0
}

// Elapsed returns the wall time since the agent started, zero if it has not.
func (a *AgentRun) Elapsed(now time.Time) time.Duration {
	if a.StartedAt == nil {
		return 0
	}
	end := now
	if a.EndedAt != nil {
		end = *a.EndedAt
	}
	return end.Sub(*a.StartedAt)
}

// StepType is the kind of an AgentStep. decision and notify are reserved;
// they execute as no-ops so stored plans stay stable.
type StepType string

const (
	StepTaskCall StepType = "task_call"
	StepWait     StepType = "wait"
	StepDecision StepType = "decision"
	StepNotify   StepType = "notify"
)

// StepStatus is the lifecycle vocabulary for AgentSteps.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// AgentStep is one step in an AgentRun. Inputs must not contain prompt or
// response text; OutputsRef is a path, never content.
type AgentStep struct {
	ID           string
	AgentRunID   string
	StepIndex    int // contiguous from 0
	Type         StepType
	TaskKey      string // task_call only
	Inputs       map[string]any
	Status       StepStatus
	RunID        string // launched Run, task_call only
	OutputsRef   string // e.g. runs/<id>/report
	ErrorMessage string
	StartedAt    *time.Time
	EndedAt      *time.Time
	CreatedAt    time.Time
}

// NotificationKind selects the delivery channel of a NotificationTarget.
type NotificationKind string

const (
	NotifyDiscord NotificationKind = "discord"
	NotifyEmail   NotificationKind = "email"
)

// NotificationTarget is a configured destination for run-completion events.
type NotificationTarget struct {
	ID         string
	Name       string
	Kind       NotificationKind
	Enabled    bool
	WebhookURL string // discord
	Email      string // email
	CreatedAt  time.Time
}

// NotificationStatus tracks a delivery attempt.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// RunNotification is a per-run, per-target delivery record.
type RunNotification struct {
	ID           string
	RunID        string
	TargetID     string
	Status       NotificationStatus
	SentAt       *time.Time
	ErrorSummary string // truncated to 1000 chars
	CreatedAt    time.Time
}
