/*
Package types defines the core data structures used throughout Drover.

This package contains all fundamental types of the orchestration domain
model: directives, job templates, schedules, runs, jobs, the job queue,
worker hosts, GPU telemetry, the image allowlist, agent runs and steps,
and notification records. All other packages build on these types for
state management and orchestration logic.

# Core Types

Scheduling:
  - Directive: reusable task-plan template, snapshotted into runs
  - JobTemplate: named task kind with defaults
  - Schedule: interval, cron, or one_shot recurrence rule with a
    TTL-based claim lease (ClaimedBy, ClaimedUntil)

Execution:
  - Run: a single execution instance owning Jobs and artifacts
  - Job: one unit of work within a run, keyed by task key
  - JobQueueItem: the dispatcher's claimable handle for a job
  - RunArtifact: file reference (path only, contents on disk)
  - LLMCall: per-invocation token ledger, counts only

Infrastructure:
  - WorkerHost: execution target exposing a container runtime
  - GPUState: per-GPU telemetry with the scheduling Score
  - WorkerImage / AllowedContainer: allowlists
  - WorkerAudit: append-only worker lifecycle trail

Agents:
  - AgentRun: multi-step run under step, time, and token budgets
  - AgentStep: one plan step (task_call, wait, decision, notify)

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants:
	  type RunStatus string
	  const (
	      RunPending RunStatus = "pending"
	      RunRunning RunStatus = "running"
	  )

Snapshot Pattern:

	Runs and agent runs carry a DirectiveSnapshot frozen at creation.
	Editing a Directive never changes in-flight or historical runs.

Claim Pattern:

	Schedules, queue items, and agent runs carry (ClaimedBy,
	ClaimedUntil). A claim is live only while ClaimedUntil is in the
	future; an expired claim is reclaimable by any instance. The two
	fields are always written together.

Soft Counters:

	WorkerHost.ActiveRuns and GPUState.ActiveWorkers are load hints,
	not invariants. They may drift after a crash and are reconciled
	opportunistically; decrements floor at zero.

# Privacy

LLMCall and AgentStep never persist prompt or response content. The
guardrail check in pkg/guardrail rejects writes whose metadata or
inputs carry forbidden content fields.

# Thread Safety

Types here are plain data. Mutations must be synchronized by callers;
the storage layer handles synchronization for persisted state.
*/
package types
