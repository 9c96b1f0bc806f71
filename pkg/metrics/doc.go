/*
Package metrics provides Prometheus metrics collection and exposition
for Drover.

All metrics are registered on the default registry at package init and
exposed via the promhttp handler on the optional metrics address. The
Collector periodically snapshots store state into the gauges; counters
and histograms are incremented inline by the scheduler, dispatcher,
worker orchestrator, and agent executor.

# Metric Families

Gauges (snapshot):
  - drover_runs_total{status}, drover_jobs_total{status}
  - drover_queue_depth
  - drover_worker_hosts_total{healthy}, drover_gpus_available

Counters (inline):
  - drover_schedules_fired_total, drover_schedules_claimed_total,
    drover_schedules_deferred_total
  - drover_queue_items_claimed_total,
    drover_jobs_executed_total{task_key,outcome}
  - drover_worker_spawns_total{outcome}
  - drover_tokens_used_total{kind}
  - drover_agent_steps_executed_total{outcome},
    drover_agent_runs_finished_total{status}
  - drover_guardrail_violations_total
  - drover_notifications_sent_total{kind,outcome}

Histograms:
  - drover_scheduler_tick_duration_seconds
  - drover_dispatcher_tick_duration_seconds

The health half of the package (health.go) serves /health, /ready and
/live endpoints from a component registry; database, scheduler and
dispatcher are the readiness-critical components.

Token metrics carry counts only. No metric label ever holds prompt or
response content.
*/
package metrics
