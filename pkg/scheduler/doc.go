/*
Package scheduler turns due schedules into pending Runs.

One Tick claims a batch of due schedules under a TTL lease, then for
each claimed schedule: checks the job template is still active, applies
the concurrency gate (running-run counts against max_global and
max_per_job, rejected schedules defer by a fixed 60 s), snapshots the
resolved directive, creates a pending Run with one Job and queue item
per task, advances next_fire_at, and releases the claim.

Multiple scheduler instances tick against the same database. The claim
lease is the only coordination: a schedule claimed by a live instance
is invisible to the others, and an instance that dies mid-fire loses
the lease at claimed_until, after which any instance may claim and fire
the schedule. A fire is therefore at-least-once across crashes but
single-owner at any moment.

The per-tick host keep-alive writes last_seen_at for enabled hosts so
single-process deployments without a separate host monitor do not decay
to an empty selectable set.
*/
package scheduler
