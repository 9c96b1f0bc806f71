/*
Package hosts tracks the fleet of worker hosts and answers the question
"where does this run execute".

The Registry handles registration, heartbeats and selection. Selection
considers only enabled, healthy, non-stale hosts: an explicit target is
honored while it qualifies, anything else falls back to the least
loaded candidate with a host id tie-break. ErrNoHostAvailable means the
qualifying set is empty.

The Monitor runs two activities on one ticker: an engine probe per
enabled host (ping through a fresh runtime client, refresh last_seen_at
on success) and a staleness sweep that demotes healthy hosts nobody has
seen within the threshold. Probe verdicts are damped through
pkg/health's Status so one dropped packet does not bounce a host out of
scheduling. Health transitions publish host.healthy / host.unhealthy
events.

ActiveRuns on a host is a load hint, not truth. Dispatch increments it,
terminal transitions decrement it, crashes let it drift; the probe
reconciles it against the actual count of running runs.
*/
package hosts
