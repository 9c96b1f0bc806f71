/*
Package dispatcher executes queued jobs and derives Run status.

A tick claims pending queue items (and items whose previous claim
expired before completion, so crashed dispatchers leak nothing), then
per item: settles items whose job already finished, starts the owning
Run on a selected host when it is still pending, executes the task
behind the registry, and records the outcome on the job and queue item.

The Run aggregate rule is deterministic from job statuses: any running
job keeps the run running; otherwise any pending job keeps it pending;
otherwise a failed/success mix is partial, all failed is failed, all
success is success. A terminal transition stamps ended_at with the
latest job ended_at, folds the LLMCall ledger into the run's token
counters, releases the host's active-runs slot and publishes
run.finished for the notification sink.

Execution is at-least-once: a dispatcher dying mid-job loses its claim
at claimed_until and another instance re-claims the item, so tasks must
tolerate re-execution.
*/
package dispatcher
