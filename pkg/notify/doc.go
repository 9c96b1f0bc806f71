/*
Package notify delivers run-completion summaries to configured targets.

The sink subscribes to run.finished events. For each enabled target it
records a RunNotification, attempts delivery once, and marks the record
sent or failed. There is no retry; failed records can be swept later.

Payloads are strictly structural: run id, status, directive name, job
counts, token totals, timestamps and a truncated error string. Task
output and LLM text never enter a payload.

Discord targets receive a webhook embed; email targets receive a plain
text message over SMTP.
*/
package notify
