/*
Package events provides an in-memory event broker for Drover's pub/sub
messaging.

The events package implements a lightweight event bus for broadcasting
orchestrator events to interested subscribers. Delivery is asynchronous
and best-effort: the publish channel buffers 100 events, each subscriber
buffers 50, and a full subscriber is skipped rather than blocking the
broadcast loop. Events are a convenience layer, never a correctness
mechanism; all durable state lives in the store.

# Event Types

Run lifecycle:
  - run.created, run.started, run.finished

Job lifecycle:
  - job.started, job.finished

Scheduling and hosts:
  - schedule.fired, host.healthy, host.unhealthy

Agents and workers:
  - agent.started, agent.finished
  - worker.spawned, worker.stopped
  - guardrail.blocked

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Type == events.EventRunFinished {
				// deliver notifications
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventRunFinished,
		Message:  "run finished",
		Metadata: map[string]string{"run_id": runID, "status": "success"},
	})

The notification sink subscribes to run.finished to deliver
counts-only summaries to its configured targets.
*/
package events
