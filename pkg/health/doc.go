/*
Package health provides the probe primitives used to watch worker hosts
and external endpoints.

	Checker (interface)
	├── EngineChecker  ping the container engine via its Runtime client
	├── TCPChecker     raw TCP reachability of a remote host
	└── HTTPChecker    HTTP status probe (LLM endpoint, webhooks)

All checks return a standardized Result and respect context deadlines.
Status folds results into a health verdict with hysteresis: Retries
consecutive failures mark a target unhealthy, a single success restores
it. This keeps transient network blips from bouncing hosts in and out
of scheduling.

The hosts monitor owns the probe loop; this package only answers one
question per call. See pkg/hosts for how verdicts feed host selection.
*/
package health
