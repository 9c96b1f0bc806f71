/*
Package tasks holds the job implementations behind the dispatcher.

Each task key maps to one Task in a Registry; the dispatcher resolves
the key of a claimed job and calls Execute. A task writes its outputs
as file artifacts under runs/<id>/ and returns a small structured
result map for the Job row. Anything that touches the LLM endpoint goes
through pkg/llm, which ledgers token counts; prompt and response text
never appear in results, artifact metadata, or logs.

Implemented task keys:

  - log_triage: tail allowlisted containers, LLM summary, report.md
  - gpu_report: fleet GPU telemetry with hotspot detection, gpu_report.json
  - service_map: allowlist-derived topology, services.json
  - repo_copilot_plan: LLM change plan for a repository, plan.json + plan.md
*/
package tasks
