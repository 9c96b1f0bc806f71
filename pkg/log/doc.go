/*
Package log provides structured logging for Drover using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and an
optional redaction stage that scrubs secrets and addresses before any
line reaches the sink.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Configuration                    │           │
	│  │  - Level: debug/info/warn/error            │           │
	│  │  - Format: JSON or console (human)         │           │
	│  │  - Redact: scrub secrets before emission   │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Component Loggers                  │           │
	│  │  - WithComponent("scheduler")              │           │
	│  │  - WithInstance("host-1:4242")             │           │
	│  │  - WithRunID / WithJobID / WithHostID      │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Redaction

When Config.Redact is set, every emitted line passes through
guardrail.Redact, which substitutes api key and bearer token values,
password assignments, and IPv4 addresses. The filter only narrows
output; failures to match leave the line untouched.

# Usage

Initializing:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Redact:     os.Getenv("REDACTION_ENABLED") == "true",
	})

Component loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Str("schedule_id", id).Msg("schedule claimed")

Error logging:

	log.Logger.Error().Err(err).Str("run_id", runID).Msg("dispatch failed")

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Include context (run ID, job ID, host ID)

Don't:
  - Log LLM prompt or response content, ever
  - Log credentials, tunnel keys, or raw host addresses
  - Log in tight loops
*/
package log
