/*
Package storage provides persistent state management for Drover.

The Store interface exposes per-entity repositories plus the atomic
claim operations the multi-instance deployment depends on. Two
implementations exist:

  - PostgresStore: production backend on pgx. Claim operations use
    SELECT ... FOR UPDATE SKIP LOCKED inside a single UPDATE ...
    RETURNING statement, so two instances can never claim the same
    schedule, queue item, or agent run.

  - MemoryStore: mutex-serialized in-memory backend for tests and
    single-process smoke runs. Claim atomicity holds because every
    method runs under one lock.

# Claim Semantics

A claim is the pair (claimed_by, claimed_until). It is live while
claimed_until is in the future; an expired claim leaves the row
eligible for re-claim by any instance, which is how work survives a
crashed claimant. TTLs are supplied by the caller per claim family
(schedules, queue items, agent runs).

# Guardrail

CreateLLMCall and the agent step writers run the pkg/guardrail
forbidden-field check before touching the database. A violation aborts
the write entirely.

# Schema

The Postgres schema lives in migrations/ as goose SQL migrations,
embedded into the drover-migrate binary.
*/
package storage
