package types

import "errors"

// Error kinds used across the orchestrator. Callers classify wrapped
// errors with errors.Is; storage and service layers wrap these with
// context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a request that can never succeed as given.
	ErrValidation = errors.New("validation failed")

	// ErrIllegalTransition indicates a lifecycle move the state machine
	// forbids, such as cancelling a terminal agent run.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrConcurrencyRejected indicates a concurrency cap deferred the
	// work; the caller retries on a later tick.
	ErrConcurrencyRejected = errors.New("concurrency limit reached")

	// ErrNoHostAvailable indicates no enabled, healthy, fresh worker
	// host could serve the run.
	ErrNoHostAvailable = errors.New("no worker host available")

	// ErrNoGPUAvailable indicates the image requires a GPU and none
	// qualified on the chosen host.
	ErrNoGPUAvailable = errors.New("no gpu available")

	// ErrImageNotAllowed indicates the requested image is missing from
	// the allowlist or marked inactive.
	ErrImageNotAllowed = errors.New("image not allowed")

	// ErrGuardrailViolation indicates a persistence attempt carrying
	// forbidden LLM content fields. The write is aborted.
	ErrGuardrailViolation = errors.New("guardrail violation")

	// ErrClaimLost indicates another instance took over an expired
	// claim while this one was still working.
	ErrClaimLost = errors.New("claim lost")
)
