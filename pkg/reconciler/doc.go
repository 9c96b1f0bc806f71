// Package reconciler runs the periodic housekeeping loop. Each tick
// removes exited worker containers left behind by crashed dispatcher
// instances, returning their GPU slots, and retries notification
// deliveries that failed earlier.
//
// The loop is stateless between ticks; every pass reads current state
// and converges it, so missed or duplicated ticks are harmless.
package reconciler
