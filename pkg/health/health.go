package health

import (
	"context"
	"time"
)

// CheckType identifies how a probe reaches its target
type CheckType string

const (
	CheckTypeHTTP   CheckType = "http"
	CheckTypeTCP    CheckType = "tcp"
	CheckTypeEngine CheckType = "engine"
)

// Result is the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one target
type Checker interface {
	Check(ctx context.Context) Result

	Type() CheckType
}

// Config controls probe cadence and flap damping
type Config struct {
	// Interval is the time between probes
	Interval time.Duration

	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before a target is
	// marked unhealthy
	Retries int
}

// DefaultConfig returns probe settings suitable for worker hosts
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// Status accumulates probe results for one target. A single success
// restores health; Retries consecutive failures remove it.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus starts a target as healthy until probes say otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a probe result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}
