package health

import (
	"context"
	"fmt"
	"time"

	"github.com/calyptra/drover/pkg/runtime"
)

// EngineChecker probes a container engine through its Runtime client.
// This is the authoritative host probe; TCP reachability alone does not
// prove the engine answers.
type EngineChecker struct {
	Runtime runtime.Runtime
	Timeout time.Duration
}

// NewEngineChecker creates an engine probe over an open runtime client
func NewEngineChecker(rt runtime.Runtime) *EngineChecker {
	return &EngineChecker{
		Runtime: rt,
		Timeout: 10 * time.Second,
	}
}

// Check pings the engine
func (e *EngineChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	if err := e.Runtime.Ping(ctx); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("engine ping failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   "engine ping ok",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *EngineChecker) Type() CheckType {
	return CheckTypeEngine
}
