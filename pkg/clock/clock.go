package clock

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/calyptra/drover/pkg/types"
)

// cronParser accepts standard 5-field expressions plus descriptors
// like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron reports whether expr parses as a cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("cron expression %q: %w", expr, types.ErrValidation)
	}
	return nil
}

// NextFire computes the next fire instant for a schedule strictly after
// from. It is a pure function of (schedule, from): cron schedules are
// evaluated in the schedule's timezone (UTC when unset), interval
// schedules fire from + interval, one_shot schedules fire at FireAt
// exactly once. A nil result means the schedule never fires again.
func NextFire(s *types.Schedule, from time.Time) (*time.Time, error) {
	switch s.Kind {
	case types.ScheduleInterval:
		if s.IntervalMinutes <= 0 {
			return nil, fmt.Errorf("interval schedule %s has no interval: %w", s.ID, types.ErrValidation)
		}
		next := from.Add(time.Duration(s.IntervalMinutes) * time.Minute)
		return &next, nil

	case types.ScheduleCron:
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("cron schedule %s: %q: %w", s.ID, s.CronExpr, types.ErrValidation)
		}
		loc := time.UTC
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return nil, fmt.Errorf("cron schedule %s: timezone %q: %w", s.ID, s.Timezone, types.ErrValidation)
			}
		}
		next := sched.Next(from.In(loc))
		return &next, nil

	case types.ScheduleOneShot:
		if s.FireAt == nil {
			return nil, fmt.Errorf("one_shot schedule %s has no fire_at: %w", s.ID, types.ErrValidation)
		}
		// Fired already: never again.
		if s.LastFireAt != nil {
			return nil, nil
		}
		fireAt := *s.FireAt
		return &fireAt, nil

	default:
		return nil, fmt.Errorf("schedule %s kind %q: %w", s.ID, s.Kind, types.ErrValidation)
	}
}

// Due reports whether the schedule should fire at now.
func Due(s *types.Schedule, now time.Time) bool {
	if !s.Enabled || s.NextFireAt == nil {
		return false
	}
	return !s.NextFireAt.After(now)
}

// ClaimantID returns the stable identity of this process for claim
// leases, hostname:pid.
func ClaimantID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}
