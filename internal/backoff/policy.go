package backoff

import (
	"fmt"
	"github.com/RezaEskandarii/fibfire/types"
	"time"

	"github.com/robfig/cron/v3"
)

// Policy combines a setting's regular cron cadence with the failure backoff.
type Policy struct {
	Schedule cron.Schedule
}

// NewPolicy parses a standard five-field cron expression.
func NewPolicy(expression string) (Policy, error) {
	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return Policy{}, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	return Policy{Schedule: schedule}, nil
}

// Next returns the later of the schedule's next fire time after ranAt and the
// backoff-delayed time derived from outcomes. The backoff never moves a run earlier.
func (p Policy) Next(ranAt time.Time, outcomes []types.JobOutcome) time.Time {
	next := ranAt.Add(time.Hour)
	if p.Schedule != nil {
		next = p.Schedule.Next(ranAt)
	}

	if delayed, ok := NextRunTime(outcomes); ok && delayed.After(next) {
		return delayed
	}
	return next
}
