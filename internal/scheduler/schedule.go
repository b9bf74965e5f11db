package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/regintel/crawl-engine/internal/engine"
)

// cronParser accepts standard 5-field expressions (minute through day-of-week).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateSchedule checks a job's schedule definition. Scheduled jobs carry
// exactly one of a cron expression or an interval; one-off jobs carry neither.
func ValidateSchedule(job engine.CrawlerJob) error {
	hasCron := job.ScheduleCron != ""
	hasInterval := job.IntervalMinutes > 0

	switch job.JobType {
	case engine.JobTypeScheduled:
		if hasCron == hasInterval {
			return fmt.Errorf("%w: scheduled job needs exactly one of schedule_cron or interval_minutes", engine.ErrValidation)
		}
		if hasCron {
			if _, err := cronParser.Parse(job.ScheduleCron); err != nil {
				return fmt.Errorf("%w: invalid cron expression %q: %v", engine.ErrValidation, job.ScheduleCron, err)
			}
		}
		return nil
	case engine.JobTypeOneOff:
		if hasCron || hasInterval {
			return fmt.Errorf("%w: one_off job cannot carry a schedule", engine.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown job_type %q", engine.ErrValidation, job.JobType)
	}
}

// NextRun computes the job's next fire time after from, in UTC. One-off jobs
// have no next fire time.
func NextRun(job engine.CrawlerJob, from time.Time) (*time.Time, error) {
	if job.JobType != engine.JobTypeScheduled {
		return nil, nil
	}
	from = from.UTC()
	if job.ScheduleCron != "" {
		sched, err := cronParser.Parse(job.ScheduleCron)
		if err != nil {
			return nil, fmt.Errorf("parsing cron expression %q: %w", job.ScheduleCron, err)
		}
		next := sched.Next(from)
		return &next, nil
	}
	if job.IntervalMinutes > 0 {
		next := from.Add(time.Duration(job.IntervalMinutes) * time.Minute)
		return &next, nil
	}
	return nil, fmt.Errorf("scheduled job %s has no schedule", job.ID)
}
