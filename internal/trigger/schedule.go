package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// intervalPattern matches an integer followed by a supported unit suffix.
var intervalPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)$`)

// ParseInterval parses a fixed-interval string such as "500ms", "30s",
// "15m", "6h", or "1d" into a duration. Zero intervals are rejected.
func ParseInterval(s string) (time.Duration, error) {
	match := intervalPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid interval %q: expected integer plus unit (ms, s, m, h, d)", s)
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid interval %q: must be positive", s)
	}

	var unit time.Duration
	switch match[2] {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}

// jobLocation resolves the timezone a job's schedule is evaluated in.
// An unset timezone falls back to the process-local zone.
func jobLocation(job *models.ScheduledJob) (*time.Location, error) {
	if job.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, models.ErrInvalidTimezone)
	}
	return loc, nil
}

// NextRunTime computes a job's next fire time after now. ok is false for
// schedules with no future firing (expired one-shots, cron expressions
// with no match inside the search horizon). Malformed schedule syntax is
// a configuration error.
func NextRunTime(job *models.ScheduledJob, now time.Time) (next time.Time, ok bool, err error) {
	loc, err := jobLocation(job)
	if err != nil {
		return time.Time{}, false, err
	}

	switch job.ScheduleKind() {
	case models.ScheduleCron:
		schedule, err := ParseCron(job.Cron)
		if err != nil {
			return time.Time{}, false, err
		}
		next, ok := schedule.Next(now.In(loc))
		return next, ok, nil

	case models.ScheduleEvery:
		interval, err := ParseInterval(job.Every)
		if err != nil {
			return time.Time{}, false, err
		}
		if job.LastRunAt != nil {
			return job.LastRunAt.Add(interval), true, nil
		}
		return now.Add(interval), true, nil

	default: // models.ScheduleAt
		if job.At == nil {
			return time.Time{}, false, models.ErrNoSchedule
		}
		// A one-shot whose time has passed never fires.
		if !job.At.After(now) {
			return time.Time{}, false, nil
		}
		return *job.At, true, nil
	}
}
