package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dumpkeep-io/dumpkeep/internal/dkerr"
)

// cronParser accepts standard 5-field expressions (minute granularity).
// Second-level fields are rejected at validation time.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateSchedule checks a job's cron expression before it is persisted.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return dkerr.Wrap(dkerr.KindConfigInvalid, err, "invalid cron expression %q", expr)
	}
	return nil
}

// NextRun computes the next fire time of expr strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, dkerr.Wrap(dkerr.KindConfigInvalid, err, "invalid cron expression %q", expr)
	}
	return schedule.Next(from), nil
}
