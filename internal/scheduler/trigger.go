package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidTrigger is returned for triggers that do not parse or never fire.
var ErrInvalidTrigger = errors.New("invalid trigger")

// triggerParser accepts 5-field expressions and descriptors such as @daily or @every 6h.
var triggerParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTrigger parses expr and checks it yields a future instant after now.
func ParseTrigger(expr string, now time.Time) (cron.Schedule, error) {
	schedule, err := triggerParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTrigger, expr, err)
	}
	if schedule.Next(now).IsZero() {
		return nil, fmt.Errorf("%w: %q never fires", ErrInvalidTrigger, expr)
	}
	return schedule, nil
}
