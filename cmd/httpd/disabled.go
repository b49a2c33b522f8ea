package httpd

import (
	"context"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/scheduler"
)

// disabledScheduler answers scheduler routes when scheduler.enabled is false.
type disabledScheduler struct{}

func (disabledScheduler) RunNow(context.Context, string) error { return scheduler.ErrStopped }
func (disabledScheduler) Pause(context.Context, string) error  { return scheduler.ErrStopped }
func (disabledScheduler) Resume(context.Context, string) error { return scheduler.ErrStopped }

func (disabledScheduler) Reschedule(context.Context, string, string) error {
	return scheduler.ErrStopped
}

func (disabledScheduler) Policies(context.Context) ([]domain.SchedulePolicy, error) {
	return nil, nil
}

func (disabledScheduler) ExecutionLogs(context.Context, string, int) ([]*domain.ScheduleExecutionLog, error) {
	return nil, nil
}
