package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/admission"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/job"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
)

// runBatch expands the selector in order, submits every target, waits for
// the outcomes and closes the execution log. A panic closes the log as failed.
func (e *Engine) runBatch(ctx context.Context, policy domain.SchedulePolicy) {
	start := time.Now()
	log := e.log.With(logger.PolicyID(policy.ID))

	execLog := &domain.ScheduleExecutionLog{
		ID:        newLogID(),
		PolicyID:  policy.ID,
		StartedAt: e.clock().UTC(),
	}
	if err := e.logs.Open(ctx, execLog); err != nil {
		if errors.Is(err, database.ErrExecutionInProgress) {
			log.Warn("Skipping firing, an execution log is still open")
			e.metrics.RecordFiring(policy.ID, "skipped", 0)
			e.audit(ctx, domain.AuditScheduleSkipped, policy.ID, "", "execution log still open")
			return
		}
		log.Error("Failed to open execution log", logger.Error(err))
		e.metrics.RecordFiring(policy.ID, "error", 0)
		return
	}

	log = log.With(logger.String(logger.KeyLogID, execLog.ID))
	log.Info("Policy fired", logger.Int("targets", len(policy.TargetSelector)))
	e.audit(ctx, domain.AuditScheduleFired, policy.ID, "", execLog.ID)

	var summary domain.BatchSummary
	defer func() {
		if r := recover(); r != nil {
			log.Error("Batch panicked", logger.Any("panic", r))
			e.closeLog(ctx, execLog, summary, fmt.Errorf("panic: %v", r))
			e.metrics.RecordFiring(policy.ID, "failed", time.Since(start).Seconds())
		}
	}()

	summary, err := e.execute(ctx, policy, execLog.ID, log)
	e.closeLog(ctx, execLog, summary, err)

	result := string(execLog.Status)
	e.metrics.RecordFiring(policy.ID, result, time.Since(start).Seconds())
	e.audit(ctx, domain.AuditScheduleCompleted, policy.ID, result, execLog.ID)
	log.Info("Policy batch finished",
		logger.Int("attempted", summary.Attempted),
		logger.Int("succeeded", summary.Succeeded),
		logger.Int("failed", summary.Failed),
		logger.Int("rejected", summary.Rejected),
	)
}

// execute submits targets in selector order, then collects outcomes in any
// order. Individual failures never abort the batch; only cancellation does.
func (e *Engine) execute(ctx context.Context, policy domain.SchedulePolicy, logID string, log logger.Logger) (domain.BatchSummary, error) {
	summary := domain.BatchSummary{JobIDs: []string{}}
	origin := job.Origin{PolicyID: policy.ID, ExecutionLogID: logID}

	handles := make([]*job.Handle, 0, len(policy.TargetSelector))
	for _, target := range policy.TargetSelector {
		summary.Attempted++

		h, err := e.jobs.SubmitScheduled(ctx, target, origin)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			var aerr *admission.Error
			if errors.As(err, &aerr) {
				summary.Rejected++
			} else {
				summary.Failed++
			}
			log.Warn("Target not started", logger.Target(target.String()), logger.Error(err))
			continue
		}
		handles = append(handles, h)
		summary.JobIDs = append(summary.JobIDs, h.ID())
	}

	for _, h := range handles {
		final, err := h.Wait(ctx)
		if err != nil && ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if final.State == domain.StateCompleted {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

func (e *Engine) closeLog(ctx context.Context, execLog *domain.ScheduleExecutionLog, summary domain.BatchSummary, runErr error) {
	now := e.clock().UTC()
	execLog.Status = domain.ExecutionCompleted
	execLog.ResultSummary = summary.AsMap()
	execLog.CompletedAt = &now
	if runErr != nil {
		detail := runErr.Error()
		if errors.Is(runErr, context.Canceled) {
			detail = staleLogDetail
		}
		execLog.Status = domain.ExecutionFailed
		execLog.ErrorDetail = &detail
	}

	if err := e.logs.Close(context.WithoutCancel(ctx), execLog); err != nil {
		e.log.Error("Failed to close execution log",
			logger.PolicyID(execLog.PolicyID),
			logger.String(logger.KeyLogID, execLog.ID),
			logger.Error(err),
		)
	}
}
