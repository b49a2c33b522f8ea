package job

import (
	"context"
	"fmt"

	"github.com/jonesrussell/north-cloud/acquirer/internal/acquisition"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
)

// ReconcileReport counts what startup reconciliation did.
type ReconcileReport struct {
	Requeued int
	Failed   int
}

// Reconcile repairs jobs a previous process left unfinished. A running job
// loses the attempt that was interrupted; if budget remains it is re-queued,
// otherwise it fails with INTERRUPTED. Pending jobs are re-queued as is.
// Re-queued jobs wait for admission in the background.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	jobs, err := s.store.ListByStates(ctx, domain.StateRunning, domain.StatePending)
	if err != nil {
		return report, fmt.Errorf("failed to load unfinished jobs: %w", err)
	}

	for _, job := range jobs {
		log := s.log.With(logger.JobID(job.ID), logger.Target(job.Target().String()))

		if job.State == domain.StateRunning {
			job.AttemptCount++
			if !job.AttemptsLeft() {
				if failErr := s.coord.Fail(ctx, job, acquisition.CodeInterrupted,
					"process stopped during the final attempt"); failErr != nil {
					return report, failErr
				}
				report.Failed++
				s.recordReconciled(ctx, job, "failed")
				log.Warn("Interrupted job failed", logger.Attempt(job.AttemptCount))
				continue
			}
			if persistErr := s.store.Transition(ctx, job, domain.StateRunning); persistErr != nil {
				return report, fmt.Errorf("failed to record interrupted attempt: %w", persistErr)
			}
		}

		report.Requeued++
		s.recordReconciled(ctx, job, "requeued")
		log.Info("Re-queued unfinished job", logger.String("state", string(job.State)))
		s.requeue(job)
	}

	return report, nil
}

func (s *Service) requeue(job *domain.AcquisitionJob) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		token, err := s.admitter.AdmitWait(s.waitCtx, job.Target(), job.ClientID)
		if err != nil {
			s.log.Warn("Re-queued job was not admitted",
				logger.JobID(job.ID),
				logger.Error(err),
			)
			return
		}
		if _, runErr := s.Run(s.runCtx, token, job); runErr != nil {
			s.log.Warn("Re-queued job was not started",
				logger.JobID(job.ID),
				logger.Error(runErr),
			)
		}
	}()
}

func (s *Service) recordReconciled(ctx context.Context, job *domain.AcquisitionJob, outcome string) {
	if s.auditor == nil {
		return
	}
	id := job.ID
	s.auditor.Record(ctx, domain.AuditEvent{
		Kind:     domain.AuditJobReconciled,
		JobID:    &id,
		PolicyID: job.PolicyID,
		ClientID: job.ClientID,
		Target:   job.Target().String(),
		Detail:   outcome,
		Attributes: domain.JSONBMap{
			"attempt_count": job.AttemptCount,
			"state":         string(job.State),
		},
	})
}
