// Package retry drives a job through attempts until it completes or fails.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/acquisition"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/events"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
)

// Auditor receives job outcome events.
type Auditor interface {
	Record(ctx context.Context, e domain.AuditEvent)
}

// Publisher receives persisted transitions.
type Publisher interface {
	Publish(e events.Event)
}

// Coordinator persists every transition of a job before acting on it.
type Coordinator struct {
	store     database.JobStore
	strategy  Strategy
	auditor   Auditor
	publisher Publisher
	log       logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAuditor records outcomes to a.
func WithAuditor(a Auditor) Option {
	return func(c *Coordinator) { c.auditor = a }
}

// WithPublisher publishes transitions to p.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics records terminal jobs to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// NewCoordinator creates a coordinator persisting through store.
func NewCoordinator(store database.JobStore, strategy Strategy, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		strategy: strategy,
		log:      logger.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logger.Component("retry"))
	return c
}

// RunWithRetry runs attempts until the job completes, fails permanently, or
// exhausts job.MaxAttempts. The returned job is completed or failed unless an
// error is returned: ctx cancellation leaves it running in the store for
// startup reconciliation, and a persistence failure stops the loop.
func (c *Coordinator) RunWithRetry(ctx context.Context, job *domain.AcquisitionJob, runner acquisition.Runner) (*domain.AcquisitionJob, error) {
	if domain.IsTerminalState(job.State) {
		return job, nil
	}

	log := c.log.With(logger.JobID(job.ID), logger.Target(job.Target().String()))

	if job.State == domain.StatePending {
		now := c.now()
		job.State = domain.StateRunning
		job.StartedAt = &now
		if err := c.persist(ctx, job, domain.StatePending); err != nil {
			return job, err
		}
		c.audit(ctx, job, domain.AuditJobStarted, "", "")
	}

	unknownEncodingSeen := false
	for {
		artifact, err := runner.Execute(ctx, job.Target())
		if err == nil {
			return job, c.complete(ctx, job, artifact, log)
		}

		aerr := acquisition.AsError(err)
		if ctx.Err() != nil {
			log.Info("Job interrupted, leaving it running for reconciliation", logger.Error(err))
			return job, fmt.Errorf("job %s interrupted: %w", job.ID, context.Cause(ctx))
		}

		job.AttemptCount++

		retryable := aerr.Retryable()
		if aerr.Code == acquisition.CodeUnknownEncoding {
			if unknownEncodingSeen {
				retryable = false
			}
			unknownEncodingSeen = true
			log.Warn("Unrecognized response encoding",
				logger.Attempt(job.AttemptCount),
				logger.String("prefix", fmt.Sprintf("%q", aerr.Prefix)),
			)
		}

		if !retryable || !job.AttemptsLeft() {
			return job, c.fail(ctx, job, aerr, log)
		}

		delay := c.strategy.Delay(job.AttemptCount)
		if persistErr := c.persist(ctx, job, domain.StateRunning); persistErr != nil {
			return job, persistErr
		}
		c.audit(ctx, job, domain.AuditJobRetrying, string(aerr.Code), aerr.Reason())
		log.Warn("Attempt failed, retrying",
			logger.Attempt(job.AttemptCount),
			logger.Int("max_attempts", job.MaxAttempts),
			logger.Code(string(aerr.Code)),
			logger.Duration("backoff", delay),
			logger.Error(aerr),
		)

		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			log.Info("Backoff interrupted, leaving job running for reconciliation")
			return job, fmt.Errorf("job %s interrupted: %w", job.ID, sleepErr)
		}
	}
}

// Fail moves a non-terminal job straight to failed with code. Reconciliation
// uses it for jobs that cannot be resumed.
func (c *Coordinator) Fail(ctx context.Context, job *domain.AcquisitionJob, code acquisition.Code, detail string) error {
	return c.fail(ctx, job, &acquisition.Error{Code: code, Detail: detail}, c.log.With(logger.JobID(job.ID)))
}

func (c *Coordinator) complete(ctx context.Context, job *domain.AcquisitionJob, artifact acquisition.Artifact, log logger.Logger) error {
	now := c.now()
	job.State = domain.StateCompleted
	job.ArtifactPath = &artifact.Path
	job.ArtifactSizeBytes = &artifact.SizeBytes
	job.CompletedAt = &now

	if err := c.persist(ctx, job, domain.StateRunning); err != nil {
		return err
	}

	c.metrics.RecordJobFinished(string(domain.StateCompleted), artifact.SizeBytes)
	c.audit(ctx, job, domain.AuditJobCompleted, "", artifact.Path)
	log.Info("Job completed",
		logger.String("artifact_path", artifact.Path),
		logger.Int64("size_bytes", artifact.SizeBytes),
		logger.Bool("streamed", artifact.Streamed),
	)
	return nil
}

func (c *Coordinator) fail(ctx context.Context, job *domain.AcquisitionJob, aerr *acquisition.Error, log logger.Logger) error {
	from := job.State
	now := c.now()
	code := string(aerr.Code)
	reason := aerr.Reason()

	job.State = domain.StateFailed
	job.FailureCode = &code
	job.FailureReason = &reason
	job.CompletedAt = &now

	if err := c.persist(ctx, job, from); err != nil {
		return err
	}

	c.metrics.RecordJobFinished(string(domain.StateFailed), 0)
	c.audit(ctx, job, domain.AuditJobFailed, code, reason)
	log.Error("Job failed",
		logger.Code(code),
		logger.Attempt(job.AttemptCount),
		logger.Int("max_attempts", job.MaxAttempts),
		logger.String("reason", reason),
	)
	return nil
}

// persist writes the transition, then publishes it. Writes use a context
// detached from cancellation so a decided outcome is never lost.
func (c *Coordinator) persist(ctx context.Context, job *domain.AcquisitionJob, from domain.JobState) error {
	if err := c.store.Transition(context.WithoutCancel(ctx), job, from); err != nil {
		if errors.Is(err, database.ErrStaleTransition) {
			return fmt.Errorf("job %s changed underneath the coordinator: %w", job.ID, err)
		}
		return fmt.Errorf("persist %s -> %s: %w", from, job.State, err)
	}

	if c.publisher != nil {
		c.publisher.Publish(events.Event{
			JobID: job.ID,
			From:  from,
			To:    job.State,
			Job:   *job,
			At:    job.UpdatedAt,
		})
	}
	return nil
}

func (c *Coordinator) audit(ctx context.Context, job *domain.AcquisitionJob, kind domain.AuditKind, code, detail string) {
	if c.auditor == nil {
		return
	}
	id := job.ID
	c.auditor.Record(ctx, domain.AuditEvent{
		Kind:     kind,
		JobID:    &id,
		PolicyID: job.PolicyID,
		ClientID: job.ClientID,
		Target:   job.Target().String(),
		Code:     code,
		Detail:   detail,
		Attributes: domain.JSONBMap{
			"attempt_count": job.AttemptCount,
			"max_attempts":  job.MaxAttempts,
		},
	})
}
