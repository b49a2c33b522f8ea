package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

const jobColumns = `id, target_kind, region, category, item_id, state, attempt_count, max_attempts,
		       artifact_path, artifact_size_bytes, failure_code, failure_reason,
		       client_id, policy_id, execution_log_id,
		       created_at, started_at, completed_at, updated_at`

// JobFilter narrows a job listing.
type JobFilter struct {
	State  domain.JobState
	Limit  int
	Offset int
}

// JobRepository handles database operations for acquisition jobs.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job.
func (r *JobRepository) Create(ctx context.Context, job *domain.AcquisitionJob) error {
	query := `
		INSERT INTO acquisition_jobs (id, target_kind, region, category, item_id, state,
		                              attempt_count, max_attempts, client_id, policy_id, execution_log_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		job.ID,
		job.TargetKind,
		job.Region,
		job.Category,
		job.ItemID,
		job.State,
		job.AttemptCount,
		job.MaxAttempts,
		job.ClientID,
		job.PolicyID,
		job.ExecutionLogID,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by its ID. Ids that are not UUIDs are not found.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.AcquisitionJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	var job domain.AcquisitionJob
	query := `SELECT ` + jobColumns + ` FROM acquisition_jobs WHERE id = $1`

	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// List retrieves jobs newest first, optionally filtered by state.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]*domain.AcquisitionJob, error) {
	var (
		jobs  []*domain.AcquisitionJob
		query string
		args  []any
	)

	if filter.State != "" {
		query = `SELECT ` + jobColumns + ` FROM acquisition_jobs
			WHERE state = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3`
		args = []any{filter.State, filter.Limit, filter.Offset}
	} else {
		query = `SELECT ` + jobColumns + ` FROM acquisition_jobs
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`
		args = []any{filter.Limit, filter.Offset}
	}

	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	if jobs == nil {
		jobs = []*domain.AcquisitionJob{}
	}

	return jobs, nil
}

// Count returns the number of jobs, optionally filtered by state.
func (r *JobRepository) Count(ctx context.Context, state domain.JobState) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM acquisition_jobs WHERE ($1 = '' OR state = $1)`

	if err := r.db.GetContext(ctx, &count, query, string(state)); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// ListByStates returns every job in one of the given states, oldest first.
func (r *JobRepository) ListByStates(ctx context.Context, states ...domain.JobState) ([]*domain.AcquisitionJob, error) {
	query, args, err := sqlx.In(`SELECT `+jobColumns+` FROM acquisition_jobs
		WHERE state IN (?)
		ORDER BY created_at ASC`, states)
	if err != nil {
		return nil, fmt.Errorf("failed to build state query: %w", err)
	}

	var jobs []*domain.AcquisitionJob
	if selErr := r.db.SelectContext(ctx, &jobs, r.db.Rebind(query), args...); selErr != nil {
		return nil, fmt.Errorf("failed to list jobs by state: %w", selErr)
	}
	return jobs, nil
}

// LatestCompletedForItem returns the most recent completed job for an item id.
func (r *JobRepository) LatestCompletedForItem(ctx context.Context, itemID string) (*domain.AcquisitionJob, error) {
	var job domain.AcquisitionJob
	query := `SELECT ` + jobColumns + ` FROM acquisition_jobs
		WHERE item_id = $1 AND state = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1`

	if err := r.db.GetContext(ctx, &job, query, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: item %s", ErrJobNotFound, itemID)
		}
		return nil, fmt.Errorf("failed to get latest job for item: %w", err)
	}
	return &job, nil
}

// Transition persists the job's current fields, provided the stored state still equals from.
// This is the only write path after creation; it keeps transitions monotonic.
func (r *JobRepository) Transition(ctx context.Context, job *domain.AcquisitionJob, from domain.JobState) error {
	if err := domain.ValidateStateTransition(from, job.State); err != nil {
		return err
	}

	query := `
		UPDATE acquisition_jobs
		SET state = $1, attempt_count = $2, artifact_path = $3, artifact_size_bytes = $4,
		    failure_code = $5, failure_reason = $6, started_at = $7, completed_at = $8,
		    updated_at = NOW()
		WHERE id = $9 AND state = $10
		RETURNING updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		job.State,
		job.AttemptCount,
		job.ArtifactPath,
		job.ArtifactSizeBytes,
		job.FailureCode,
		job.FailureReason,
		job.StartedAt,
		job.CompletedAt,
		job.ID,
		from,
	).Scan(&job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s expected %s", ErrStaleTransition, job.ID, from)
		}
		return fmt.Errorf("failed to update job state: %w", err)
	}

	return nil
}
