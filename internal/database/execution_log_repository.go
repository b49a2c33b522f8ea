package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

const executionLogColumns = `id, policy_id, status, result_summary, error_detail, started_at, completed_at`

// ExecutionLogRepository handles database operations for schedule execution logs.
type ExecutionLogRepository struct {
	db *sqlx.DB
}

// NewExecutionLogRepository creates a new execution log repository.
func NewExecutionLogRepository(db *sqlx.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db}
}

// Open inserts a running log. A second open log for the same policy is
// rejected by a partial unique index and reported as ErrExecutionInProgress.
func (r *ExecutionLogRepository) Open(ctx context.Context, log *domain.ScheduleExecutionLog) error {
	query := `
		INSERT INTO schedule_execution_logs (id, policy_id, status, started_at)
		VALUES ($1, $2, 'running', $3)
	`

	if _, err := r.db.ExecContext(ctx, query, log.ID, log.PolicyID, log.StartedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExecutionInProgress, log.PolicyID)
		}
		return fmt.Errorf("failed to open execution log: %w", err)
	}
	log.Status = domain.ExecutionRunning
	return nil
}

// Close finalizes an open log. Closed logs are immutable.
func (r *ExecutionLogRepository) Close(ctx context.Context, log *domain.ScheduleExecutionLog) error {
	query := `
		UPDATE schedule_execution_logs
		SET status = $1, result_summary = $2, error_detail = $3, completed_at = $4
		WHERE id = $5 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, query,
		log.Status, log.ResultSummary, log.ErrorDetail, log.CompletedAt, log.ID,
	)
	if reqErr := execRequireRows(result, err, fmt.Errorf("%w: %s", ErrExecutionClosed, log.ID)); reqErr != nil {
		return fmt.Errorf("failed to close execution log: %w", reqErr)
	}
	return nil
}

// CloseStale fails every log still open, used once at startup.
func (r *ExecutionLogRepository) CloseStale(ctx context.Context, detail string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE schedule_execution_logs
		SET status = 'failed', error_detail = $1, completed_at = NOW()
		WHERE status = 'running'
	`, detail)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale execution logs: %w", err)
	}
	return result.RowsAffected()
}

// List returns the newest logs, optionally restricted to one policy.
func (r *ExecutionLogRepository) List(ctx context.Context, policyID string, limit int) ([]*domain.ScheduleExecutionLog, error) {
	var logs []*domain.ScheduleExecutionLog
	query := `SELECT ` + executionLogColumns + ` FROM schedule_execution_logs
		WHERE ($1 = '' OR policy_id = $1)
		ORDER BY started_at DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &logs, query, policyID, limit); err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	if logs == nil {
		logs = []*domain.ScheduleExecutionLog{}
	}
	return logs, nil
}
