package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

// AuditRepository appends audit events. Events are insert-only.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends one event.
func (r *AuditRepository) Insert(ctx context.Context, e *domain.AuditEvent) error {
	query := `
		INSERT INTO audit_events (id, occurred_at, kind, job_id, policy_id, client_id, target, code, detail, attributes)
		VALUES (:id, :occurred_at, :kind, :job_id, :policy_id, :client_id, :target, :code, :detail, :attributes)
	`
	if _, err := r.db.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListForJob returns a job's audit trail in order.
func (r *AuditRepository) ListForJob(ctx context.Context, jobID string) ([]*domain.AuditEvent, error) {
	var events []*domain.AuditEvent
	query := `
		SELECT id, occurred_at, kind, job_id, policy_id, client_id, target, code, detail, attributes
		FROM audit_events
		WHERE job_id = $1
		ORDER BY occurred_at ASC
	`
	if err := r.db.SelectContext(ctx, &events, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
