package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

// PolicyRepository handles database operations for schedule policies.
type PolicyRepository struct {
	db *sqlx.DB
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *sqlx.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// Ensure provisions a policy if it does not exist yet. Existing rows keep
// their trigger and active flag; only the selector and description follow config.
func (r *PolicyRepository) Ensure(ctx context.Context, p *domain.SchedulePolicy) (bool, error) {
	query := `
		INSERT INTO schedule_policies (id, trigger, active, target_selector, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET target_selector = EXCLUDED.target_selector,
		    description = EXCLUDED.description,
		    updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.db.QueryRowContext(ctx, query, p.ID, p.Trigger, p.Active, p.TargetSelector, p.Description).
		Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to provision policy %s: %w", p.ID, err)
	}
	return inserted, nil
}

// GetByID retrieves a policy.
func (r *PolicyRepository) GetByID(ctx context.Context, id string) (*domain.SchedulePolicy, error) {
	var p domain.SchedulePolicy
	query := `
		SELECT id, trigger, active, target_selector, description, created_at, updated_at
		FROM schedule_policies
		WHERE id = $1
	`

	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &p, nil
}

// List returns every policy ordered by id.
func (r *PolicyRepository) List(ctx context.Context) ([]*domain.SchedulePolicy, error) {
	var policies []*domain.SchedulePolicy
	query := `
		SELECT id, trigger, active, target_selector, description, created_at, updated_at
		FROM schedule_policies
		ORDER BY id
	`

	if err := r.db.SelectContext(ctx, &policies, query); err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	if policies == nil {
		policies = []*domain.SchedulePolicy{}
	}
	return policies, nil
}

// SetActive pauses or resumes a policy.
func (r *PolicyRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE schedule_policies SET active = $1, updated_at = NOW() WHERE id = $2`,
		active, id,
	)
	if reqErr := execRequireRows(result, err, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)); reqErr != nil {
		return fmt.Errorf("failed to set policy active: %w", reqErr)
	}
	return nil
}

// UpdateTrigger replaces a policy's trigger expression.
func (r *PolicyRepository) UpdateTrigger(ctx context.Context, id, trigger string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE schedule_policies SET trigger = $1, updated_at = NOW() WHERE id = $2`,
		trigger, id,
	)
	if reqErr := execRequireRows(result, err, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)); reqErr != nil {
		return fmt.Errorf("failed to update policy trigger: %w", reqErr)
	}
	return nil
}
