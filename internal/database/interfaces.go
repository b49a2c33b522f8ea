package database

import (
	"context"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

// JobStore is the job record store.
type JobStore interface {
	Create(ctx context.Context, job *domain.AcquisitionJob) error
	GetByID(ctx context.Context, id string) (*domain.AcquisitionJob, error)
	List(ctx context.Context, filter JobFilter) ([]*domain.AcquisitionJob, error)
	Count(ctx context.Context, state domain.JobState) (int, error)
	ListByStates(ctx context.Context, states ...domain.JobState) ([]*domain.AcquisitionJob, error)
	LatestCompletedForItem(ctx context.Context, itemID string) (*domain.AcquisitionJob, error)
	Transition(ctx context.Context, job *domain.AcquisitionJob, from domain.JobState) error
}

// PolicyStore is the schedule policy store.
type PolicyStore interface {
	Ensure(ctx context.Context, p *domain.SchedulePolicy) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.SchedulePolicy, error)
	List(ctx context.Context) ([]*domain.SchedulePolicy, error)
	SetActive(ctx context.Context, id string, active bool) error
	UpdateTrigger(ctx context.Context, id, trigger string) error
}

// ExecutionLogStore is the schedule execution log store.
type ExecutionLogStore interface {
	Open(ctx context.Context, log *domain.ScheduleExecutionLog) error
	Close(ctx context.Context, log *domain.ScheduleExecutionLog) error
	CloseStale(ctx context.Context, detail string) (int64, error)
	List(ctx context.Context, policyID string, limit int) ([]*domain.ScheduleExecutionLog, error)
}

// AuditStore is the append-only audit event store.
type AuditStore interface {
	Insert(ctx context.Context, e *domain.AuditEvent) error
	ListForJob(ctx context.Context, jobID string) ([]*domain.AuditEvent, error)
}

var (
	_ JobStore          = (*JobRepository)(nil)
	_ PolicyStore       = (*PolicyRepository)(nil)
	_ ExecutionLogStore = (*ExecutionLogRepository)(nil)
	_ AuditStore        = (*AuditRepository)(nil)
)
