// Package testutils provides shared testing utilities across the application.
package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

// JobStore is an in-memory database.JobStore with the same transition rules.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.AcquisitionJob
	// History records every persisted state per job, in order.
	History map[string][]domain.JobState
	// FailTransition, when set, is returned by Transition instead of writing.
	FailTransition error
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]*domain.AcquisitionJob),
		History: make(map[string][]domain.JobState),
	}
}

func copyJob(j *domain.AcquisitionJob) *domain.AcquisitionJob {
	c := *j
	return &c
}

// Create implements database.JobStore.
func (s *JobStore) Create(_ context.Context, job *domain.AcquisitionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = copyJob(job)
	s.History[job.ID] = append(s.History[job.ID], job.State)
	return nil
}

// Put stores a job as-is, bypassing the state rules. Used to seed crash scenarios.
func (s *JobStore) Put(job *domain.AcquisitionJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
}

// GetByID implements database.JobStore.
func (s *JobStore) GetByID(_ context.Context, id string) (*domain.AcquisitionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", database.ErrJobNotFound, id)
	}
	return copyJob(j), nil
}

func (s *JobStore) sorted() []*domain.AcquisitionJob {
	out := make([]*domain.AcquisitionJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// List implements database.JobStore, newest first.
func (s *JobStore) List(_ context.Context, filter database.JobFilter) ([]*domain.AcquisitionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted()
	out := []*domain.AcquisitionJob{}
	for i := len(all) - 1; i >= 0; i-- {
		if filter.State == "" || all[i].State == filter.State {
			out = append(out, all[i])
		}
	}
	if filter.Offset >= len(out) {
		return []*domain.AcquisitionJob{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count implements database.JobStore.
func (s *JobStore) Count(_ context.Context, state domain.JobState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if state == "" || j.State == state {
			n++
		}
	}
	return n, nil
}

// ListByStates implements database.JobStore, oldest first.
func (s *JobStore) ListByStates(_ context.Context, states ...domain.JobState) ([]*domain.AcquisitionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.AcquisitionJob
	for _, j := range s.sorted() {
		for _, st := range states {
			if j.State == st {
				out = append(out, j)
				break
			}
		}
	}
	return out, nil
}

// LatestCompletedForItem implements database.JobStore.
func (s *JobStore) LatestCompletedForItem(_ context.Context, itemID string) (*domain.AcquisitionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.AcquisitionJob
	for _, j := range s.sorted() {
		if j.State != domain.StateCompleted || j.ItemID == nil || *j.ItemID != itemID {
			continue
		}
		if latest == nil || (j.CompletedAt != nil && latest.CompletedAt != nil && !j.CompletedAt.Before(*latest.CompletedAt)) {
			latest = j
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: item %s", database.ErrJobNotFound, itemID)
	}
	return latest, nil
}

// Transition implements database.JobStore.
func (s *JobStore) Transition(_ context.Context, job *domain.AcquisitionJob, from domain.JobState) error {
	if err := domain.ValidateStateTransition(from, job.State); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailTransition != nil {
		return s.FailTransition
	}
	stored, ok := s.jobs[job.ID]
	if !ok || stored.State != from {
		return fmt.Errorf("%w: %s expected %s", database.ErrStaleTransition, job.ID, from)
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = copyJob(job)
	s.History[job.ID] = append(s.History[job.ID], job.State)
	return nil
}

// PolicyStore is an in-memory database.PolicyStore.
type PolicyStore struct {
	mu       sync.Mutex
	policies map[string]*domain.SchedulePolicy
	// Writes counts successful mutations.
	Writes int
}

// NewPolicyStore creates a store seeded with policies.
func NewPolicyStore(policies ...*domain.SchedulePolicy) *PolicyStore {
	s := &PolicyStore{policies: make(map[string]*domain.SchedulePolicy)}
	for _, p := range policies {
		c := *p
		s.policies[p.ID] = &c
	}
	return s
}

// Ensure implements database.PolicyStore.
func (s *PolicyStore) Ensure(_ context.Context, p *domain.SchedulePolicy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.policies[p.ID]; ok {
		existing.TargetSelector = p.TargetSelector
		existing.Description = p.Description
		*p = *existing
		return false, nil
	}
	c := *p
	s.policies[p.ID] = &c
	return true, nil
}

// GetByID implements database.PolicyStore.
func (s *PolicyStore) GetByID(_ context.Context, id string) (*domain.SchedulePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", database.ErrPolicyNotFound, id)
	}
	c := *p
	return &c, nil
}

// List implements database.PolicyStore.
func (s *PolicyStore) List(_ context.Context) ([]*domain.SchedulePolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.SchedulePolicy, 0, len(s.policies))
	for _, p := range s.policies {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// SetActive implements database.PolicyStore.
func (s *PolicyStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrPolicyNotFound, id)
	}
	p.Active = active
	s.Writes++
	return nil
}

// UpdateTrigger implements database.PolicyStore.
func (s *PolicyStore) UpdateTrigger(_ context.Context, id, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrPolicyNotFound, id)
	}
	p.Trigger = trigger
	s.Writes++
	return nil
}

// ExecutionLogStore is an in-memory database.ExecutionLogStore.
type ExecutionLogStore struct {
	mu   sync.Mutex
	logs []*domain.ScheduleExecutionLog
}

// NewExecutionLogStore creates an empty store.
func NewExecutionLogStore() *ExecutionLogStore {
	return &ExecutionLogStore{}
}

// Open implements database.ExecutionLogStore.
func (s *ExecutionLogStore) Open(_ context.Context, log *domain.ScheduleExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.PolicyID == log.PolicyID && l.Status == domain.ExecutionRunning {
			return fmt.Errorf("%w: %s", database.ErrExecutionInProgress, log.PolicyID)
		}
	}
	log.Status = domain.ExecutionRunning
	c := *log
	s.logs = append(s.logs, &c)
	return nil
}

// Close implements database.ExecutionLogStore.
func (s *ExecutionLogStore) Close(_ context.Context, log *domain.ScheduleExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.logs {
		if l.ID == log.ID && l.Status == domain.ExecutionRunning {
			c := *log
			s.logs[i] = &c
			return nil
		}
	}
	return fmt.Errorf("%w: %s", database.ErrExecutionClosed, log.ID)
}

// CloseStale implements database.ExecutionLogStore.
func (s *ExecutionLogStore) CloseStale(_ context.Context, detail string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, l := range s.logs {
		if l.Status == domain.ExecutionRunning {
			l.Status = domain.ExecutionFailed
			d := detail
			l.ErrorDetail = &d
			l.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

// List implements database.ExecutionLogStore, newest first.
func (s *ExecutionLogStore) List(_ context.Context, policyID string, limit int) ([]*domain.ScheduleExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*domain.ScheduleExecutionLog{}
	for i := len(s.logs) - 1; i >= 0; i-- {
		if policyID == "" || s.logs[i].PolicyID == policyID {
			c := *s.logs[i]
			out = append(out, &c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AuditStore is an in-memory database.AuditStore.
type AuditStore struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

// NewAuditStore creates an empty store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Insert implements database.AuditStore.
func (s *AuditStore) Insert(_ context.Context, e *domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.events = append(s.events, &c)
	return nil
}

// ListForJob implements database.AuditStore.
func (s *AuditStore) ListForJob(_ context.Context, jobID string) ([]*domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.AuditEvent
	for _, e := range s.events {
		if e.JobID != nil && *e.JobID == jobID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Kinds returns the kinds of every recorded event in order.
func (s *AuditStore) Kinds() []domain.AuditKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

var (
	_ database.JobStore          = (*JobStore)(nil)
	_ database.PolicyStore       = (*PolicyStore)(nil)
	_ database.ExecutionLogStore = (*ExecutionLogStore)(nil)
	_ database.AuditStore        = (*AuditStore)(nil)
)
