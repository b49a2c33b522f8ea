// Package job owns the acquisition job lifecycle: admission, creation,
// execution and startup reconciliation.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/acquirer/internal/acquisition"
	"github.com/jonesrussell/north-cloud/acquirer/internal/admission"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Admitter hands out admission tokens.
type Admitter interface {
	TryAdmit(ctx context.Context, target domain.TargetKey, clientID string) (*admission.Token, error)
	AdmitWait(ctx context.Context, target domain.TargetKey, clientID string) (*admission.Token, error)
}

// Coordinator runs a job to a terminal state.
type Coordinator interface {
	RunWithRetry(ctx context.Context, job *domain.AcquisitionJob, runner acquisition.Runner) (*domain.AcquisitionJob, error)
	Fail(ctx context.Context, job *domain.AcquisitionJob, code acquisition.Code, detail string) error
}

// Auditor receives lifecycle events the coordinator does not record.
type Auditor interface {
	Record(ctx context.Context, e domain.AuditEvent)
}

// Config holds service settings.
type Config struct {
	MaxAttempts int
}

// Service creates jobs and runs each admitted one in its own goroutine.
type Service struct {
	cfg      Config
	store    database.JobStore
	admitter Admitter
	coord    Coordinator
	runner   acquisition.Runner
	auditor  Auditor
	log      logger.Logger
	now      func() time.Time

	// runCtx bounds job goroutines; waitCtx bounds background admission waits.
	runCtx     context.Context
	cancelRun  context.CancelFunc
	waitCtx    context.Context
	cancelWait context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	closing bool
	handles map[string]*Handle
}

// NewService creates a job service.
func NewService(
	cfg Config,
	store database.JobStore,
	admitter Admitter,
	coord Coordinator,
	runner acquisition.Runner,
	auditor Auditor,
	log logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	waitCtx, cancelWait := context.WithCancel(runCtx)
	return &Service{
		cfg:        cfg,
		store:      store,
		admitter:   admitter,
		coord:      coord,
		runner:     runner,
		auditor:    auditor,
		log:        log.With(logger.Component("job_service")),
		now:        func() time.Time { return time.Now().UTC() },
		runCtx:     runCtx,
		cancelRun:  cancelRun,
		waitCtx:    waitCtx,
		cancelWait: cancelWait,
		handles:    make(map[string]*Handle),
	}
}

// Rejection is one category a region submission could not admit.
type Rejection struct {
	Category string
	Err      *admission.Error
}

// RegionResult is the outcome of SubmitRegion.
type RegionResult struct {
	Jobs     []domain.AcquisitionJob
	Rejected []Rejection
}

// SubmitRegion admits one job per category, each individually.
func (s *Service) SubmitRegion(ctx context.Context, clientID, region string, categories []string) (*RegionResult, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("%w: at least one category is required", ErrInvalidTarget)
	}

	targets := make([]domain.TargetKey, 0, len(categories))
	seen := make(map[string]bool, len(categories))
	for _, category := range categories {
		target := domain.RegionTarget(region, category)
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
		}
		if seen[target.Category] {
			continue
		}
		seen[target.Category] = true
		targets = append(targets, target)
	}

	result := &RegionResult{Jobs: []domain.AcquisitionJob{}, Rejected: []Rejection{}}
	for _, target := range targets {
		h, err := s.submit(ctx, target, clientID)
		if err != nil {
			var aerr *admission.Error
			if errors.As(err, &aerr) {
				result.Rejected = append(result.Rejected, Rejection{Category: target.Category, Err: aerr})
				continue
			}
			return result, err
		}
		result.Jobs = append(result.Jobs, h.Job())
	}
	return result, nil
}

// ItemResult is the outcome of SubmitItem.
type ItemResult struct {
	Job    domain.AcquisitionJob
	Reused bool
}

// SubmitItem admits a job for one item. Unless force is set, an existing
// completed job for the item is returned instead.
func (s *Service) SubmitItem(ctx context.Context, clientID, itemID string, force bool) (*ItemResult, error) {
	target := domain.ItemTarget(itemID)
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	if !force {
		existing, err := s.store.LatestCompletedForItem(ctx, target.ItemID)
		switch {
		case err == nil:
			return &ItemResult{Job: *existing, Reused: true}, nil
		case !errors.Is(err, database.ErrJobNotFound):
			return nil, err
		}
	}

	h, err := s.submit(ctx, target, clientID)
	if err != nil {
		return nil, err
	}
	return &ItemResult{Job: h.Job()}, nil
}

// Origin links a job to the scheduler firing that created it.
type Origin struct {
	PolicyID       string
	ExecutionLogID string
}

// SubmitScheduled waits for admission and starts a job for a policy firing.
func (s *Service) SubmitScheduled(ctx context.Context, target domain.TargetKey, origin Origin) (*Handle, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	clientID := "scheduler:" + origin.PolicyID
	token, err := s.admitter.AdmitWait(ctx, target, clientID)
	if err != nil {
		return nil, err
	}

	job := s.newJob(target, clientID)
	job.PolicyID = &origin.PolicyID
	job.ExecutionLogID = &origin.ExecutionLogID
	return s.createAndRun(ctx, token, job)
}

func (s *Service) submit(ctx context.Context, target domain.TargetKey, clientID string) (*Handle, error) {
	token, err := s.admitter.TryAdmit(ctx, target, clientID)
	if err != nil {
		return nil, err
	}
	return s.createAndRun(ctx, token, s.newJob(target, clientID))
}

func (s *Service) newJob(target domain.TargetKey, clientID string) *domain.AcquisitionJob {
	return domain.NewAcquisitionJob(uuid.New().String(), target, clientID, s.cfg.MaxAttempts, s.now())
}

func (s *Service) createAndRun(ctx context.Context, token *admission.Token, job *domain.AcquisitionJob) (*Handle, error) {
	if err := s.store.Create(ctx, job); err != nil {
		token.Release()
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return s.Run(ctx, token, job)
}

// Run starts the retry coordinator for job in a goroutine that owns token.
// The goroutine outlives ctx; it stops only when the service shuts down.
func (s *Service) Run(ctx context.Context, token *admission.Token, job *domain.AcquisitionJob) (*Handle, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		token.Release()
		return nil, ErrShuttingDown
	}
	h := newHandle(job)
	s.handles[job.ID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.runCtx, cancel)

	working := *job
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer stop()
		defer token.Release()
		defer s.forget(job.ID)

		final, err := s.coord.RunWithRetry(jobCtx, &working, s.runner)
		if err != nil {
			s.log.Warn("Job stopped before reaching a terminal state",
				logger.JobID(job.ID),
				logger.Error(err),
			)
		}
		h.finish(final, err)
	}()

	return h, nil
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// Handle returns the live handle for a running job, if any.
func (s *Service) Handle(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Get returns a job snapshot.
func (s *Service) Get(ctx context.Context, id string) (*domain.AcquisitionJob, error) {
	return s.store.GetByID(ctx, id)
}

// List returns jobs newest first with the total matching count.
func (s *Service) List(ctx context.Context, state domain.JobState, limit, offset int) ([]*domain.AcquisitionJob, int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset = max(offset, 0)

	jobs, err := s.store.List(ctx, database.JobFilter{State: state, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Count(ctx, state)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// Count returns the number of jobs in state, or all jobs when state is empty.
func (s *Service) Count(ctx context.Context, state domain.JobState) (int, error) {
	return s.store.Count(ctx, state)
}

// Shutdown stops accepting work and waits for job goroutines. When ctx ends
// first the remaining jobs are cancelled and left running for reconciliation.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancelWait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		return nil
	case <-ctx.Done():
		s.cancelRun()
		<-done
		return ctx.Err()
	}
}
