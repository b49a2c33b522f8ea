package job

import (
	"context"
	"sync"

	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
)

// Handle tracks one job goroutine.
type Handle struct {
	id   string
	done chan struct{}

	mu  sync.Mutex
	job domain.AcquisitionJob
	err error
}

func newHandle(job *domain.AcquisitionJob) *Handle {
	return &Handle{id: job.ID, done: make(chan struct{}), job: *job}
}

// ID returns the job id.
func (h *Handle) ID() string { return h.id }

// Done is closed when the job goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Job returns the latest snapshot the goroutine reported.
func (h *Handle) Job() domain.AcquisitionJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

// Wait blocks until the job goroutine exits or ctx ends. The error is the
// coordinator's, set only when the job did not reach a terminal state.
func (h *Handle) Wait(ctx context.Context) (domain.AcquisitionJob, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return h.Job(), ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job, h.err
}

func (h *Handle) finish(job *domain.AcquisitionJob, err error) {
	h.mu.Lock()
	if job != nil {
		h.job = *job
	}
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
