// Package audit records admission decisions and acquisition outcomes.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonesrussell/north-cloud/acquirer/internal/domain"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
)

const (
	// sinkTimeout bounds a single sink write.
	sinkTimeout = 5 * time.Second
	// DefaultQueueSize is the pending-event capacity used by Start when none is given.
	DefaultQueueSize = 1024
)

// Sink persists audit events somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, e *domain.AuditEvent) error
}

type pending struct {
	ctx   context.Context
	event domain.AuditEvent
}

// Recorder fans events out to every sink. Sink failures are logged and
// counted but never fail the caller. Until Start is called, and after Close,
// Record writes inline. While started, Record only enqueues and a single
// goroutine drains the queue; events arriving on a full queue are dropped.
type Recorder struct {
	sinks   []Sink
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	queue  chan pending
	closed bool
	done   chan struct{}
}

// NewRecorder creates a recorder writing to sinks in order.
func NewRecorder(log logger.Logger, m *metrics.Metrics, sinks ...Sink) *Recorder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Recorder{
		sinks:   sinks,
		log:     log.With(logger.Component("audit")),
		metrics: m,
		now:     time.Now,
	}
}

// Start switches the recorder to queued delivery with room for size events.
// Calling it again has no effect.
func (r *Recorder) Start(size int) {
	if size <= 0 {
		size = DefaultQueueSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue != nil || r.closed {
		return
	}
	r.queue = make(chan pending, size)
	r.done = make(chan struct{})

	go r.drain(r.queue, r.done)
}

func (r *Recorder) drain(queue <-chan pending, done chan<- struct{}) {
	defer close(done)
	for p := range queue {
		r.write(p.ctx, p.event)
	}
}

// Close stops accepting queued events and waits for the queue to drain or
// ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed || r.queue == nil {
		r.closed = true
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit queue not drained: %w", ctx.Err())
	}
}

// Record assigns the event id and timestamp and hands it to the sinks.
func (r *Recorder) Record(ctx context.Context, e domain.AuditEvent) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}

	// Audit writes outlive a cancelled request.
	ctx = context.WithoutCancel(ctx)

	r.mu.RLock()
	if r.queue != nil && !r.closed {
		select {
		case r.queue <- pending{ctx: ctx, event: e}:
		default:
			r.metrics.RecordAuditDropped()
			r.log.Warn("Audit queue full, dropping event", logger.String("kind", string(e.Kind)))
		}
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.write(ctx, e)
}

func (r *Recorder) write(ctx context.Context, e domain.AuditEvent) {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	for _, sink := range r.sinks {
		if err := sink.Write(ctx, &e); err != nil {
			r.metrics.RecordAuditSinkError(sink.Name())
			r.log.Warn("Failed to write audit event",
				logger.String("sink", sink.Name()),
				logger.String("kind", string(e.Kind)),
				logger.Error(err),
			)
		}
	}
}

// Ptr returns a pointer to s, or nil when s is empty.
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
